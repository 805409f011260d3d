// Package crypto holds the pluggable encryption algorithms keyed by name.
//
// Key material travels as KeyStorage: asymmetric algorithms fill Public and
// Private, symmetric algorithms fill Sym. A KeyStorage with only Public set is
// an encryptor; it can wrap data for its owner but not unwrap it.
package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Kind int

const (
	Symmetric Kind = iota + 1
	Asymmetric
)

func (k Kind) String() string {
	switch k {
	case Symmetric:
		return "symmetric"
	case Asymmetric:
		return "asymmetric"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyKey           = errors.New("crypto: empty key material")
	ErrMissingPrivateKey  = errors.New("crypto: private key required")
	ErrMissingPublicKey   = errors.New("crypto: public key required")
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecrypt            = errors.New("crypto: decryption failed")
	ErrDuplicateAlgorithm = errors.New("crypto: algorithm already registered")
)

// UnknownAlgorithmError reports a name no registered Algorithm answers to.
type UnknownAlgorithmError struct {
	Name string
}

func (e *UnknownAlgorithmError) Error() string {
	return fmt.Sprintf("crypto: unknown algorithm %q", e.Name)
}

// KeyStorage is key material tagged with the algorithm that uses it.
type KeyStorage struct {
	Algorithm string
	Public    string
	Private   string
	Sym       []byte
}

func (k KeyStorage) IsSymmetric() bool {
	return len(k.Sym) > 0
}

// PublicOnly strips the private half.
func (k KeyStorage) PublicOnly() KeyStorage {
	return KeyStorage{Algorithm: k.Algorithm, Public: k.Public}
}

func (k KeyStorage) Equal(o KeyStorage) bool {
	return k.Algorithm == o.Algorithm &&
		k.Public == o.Public &&
		k.Private == o.Private &&
		string(k.Sym) == string(o.Sym)
}

func (k KeyStorage) Validate() error {
	if strings.TrimSpace(k.Algorithm) == "" {
		return &UnknownAlgorithmError{Name: k.Algorithm}
	}
	if len(k.Sym) == 0 && k.Public == "" && k.Private == "" {
		return ErrEmptyKey
	}
	return nil
}

// KeyEntry pairs key material with its identifier. Treat as immutable.
type KeyEntry struct {
	ID  uuid.UUID
	Key KeyStorage
}

// Algorithm is one named cipher.
type Algorithm interface {
	Name() string
	Kind() Kind
	Generate() (KeyStorage, error)
	Encrypt(key KeyStorage, plaintext []byte) ([]byte, error)
	Decrypt(key KeyStorage, ciphertext []byte) ([]byte, error)
}

// Registry resolves algorithms by name. Names are case-insensitive.
type Registry struct {
	mu   sync.RWMutex
	algs map[string]Algorithm
}

func NewRegistry(algs ...Algorithm) (*Registry, error) {
	r := &Registry{algs: make(map[string]Algorithm, len(algs))}
	for _, alg := range algs {
		if err := r.Register(alg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry carries every built-in algorithm.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(AES{}, ChaCha20{}, ECIES{}, Age{})
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Register(alg Algorithm) error {
	name := normalizeName(alg.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.algs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAlgorithm, name)
	}
	r.algs[name] = alg
	return nil
}

func (r *Registry) Lookup(name string) (Algorithm, error) {
	r.mu.RLock()
	alg, ok := r.algs[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownAlgorithmError{Name: name}
	}
	return alg, nil
}

// Names lists registered algorithm names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.algs))
	for _, alg := range r.algs {
		out = append(out, alg.Name())
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Generate(name string) (KeyStorage, error) {
	alg, err := r.Lookup(name)
	if err != nil {
		return KeyStorage{}, err
	}
	return alg.Generate()
}

// Encrypt uses the algorithm named by key.
func (r *Registry) Encrypt(key KeyStorage, plaintext []byte) ([]byte, error) {
	alg, err := r.Lookup(key.Algorithm)
	if err != nil {
		return nil, err
	}
	return alg.Encrypt(key, plaintext)
}

func (r *Registry) Decrypt(key KeyStorage, ciphertext []byte) ([]byte, error) {
	alg, err := r.Lookup(key.Algorithm)
	if err != nil {
		return nil, err
	}
	return alg.Decrypt(key, ciphertext)
}

// EncryptString returns base64 ciphertext for text payloads on the wire.
func (r *Registry) EncryptString(key KeyStorage, plaintext string) (string, error) {
	ct, err := r.Encrypt(key, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (r *Registry) DecryptString(key KeyStorage, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	pt, err := r.Decrypt(key, raw)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
