package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const symmetricKeySize = 32

// AES is AES-256-GCM with a random nonce prefixed to the ciphertext.
type AES struct{}

func (AES) Name() string { return "AES" }
func (AES) Kind() Kind   { return Symmetric }

func (a AES) Generate() (KeyStorage, error) {
	return generateSymmetric(a.Name())
}

func (AES) Encrypt(key KeyStorage, plaintext []byte) ([]byte, error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	return seal(aead, plaintext)
}

func (AES) Decrypt(key KeyStorage, ciphertext []byte) ([]byte, error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	return open(aead, ciphertext)
}

func newAESGCM(key KeyStorage) (cipher.AEAD, error) {
	if len(key.Sym) == 0 {
		return nil, ErrEmptyKey
	}
	block, err := aes.NewCipher(key.Sym)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes key: %w", err)
	}
	return cipher.NewGCM(block)
}

// ChaCha20 is XChaCha20-Poly1305; the 24-byte nonce is safe to draw at random.
type ChaCha20 struct{}

func (ChaCha20) Name() string { return "CHACHA20" }
func (ChaCha20) Kind() Kind   { return Symmetric }

func (c ChaCha20) Generate() (KeyStorage, error) {
	return generateSymmetric(c.Name())
}

func (ChaCha20) Encrypt(key KeyStorage, plaintext []byte) ([]byte, error) {
	aead, err := newXChaCha(key)
	if err != nil {
		return nil, err
	}
	return seal(aead, plaintext)
}

func (ChaCha20) Decrypt(key KeyStorage, ciphertext []byte) ([]byte, error) {
	aead, err := newXChaCha(key)
	if err != nil {
		return nil, err
	}
	return open(aead, ciphertext)
}

func newXChaCha(key KeyStorage) (cipher.AEAD, error) {
	if len(key.Sym) == 0 {
		return nil, ErrEmptyKey
	}
	aead, err := chacha20poly1305.NewX(key.Sym)
	if err != nil {
		return nil, fmt.Errorf("crypto: chacha20 key: %w", err)
	}
	return aead, nil
}

func generateSymmetric(name string) (KeyStorage, error) {
	sym := make([]byte, symmetricKeySize)
	if _, err := rand.Read(sym); err != nil {
		return KeyStorage{}, err
	}
	return KeyStorage{Algorithm: name, Sym: sym}, nil
}

// seal lays out nonce || ciphertext.
func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(aead cipher.AEAD, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
