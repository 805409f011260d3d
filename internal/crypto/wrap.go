package crypto

import (
	"encoding/base64"
	"fmt"

	"github.com/danmuck/taulink/internal/protocol/codec"
)

type wrappedKey struct {
	Algorithm string `cbor:"encryption"`
	Public    string `cbor:"public,omitempty"`
	Private   string `cbor:"private,omitempty"`
	Sym       []byte `cbor:"sym,omitempty"`
}

// WrapKey encrypts key under wrapper and returns base64 text. This is how a
// DEK travels to a peer under the peer's encryptor.
func (r *Registry) WrapKey(wrapper, key KeyStorage) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	raw, err := codec.Marshal(wrappedKey{
		Algorithm: key.Algorithm,
		Public:    key.Public,
		Private:   key.Private,
		Sym:       key.Sym,
	})
	if err != nil {
		return "", fmt.Errorf("crypto: encode key: %w", err)
	}
	ct, err := r.Encrypt(wrapper, raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// UnwrapKey reverses WrapKey with the private half of the wrapper.
func (r *Registry) UnwrapKey(wrapper KeyStorage, wrapped string) (KeyStorage, error) {
	ct, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return KeyStorage{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	raw, err := r.Decrypt(wrapper, ct)
	if err != nil {
		return KeyStorage{}, err
	}
	var w wrappedKey
	if err := codec.Unmarshal(raw, &w); err != nil {
		return KeyStorage{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	key := KeyStorage{Algorithm: w.Algorithm, Public: w.Public, Private: w.Private, Sym: w.Sym}
	if err := key.Validate(); err != nil {
		return KeyStorage{}, err
	}
	return key, nil
}
