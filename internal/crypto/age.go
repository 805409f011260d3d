package crypto

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// Age wraps data with age X25519 recipients.
// Public is the age1... recipient, Private the AGE-SECRET-KEY-1... identity.
type Age struct{}

func (Age) Name() string { return "AGE" }
func (Age) Kind() Kind   { return Asymmetric }

func (a Age) Generate() (KeyStorage, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return KeyStorage{}, fmt.Errorf("crypto: generate age identity: %w", err)
	}
	return KeyStorage{
		Algorithm: a.Name(),
		Public:    identity.Recipient().String(),
		Private:   identity.String(),
	}, nil
}

func (Age) Encrypt(key KeyStorage, plaintext []byte) ([]byte, error) {
	if key.Public == "" {
		return nil, ErrMissingPublicKey
	}
	recipient, err := age.ParseX25519Recipient(key.Public)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse age recipient: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("crypto: age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("crypto: age write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("crypto: age finalize: %w", err)
	}
	return buf.Bytes(), nil
}

func (Age) Decrypt(key KeyStorage, ciphertext []byte) ([]byte, error) {
	if key.Private == "" {
		return nil, ErrMissingPrivateKey
	}
	identity, err := age.ParseX25519Identity(key.Private)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse age identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	pt, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}
