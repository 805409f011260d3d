package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	eciesInfo       = "taulink-ecies-v1"
	eciesPointSize  = 32
	eciesNonceSize  = chacha20poly1305.NonceSize
	eciesMinWireLen = eciesPointSize + eciesNonceSize + chacha20poly1305.Overhead
)

// ECIES wraps data for an X25519 public key.
// Wire layout: ephemeral_pub[32] || nonce[12] || ciphertext.
// Keys are base64 encoded raw 32-byte scalars and points.
type ECIES struct{}

func (ECIES) Name() string { return "ECIES" }
func (ECIES) Kind() Kind   { return Asymmetric }

func (e ECIES) Generate() (KeyStorage, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyStorage{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyStorage{}, err
	}
	return KeyStorage{
		Algorithm: e.Name(),
		Public:    base64.StdEncoding.EncodeToString(pub),
		Private:   base64.StdEncoding.EncodeToString(priv),
	}, nil
}

func (ECIES) Encrypt(key KeyStorage, plaintext []byte) ([]byte, error) {
	recipient, err := decodePoint(key.Public, ErrMissingPublicKey)
	if err != nil {
		return nil, err
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, recipient)
	if err != nil {
		return nil, fmt.Errorf("crypto: ecies shared secret: %w", err)
	}
	aeadKey, err := eciesDeriveKey(shared, ephPub, recipient)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(aeadKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, eciesNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	wire := make([]byte, 0, eciesMinWireLen+len(plaintext))
	wire = append(wire, ephPub...)
	wire = append(wire, nonce...)
	return aead.Seal(wire, nonce, plaintext, nil), nil
}

func (ECIES) Decrypt(key KeyStorage, ciphertext []byte) ([]byte, error) {
	priv, err := decodePoint(key.Private, ErrMissingPrivateKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < eciesMinWireLen {
		return nil, ErrCiphertextTooShort
	}
	ephPub := ciphertext[:eciesPointSize]
	nonce := ciphertext[eciesPointSize : eciesPointSize+eciesNonceSize]
	body := ciphertext[eciesPointSize+eciesNonceSize:]

	ownPub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(priv, ephPub)
	if err != nil {
		return nil, ErrDecrypt
	}
	aeadKey, err := eciesDeriveKey(shared, ephPub, ownPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(aeadKey)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// eciesDeriveKey is HKDF-SHA256 salted with both public points.
func eciesDeriveKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	r := hkdf.New(sha256.New, shared, salt, []byte(eciesInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func decodePoint(raw string, missing error) ([]byte, error) {
	if raw == "" {
		return nil, missing
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: ecies key encoding: %w", err)
	}
	if len(b) != eciesPointSize {
		return nil, fmt.Errorf("crypto: ecies key length %d", len(b))
	}
	return b, nil
}
