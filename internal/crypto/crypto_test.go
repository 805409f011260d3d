package crypto

import (
	"errors"
	"testing"

	"github.com/danmuck/taulink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoundTripEveryAlgorithm(t *testing.T) {
	testlog.Start(t)

	reg := DefaultRegistry()
	require.Equal(t, []string{"AES", "AGE", "CHACHA20", "ECIES"}, reg.Names())

	for _, name := range reg.Names() {
		key, err := reg.Generate(name)
		require.NoError(t, err, name)
		require.NoError(t, key.Validate(), name)

		ct, err := reg.EncryptString(key, "hello "+name)
		require.NoError(t, err, name)
		pt, err := reg.DecryptString(key, ct)
		require.NoError(t, err, name)
		require.Equal(t, "hello "+name, pt)
	}
}

func TestAsymmetricEncryptorCannotDecrypt(t *testing.T) {
	testlog.Start(t)

	reg := DefaultRegistry()
	for _, name := range []string{"ECIES", "AGE"} {
		key, err := reg.Generate(name)
		require.NoError(t, err)
		encryptor := key.PublicOnly()
		require.Empty(t, encryptor.Private)

		ct, err := reg.Encrypt(encryptor, []byte("dek"))
		require.NoError(t, err)
		_, err = reg.Decrypt(encryptor, ct)
		require.ErrorIs(t, err, ErrMissingPrivateKey, name)

		pt, err := reg.Decrypt(key, ct)
		require.NoError(t, err)
		require.Equal(t, "dek", string(pt))
	}
}

func TestWrongKeyFailsToDecrypt(t *testing.T) {
	testlog.Start(t)

	reg := DefaultRegistry()
	for _, name := range []string{"AES", "CHACHA20", "ECIES"} {
		a, err := reg.Generate(name)
		require.NoError(t, err)
		b, err := reg.Generate(name)
		require.NoError(t, err)
		ct, err := reg.Encrypt(a, []byte("secret"))
		require.NoError(t, err)
		_, err = reg.Decrypt(b, ct)
		require.ErrorIs(t, err, ErrDecrypt, name)
	}

	aes, err := reg.Generate("aes")
	require.NoError(t, err)
	_, err = reg.Decrypt(aes, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestUnknownAlgorithm(t *testing.T) {
	testlog.Start(t)

	reg := DefaultRegistry()
	_, err := reg.Generate("ROT13")
	var unknown *UnknownAlgorithmError
	if !errors.As(err, &unknown) || unknown.Name != "ROT13" {
		t.Fatalf("expected UnknownAlgorithmError, got %v", err)
	}
	require.ErrorIs(t, reg.Register(AES{}), ErrDuplicateAlgorithm)
}

func TestKeyStorageValidate(t *testing.T) {
	testlog.Start(t)

	require.ErrorIs(t, KeyStorage{Algorithm: "AES"}.Validate(), ErrEmptyKey)
	var unknown *UnknownAlgorithmError
	require.ErrorAs(t, KeyStorage{Sym: []byte{1}}.Validate(), &unknown)
	require.True(t, KeyStorage{Algorithm: "AES", Sym: []byte{1}}.IsSymmetric())
}

func TestWrapKeyUnderEncryptor(t *testing.T) {
	testlog.Start(t)

	reg := DefaultRegistry()
	personal, err := reg.Generate("ECIES")
	require.NoError(t, err)
	dek, err := reg.Generate("AES")
	require.NoError(t, err)

	wrapped, err := reg.WrapKey(personal.PublicOnly(), dek)
	require.NoError(t, err)

	_, err = reg.UnwrapKey(personal.PublicOnly(), wrapped)
	require.Error(t, err)

	got, err := reg.UnwrapKey(personal, wrapped)
	require.NoError(t, err)
	require.True(t, dek.Equal(got))
}
