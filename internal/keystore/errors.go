package keystore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is what a Store returns for a missing record.
	ErrNotFound      = errors.New("keystore: not found")
	ErrInvalidRecord = errors.New("keystore: invalid record")
	ErrStoreClosed   = errors.New("keystore: store closed")
)

// KeyStorageNotFoundError is the one expected failure of a load. Callers
// catch it to run key exchange instead of failing the operation.
type KeyStorageNotFoundError struct {
	Category Category
	Identity string
	Err      error
}

func (e *KeyStorageNotFoundError) Error() string {
	if e.Err == nil || errors.Is(e.Err, ErrNotFound) {
		return fmt.Sprintf("keystore: %s not found for %s", e.Category, e.Identity)
	}
	return fmt.Sprintf("keystore: %s not found for %s: %v", e.Category, e.Identity, e.Err)
}

func (e *KeyStorageNotFoundError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a KeyStorageNotFoundError.
func IsNotFound(err error) bool {
	var nf *KeyStorageNotFoundError
	return errors.As(err, &nf)
}
