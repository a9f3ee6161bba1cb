package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned by Add when the key is already stored.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrNotFound is returned when no record is stored under the key.
	ErrNotFound = errors.New("record not found")
	// ErrInsufficientCopies is returned by Borrow when no copies are left.
	ErrInsufficientCopies = errors.New("no copies available")
	// ErrAuditUnsupported is returned by Audit when the cache cannot list its
	// entries.
	ErrAuditUnsupported = errors.New("inventory: cache does not support audit")
)

// KeyError records a business outcome together with the operation and key
// that produced it.
type KeyError struct {
	Op  string
	Key string
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("inventory: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

func keyErr(op, key string, err error) error {
	return &KeyError{Op: op, Key: key, Err: err}
}
