// Package errors defines the store-layer faults shared by the adapters. They
// are infrastructure failures and are never used for business outcomes.
package errors

import (
	"context"
	"errors"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// Translate maps context deadline errors to ErrTimeout and returns any other
// error unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
