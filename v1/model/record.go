// Package model holds the inventory record shared by stores, caches and the
// inventory service.
package model

import "errors"

var (
	ErrEmptyKey       = errors.New("model: record key is empty")
	ErrNegativeCopies = errors.New("model: available copies cannot be negative")
)

// Record is a single inventory entry. Key is the immutable identity (an
// ISBN-like string); Title, Author and PublicationYear are descriptive and are
// never interpreted by the inventory service except Author, which backs the
// find-by-author query.
type Record struct {
	Key             string `json:"isbn"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	PublicationYear int    `json:"publicationYear"`
	AvailableCopies int    `json:"availableCopies"`
}

// Validate reports whether r satisfies the record invariants.
func (r Record) Validate() error {
	if r.Key == "" {
		return ErrEmptyKey
	}
	if r.AvailableCopies < 0 {
		return ErrNegativeCopies
	}
	return nil
}
