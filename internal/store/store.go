package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Desk operations
	SaveDesk(desk *Desk) error
	GetDesk(address string) (*Desk, error)
	DeleteDesk(address string) error
	ListDesks() ([]*Desk, error)

	// UpdateDesk atomically reads, modifies, and saves a desk in a single
	// transaction. Returns ErrNotFound if the desk does not exist.
	UpdateDesk(address string, fn func(desk *Desk) error) error

	// ClientID returns the identity this daemon claims on desks, creating
	// and persisting one on first use.
	ClientID() ([]byte, error)

	// Close the store
	Close() error
}
