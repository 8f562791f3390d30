package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a folder, message or criteria record cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrInvalidPath is returned when a mailbox path is empty or malformed.
	ErrInvalidPath = errors.New("store: invalid path")

	// ErrNotConnected is returned when a closed store is used.
	ErrNotConnected = errors.New("store: not connected")

	// ErrInvalidValue is returned when a property value does not match its tag type.
	ErrInvalidValue = errors.New("store: invalid property value")

	// ErrInvalidRestriction is returned for malformed restriction trees.
	ErrInvalidRestriction = errors.New("store: invalid restriction")

	// ErrTransactionFailed is returned when a database transaction fails.
	// This indicates the atomic operation could not complete and no changes were made.
	ErrTransactionFailed = errors.New("store: transaction failed")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidID(err error) bool {
	return errors.Is(err, ErrInvalidID)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
