package exmdb

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/exmdb/notify"
	"github.com/rbaliyan/exmdb/store"
	"github.com/rbaliyan/exmdb/table"
)

// Sentinel errors for the exmdb package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, exmdb.ErrNotFound) will match both service-level
// and store-level "not found" errors.
var (
	// ErrNotFound is returned when a folder, message or table cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("exmdb: %w", store.ErrNotFound)

	// ErrInvalidPath is returned for empty or malformed mailbox paths.
	// Wraps store.ErrInvalidPath for consistent error checking.
	ErrInvalidPath = fmt.Errorf("exmdb: %w", store.ErrInvalidPath)

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("exmdb: %w", store.ErrNotConnected)

	// ErrInvalidRestriction is returned for malformed restrictions.
	// Wraps store.ErrInvalidRestriction for consistent error checking.
	ErrInvalidRestriction = fmt.Errorf("exmdb: %w", store.ErrInvalidRestriction)

	// ErrOpenerRequired is returned when no store opener is configured.
	ErrOpenerRequired = errors.New("exmdb: store opener is required")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("exmdb: already connected")

	// ErrRegistryFull is returned when a new mailbox would exceed the
	// handle capacity.
	ErrRegistryFull = errors.New("exmdb: store handle registry full")

	// ErrTooManyWaiters is returned when too many callers queue on one mailbox.
	ErrTooManyWaiters = errors.New("exmdb: too many waiters on store handle")

	// ErrAcquireTimeout is returned when a mailbox stayed busy for longer
	// than the acquire timeout.
	ErrAcquireTimeout = errors.New("exmdb: store handle acquire timeout")

	// ErrStaleHandle is returned when a mailbox was evicted while the caller
	// waited for it.
	ErrStaleHandle = errors.New("exmdb: store handle evicted")

	// ErrEvictTimeout is returned by ForceEvict when the mailbox stayed in
	// use for the whole retry budget.
	ErrEvictTimeout = errors.New("exmdb: store handle still in use")

	// ErrFolderNotEmpty is returned when deleting a folder that still holds
	// subfolders or messages.
	ErrFolderNotEmpty = errors.New("exmdb: folder not empty")

	// ErrSearchFolder is returned when an operation needs an ordinary folder
	// but got a search folder.
	ErrSearchFolder = errors.New("exmdb: operation not allowed on search folder")

	// ErrNotSearchFolder is returned when search criteria are set on an
	// ordinary folder.
	ErrNotSearchFolder = errors.New("exmdb: not a search folder")

	// ErrInvalidCriteria is returned for search criteria without a scope or
	// with a scope that includes the search folder itself.
	ErrInvalidCriteria = errors.New("exmdb: invalid search criteria")

	// ErrInvalidMove is returned when a folder would be moved below itself.
	ErrInvalidMove = errors.New("exmdb: invalid folder move")

	// ErrTableNotFound is returned for unknown table ids.
	ErrTableNotFound = errors.New("exmdb: table not found")

	// ErrInvalidTableType is returned when a row operation does not apply
	// to the table type.
	ErrInvalidTableType = errors.New("exmdb: operation not supported by table type")

	// ErrInvalidObserver is returned when a table is loaded without an
	// observer id.
	ErrInvalidObserver = errors.New("exmdb: observer is required")
)

// wrapStore maps store sentinels to the service errors that wrap them.
func wrapStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotConnected), errors.Is(err, ErrInvalidPath):
		return err
	case errors.Is(err, store.ErrNotFound):
		return wrapSentinel(ErrNotFound, store.ErrNotFound, err)
	case errors.Is(err, store.ErrNotConnected):
		return wrapSentinel(ErrNotConnected, store.ErrNotConnected, err)
	case errors.Is(err, store.ErrInvalidPath):
		return wrapSentinel(ErrInvalidPath, store.ErrInvalidPath, err)
	}
	return err
}

func wrapSentinel(svc, st, err error) error {
	if err == st {
		return svc
	}
	return fmt.Errorf("%w: %w", svc, err)
}

// IsRetryableError determines if an error is retryable.
// Returns true for busy or temporarily unavailable mailboxes, false for
// permanent errors. Handles both service-level and store-level errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	permanentErrors := []error{
		ErrNotFound,
		ErrInvalidPath,
		ErrInvalidRestriction,
		ErrOpenerRequired,
		ErrFolderNotEmpty,
		ErrSearchFolder,
		ErrNotSearchFolder,
		ErrInvalidCriteria,
		ErrInvalidMove,
		ErrTableNotFound,
		ErrInvalidTableType,
		ErrInvalidObserver,
		store.ErrNotFound,
		store.ErrInvalidID,
		store.ErrInvalidPath,
		store.ErrInvalidValue,
		store.ErrInvalidRestriction,
		table.ErrInvalidSort,
		table.ErrInvalidRow,
		table.ErrNotHeader,
		notify.ErrInvalidSubscription,
		notify.ErrSubscriptionNotFound,
	}
	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}

	retryableErrors := []error{
		ErrAcquireTimeout,          // Mailbox was busy
		ErrStaleHandle,             // Next acquire reopens the mailbox
		ErrNotConnected,            // Connection can be re-established
		ErrRegistryFull,            // Idle handles are evicted over time
		ErrTooManyWaiters,          // Queue drains
		ErrEvictTimeout,            // Holder finishes eventually
		store.ErrNotConnected,      // Store connection can be re-established
		store.ErrTransactionFailed, // Transaction can be retried
	}
	for _, retryErr := range retryableErrors {
		if errors.Is(err, retryErr) {
			return true
		}
	}

	// For unknown errors, default to retryable (conservative approach)
	// as they might be transient network/timeout issues
	return true
}

// isBusy reports whether err only means the mailbox could not be acquired
// right now.
func isBusy(err error) bool {
	return errors.Is(err, ErrAcquireTimeout) || errors.Is(err, ErrTooManyWaiters) || errors.Is(err, ErrStaleHandle)
}

// EventPublishError is returned when event publishing fails but the operation succeeded.
type EventPublishError struct {
	Event    string // The event name (e.g., "ObjectNotification")
	Observer string // The observer the notification was for
	Err      error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("exmdb: event %s publish failed for observer %s: %v", e.Event, e.Observer, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError checks if the error is an event publish error and returns details.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}
