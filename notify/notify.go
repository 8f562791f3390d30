// Package notify matches mailbox events against the subscriptions of remote
// observers and hands the resulting notifications to sinks.
//
// Subscriptions live in memory only. Each event is delivered at most once
// to every observer holding a matching subscription, and never retried.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rbaliyan/exmdb/store"
	"github.com/rbaliyan/exmdb/table"
)

// Sentinel errors for the notify package.
var (
	ErrInvalidSubscription  = errors.New("notify: invalid subscription")
	ErrSubscriptionNotFound = errors.New("notify: subscription not found")
)

// EventType is a bitmask of mailbox event kinds.
type EventType uint32

// Event types.
const (
	NewMail EventType = 1 << iota
	ObjectCreated
	ObjectDeleted
	ObjectModified
	ObjectMoved
	SearchComplete

	AllEvents = NewMail | ObjectCreated | ObjectDeleted | ObjectModified | ObjectMoved | SearchComplete
)

var typeNames = []struct {
	t    EventType
	name string
}{
	{NewMail, "new-mail"},
	{ObjectCreated, "created"},
	{ObjectDeleted, "deleted"},
	{ObjectModified, "modified"},
	{ObjectMoved, "moved"},
	{SearchComplete, "search-complete"},
}

func (t EventType) String() string {
	var parts []string
	for _, n := range typeNames {
		if t&n.t != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Event is one logical change to a mailbox.
//
// For message events Folder holds the message and Message is set. For
// folder events Folder is the folder itself and Parent its parent. Moves
// carry the previous container in OldFolder.
type Event struct {
	Type      EventType
	Path      string
	Folder    uint64
	Message   uint64
	Parent    uint64
	OldFolder uint64
	// Tags lists the modified properties of ObjectModified events.
	Tags []store.PropTag
	Time time.Time
}

// IsFolderEvent reports whether the event concerns a folder.
func (e Event) IsFolderEvent() bool { return e.Message == 0 }

// Subscription is the filter of one remote observer.
type Subscription struct {
	ID string
	// Observer is the opaque id of the remote party notifications go to.
	Observer string
	Path     string
	Types    EventType
	// WholeStore matches every object of the mailbox. Otherwise Message,
	// when set, or Folder restricts the scope.
	WholeStore bool
	Folder     uint64
	Message    uint64
	Created    time.Time
}

// Validate checks that the subscription can ever match.
func (s *Subscription) Validate() error {
	switch {
	case s.Observer == "":
		return fmt.Errorf("%w: observer is required", ErrInvalidSubscription)
	case s.Path == "":
		return fmt.Errorf("%w: path is required", ErrInvalidSubscription)
	case s.Types&AllEvents == 0:
		return fmt.Errorf("%w: no event types", ErrInvalidSubscription)
	case !s.WholeStore && s.Folder == 0 && s.Message == 0:
		return fmt.Errorf("%w: no scope", ErrInvalidSubscription)
	}
	return nil
}

// Matches reports whether ev falls under the subscription.
func (s *Subscription) Matches(ev Event) bool {
	if s.Path != ev.Path || s.Types&ev.Type == 0 {
		return false
	}
	switch {
	case s.WholeStore:
		return true
	case s.Message != 0:
		return ev.Message == s.Message
	case ev.IsFolderEvent():
		return s.Folder == ev.Folder || s.Folder == ev.Parent || s.Folder == ev.OldFolder
	default:
		return s.Folder == ev.Folder || s.Folder == ev.OldFolder
	}
}

// Notification is an event matched to one observer.
type Notification struct {
	Observer       string
	SubscriptionID string
	Event          Event
}

// TableNotification is a row change of a live table loaded by an observer.
type TableNotification struct {
	Observer string
	Path     string
	Table    uint32
	Event    table.Event
}
