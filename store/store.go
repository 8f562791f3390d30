// Package store defines the persistent side of a mailbox: the property
// model, restrictions, and the Mailbox contract implemented by the
// store/memory, store/sqlstore and store/mongo backends.
//
// A Mailbox is opened per mailbox path and is never used by two goroutines
// at the same time: the exmdb registry hands out one exclusively-locked
// handle per path. Implementations therefore do not need their own
// per-object locking, only the atomicity of single statements.
package store

import (
	"context"
	"slices"
)

// FolderType distinguishes ordinary folders from search folders.
type FolderType uint8

// Folder types.
const (
	FolderGeneric FolderType = iota + 1
	FolderSearch
)

// Folder is a folder record.
type Folder struct {
	ID       uint64
	ParentID uint64
	Type     FolderType
	Props    PropValues
	// Rules holds the rule table of the folder, one property set per rule.
	Rules []PropValues
}

// IsSearch reports whether the folder is a search folder.
func (f *Folder) IsSearch() bool { return f.Type == FolderSearch }

// Message is a message record.
type Message struct {
	ID         uint64
	FolderID   uint64
	Associated bool
	Props      PropValues
	// Recipients and Attachments are the sub-object lists shown by
	// recipient and attachment tables.
	Recipients  []PropValues
	Attachments []PropValues
}

// Clone returns a deep copy of the sub-object lists and property map.
func (m *Message) Clone() *Message {
	c := *m
	c.Props = m.Props.Clone()
	c.Recipients = cloneList(m.Recipients)
	c.Attachments = cloneList(m.Attachments)
	return &c
}

// Clone returns a deep copy.
func (f *Folder) Clone() *Folder {
	c := *f
	c.Props = f.Props.Clone()
	c.Rules = cloneList(f.Rules)
	return &c
}

func cloneList(l []PropValues) []PropValues {
	if l == nil {
		return nil
	}
	out := make([]PropValues, len(l))
	for i, p := range l {
		out[i] = p.Clone()
	}
	return out
}

// SearchFlags control a search folder's criteria.
type SearchFlags uint32

// Search flags.
const (
	// SearchRecursive includes every descendant of the scope folders.
	SearchRecursive SearchFlags = 1 << iota
	// SearchStatic populates once and is not kept current afterwards.
	SearchStatic
	// SearchStopped halts population and live updates.
	SearchStopped
	// SearchRestart clears the current results and repopulates.
	SearchRestart
)

// SearchCriteria is the persisted search specification of a search folder.
type SearchCriteria struct {
	FolderID    uint64
	Flags       SearchFlags
	Restriction *Restriction
	Scope       []uint64
}

// Live reports whether the folder is kept current incrementally.
func (c *SearchCriteria) Live() bool {
	return c.Flags&(SearchStatic|SearchStopped) == 0
}

// Clone returns a copy with its own scope slice.
func (c *SearchCriteria) Clone() *SearchCriteria {
	out := *c
	out.Scope = slices.Clone(c.Scope)
	return &out
}

// FolderStore provides folder persistence.
type FolderStore interface {
	// CreateFolder stores f and returns its newly allocated id.
	CreateFolder(ctx context.Context, f *Folder) (uint64, error)
	// GetFolder returns ErrNotFound for unknown ids.
	GetFolder(ctx context.Context, id uint64) (*Folder, error)
	// UpdateFolder merges props into the folder; nil values delete.
	UpdateFolder(ctx context.Context, id uint64, props PropValues) error
	// MoveFolder changes the parent of a folder.
	MoveFolder(ctx context.Context, id, parentID uint64) error
	// DeleteFolder removes the folder row, its search results and criteria.
	DeleteFolder(ctx context.Context, id uint64) error
	// ChildFolders lists the direct children of a folder.
	ChildFolders(ctx context.Context, parentID uint64) ([]uint64, error)
}

// MessageStore provides message persistence.
type MessageStore interface {
	// CreateMessage stores m and returns its newly allocated id.
	CreateMessage(ctx context.Context, m *Message) (uint64, error)
	// GetMessage returns ErrNotFound for unknown ids.
	GetMessage(ctx context.Context, id uint64) (*Message, error)
	// UpdateMessage merges props into the message; nil values delete.
	UpdateMessage(ctx context.Context, id uint64, props PropValues) error
	// MoveMessage changes the folder of a message.
	MoveMessage(ctx context.Context, id, folderID uint64) error
	// DeleteMessage removes the message and every search_result row
	// referencing it.
	DeleteMessage(ctx context.Context, id uint64) error
	// FolderMessages lists the ids of the messages in a folder, in id order.
	FolderMessages(ctx context.Context, folderID uint64) ([]uint64, error)
}

// SearchStore provides search folder membership and criteria.
type SearchStore interface {
	// SearchResults lists the members of a search folder, in id order.
	SearchResults(ctx context.Context, folderID uint64) ([]uint64, error)
	// AddSearchResult is an idempotent upsert. It reports whether the row
	// was newly inserted.
	AddSearchResult(ctx context.Context, folderID, messageID uint64) (bool, error)
	// RemoveSearchResult reports whether a row was removed.
	RemoveSearchResult(ctx context.Context, folderID, messageID uint64) (bool, error)
	// ClearSearchResults removes every member of a search folder.
	ClearSearchResults(ctx context.Context, folderID uint64) error
	// SearchFoldersOf lists the search folders a message is a member of.
	SearchFoldersOf(ctx context.Context, messageID uint64) ([]uint64, error)

	// SaveSearchCriteria creates or replaces the criteria of a search folder.
	SaveSearchCriteria(ctx context.Context, c *SearchCriteria) error
	// LoadSearchCriteria returns ErrNotFound when none were set.
	LoadSearchCriteria(ctx context.Context, folderID uint64) (*SearchCriteria, error)
	// AllSearchCriteria returns every persisted criteria record.
	AllSearchCriteria(ctx context.Context) ([]*SearchCriteria, error)
	// DeleteSearchCriteria removes the criteria of a search folder.
	DeleteSearchCriteria(ctx context.Context, folderID uint64) error
}

// Mailbox is the durable store of one mailbox.
//
// Composed of:
//   - FolderStore: folder rows and parent links
//   - MessageStore: message rows
//   - SearchStore: search_result membership and persisted criteria
type Mailbox interface {
	FolderStore
	MessageStore
	SearchStore

	// Path returns the normalized mailbox path the store was opened for.
	Path() string
	// Ping checks the underlying connection.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// Opener opens the Mailbox for a path.
type Opener interface {
	Open(ctx context.Context, path string) (Mailbox, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, path string) (Mailbox, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, path string) (Mailbox, error) { return f(ctx, path) }

// Ancestors returns the chain of parent ids of folderID, nearest first,
// excluding folderID itself.
func Ancestors(ctx context.Context, fs FolderStore, folderID uint64) ([]uint64, error) {
	var out []uint64
	seen := map[uint64]bool{folderID: true}
	id := folderID
	for {
		f, err := fs.GetFolder(ctx, id)
		if err != nil {
			return nil, err
		}
		if f.ParentID == 0 || seen[f.ParentID] {
			return out, nil
		}
		seen[f.ParentID] = true
		out = append(out, f.ParentID)
		id = f.ParentID
	}
}
