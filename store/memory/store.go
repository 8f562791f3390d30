// Package memory provides an in-memory Opener for testing.
// Data is kept per mailbox path for the lifetime of the Opener, so a
// mailbox that is evicted and reopened sees its earlier contents.
// Not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/exmdb/store"
)

// Compile-time checks
var (
	_ store.Opener  = (*Opener)(nil)
	_ store.Mailbox = (*Mailbox)(nil)
)

// Opener hands out Mailboxes backed by process memory.
type Opener struct {
	mu        sync.Mutex
	mailboxes map[string]*data
	openErr   error
	opens     atomic.Int64
}

// New creates a new in-memory opener.
func New() *Opener {
	return &Opener{mailboxes: make(map[string]*data)}
}

// SetOpenError makes subsequent Open calls fail with err (nil restores).
func (o *Opener) SetOpenError(err error) {
	o.mu.Lock()
	o.openErr = err
	o.mu.Unlock()
}

// Opens returns how many times Open succeeded.
func (o *Opener) Opens() int64 { return o.opens.Load() }

// Open returns the mailbox for path, creating empty contents on first use.
func (o *Opener) Open(_ context.Context, path string) (store.Mailbox, error) {
	if path == "" {
		return nil, store.ErrInvalidPath
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	d, ok := o.mailboxes[path]
	if !ok {
		d = newData()
		o.mailboxes[path] = d
	}
	o.opens.Add(1)
	return &Mailbox{path: path, d: d}, nil
}

type data struct {
	mu       sync.RWMutex
	nextID   uint64
	folders  map[uint64]*store.Folder
	messages map[uint64]*store.Message
	results  map[uint64]map[uint64]struct{} // search folder -> members
	criteria map[uint64]*store.SearchCriteria
}

func newData() *data {
	return &data{
		folders:  make(map[uint64]*store.Folder),
		messages: make(map[uint64]*store.Message),
		results:  make(map[uint64]map[uint64]struct{}),
		criteria: make(map[uint64]*store.SearchCriteria),
	}
}

// Mailbox implements store.Mailbox in memory.
type Mailbox struct {
	path   string
	d      *data
	closed atomic.Bool
	broken atomic.Bool
}

// Path returns the mailbox path.
func (m *Mailbox) Path() string { return m.path }

// Ping fails after Close or Break.
func (m *Mailbox) Ping(_ context.Context) error {
	if m.closed.Load() || m.broken.Load() {
		return store.ErrNotConnected
	}
	return nil
}

// Break simulates a lost connection: Ping and every operation fail.
func (m *Mailbox) Break() { m.broken.Store(true) }

// Close marks the mailbox closed.
func (m *Mailbox) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Mailbox) check() error {
	if m.closed.Load() || m.broken.Load() {
		return store.ErrNotConnected
	}
	return nil
}

// =============================================================================
// Folder Operations
// =============================================================================

func (m *Mailbox) CreateFolder(_ context.Context, f *store.Folder) (uint64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if f.ParentID != 0 {
		if _, ok := m.d.folders[f.ParentID]; !ok {
			return 0, store.ErrNotFound
		}
	}
	m.d.nextID++
	c := f.Clone()
	c.ID = m.d.nextID
	if c.Type == 0 {
		c.Type = store.FolderGeneric
	}
	if c.Props == nil {
		c.Props = store.PropValues{}
	}
	m.d.folders[c.ID] = c
	return c.ID, nil
}

func (m *Mailbox) GetFolder(_ context.Context, id uint64) (*store.Folder, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.d.mu.RLock()
	defer m.d.mu.RUnlock()
	f, ok := m.d.folders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f.Clone(), nil
}

func (m *Mailbox) UpdateFolder(_ context.Context, id uint64, props store.PropValues) error {
	if err := m.check(); err != nil {
		return err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	f, ok := m.d.folders[id]
	if !ok {
		return store.ErrNotFound
	}
	f.Props.Merge(props)
	return nil
}

func (m *Mailbox) MoveFolder(_ context.Context, id, parentID uint64) error {
	if err := m.check(); err != nil {
		return err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	f, ok := m.d.folders[id]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := m.d.folders[parentID]; !ok {
		return store.ErrNotFound
	}
	f.ParentID = parentID
	return nil
}

func (m *Mailbox) DeleteFolder(_ context.Context, id uint64) error {
	if err := m.check(); err != nil {
		return err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.folders[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.d.folders, id)
	delete(m.d.results, id)
	delete(m.d.criteria, id)
	return nil
}

func (m *Mailbox) ChildFolders(_ context.Context, parentID uint64) ([]uint64, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.d.mu.RLock()
	defer m.d.mu.RUnlock()
	var ids []uint64
	for id, f := range m.d.folders {
		if f.ParentID == parentID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// =============================================================================
// Message Operations
// =============================================================================

func (m *Mailbox) CreateMessage(_ context.Context, msg *store.Message) (uint64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.folders[msg.FolderID]; !ok {
		return 0, store.ErrNotFound
	}
	m.d.nextID++
	c := msg.Clone()
	c.ID = m.d.nextID
	if c.Props == nil {
		c.Props = store.PropValues{}
	}
	m.d.messages[c.ID] = c
	return c.ID, nil
}

func (m *Mailbox) GetMessage(_ context.Context, id uint64) (*store.Message, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.d.mu.RLock()
	defer m.d.mu.RUnlock()
	msg, ok := m.d.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return msg.Clone(), nil
}

func (m *Mailbox) UpdateMessage(_ context.Context, id uint64, props store.PropValues) error {
	if err := m.check(); err != nil {
		return err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	msg, ok := m.d.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	msg.Props.Merge(props)
	return nil
}

func (m *Mailbox) MoveMessage(_ context.Context, id, folderID uint64) error {
	if err := m.check(); err != nil {
		return err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	msg, ok := m.d.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := m.d.folders[folderID]; !ok {
		return store.ErrNotFound
	}
	msg.FolderID = folderID
	return nil
}

func (m *Mailbox) DeleteMessage(_ context.Context, id uint64) error {
	if err := m.check(); err != nil {
		return err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.messages[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.d.messages, id)
	for _, members := range m.d.results {
		delete(members, id)
	}
	return nil
}

func (m *Mailbox) FolderMessages(_ context.Context, folderID uint64) ([]uint64, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.d.mu.RLock()
	defer m.d.mu.RUnlock()
	var ids []uint64
	for id, msg := range m.d.messages {
		if msg.FolderID == folderID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// =============================================================================
// Search Operations
// =============================================================================

func (m *Mailbox) SearchResults(_ context.Context, folderID uint64) ([]uint64, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.d.mu.RLock()
	defer m.d.mu.RUnlock()
	ids := slices.Collect(maps.Keys(m.d.results[folderID]))
	slices.Sort(ids)
	return ids, nil
}

func (m *Mailbox) AddSearchResult(_ context.Context, folderID, messageID uint64) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	members, ok := m.d.results[folderID]
	if !ok {
		members = make(map[uint64]struct{})
		m.d.results[folderID] = members
	}
	if _, ok := members[messageID]; ok {
		return false, nil
	}
	members[messageID] = struct{}{}
	return true, nil
}

func (m *Mailbox) RemoveSearchResult(_ context.Context, folderID, messageID uint64) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	members := m.d.results[folderID]
	if _, ok := members[messageID]; !ok {
		return false, nil
	}
	delete(members, messageID)
	return true, nil
}

func (m *Mailbox) ClearSearchResults(_ context.Context, folderID uint64) error {
	if err := m.check(); err != nil {
		return err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	delete(m.d.results, folderID)
	return nil
}

func (m *Mailbox) SearchFoldersOf(_ context.Context, messageID uint64) ([]uint64, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.d.mu.RLock()
	defer m.d.mu.RUnlock()
	var ids []uint64
	for folderID, members := range m.d.results {
		if _, ok := members[messageID]; ok {
			ids = append(ids, folderID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *Mailbox) SaveSearchCriteria(_ context.Context, c *store.SearchCriteria) error {
	if err := m.check(); err != nil {
		return err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.folders[c.FolderID]; !ok {
		return store.ErrNotFound
	}
	m.d.criteria[c.FolderID] = c.Clone()
	return nil
}

func (m *Mailbox) LoadSearchCriteria(_ context.Context, folderID uint64) (*store.SearchCriteria, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.d.mu.RLock()
	defer m.d.mu.RUnlock()
	c, ok := m.d.criteria[folderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Mailbox) AllSearchCriteria(_ context.Context) ([]*store.SearchCriteria, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.d.mu.RLock()
	defer m.d.mu.RUnlock()
	out := make([]*store.SearchCriteria, 0, len(m.d.criteria))
	for _, c := range m.d.criteria {
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *store.SearchCriteria) int {
		switch {
		case a.FolderID < b.FolderID:
			return -1
		case a.FolderID > b.FolderID:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

func (m *Mailbox) DeleteSearchCriteria(_ context.Context, folderID uint64) error {
	if err := m.check(); err != nil {
		return err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	delete(m.d.criteria, folderID)
	return nil
}
