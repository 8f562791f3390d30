// Package table implements live tables: sorted, optionally categorized
// views over the folders, messages or sub-objects of a mailbox that are
// maintained incrementally as the underlying objects change.
//
// Rows live in an arena. Each row links to its parent and to its previous
// and next sibling, and every mutation ends with a single traversal that
// renumbers the visible rows. Mutations return the minimal list of row
// events a remote observer needs to patch a cached view.
//
// A Table is not safe for concurrent use; the caller holds the mailbox
// lock while touching it.
package table

import (
	"context"
	"errors"
	"slices"

	"github.com/rbaliyan/exmdb/store"
)

// Sentinel errors for the table package.
var (
	ErrInvalidSort = errors.New("table: invalid sort order")
	ErrInvalidRow  = errors.New("table: invalid row")
	ErrNotHeader   = errors.New("table: row is not a category header")
	ErrInvariant   = errors.New("table: invariant violated")
)

// Type is the kind of objects a table shows.
type Type uint8

// Table types.
const (
	TypeHierarchy Type = iota + 1
	TypeContent
	TypeAttachment
	TypeRecipient
	TypeRule
)

func (t Type) String() string {
	switch t {
	case TypeHierarchy:
		return "hierarchy"
	case TypeContent:
		return "content"
	case TypeAttachment:
		return "attachment"
	case TypeRecipient:
		return "recipient"
	case TypeRule:
		return "rule"
	default:
		return "unknown"
	}
}

// Flags modify table behavior.
type Flags uint32

// Table flags.
const (
	// FlagNotifyless suppresses row events.
	FlagNotifyless Flags = 1 << iota
	// FlagAssociated shows folder associated information instead of
	// normal messages.
	FlagAssociated
	// FlagDepth makes a hierarchy table include every descendant folder,
	// each placed after its parent.
	FlagDepth
	// FlagCollapsed makes new category headers start collapsed.
	FlagCollapsed
)

// HeaderPolicy decides what happens to a category header whose last leaf
// is deleted.
type HeaderPolicy uint8

// Header policies.
const (
	// RemoveEmptyHeaders deletes emptied headers bottom-up, each with a
	// row-deleted event.
	RemoveEmptyHeaders HeaderPolicy = iota
	// KeepEmptyHeaders leaves emptied headers in place with a zero count
	// and no extremum.
	KeepEmptyHeaders
)

// Source provides the properties of the objects shown by a table.
// Props returns store.ErrNotFound for objects that no longer exist.
type Source interface {
	Props(ctx context.Context, id uint64, tags []store.PropTag) (store.PropValues, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, id uint64, tags []store.PropTag) (store.PropValues, error)

// Props calls f.
func (f SourceFunc) Props(ctx context.Context, id uint64, tags []store.PropTag) (store.PropValues, error) {
	return f(ctx, id, tags)
}

// Config describes a table.
type Config struct {
	ID   uint32
	Type Type
	// Owner is the folder of hierarchy and content tables, or the message
	// (folder for rule tables) owning the sub-objects.
	Owner        uint64
	Flags        Flags
	Sort         SortSpec
	Restriction  *store.Restriction
	HeaderPolicy HeaderPolicy
}

// Table is a live table.
type Table struct {
	cfg  Config
	sort SortSpec
	src  Source

	rows     []row
	free     []RowID
	byEntity map[uint64][]RowID
	visible  []RowID
	leaves   int

	ext       int // extremum key index, -1 when none
	inst      int // instance key index, -1 when none
	fetch     []store.PropTag
	sortTags  map[store.PropTag]bool
	dependsOn map[store.PropTag]bool
}

// New creates an empty table. Call Rebuild to fill it.
func New(cfg Config, src Source) (*Table, error) {
	if err := cfg.Sort.Validate(); err != nil {
		return nil, err
	}
	if cfg.Flags&FlagDepth != 0 && cfg.Sort.Categories > 0 {
		return nil, ErrInvalidSort
	}
	if err := cfg.Restriction.Validate(); err != nil {
		return nil, err
	}
	t := &Table{
		cfg:  cfg,
		sort: cfg.Sort,
		src:  src,
		ext:  cfg.Sort.extremumIndex(),
		inst: cfg.Sort.instanceIndex(),
	}
	t.reset()

	t.sortTags = make(map[store.PropTag]bool)
	t.dependsOn = make(map[store.PropTag]bool)
	seen := make(map[store.PropTag]bool)
	add := func(tag store.PropTag) {
		tag = tag.Stored()
		if !seen[tag] {
			seen[tag] = true
			t.fetch = append(t.fetch, tag)
		}
	}
	for _, k := range cfg.Sort.Keys {
		add(k.Tag)
		t.sortTags[k.Tag.Stored()] = true
	}
	for _, tag := range cfg.Restriction.Tags() {
		add(tag)
		t.dependsOn[tag] = true
	}
	if cfg.Type == TypeContent {
		add(store.TagMessageFlags)
	}
	if t.hierarchyDepth() {
		add(store.TagDepth)
		add(store.TagParentFolderID)
		t.sortTags[store.TagParentFolderID] = true
	}
	for tag := range t.sortTags {
		t.dependsOn[tag] = true
	}
	return t, nil
}

// ID returns the table id.
func (t *Table) ID() uint32 { return t.cfg.ID }

// Config returns the table configuration.
func (t *Table) Config() Config { return t.cfg }

// Count returns the number of visible rows.
func (t *Table) Count() int { return len(t.visible) }

// Leaves returns the number of leaf rows, visible or not.
func (t *Table) Leaves() int { return t.leaves }

// Has reports whether the entity has at least one row.
func (t *Table) Has(id uint64) bool { return len(t.byEntity[id]) > 0 }

// DependsOn reports whether a change to any of tags can affect the
// membership or order of rows. A nil list always does.
func (t *Table) DependsOn(tags []store.PropTag) bool {
	if tags == nil {
		return true
	}
	for _, tag := range tags {
		if t.dependsOn[tag.Stored()] {
			return true
		}
	}
	return false
}

func (t *Table) hierarchyDepth() bool {
	return t.cfg.Type == TypeHierarchy && t.cfg.Flags&FlagDepth != 0
}

func (t *Table) notifying() bool { return t.cfg.Flags&FlagNotifyless == 0 }

// Rebuild discards every row and inserts ids from scratch. Objects that
// vanished or fail the restriction are skipped.
func (t *Table) Rebuild(ctx context.Context, ids []uint64) error {
	t.reset()
	rec := newRecorder(false)
	for _, id := range ids {
		if t.Has(id) {
			continue
		}
		props, err := t.src.Props(ctx, id, t.fetch)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return err
		}
		if !t.cfg.Restriction.Evaluate(props) {
			continue
		}
		t.insertEntity(id, props, rec)
	}
	t.finish(rec)
	return nil
}

// Insert adds an object. Inserting an object already in the table or
// failing the restriction is a no-op.
func (t *Table) Insert(ctx context.Context, id uint64) ([]Event, error) {
	if t.Has(id) {
		return nil, nil
	}
	props, err := t.src.Props(ctx, id, t.fetch)
	if err != nil {
		return nil, err
	}
	if !t.cfg.Restriction.Evaluate(props) {
		return nil, nil
	}
	rec := newRecorder(t.notifying())
	t.insertEntity(id, props, rec)
	return t.finish(rec), nil
}

// Delete removes every row of an object.
func (t *Table) Delete(id uint64) []Event {
	if !t.Has(id) {
		return nil
	}
	rec := newRecorder(t.notifying())
	t.deleteEntity(id, rec)
	return t.finish(rec)
}

// Modify reconciles an object after some of its properties changed.
// changed lists the modified tags; nil means unknown.
//
// Objects entering or leaving the restriction are inserted or deleted.
// When no sort column changed only read-state bookkeeping is done. When a
// sort column changed but every row keeps its category and its place
// between its neighbors, rows are updated in place. Otherwise the object
// is deleted and reinserted silently and a single TableChanged is
// returned.
func (t *Table) Modify(ctx context.Context, id uint64, changed []store.PropTag) ([]Event, error) {
	if !t.Has(id) {
		return t.Insert(ctx, id)
	}
	props, err := t.src.Props(ctx, id, t.fetch)
	if err != nil {
		if store.IsNotFound(err) {
			return t.Delete(id), nil
		}
		return nil, err
	}
	if !t.cfg.Restriction.Evaluate(props) {
		return t.Delete(id), nil
	}

	rec := newRecorder(t.notifying())
	if !t.sortChanged(changed) {
		t.updateRead(id, props.IsRead(), rec)
		return t.finish(rec), nil
	}
	if t.updateInPlace(id, props, rec) {
		return t.finish(rec), nil
	}

	quiet := newRecorder(false)
	t.deleteEntity(id, quiet)
	t.insertEntity(id, props, quiet)
	t.finish(quiet)
	if !t.notifying() {
		return nil, nil
	}
	return []Event{{Kind: TableChanged, TableID: t.cfg.ID}}, nil
}

func (t *Table) sortChanged(changed []store.PropTag) bool {
	if changed == nil {
		return true
	}
	for _, tag := range changed {
		if t.sortTags[tag.Stored()] {
			return true
		}
	}
	return false
}

func (t *Table) updateRead(id uint64, read bool, rec *recorder) {
	for _, leaf := range t.byEntity[id] {
		r := &t.rows[leaf]
		if r.read != read {
			r.read = read
			delta := 1
			if read {
				delta = -1
			}
			for p := r.parent; p != rootRow; p = t.rows[p].parent {
				t.rows[p].unread += delta
				rec.modify(p)
			}
		}
		rec.modify(leaf)
	}
}

// updateInPlace applies new sort values without moving rows. It reports
// false, leaving the table untouched, when any row would have to move.
func (t *Table) updateInPlace(id uint64, props store.PropValues, rec *recorder) bool {
	leaves := t.byEntity[id]
	insts := t.instances(props)
	if len(insts) != len(leaves) {
		return false
	}
	if t.hierarchyDepth() {
		r := &t.rows[leaves[0]]
		if r.parentEntity != parentFolder(props) || r.depth != depthOf(props) {
			return false
		}
	}
	for i, leaf := range leaves {
		r := &t.rows[leaf]
		if r.inst != insts[i].num {
			return false
		}
		for k := 0; k < t.sort.Categories; k++ {
			if !store.Equal(keyType(t.sort.Keys[k]), r.vals[k], insts[i].vals[k]) {
				return false
			}
		}
	}

	old := make([][]any, len(leaves))
	for i, leaf := range leaves {
		old[i] = t.rows[leaf].vals
		t.rows[leaf].vals = insts[i].vals
	}
	for _, leaf := range leaves {
		if !t.inOrder(leaf) {
			for i, l := range leaves {
				t.rows[l].vals = old[i]
			}
			return false
		}
	}

	t.updateRead(id, props.IsRead(), rec)
	if t.ext >= 0 {
		seen := make(map[RowID]bool)
		for _, leaf := range leaves {
			h := t.rows[leaf].parent
			if h != rootRow && !seen[h] {
				seen[h] = true
				t.refreshExtremum(h, rec)
			}
		}
	}
	return true
}

// inOrder reports whether a row still sorts between its siblings.
func (t *Table) inOrder(id RowID) bool {
	r := &t.rows[id]
	if t.hierarchyDepth() {
		return t.hierarchyInOrder(id)
	}
	if r.prev != rootRow && t.cmpLeaf(&t.rows[r.prev], r) > 0 {
		return false
	}
	if r.next != rootRow && t.cmpLeaf(r, &t.rows[r.next]) > 0 {
		return false
	}
	return true
}

type instance struct {
	num  int
	vals []any
}

// instances expands props into one sort vector per instance of the
// instance key, or a single vector when there is none. An empty
// multi-value yields one instance with a nil value.
func (t *Table) instances(props store.PropValues) []instance {
	base := make([]any, len(t.sort.Keys))
	for k, key := range t.sort.Keys {
		if k == t.inst {
			continue
		}
		base[k], _ = props.Get(key.Tag)
	}
	if t.inst < 0 {
		return []instance{{vals: base}}
	}
	v, _ := props.Get(t.sort.Keys[t.inst].Tag)
	elems := store.Values(v)
	if len(elems) == 0 {
		return []instance{{vals: base}}
	}
	out := make([]instance, len(elems))
	for i, e := range elems {
		vals := slices.Clone(base)
		vals[t.inst] = e
		out[i] = instance{num: i + 1, vals: vals}
	}
	return out
}

func parentFolder(props store.PropValues) uint64 {
	v, _ := props.Get(store.TagParentFolderID)
	switch x := v.(type) {
	case int64:
		return uint64(x)
	case uint64:
		return x
	default:
		return 0
	}
}

func depthOf(props store.PropValues) int {
	v, _ := props.Get(store.TagDepth)
	switch x := v.(type) {
	case int32:
		return int(x)
	case int:
		return x
	case int64:
		return int(x)
	default:
		return 0
	}
}
