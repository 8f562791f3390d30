package table

import "slices"

// EventKind is the kind of a table event.
type EventKind uint8

// Table event kinds.
const (
	RowAdded EventKind = iota + 1
	RowDeleted
	// RowModified reports changed row data. A modified header carries its
	// visible descendants along.
	RowModified
	// TableChanged tells observers to discard their cached view and requery.
	TableChanged
)

func (k EventKind) String() string {
	switch k {
	case RowAdded:
		return "row-added"
	case RowDeleted:
		return "row-deleted"
	case RowModified:
		return "row-modified"
	case TableChanged:
		return "table-changed"
	default:
		return "unknown"
	}
}

// Event is a change to the visible rows of a table.
//
// A RowModified event for a category header means the header may have
// moved: the header and every visible row below it move as one block to
// the position after Prev. A RowModified leaf moves alone.
type Event struct {
	Kind    EventKind
	TableID uint32
	Row     RowID
	// Entity and Instance identify the object of a leaf row; both are zero
	// for category headers.
	Entity   uint64
	Instance int
	// Prev is the visible row directly before Row after the change, zero
	// when Row is first. Only set for added and modified rows. For a
	// modified header it is where the header's block goes.
	Prev RowID
}

// recorder collects the rows touched by one mutation.
type recorder struct {
	notify   bool
	added    map[RowID]bool
	modified map[RowID]bool
	deleted  []Event
	freed    []RowID
}

func newRecorder(notify bool) *recorder {
	return &recorder{
		notify:   notify,
		added:    make(map[RowID]bool),
		modified: make(map[RowID]bool),
	}
}

func (r *recorder) add(id RowID) {
	r.added[id] = true
}

func (r *recorder) modify(id RowID) {
	if !r.added[id] {
		r.modified[id] = true
	}
}

// remove records a deleted row. Rows added by the same mutation vanish
// without an event; rows that were hidden are not reported.
func (r *recorder) remove(id RowID, entity uint64, inst int, visible bool) {
	delete(r.modified, id)
	if r.added[id] {
		delete(r.added, id)
		return
	}
	if visible {
		r.deleted = append(r.deleted, Event{Kind: RowDeleted, Row: id, Entity: entity, Instance: inst})
	}
}

// events turns the recorded changes into events: deletions first, then
// additions and modifications in visible order, each carrying its
// predecessor in the final view.
func (r *recorder) events(t *Table) []Event {
	if !r.notify {
		return nil
	}
	out := make([]Event, 0, len(r.deleted)+len(r.added)+len(r.modified))
	for _, ev := range r.deleted {
		ev.TableID = t.cfg.ID
		out = append(out, ev)
	}

	type change struct {
		id   RowID
		kind EventKind
	}
	var changes []change
	for id := range r.added {
		if t.rows[id].live && t.rows[id].idx >= 0 {
			changes = append(changes, change{id, RowAdded})
		}
	}
	for id := range r.modified {
		if t.rows[id].live && t.rows[id].idx >= 0 {
			changes = append(changes, change{id, RowModified})
		}
	}
	slices.SortFunc(changes, func(a, b change) int {
		return t.rows[a.id].idx - t.rows[b.id].idx
	})
	for _, c := range changes {
		row := &t.rows[c.id]
		ev := Event{Kind: c.kind, TableID: t.cfg.ID, Row: c.id}
		if row.kind == kindLeaf {
			ev.Entity = row.entity
			ev.Instance = row.inst
		}
		if row.idx > 0 {
			ev.Prev = t.visible[row.idx-1]
		}
		out = append(out, ev)
	}
	return out
}
