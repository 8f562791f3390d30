package table

import (
	"context"
	"fmt"

	"github.com/rbaliyan/exmdb/store"
)

// RowInfo describes one row.
type RowInfo struct {
	ID       RowID
	Header   bool
	Entity   uint64
	Instance int
	Depth    int
	// Position is the visible index, -1 when the row is hidden.
	Position int
	// Header aggregates.
	Count    int
	Unread   int
	Value    any
	Extremum any
	Expanded bool
}

// Rows returns up to count visible rows starting at position start.
func (t *Table) Rows(start, count int) []RowID {
	if start < 0 || start >= len(t.visible) || count <= 0 {
		return nil
	}
	end := min(start+count, len(t.visible))
	out := make([]RowID, end-start)
	copy(out, t.visible[start:end])
	return out
}

// Position returns the visible index of a row, -1 when it is hidden or
// does not exist.
func (t *Table) Position(id RowID) int {
	if !t.valid(id) {
		return -1
	}
	return t.rows[id].idx
}

// EntityRows returns the rows of an object, one per instance.
func (t *Table) EntityRows(entity uint64) []RowID {
	return append([]RowID(nil), t.byEntity[entity]...)
}

// Row returns the description of a row.
func (t *Table) Row(id RowID) (RowInfo, bool) {
	if !t.valid(id) {
		return RowInfo{}, false
	}
	r := &t.rows[id]
	info := RowInfo{
		ID:       id,
		Header:   r.kind == kindHeader,
		Entity:   r.entity,
		Instance: r.inst,
		Depth:    r.depth,
		Position: r.idx,
	}
	if info.Header {
		info.Count = r.count
		info.Unread = r.unread
		info.Value = r.value
		info.Extremum = r.extremum
		info.Expanded = r.expanded
	}
	return info, true
}

func (t *Table) valid(id RowID) bool {
	return id != rootRow && int(id) < len(t.rows) && t.rows[id].live
}

// Expand shows the children of a collapsed header and returns how many
// rows became visible.
func (t *Table) Expand(id RowID) (int, error) {
	return t.setExpanded(id, true)
}

// Collapse hides the children of an expanded header and returns how many
// rows were hidden.
func (t *Table) Collapse(id RowID) (int, error) {
	return t.setExpanded(id, false)
}

func (t *Table) setExpanded(id RowID, expanded bool) (int, error) {
	if !t.valid(id) {
		return 0, ErrInvalidRow
	}
	r := &t.rows[id]
	if r.kind != kindHeader {
		return 0, ErrNotHeader
	}
	if r.expanded == expanded {
		return 0, nil
	}
	before := len(t.visible)
	r.expanded = expanded
	t.renumber()
	if expanded {
		return len(t.visible) - before, nil
	}
	return before - len(t.visible), nil
}

// HeaderInstID returns the synthetic instance id reported for a header row.
func HeaderInstID(id RowID) int64 { return headerBit | int64(id) }

// HeaderRow decodes an instance id returned by HeaderInstID.
func HeaderRow(inst int64) (RowID, bool) {
	if inst&headerBit == 0 {
		return 0, false
	}
	return RowID(inst &^ headerBit), true
}

const headerBit = 1 << 48

// RowProps returns the requested columns of a row. Leaf columns come from
// the source, with the instance column replaced by the row's element.
// Header rows report their category value, extremum and aggregates.
func (t *Table) RowProps(ctx context.Context, id RowID, tags []store.PropTag) (store.PropValues, error) {
	if !t.valid(id) {
		return nil, ErrInvalidRow
	}
	r := &t.rows[id]
	synth := store.PropValues{store.TagDepth: int32(r.depth)}

	var base store.PropValues
	if r.kind == kindHeader {
		rowType := store.RowTypeCollapsed
		switch {
		case r.count == 0:
			rowType = store.RowTypeEmptyCategory
		case r.expanded:
			rowType = store.RowTypeExpanded
		}
		synth[store.TagRowType] = rowType
		synth[store.TagInstID] = HeaderInstID(id)
		synth[store.TagInstanceNum] = int32(0)
		synth[store.TagContentCount] = int32(r.count)
		synth[store.TagContentUnread] = int32(r.unread)
		for level := 0; level <= r.depth; level++ {
			synth[t.sort.Keys[level].Tag] = t.ancestorValue(id, level)
		}
		if t.ext >= 0 && r.depth == t.sort.Categories-1 {
			synth[t.sort.Keys[t.ext].Tag] = r.extremum
		}
		base = store.PropValues{}
	} else {
		fetch := make([]store.PropTag, 0, len(tags))
		for _, tag := range tags {
			fetch = append(fetch, tag.Stored())
		}
		props, err := t.src.Props(ctx, r.entity, fetch)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", id, err)
		}
		base = props
		synth[store.TagRowType] = store.RowTypeLeaf
		synth[store.TagInstID] = int64(r.entity)
		synth[store.TagInstanceNum] = int32(r.inst)
		if t.inst >= 0 {
			synth[t.sort.Keys[t.inst].Tag] = r.vals[t.inst]
		}
	}

	out := make(store.PropValues, len(tags))
	for _, tag := range tags {
		if v, ok := synth[tag]; ok {
			if v != nil {
				out[tag] = v
			}
			continue
		}
		if r.kind == kindHeader {
			continue
		}
		if v, ok := base.Get(tag); ok {
			out[tag] = v
		}
	}
	return out, nil
}

// ancestorValue returns the category value of the header at level on the
// path to id.
func (t *Table) ancestorValue(id RowID, level int) any {
	for h := id; h != rootRow; h = t.rows[h].parent {
		if t.rows[h].depth == level {
			return t.rows[h].value
		}
	}
	return nil
}
