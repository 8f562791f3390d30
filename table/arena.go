package table

import "github.com/rbaliyan/exmdb/store"

// RowID identifies a row of one table. Zero is the synthetic root and is
// never a visible row. Ids of deleted rows may be reused by later rows.
type RowID uint32

const rootRow RowID = 0

type rowKind uint8

const (
	kindRoot rowKind = iota
	kindHeader
	kindLeaf
)

type row struct {
	kind   rowKind
	live   bool
	parent RowID
	prev   RowID
	next   RowID
	head   RowID // first child
	tail   RowID // last child
	depth  int
	idx    int // visible position, -1 when hidden

	// leaves
	entity       uint64
	inst         int
	vals         []any
	read         bool
	parentEntity uint64 // parent folder in depth hierarchy tables

	// headers
	value    any
	count    int
	unread   int
	extremum any
	expanded bool
}

func (t *Table) reset() {
	t.rows = []row{{kind: kindRoot, live: true, idx: -1, expanded: true}}
	t.free = nil
	t.byEntity = make(map[uint64][]RowID)
	t.visible = nil
	t.leaves = 0
}

func (t *Table) alloc(r row) RowID {
	r.live = true
	r.idx = -1
	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		t.rows[id] = r
		return id
	}
	t.rows = append(t.rows, r)
	return RowID(len(t.rows) - 1)
}

// linkAfter inserts id into parent's child list after sibling (rootRow
// puts it first).
func (t *Table) linkAfter(parent, after, id RowID) {
	p := &t.rows[parent]
	r := &t.rows[id]
	r.parent = parent
	r.prev = after
	if after == rootRow {
		r.next = p.head
		p.head = id
	} else {
		r.next = t.rows[after].next
		t.rows[after].next = id
	}
	if r.next == rootRow {
		p.tail = id
	} else {
		t.rows[r.next].prev = id
	}
}

func (t *Table) unlink(id RowID) {
	r := &t.rows[id]
	p := &t.rows[r.parent]
	if r.prev == rootRow {
		p.head = r.next
	} else {
		t.rows[r.prev].next = r.next
	}
	if r.next == rootRow {
		p.tail = r.prev
	} else {
		t.rows[r.next].prev = r.prev
	}
	r.prev, r.next = rootRow, rootRow
}

// linkSorted places id among the children of parent after the last child
// that does not sort after it.
func (t *Table) linkSorted(parent, id RowID, cmp func(a, b *row) int) {
	r := &t.rows[id]
	after := rootRow
	for c := t.rows[parent].head; c != rootRow; c = t.rows[c].next {
		if cmp(r, &t.rows[c]) < 0 {
			break
		}
		after = c
	}
	t.linkAfter(parent, after, id)
}

func (t *Table) findHeader(parent RowID, depth int, v any) RowID {
	typ := keyType(t.sort.Keys[depth])
	for c := t.rows[parent].head; c != rootRow; c = t.rows[c].next {
		if store.Equal(typ, t.rows[c].value, v) {
			return c
		}
	}
	return rootRow
}

func (t *Table) insertEntity(id uint64, props store.PropValues, rec *recorder) {
	read := t.cfg.Type == TypeContent && props.IsRead()
	for _, in := range t.instances(props) {
		parent := rootRow
		for level := 0; level < t.sort.Categories; level++ {
			h := t.findHeader(parent, level, in.vals[level])
			if h == rootRow {
				hr := row{
					kind:     kindHeader,
					depth:    level,
					value:    in.vals[level],
					expanded: t.cfg.Flags&FlagCollapsed == 0,
				}
				if level == t.sort.Categories-1 && t.ext >= 0 {
					hr.extremum = in.vals[t.ext]
				}
				h = t.alloc(hr)
				t.linkSorted(parent, h, t.cmpHeader)
				rec.add(h)
			}
			parent = h
		}

		leaf := t.alloc(row{
			kind:   kindLeaf,
			depth:  t.sort.Categories,
			entity: id,
			inst:   in.num,
			vals:   in.vals,
			read:   read,
		})
		if t.hierarchyDepth() {
			t.rows[leaf].depth = depthOf(props)
			t.rows[leaf].parentEntity = parentFolder(props)
			t.linkHierarchy(leaf)
		} else {
			t.linkSorted(parent, leaf, t.cmpLeaf)
		}
		t.byEntity[id] = append(t.byEntity[id], leaf)
		t.leaves++
		rec.add(leaf)

		for p := parent; p != rootRow; p = t.rows[p].parent {
			t.rows[p].count++
			if !read {
				t.rows[p].unread++
			}
			rec.modify(p)
		}
		if t.ext >= 0 && parent != rootRow {
			h := &t.rows[parent]
			v := in.vals[t.ext]
			first := h.count == 1 && !store.Equal(keyType(t.sort.Keys[t.ext]), v, h.extremum)
			if first || (h.count > 1 && t.betterExtremum(v, h.extremum)) {
				h.extremum = v
				t.reposition(parent, rec)
			}
		}
	}
}

func (t *Table) deleteEntity(id uint64, rec *recorder) {
	for _, leaf := range t.byEntity[id] {
		t.removeLeaf(leaf, rec)
	}
	delete(t.byEntity, id)
}

func (t *Table) removeLeaf(leaf RowID, rec *recorder) {
	r := t.rows[leaf]
	rec.remove(leaf, r.entity, r.inst, r.idx >= 0)
	t.unlink(leaf)
	t.release(leaf, rec)
	t.leaves--

	for p := r.parent; p != rootRow; p = t.rows[p].parent {
		t.rows[p].count--
		if !r.read {
			t.rows[p].unread--
		}
		rec.modify(p)
	}

	h := r.parent
	if h == rootRow {
		return
	}
	if t.cfg.HeaderPolicy == RemoveEmptyHeaders && t.rows[h].count == 0 {
		for h != rootRow && t.rows[h].count == 0 {
			up := t.rows[h].parent
			rec.remove(h, 0, 0, t.rows[h].idx >= 0)
			t.unlink(h)
			t.release(h, rec)
			h = up
		}
		return
	}
	if t.ext >= 0 && store.Equal(keyType(t.sort.Keys[t.ext]), r.vals[t.ext], t.rows[h].extremum) {
		t.refreshExtremum(h, rec)
	}
}

func (t *Table) release(id RowID, rec *recorder) {
	t.rows[id].live = false
	rec.freed = append(rec.freed, id)
}

// refreshExtremum recomputes a header's extremum from its leaves and
// moves the header when the value changed.
func (t *Table) refreshExtremum(h RowID, rec *recorder) {
	var ext any
	first := true
	for c := t.rows[h].head; c != rootRow; c = t.rows[c].next {
		v := t.rows[c].vals[t.ext]
		if first || t.betterExtremum(v, ext) {
			ext = v
			first = false
		}
	}
	if store.Equal(keyType(t.sort.Keys[t.ext]), ext, t.rows[h].extremum) {
		return
	}
	t.rows[h].extremum = ext
	t.reposition(h, rec)
}

// reposition relinks a header whose sort value changed. The move is
// reported as a modification so observers do not see a second insert.
func (t *Table) reposition(h RowID, rec *recorder) {
	parent := t.rows[h].parent
	t.unlink(h)
	t.linkSorted(parent, h, t.cmpHeader)
	rec.modify(h)
}

// linkHierarchy places a folder row after its parent's last descendant,
// ordered by the sort keys among its siblings.
func (t *Table) linkHierarchy(id RowID) {
	r := &t.rows[id]
	after := rootRow
	cur := t.rows[rootRow].head
	if r.depth > 0 {
		if p := t.folderRow(r.parentEntity); p != rootRow {
			after = p
			cur = t.rows[p].next
		} else {
			after = t.rows[rootRow].tail
			cur = rootRow
		}
	}
	for cur != rootRow && t.rows[cur].depth >= r.depth {
		c := &t.rows[cur]
		if c.depth == r.depth && t.cmpLeaf(r, c) < 0 {
			break
		}
		after = cur
		cur = c.next
	}
	t.linkAfter(rootRow, after, id)
}

func (t *Table) folderRow(folder uint64) RowID {
	if rows := t.byEntity[folder]; len(rows) > 0 {
		return rows[0]
	}
	return rootRow
}

func (t *Table) hierarchyInOrder(id RowID) bool {
	r := &t.rows[id]
	for c := r.prev; c != rootRow && t.rows[c].depth >= r.depth; c = t.rows[c].prev {
		if t.rows[c].depth == r.depth {
			if t.cmpLeaf(&t.rows[c], r) > 0 {
				return false
			}
			break
		}
	}
	for c := r.next; c != rootRow && t.rows[c].depth >= r.depth; c = t.rows[c].next {
		if t.rows[c].depth == r.depth {
			return t.cmpLeaf(r, &t.rows[c]) <= 0
		}
	}
	return true
}

// renumber assigns idx to every visible row in one depth-first pass.
func (t *Table) renumber() {
	for i := range t.rows {
		t.rows[i].idx = -1
	}
	t.visible = t.visible[:0]
	var walk func(parent RowID)
	walk = func(parent RowID) {
		for c := t.rows[parent].head; c != rootRow; c = t.rows[c].next {
			t.rows[c].idx = len(t.visible)
			t.visible = append(t.visible, c)
			if t.rows[c].kind == kindHeader && t.rows[c].expanded {
				walk(c)
			}
		}
	}
	walk(rootRow)
}

// finish renumbers the table, recycles freed rows and turns the recorded
// changes into events.
func (t *Table) finish(rec *recorder) []Event {
	t.renumber()
	t.free = append(t.free, rec.freed...)
	return rec.events(t)
}
