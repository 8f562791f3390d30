package table

import (
	"fmt"

	"github.com/rbaliyan/exmdb/store"
)

// CheckInvariants verifies the structure of the table: sibling links,
// sort order, header aggregates and extrema, and the visible numbering.
func (t *Table) CheckInvariants() error {
	leaves := 0
	var walk func(parent RowID) (count, unread int, err error)
	walk = func(parent RowID) (int, int, error) {
		count, unread := 0, 0
		prev := rootRow
		for c := t.rows[parent].head; c != rootRow; c = t.rows[c].next {
			r := &t.rows[c]
			if !r.live {
				return 0, 0, fmt.Errorf("%w: dead row %d linked under %d", ErrInvariant, c, parent)
			}
			if r.parent != parent || r.prev != prev {
				return 0, 0, fmt.Errorf("%w: row %d has broken links", ErrInvariant, c)
			}
			if prev != rootRow {
				if err := t.checkPair(prev, c); err != nil {
					return 0, 0, err
				}
			}
			switch r.kind {
			case kindLeaf:
				leaves++
				count++
				if !r.read {
					unread++
				}
			case kindHeader:
				n, u, err := walk(c)
				if err != nil {
					return 0, 0, err
				}
				if r.count != n || r.unread != u {
					return 0, 0, fmt.Errorf("%w: header %d has count=%d unread=%d, subtree has %d/%d",
						ErrInvariant, c, r.count, r.unread, n, u)
				}
				if r.unread > r.count || r.unread < 0 {
					return 0, 0, fmt.Errorf("%w: header %d unread %d exceeds count %d", ErrInvariant, c, r.unread, r.count)
				}
				if n == 0 && t.cfg.HeaderPolicy == RemoveEmptyHeaders {
					return 0, 0, fmt.Errorf("%w: empty header %d", ErrInvariant, c)
				}
				if err := t.checkExtremum(c); err != nil {
					return 0, 0, err
				}
				count += n
				unread += u
			}
			prev = c
		}
		if t.rows[parent].tail != prev {
			return 0, 0, fmt.Errorf("%w: row %d has a stale tail", ErrInvariant, parent)
		}
		return count, unread, nil
	}
	if _, _, err := walk(rootRow); err != nil {
		return err
	}
	if leaves != t.leaves {
		return fmt.Errorf("%w: %d linked leaves, %d counted", ErrInvariant, leaves, t.leaves)
	}
	n := 0
	for _, rows := range t.byEntity {
		n += len(rows)
	}
	if n != t.leaves {
		return fmt.Errorf("%w: entity index holds %d rows, table %d leaves", ErrInvariant, n, t.leaves)
	}
	for i, id := range t.visible {
		if t.rows[id].idx != i {
			return fmt.Errorf("%w: visible row %d has idx %d", ErrInvariant, i, t.rows[id].idx)
		}
	}
	return nil
}

func (t *Table) checkPair(a, b RowID) error {
	ra, rb := &t.rows[a], &t.rows[b]
	var c int
	switch {
	case t.hierarchyDepth():
		return nil
	case ra.kind == kindHeader && rb.kind == kindHeader:
		c = t.cmpHeader(ra, rb)
	case ra.kind == kindLeaf && rb.kind == kindLeaf:
		c = t.cmpLeaf(ra, rb)
	default:
		return fmt.Errorf("%w: rows %d and %d mix headers and leaves", ErrInvariant, a, b)
	}
	if c > 0 {
		return fmt.Errorf("%w: rows %d and %d out of order", ErrInvariant, a, b)
	}
	return nil
}

func (t *Table) checkExtremum(h RowID) error {
	r := &t.rows[h]
	if t.ext < 0 || r.depth != t.sort.Categories-1 {
		return nil
	}
	var ext any
	first := true
	for c := r.head; c != rootRow; c = t.rows[c].next {
		v := t.rows[c].vals[t.ext]
		if first || t.betterExtremum(v, ext) {
			ext, first = v, false
		}
	}
	if !store.Equal(keyType(t.sort.Keys[t.ext]), ext, r.extremum) {
		return fmt.Errorf("%w: header %d extremum %v, leaves give %v", ErrInvariant, h, r.extremum, ext)
	}
	return nil
}
