package table

import (
	"fmt"

	"github.com/rbaliyan/exmdb/store"
)

// Order is the direction of one sort key.
type Order uint8

// Sort orders. CategoryMax and CategoryMin mark the extremum key: leaves
// sort by it descending (max) or ascending (min), and the deepest category
// headers carry the aggregate and are ordered among siblings by it.
const (
	Ascending Order = iota
	Descending
	CategoryMax
	CategoryMin
)

func (o Order) String() string {
	switch o {
	case Ascending:
		return "asc"
	case Descending:
		return "desc"
	case CategoryMax:
		return "max"
	case CategoryMin:
		return "min"
	default:
		return fmt.Sprintf("order(%d)", uint8(o))
	}
}

// SortKey is one column of a sort order.
type SortKey struct {
	Tag   store.PropTag
	Order Order
}

// SortSpec is an ordered list of keys. The first Categories keys define
// category levels.
type SortSpec struct {
	Keys       []SortKey
	Categories int
}

// Validate checks the structural rules of a sort order.
func (s SortSpec) Validate() error {
	if s.Categories < 0 || s.Categories > len(s.Keys) {
		return fmt.Errorf("%w: %d categories for %d keys", ErrInvalidSort, s.Categories, len(s.Keys))
	}
	instances := 0
	for i, k := range s.Keys {
		if k.Order > CategoryMin {
			return fmt.Errorf("%w: key %d has unknown order %d", ErrInvalidSort, i, k.Order)
		}
		if k.Order == CategoryMax || k.Order == CategoryMin {
			if s.Categories == 0 || i != s.Categories {
				return fmt.Errorf("%w: extremum key must follow the last category key", ErrInvalidSort)
			}
		}
		if k.Tag.IsInstance() {
			instances++
			if !k.Tag.Type().IsMulti() {
				return fmt.Errorf("%w: instance key %s is not multi-valued", ErrInvalidSort, k.Tag)
			}
		}
	}
	if instances > 1 {
		return fmt.Errorf("%w: more than one instance key", ErrInvalidSort)
	}
	return nil
}

func (s SortSpec) extremumIndex() int {
	if s.Categories > 0 && s.Categories < len(s.Keys) {
		if o := s.Keys[s.Categories].Order; o == CategoryMax || o == CategoryMin {
			return s.Categories
		}
	}
	return -1
}

func (s SortSpec) instanceIndex() int {
	for i, k := range s.Keys {
		if k.Tag.IsInstance() {
			return i
		}
	}
	return -1
}

// keyType is the comparison type of a key. Instance keys compare their
// scalar elements.
func keyType(k SortKey) store.PropType {
	if k.Tag.IsInstance() {
		return k.Tag.Type().Base()
	}
	return k.Tag.Type()
}

// directed applies the key direction to a comparison result.
func directed(o Order, c int) int {
	if o == Descending || o == CategoryMax {
		return -c
	}
	return c
}

// cmpLeaf orders two rows of the same sibling group by the keys after the
// category levels.
func (t *Table) cmpLeaf(a, b *row) int {
	for k := t.sort.Categories; k < len(t.sort.Keys); k++ {
		key := t.sort.Keys[k]
		if c := directed(key.Order, store.Compare(keyType(key), a.vals[k], b.vals[k])); c != 0 {
			return c
		}
	}
	return 0
}

// cmpHeader orders two sibling headers. Headers at the deepest level of a
// table with an extremum sort by it first.
func (t *Table) cmpHeader(a, b *row) int {
	if t.ext >= 0 && a.depth == t.sort.Categories-1 {
		ek := t.sort.Keys[t.ext]
		if c := directed(ek.Order, store.Compare(keyType(ek), a.extremum, b.extremum)); c != 0 {
			return c
		}
	}
	key := t.sort.Keys[a.depth]
	return directed(key.Order, store.Compare(keyType(key), a.value, b.value))
}

// betterExtremum reports whether v replaces cur as the header extremum.
func (t *Table) betterExtremum(v, cur any) bool {
	ek := t.sort.Keys[t.ext]
	c := store.Compare(keyType(ek), v, cur)
	if ek.Order == CategoryMax {
		return c > 0
	}
	return c < 0
}
