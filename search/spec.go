// Package search keeps the in-memory side of search folders: the criteria
// of every live search folder of a mailbox, scope expansion, and the worker
// pool that runs full populations in the background.
package search

import (
	"cmp"
	"slices"

	"github.com/rbaliyan/exmdb/store"
)

// Spec is the criteria of one search folder as held by a loaded mailbox.
type Spec struct {
	Folder      uint64
	Flags       store.SearchFlags
	Restriction *store.Restriction
	Scope       []uint64
}

// FromCriteria converts persisted criteria.
func FromCriteria(c *store.SearchCriteria) Spec {
	return Spec{
		Folder:      c.FolderID,
		Flags:       c.Flags,
		Restriction: c.Restriction,
		Scope:       slices.Clone(c.Scope),
	}
}

// Criteria converts the spec back to its persisted form.
func (s Spec) Criteria() *store.SearchCriteria {
	return &store.SearchCriteria{
		FolderID:    s.Folder,
		Flags:       s.Flags,
		Restriction: s.Restriction,
		Scope:       slices.Clone(s.Scope),
	}
}

// Recursive reports whether descendants of the scope folders are searched.
func (s Spec) Recursive() bool { return s.Flags&store.SearchRecursive != 0 }

// Live reports whether the folder is kept current as the mailbox changes.
func (s Spec) Live() bool { return s.Flags&(store.SearchStatic|store.SearchStopped) == 0 }

// Covers reports whether a folder is in scope. ancestors is the parent
// chain of folder and is only consulted for recursive searches.
func (s Spec) Covers(folder uint64, ancestors []uint64) bool {
	if folder == s.Folder {
		return false
	}
	if slices.Contains(s.Scope, folder) {
		return true
	}
	if !s.Recursive() {
		return false
	}
	for _, a := range ancestors {
		if slices.Contains(s.Scope, a) {
			return true
		}
	}
	return false
}

// Match evaluates the restriction.
func (s Spec) Match(props store.PropValues) bool {
	return s.Restriction.Evaluate(props)
}

// Specs is the set of live search folders of one mailbox. It is guarded by
// the mailbox lock.
type Specs struct {
	m map[uint64]Spec
}

// NewSpecs returns an empty set.
func NewSpecs() *Specs {
	return &Specs{m: make(map[uint64]Spec)}
}

// Set adds or replaces the spec of a folder. Specs that are not live are
// removed instead.
func (s *Specs) Set(spec Spec) {
	if !spec.Live() {
		delete(s.m, spec.Folder)
		return
	}
	s.m[spec.Folder] = spec
}

// Remove drops a folder and reports whether it was present.
func (s *Specs) Remove(folder uint64) bool {
	_, ok := s.m[folder]
	delete(s.m, folder)
	return ok
}

// Get returns the spec of a folder.
func (s *Specs) Get(folder uint64) (Spec, bool) {
	spec, ok := s.m[folder]
	return spec, ok
}

// Len returns the number of live specs.
func (s *Specs) Len() int { return len(s.m) }

// All returns every spec ordered by folder id.
func (s *Specs) All() []Spec {
	out := make([]Spec, 0, len(s.m))
	for _, spec := range s.m {
		out = append(out, spec)
	}
	slices.SortFunc(out, func(a, b Spec) int { return cmp.Compare(a.Folder, b.Folder) })
	return out
}

// Covering returns the specs whose scope contains folder, ordered by
// folder id.
func (s *Specs) Covering(folder uint64, ancestors []uint64) []Spec {
	var out []Spec
	for _, spec := range s.All() {
		if spec.Covers(folder, ancestors) {
			out = append(out, spec)
		}
	}
	return out
}

// AncestorFunc returns the parent chain of a folder.
type AncestorFunc func(folder uint64) ([]uint64, error)

// Membership computes the live search folders a message belongs to.
// folder is where the message is stored. A search folder whose scope
// contains another search folder observes that folder's members, so the
// result is the least set closed under that rule: a folder joins when the
// message matches its restriction and its scope covers the message folder
// or a search folder already in the set. also lists further folders the
// message is known to be in, such as a static search folder being
// populated.
func (s *Specs) Membership(folder uint64, props store.PropValues, anc AncestorFunc, also ...uint64) (map[uint64]bool, error) {
	cache := make(map[uint64][]uint64)
	ancestors := func(id uint64) ([]uint64, error) {
		if a, ok := cache[id]; ok {
			return a, nil
		}
		a, err := anc(id)
		if err != nil {
			return nil, err
		}
		cache[id] = a
		return a, nil
	}

	specs := s.All()
	var candidates []Spec
	for _, spec := range specs {
		if spec.Match(props) {
			candidates = append(candidates, spec)
		}
	}

	members := make(map[uint64]bool)
	for changed := true; changed; {
		changed = false
		for _, spec := range candidates {
			if members[spec.Folder] {
				continue
			}
			sources := append([]uint64{folder}, also...)
			for f := range members {
				sources = append(sources, f)
			}
			for _, src := range sources {
				a, err := ancestors(src)
				if err != nil {
					return nil, err
				}
				if spec.Covers(src, a) {
					members[spec.Folder] = true
					changed = true
					break
				}
			}
		}
	}
	return members, nil
}
