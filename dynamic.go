package exmdb

import (
	"context"
	"slices"

	"github.com/rbaliyan/exmdb/notify"
	"github.com/rbaliyan/exmdb/store"
	"github.com/rbaliyan/exmdb/table"
)

// reconcile brings the search folder memberships of m in line with the
// live search folders of the mailbox. Only the folders whose answer
// changed are touched. It returns the memberships m kept.
//
// Memberships of static or stopped search folders are never changed here,
// but they count as places the message is in, so a live folder watching a
// static one still sees its members.
func (s *service) reconcile(ctx context.Context, h *handle, m *store.Message) ([]uint64, error) {
	current, err := h.mb.SearchFoldersOf(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if h.specs.Len() == 0 {
		return current, nil
	}

	var also []uint64
	for _, f := range current {
		if _, live := h.specs.Get(f); !live {
			also = append(also, f)
		}
	}
	ancestors := func(folder uint64) ([]uint64, error) { return store.Ancestors(ctx, h.mb, folder) }
	target, err := h.specs.Membership(m.FolderID, messageProps(m), ancestors, also...)
	if err != nil {
		return nil, err
	}

	var kept []uint64
	for _, f := range current {
		if _, live := h.specs.Get(f); !live || target[f] {
			kept = append(kept, f)
			continue
		}
		if err := s.searchRemoved(ctx, h, f, m.ID); err != nil {
			return kept, err
		}
	}
	for _, spec := range h.specs.All() {
		f := spec.Folder
		if !target[f] || slices.Contains(current, f) {
			continue
		}
		if _, err := s.searchAdded(ctx, h, f, m.ID); err != nil {
			return kept, err
		}
	}
	return kept, nil
}

// reconcileID is reconcile for a message known by id. Vanished and
// associated messages are skipped.
func (s *service) reconcileID(ctx context.Context, h *handle, id uint64) error {
	m, err := h.mb.GetMessage(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if m.Associated {
		return nil
	}
	_, err = s.reconcile(ctx, h, m)
	return err
}

// searchAdded makes a message a member of search folder f and updates the
// folder's tables. It reports whether the message was new to the folder.
func (s *service) searchAdded(ctx context.Context, h *handle, f, id uint64) (bool, error) {
	added, err := h.mb.AddSearchResult(ctx, f, id)
	if err != nil || !added {
		return false, err
	}
	for _, lt := range contentTables(h, f, false) {
		s.apply(ctx, h, lt, func(t *table.Table) ([]table.Event, error) { return t.Insert(ctx, id) })
	}
	s.touchCounts(ctx, h, f)
	s.notify(ctx, h, notify.Event{Type: notify.ObjectCreated, Folder: f, Message: id})
	return true, nil
}

// searchRemoved drops a message from search folder f.
func (s *service) searchRemoved(ctx context.Context, h *handle, f, id uint64) error {
	removed, err := h.mb.RemoveSearchResult(ctx, f, id)
	if err != nil || !removed {
		return err
	}
	for _, lt := range contentTables(h, f, false) {
		s.emitTable(ctx, h, lt, lt.tbl.Delete(id))
	}
	s.touchCounts(ctx, h, f)
	s.notify(ctx, h, notify.Event{Type: notify.ObjectDeleted, Folder: f, Message: id})
	return nil
}
