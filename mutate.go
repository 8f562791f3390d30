package exmdb

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/rbaliyan/exmdb/notify"
	"github.com/rbaliyan/exmdb/search"
	"github.com/rbaliyan/exmdb/store"
	"github.com/rbaliyan/exmdb/table"
	"go.opentelemetry.io/otel/attribute"
)

// mutate runs fn holding the mailbox at path, with tracing and metrics.
func (s *service) mutate(ctx context.Context, op, path string, fn func(ctx context.Context, h *handle) error) (retErr error) {
	start := time.Now()
	ctx, end := s.otel.startSpan(ctx, "exmdb."+op, attribute.String("path", path))
	defer func() {
		end(retErr)
		s.otel.recordMutation(ctx, time.Since(start), op, retErr)
	}()
	return s.withHandle(ctx, path, func(h *handle) error { return fn(ctx, h) })
}

// notify dispatches ev to the subscriptions of the mailbox.
func (s *service) notify(ctx context.Context, h *handle, ev notify.Event) {
	ev.Path = h.path
	ev.Time = time.Now().UTC()
	n := s.disp.Dispatch(ctx, ev)
	s.otel.recordNotifications(ctx, ev.Type.String(), n)
}

// changedTags returns the tags of props in ascending order.
func changedTags(props store.PropValues) []store.PropTag {
	return slices.SortedFunc(maps.Keys(props), func(a, b store.PropTag) int { return cmp.Compare(a, b) })
}

// CreateFolder creates a folder below f.ParentID and returns its id.
func (s *service) CreateFolder(ctx context.Context, path string, f *store.Folder) (uint64, error) {
	if f == nil {
		return 0, fmt.Errorf("%w: nil folder", store.ErrInvalidValue)
	}
	var id uint64
	err := s.mutate(ctx, "create_folder", path, func(ctx context.Context, h *handle) error {
		if f.ParentID != 0 {
			parent, err := h.mb.GetFolder(ctx, f.ParentID)
			if err != nil {
				return wrapStore(err)
			}
			if parent.IsSearch() {
				return ErrSearchFolder
			}
		}
		rec := f.Clone()
		rec.ID = 0
		newID, err := h.mb.CreateFolder(ctx, rec)
		if err != nil {
			return wrapStore(err)
		}
		id = newID

		for _, lt := range hierarchyTables(h) {
			s.apply(ctx, h, lt, func(t *table.Table) ([]table.Event, error) { return t.Insert(ctx, id) })
		}
		s.notify(ctx, h, notify.Event{Type: notify.ObjectCreated, Folder: id, Parent: f.ParentID})
		return nil
	})
	return id, err
}

// ModifyFolder merges props into a folder. Nil values remove properties.
func (s *service) ModifyFolder(ctx context.Context, path string, id uint64, props store.PropValues) error {
	if len(props) == 0 {
		return nil
	}
	return s.mutate(ctx, "modify_folder", path, func(ctx context.Context, h *handle) error {
		if err := h.mb.UpdateFolder(ctx, id, props); err != nil {
			return wrapStore(err)
		}
		f, err := h.mb.GetFolder(ctx, id)
		if err != nil {
			return wrapStore(err)
		}
		tags := changedTags(props)
		for _, lt := range hierarchyTables(h) {
			s.apply(ctx, h, lt, func(t *table.Table) ([]table.Event, error) { return t.Modify(ctx, id, tags) })
		}
		s.notify(ctx, h, notify.Event{Type: notify.ObjectModified, Folder: id, Parent: f.ParentID, Tags: tags})
		return nil
	})
}

// MoveFolder moves a folder below parentID.
func (s *service) MoveFolder(ctx context.Context, path string, id, parentID uint64) error {
	return s.mutate(ctx, "move_folder", path, func(ctx context.Context, h *handle) error {
		f, err := h.mb.GetFolder(ctx, id)
		if err != nil {
			return wrapStore(err)
		}
		if f.ParentID == parentID {
			return nil
		}
		if parentID == id {
			return ErrInvalidMove
		}
		target, err := h.mb.GetFolder(ctx, parentID)
		if err != nil {
			return wrapStore(err)
		}
		if target.IsSearch() {
			return ErrSearchFolder
		}
		anc, err := store.Ancestors(ctx, h.mb, parentID)
		if err != nil {
			return wrapStore(err)
		}
		if slices.Contains(anc, id) {
			return ErrInvalidMove
		}

		old := f.ParentID
		if err := h.mb.MoveFolder(ctx, id, parentID); err != nil {
			return wrapStore(err)
		}

		for _, lt := range hierarchyTables(h) {
			if lt.flags&table.FlagDepth == 0 {
				s.apply(ctx, h, lt, func(t *table.Table) ([]table.Event, error) { return t.Modify(ctx, id, nil) })
				continue
			}
			// The whole subtree changes depth.
			if lt.tbl.Has(id) || lt.tbl.Has(parentID) || lt.owner == parentID {
				if err := s.reloadTable(ctx, h, lt); err != nil {
					s.logger.Warn("table reload failed", "path", h.path, "table", lt.id, "error", err)
				}
			}
		}
		s.notify(ctx, h, notify.Event{Type: notify.ObjectMoved, Folder: id, Parent: parentID, OldFolder: old})

		if err := s.reconcileSubtree(ctx, h, id); err != nil {
			s.logger.Warn("search folder update failed", "path", h.path, "folder", id, "error", err)
		}
		return nil
	})
}

// reconcileSubtree updates the search folder memberships of every message
// below root after root moved.
func (s *service) reconcileSubtree(ctx context.Context, h *handle, root uint64) error {
	if h.specs.Len() == 0 {
		return nil
	}
	folders, err := search.ExpandScope(ctx, h.mb, []uint64{root}, true)
	if err != nil {
		return err
	}
	seen := make(map[uint64]bool)
	for _, fid := range folders {
		f, err := h.mb.GetFolder(ctx, fid)
		if err != nil {
			return err
		}
		var ids []uint64
		if f.IsSearch() {
			ids, err = h.mb.SearchResults(ctx, fid)
		} else {
			ids, err = h.mb.FolderMessages(ctx, fid)
		}
		if err != nil {
			return err
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if err := s.reconcileID(ctx, h, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteFolder removes an empty folder. Search folders may be deleted with
// members; their population stops and the members stay in their folders.
func (s *service) DeleteFolder(ctx context.Context, path string, id uint64) error {
	return s.mutate(ctx, "delete_folder", path, func(ctx context.Context, h *handle) error {
		f, err := h.mb.GetFolder(ctx, id)
		if err != nil {
			return wrapStore(err)
		}
		children, err := h.mb.ChildFolders(ctx, id)
		if err != nil {
			return wrapStore(err)
		}
		if len(children) > 0 {
			return ErrFolderNotEmpty
		}

		var members []uint64
		if f.IsSearch() {
			members, err = h.mb.SearchResults(ctx, id)
			if err != nil {
				return wrapStore(err)
			}
		} else {
			msgs, err := h.mb.FolderMessages(ctx, id)
			if err != nil {
				return wrapStore(err)
			}
			if len(msgs) > 0 {
				return ErrFolderNotEmpty
			}
		}

		if f.IsSearch() {
			s.pool.Cancel(h.path, id)
			h.specs.Remove(id)
		}
		if err := h.mb.DeleteFolder(ctx, id); err != nil {
			return wrapStore(err)
		}

		for _, lt := range ownedTables(h, id, table.TypeContent, table.TypeHierarchy, table.TypeRule) {
			s.resetTable(ctx, h, lt)
		}
		for _, lt := range hierarchyTables(h) {
			s.emitTable(ctx, h, lt, lt.tbl.Delete(id))
		}
		s.notify(ctx, h, notify.Event{Type: notify.ObjectDeleted, Folder: id, Parent: f.ParentID})

		// Search folders watching the deleted one lose its members.
		for _, mid := range members {
			if err := s.reconcileID(ctx, h, mid); err != nil {
				s.logger.Warn("search folder update failed", "path", h.path, "message", mid, "error", err)
			}
		}
		return nil
	})
}

// GetFolder returns a folder.
func (s *service) GetFolder(ctx context.Context, path string, id uint64) (*store.Folder, error) {
	var f *store.Folder
	err := s.withHandle(ctx, path, func(h *handle) error {
		var err error
		f, err = h.mb.GetFolder(ctx, id)
		return wrapStore(err)
	})
	return f, err
}

// CreateMessage stores a message in m.FolderID and returns its id.
func (s *service) CreateMessage(ctx context.Context, path string, m *store.Message) (uint64, error) {
	return s.createMessage(ctx, "create_message", path, m, false)
}

// DeliverMessage stores an incoming message and raises a new-mail
// notification for it.
func (s *service) DeliverMessage(ctx context.Context, path string, m *store.Message) (uint64, error) {
	return s.createMessage(ctx, "deliver_message", path, m, true)
}

func (s *service) createMessage(ctx context.Context, op, path string, m *store.Message, newMail bool) (uint64, error) {
	if m == nil {
		return 0, fmt.Errorf("%w: nil message", store.ErrInvalidValue)
	}
	var id uint64
	err := s.mutate(ctx, op, path, func(ctx context.Context, h *handle) error {
		folder, err := h.mb.GetFolder(ctx, m.FolderID)
		if err != nil {
			return wrapStore(err)
		}
		if folder.IsSearch() {
			return ErrSearchFolder
		}
		rec := m.Clone()
		rec.ID = 0
		newID, err := h.mb.CreateMessage(ctx, rec)
		if err != nil {
			return wrapStore(err)
		}
		id = newID
		stored, err := h.mb.GetMessage(ctx, id)
		if err != nil {
			return wrapStore(err)
		}

		for _, lt := range contentTables(h, stored.FolderID, stored.Associated) {
			s.apply(ctx, h, lt, func(t *table.Table) ([]table.Event, error) { return t.Insert(ctx, id) })
		}
		if !stored.Associated {
			s.touchCounts(ctx, h, stored.FolderID)
		}
		s.notify(ctx, h, notify.Event{Type: notify.ObjectCreated, Folder: stored.FolderID, Message: id})
		if newMail {
			s.notify(ctx, h, notify.Event{Type: notify.NewMail, Folder: stored.FolderID, Message: id})
		}

		if !stored.Associated {
			if _, err := s.reconcile(ctx, h, stored); err != nil {
				s.logger.Warn("search folder update failed", "path", h.path, "message", id, "error", err)
			}
		}
		return nil
	})
	return id, err
}

// ModifyMessage merges props into a message. Nil values remove properties.
func (s *service) ModifyMessage(ctx context.Context, path string, id uint64, props store.PropValues) error {
	if len(props) == 0 {
		return nil
	}
	return s.mutate(ctx, "modify_message", path, func(ctx context.Context, h *handle) error {
		return s.modifyMessage(ctx, h, id, props)
	})
}

// SetMessageRead sets or clears the read flag of a message.
func (s *service) SetMessageRead(ctx context.Context, path string, id uint64, read bool) error {
	return s.mutate(ctx, "set_message_read", path, func(ctx context.Context, h *handle) error {
		m, err := h.mb.GetMessage(ctx, id)
		if err != nil {
			return wrapStore(err)
		}
		if m.Props.IsRead() == read {
			return nil
		}
		flags := messageFlags(m.Props)
		if read {
			flags |= store.MessageFlagRead
		} else {
			flags &^= store.MessageFlagRead
		}
		return s.modifyMessage(ctx, h, id, store.PropValues{store.TagMessageFlags: flags})
	})
}

func messageFlags(props store.PropValues) int32 {
	switch v := props[store.TagMessageFlags].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	}
	return 0
}

func (s *service) modifyMessage(ctx context.Context, h *handle, id uint64, props store.PropValues) error {
	if err := h.mb.UpdateMessage(ctx, id, props); err != nil {
		return wrapStore(err)
	}
	m, err := h.mb.GetMessage(ctx, id)
	if err != nil {
		return wrapStore(err)
	}
	tags := changedTags(props)

	for _, lt := range contentTables(h, m.FolderID, m.Associated) {
		s.apply(ctx, h, lt, func(t *table.Table) ([]table.Event, error) { return t.Modify(ctx, id, tags) })
	}
	if !m.Associated && slices.Contains(tags, store.TagMessageFlags) {
		s.touchCounts(ctx, h, m.FolderID)
	}
	s.notify(ctx, h, notify.Event{Type: notify.ObjectModified, Folder: m.FolderID, Message: id, Tags: tags})

	if m.Associated {
		return nil
	}
	kept, err := s.reconcile(ctx, h, m)
	if err != nil {
		s.logger.Warn("search folder update failed", "path", h.path, "message", id, "error", err)
	}
	for _, f := range kept {
		for _, lt := range contentTables(h, f, false) {
			s.apply(ctx, h, lt, func(t *table.Table) ([]table.Event, error) { return t.Modify(ctx, id, tags) })
		}
		if slices.Contains(tags, store.TagMessageFlags) {
			s.touchCounts(ctx, h, f)
		}
		s.notify(ctx, h, notify.Event{Type: notify.ObjectModified, Folder: f, Message: id, Tags: tags})
	}
	return nil
}

// MoveMessage moves a message to folderID.
func (s *service) MoveMessage(ctx context.Context, path string, id, folderID uint64) error {
	return s.mutate(ctx, "move_message", path, func(ctx context.Context, h *handle) error {
		m, err := h.mb.GetMessage(ctx, id)
		if err != nil {
			return wrapStore(err)
		}
		if m.FolderID == folderID {
			return nil
		}
		dst, err := h.mb.GetFolder(ctx, folderID)
		if err != nil {
			return wrapStore(err)
		}
		if dst.IsSearch() {
			return ErrSearchFolder
		}
		old := m.FolderID
		if err := h.mb.MoveMessage(ctx, id, folderID); err != nil {
			return wrapStore(err)
		}
		m.FolderID = folderID

		for _, lt := range contentTables(h, old, m.Associated) {
			s.emitTable(ctx, h, lt, lt.tbl.Delete(id))
		}
		for _, lt := range contentTables(h, folderID, m.Associated) {
			s.apply(ctx, h, lt, func(t *table.Table) ([]table.Event, error) { return t.Insert(ctx, id) })
		}
		if !m.Associated {
			s.touchCounts(ctx, h, old)
			s.touchCounts(ctx, h, folderID)
		}
		s.notify(ctx, h, notify.Event{Type: notify.ObjectMoved, Folder: folderID, Message: id, OldFolder: old})

		if m.Associated {
			return nil
		}
		kept, err := s.reconcile(ctx, h, m)
		if err != nil {
			s.logger.Warn("search folder update failed", "path", h.path, "message", id, "error", err)
		}
		moved := []store.PropTag{store.TagParentFolderID}
		for _, f := range kept {
			for _, lt := range contentTables(h, f, false) {
				s.apply(ctx, h, lt, func(t *table.Table) ([]table.Event, error) { return t.Modify(ctx, id, moved) })
			}
		}
		return nil
	})
}

// DeleteMessage removes a message from its folder and every search folder.
func (s *service) DeleteMessage(ctx context.Context, path string, id uint64) error {
	return s.mutate(ctx, "delete_message", path, func(ctx context.Context, h *handle) error {
		m, err := h.mb.GetMessage(ctx, id)
		if err != nil {
			return wrapStore(err)
		}
		members, err := h.mb.SearchFoldersOf(ctx, id)
		if err != nil {
			return wrapStore(err)
		}
		if err := h.mb.DeleteMessage(ctx, id); err != nil {
			return wrapStore(err)
		}

		for _, lt := range contentTables(h, m.FolderID, m.Associated) {
			s.emitTable(ctx, h, lt, lt.tbl.Delete(id))
		}
		for _, lt := range ownedTables(h, id, table.TypeAttachment, table.TypeRecipient) {
			s.resetTable(ctx, h, lt)
		}
		if !m.Associated {
			s.touchCounts(ctx, h, m.FolderID)
		}
		s.notify(ctx, h, notify.Event{Type: notify.ObjectDeleted, Folder: m.FolderID, Message: id})

		for _, f := range members {
			for _, lt := range contentTables(h, f, false) {
				s.emitTable(ctx, h, lt, lt.tbl.Delete(id))
			}
			s.touchCounts(ctx, h, f)
			s.notify(ctx, h, notify.Event{Type: notify.ObjectDeleted, Folder: f, Message: id})
		}
		return nil
	})
}

// GetMessage returns a message.
func (s *service) GetMessage(ctx context.Context, path string, id uint64) (*store.Message, error) {
	var m *store.Message
	err := s.withHandle(ctx, path, func(h *handle) error {
		var err error
		m, err = h.mb.GetMessage(ctx, id)
		return wrapStore(err)
	})
	return m, err
}
