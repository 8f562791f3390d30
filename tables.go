package exmdb

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"time"

	"github.com/rbaliyan/exmdb/notify"
	"github.com/rbaliyan/exmdb/search"
	"github.com/rbaliyan/exmdb/store"
	"github.com/rbaliyan/exmdb/table"
	"go.opentelemetry.io/otel/attribute"
)

// TableRequest describes a table to load.
type TableRequest struct {
	// Observer receives the row notifications of the table. Required
	// unless Flags has table.FlagNotifyless.
	Observer string
	// Owner is the folder of content, hierarchy and rule tables, or the
	// message of attachment and recipient tables.
	Owner       uint64
	Flags       table.Flags
	Sort        table.SortSpec
	Restriction *store.Restriction
}

// TableInfo is returned by the Load*Table operations.
type TableInfo struct {
	ID       uint32
	RowCount int
}

// liveTable is a loaded table of a mailbox.
type liveTable struct {
	id       uint32
	observer string
	typ      table.Type
	owner    uint64
	flags    table.Flags
	search   bool // content table of a search folder
	tbl      *table.Table
}

func (lt *liveTable) notifying() bool { return lt.flags&table.FlagNotifyless == 0 }

// countTags are the folder columns derived from the folder's messages.
var countTags = []store.PropTag{store.TagContentCount, store.TagContentUnread}

// messageProps returns the columns of a message row.
func messageProps(m *store.Message) store.PropValues {
	props := make(store.PropValues, len(m.Props)+2)
	maps.Copy(props, m.Props)
	props[store.TagMid] = int64(m.ID)
	props[store.TagParentFolderID] = int64(m.FolderID)
	return props
}

// messageSource feeds content tables.
type messageSource struct {
	mb         store.Mailbox
	associated bool
}

func (s messageSource) Props(ctx context.Context, id uint64, _ []store.PropTag) (store.PropValues, error) {
	m, err := s.mb.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Associated != s.associated {
		return nil, store.ErrNotFound
	}
	return messageProps(m), nil
}

// folderSource feeds hierarchy tables rooted at root. Folders outside the
// table are reported as not found.
type folderSource struct {
	mb    store.Mailbox
	root  uint64
	depth bool
}

func (s folderSource) Props(ctx context.Context, id uint64, tags []store.PropTag) (store.PropValues, error) {
	f, err := s.mb.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}
	level := 0
	if f.ParentID != s.root {
		if !s.depth {
			return nil, store.ErrNotFound
		}
		anc, err := store.Ancestors(ctx, s.mb, id)
		if err != nil {
			return nil, err
		}
		level = slices.Index(anc, s.root)
		if level < 0 {
			return nil, store.ErrNotFound
		}
	}

	props := f.Props.Clone()
	if props == nil {
		props = make(store.PropValues)
	}
	props[store.TagFolderID] = int64(f.ID)
	props[store.TagParentFolderID] = int64(f.ParentID)
	props[store.TagDepth] = int32(level)
	if slices.ContainsFunc(tags, func(t store.PropTag) bool { return slices.Contains(countTags, t.Stored()) }) {
		count, unread, err := folderCounts(ctx, s.mb, f)
		if err != nil {
			return nil, err
		}
		props[store.TagContentCount] = int32(count)
		props[store.TagContentUnread] = int32(unread)
	}
	return props, nil
}

// folderCounts counts the normal messages of a folder and how many are
// unread.
func folderCounts(ctx context.Context, mb store.Mailbox, f *store.Folder) (count, unread int, err error) {
	var ids []uint64
	if f.IsSearch() {
		ids, err = mb.SearchResults(ctx, f.ID)
	} else {
		ids, err = mb.FolderMessages(ctx, f.ID)
	}
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		m, err := mb.GetMessage(ctx, id)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return 0, 0, err
		}
		if m.Associated {
			continue
		}
		count++
		if !m.Props.IsRead() {
			unread++
		}
	}
	return count, unread, nil
}

// listSource feeds sub-object tables. Row ids are 1-based list positions.
type listSource []store.PropValues

func (l listSource) Props(_ context.Context, id uint64, _ []store.PropTag) (store.PropValues, error) {
	if id < 1 || id > uint64(len(l)) {
		return nil, store.ErrNotFound
	}
	return l[id-1].Clone(), nil
}

func (l listSource) ids() []uint64 {
	out := make([]uint64, len(l))
	for i := range l {
		out[i] = uint64(i + 1)
	}
	return out
}

// LoadContentTable loads the messages of a folder. Content tables of search
// folders show the folder's members.
func (s *service) LoadContentTable(ctx context.Context, path string, req TableRequest) (TableInfo, error) {
	return s.loadTable(ctx, path, table.TypeContent, req)
}

// LoadHierarchyTable loads the subfolders of a folder, or every descendant
// with table.FlagDepth.
func (s *service) LoadHierarchyTable(ctx context.Context, path string, req TableRequest) (TableInfo, error) {
	return s.loadTable(ctx, path, table.TypeHierarchy, req)
}

// LoadAttachmentTable loads the attachments of a message.
func (s *service) LoadAttachmentTable(ctx context.Context, path string, req TableRequest) (TableInfo, error) {
	return s.loadTable(ctx, path, table.TypeAttachment, req)
}

// LoadRecipientTable loads the recipients of a message.
func (s *service) LoadRecipientTable(ctx context.Context, path string, req TableRequest) (TableInfo, error) {
	return s.loadTable(ctx, path, table.TypeRecipient, req)
}

// LoadRuleTable loads the rules of a folder.
func (s *service) LoadRuleTable(ctx context.Context, path string, req TableRequest) (TableInfo, error) {
	return s.loadTable(ctx, path, table.TypeRule, req)
}

func (s *service) loadTable(ctx context.Context, path string, typ table.Type, req TableRequest) (info TableInfo, err error) {
	start := time.Now()
	ctx, end := s.otel.startSpan(ctx, "exmdb.LoadTable",
		attribute.String("path", path),
		attribute.String("type", typ.String()),
	)
	defer func() {
		end(err)
		s.otel.recordTable(ctx, time.Since(start), "load")
	}()

	if req.Observer == "" && req.Flags&table.FlagNotifyless == 0 {
		return info, ErrInvalidObserver
	}

	err = s.withHandle(ctx, path, func(h *handle) error {
		lt := &liveTable{
			observer: req.Observer,
			typ:      typ,
			owner:    req.Owner,
			flags:    req.Flags,
		}
		src, ids, err := s.tableSource(ctx, h, lt)
		if err != nil {
			return err
		}
		h.nextTable++
		lt.id = h.nextTable
		tbl, err := table.New(table.Config{
			ID:           lt.id,
			Type:         typ,
			Owner:        req.Owner,
			Flags:        req.Flags,
			Sort:         req.Sort,
			Restriction:  req.Restriction,
			HeaderPolicy: s.opts.headerPolicy,
		}, src)
		if err != nil {
			return err
		}
		if err := tbl.Rebuild(ctx, ids); err != nil {
			return wrapStore(err)
		}
		lt.tbl = tbl
		h.tables[lt.id] = lt
		h.tableCount.Add(1)
		info = TableInfo{ID: lt.id, RowCount: tbl.Count()}
		return nil
	})
	if err == nil {
		s.logger.Debug("table loaded", "path", path, "type", typ.String(), "table", info.ID, "rows", info.RowCount)
	}
	return info, err
}

// tableSource returns the row source of a table and the ids it currently
// shows.
func (s *service) tableSource(ctx context.Context, h *handle, lt *liveTable) (table.Source, []uint64, error) {
	switch lt.typ {
	case table.TypeContent:
		f, err := h.mb.GetFolder(ctx, lt.owner)
		if err != nil {
			return nil, nil, wrapStore(err)
		}
		lt.search = f.IsSearch()
		ids, err := s.contentIDs(ctx, h, lt)
		if err != nil {
			return nil, nil, err
		}
		if lt.search {
			return messageSource{mb: h.mb}, ids, nil
		}
		return messageSource{mb: h.mb, associated: lt.flags&table.FlagAssociated != 0}, ids, nil

	case table.TypeHierarchy:
		if _, err := h.mb.GetFolder(ctx, lt.owner); err != nil {
			return nil, nil, wrapStore(err)
		}
		ids, err := s.hierarchyIDs(ctx, h, lt)
		if err != nil {
			return nil, nil, err
		}
		return folderSource{mb: h.mb, root: lt.owner, depth: lt.flags&table.FlagDepth != 0}, ids, nil

	case table.TypeAttachment, table.TypeRecipient:
		m, err := h.mb.GetMessage(ctx, lt.owner)
		if err != nil {
			return nil, nil, wrapStore(err)
		}
		l := listSource(m.Recipients)
		if lt.typ == table.TypeAttachment {
			l = listSource(m.Attachments)
		}
		return l, l.ids(), nil

	case table.TypeRule:
		f, err := h.mb.GetFolder(ctx, lt.owner)
		if err != nil {
			return nil, nil, wrapStore(err)
		}
		l := listSource(f.Rules)
		return l, l.ids(), nil
	}
	return nil, nil, ErrInvalidTableType
}

func (s *service) contentIDs(ctx context.Context, h *handle, lt *liveTable) ([]uint64, error) {
	var ids []uint64
	var err error
	if lt.search {
		ids, err = h.mb.SearchResults(ctx, lt.owner)
	} else {
		ids, err = h.mb.FolderMessages(ctx, lt.owner)
	}
	return ids, wrapStore(err)
}

func (s *service) hierarchyIDs(ctx context.Context, h *handle, lt *liveTable) ([]uint64, error) {
	if lt.flags&table.FlagDepth == 0 {
		ids, err := h.mb.ChildFolders(ctx, lt.owner)
		return ids, wrapStore(err)
	}
	ids, err := search.ExpandScope(ctx, h.mb, []uint64{lt.owner}, true)
	if err != nil {
		return nil, wrapStore(err)
	}
	return ids[1:], nil
}

// UnloadTable drops a table.
func (s *service) UnloadTable(ctx context.Context, path string, tableID uint32) error {
	return s.withHandle(ctx, path, func(h *handle) error {
		if _, ok := h.tables[tableID]; !ok {
			return ErrTableNotFound
		}
		delete(h.tables, tableID)
		h.tableCount.Add(-1)
		return nil
	})
}

// QueryTable returns the requested columns of up to count visible rows
// starting at position start.
func (s *service) QueryTable(ctx context.Context, path string, tableID uint32, start, count int, tags []store.PropTag) (rows []store.PropValues, err error) {
	began := time.Now()
	ctx, end := s.otel.startSpan(ctx, "exmdb.QueryTable",
		attribute.String("path", path),
		attribute.Int("table", int(tableID)),
	)
	defer func() {
		end(err)
		s.otel.recordTable(ctx, time.Since(began), "query")
	}()

	err = s.withTable(ctx, path, tableID, func(h *handle, lt *liveTable) error {
		ids := lt.tbl.Rows(start, count)
		rows = make([]store.PropValues, 0, len(ids))
		for _, id := range ids {
			props, err := lt.tbl.RowProps(ctx, id, tags)
			if err != nil {
				return wrapStore(err)
			}
			rows = append(rows, props)
		}
		return nil
	})
	return rows, err
}

// TableRowCount returns the number of visible rows.
func (s *service) TableRowCount(ctx context.Context, path string, tableID uint32) (int, error) {
	var n int
	err := s.withTable(ctx, path, tableID, func(_ *handle, lt *liveTable) error {
		n = lt.tbl.Count()
		return nil
	})
	return n, err
}

// ExpandRow expands the category header with instance id instID and
// returns the number of rows that became visible.
func (s *service) ExpandRow(ctx context.Context, path string, tableID uint32, instID int64) (int, error) {
	return s.setExpanded(ctx, path, tableID, instID, true)
}

// CollapseRow collapses the category header with instance id instID and
// returns the number of rows that were hidden.
func (s *service) CollapseRow(ctx context.Context, path string, tableID uint32, instID int64) (int, error) {
	return s.setExpanded(ctx, path, tableID, instID, false)
}

func (s *service) setExpanded(ctx context.Context, path string, tableID uint32, instID int64, expand bool) (int, error) {
	var n int
	err := s.withTable(ctx, path, tableID, func(_ *handle, lt *liveTable) error {
		if lt.typ != table.TypeContent {
			return ErrInvalidTableType
		}
		row, ok := table.HeaderRow(instID)
		if !ok {
			return table.ErrNotHeader
		}
		var err error
		if expand {
			n, err = lt.tbl.Expand(row)
		} else {
			n, err = lt.tbl.Collapse(row)
		}
		return err
	})
	return n, err
}

// ReloadContentTable rebuilds a content table from the store and sends its
// observer a table-changed notification.
func (s *service) ReloadContentTable(ctx context.Context, path string, tableID uint32) error {
	return s.withTable(ctx, path, tableID, func(h *handle, lt *liveTable) error {
		if lt.typ != table.TypeContent {
			return ErrInvalidTableType
		}
		return s.reloadTable(ctx, h, lt)
	})
}

func (s *service) withTable(ctx context.Context, path string, tableID uint32, fn func(h *handle, lt *liveTable) error) error {
	return s.withHandle(ctx, path, func(h *handle) error {
		lt, ok := h.tables[tableID]
		if !ok {
			return ErrTableNotFound
		}
		return fn(h, lt)
	})
}

// reloadTable rebuilds lt from the store.
func (s *service) reloadTable(ctx context.Context, h *handle, lt *liveTable) error {
	var ids []uint64
	var err error
	switch lt.typ {
	case table.TypeContent:
		ids, err = s.contentIDs(ctx, h, lt)
	case table.TypeHierarchy:
		ids, err = s.hierarchyIDs(ctx, h, lt)
	default:
		return ErrInvalidTableType
	}
	if err != nil {
		return err
	}
	if err := lt.tbl.Rebuild(ctx, ids); err != nil {
		return wrapStore(err)
	}
	s.emitTable(ctx, h, lt, []table.Event{{Kind: table.TableChanged, TableID: lt.id}})
	return nil
}

// resetTable empties a table whose owner is gone.
func (s *service) resetTable(ctx context.Context, h *handle, lt *liveTable) {
	if err := lt.tbl.Rebuild(ctx, nil); err != nil {
		s.logger.Warn("table reset failed", "path", h.path, "table", lt.id, "error", err)
	}
	s.emitTable(ctx, h, lt, []table.Event{{Kind: table.TableChanged, TableID: lt.id}})
}

// apply runs one maintenance step on lt and forwards its row events. When
// the step fails the table is rebuilt and its observer gets a single
// table-changed notification instead.
func (s *service) apply(ctx context.Context, h *handle, lt *liveTable, step func(t *table.Table) ([]table.Event, error)) {
	evs, err := step(lt.tbl)
	if err == nil || store.IsNotFound(err) {
		s.emitTable(ctx, h, lt, evs)
		return
	}
	s.logger.Warn("table maintenance failed, reloading table",
		"path", h.path, "table", lt.id, "type", lt.typ.String(), "error", err)
	s.otel.recordTableFallback(ctx)
	if err := s.reloadTable(ctx, h, lt); err != nil {
		s.logger.Error("table reload failed", "path", h.path, "table", lt.id, "error", err)
		s.emitTable(ctx, h, lt, []table.Event{{Kind: table.TableChanged, TableID: lt.id}})
	}
}

// emitTable hands row events to the table's observer.
func (s *service) emitTable(ctx context.Context, h *handle, lt *liveTable, evs []table.Event) {
	if len(evs) == 0 || !lt.notifying() {
		return
	}
	s.otel.recordTableEvents(ctx, len(evs))
	for _, ev := range evs {
		s.disp.DispatchTable(ctx, notify.TableNotification{
			Observer: lt.observer,
			Path:     h.path,
			Table:    lt.id,
			Event:    ev,
		})
	}
}

// tablesWhere returns the tables of h matching keep, in load order.
func tablesWhere(h *handle, keep func(lt *liveTable) bool) []*liveTable {
	var out []*liveTable
	for _, lt := range h.tables {
		if keep(lt) {
			out = append(out, lt)
		}
	}
	slices.SortFunc(out, func(a, b *liveTable) int { return cmp.Compare(a.id, b.id) })
	return out
}

// contentTables returns the content tables over folder showing normal or
// associated messages. Search folder tables only show normal messages.
func contentTables(h *handle, folder uint64, associated bool) []*liveTable {
	return tablesWhere(h, func(lt *liveTable) bool {
		if lt.typ != table.TypeContent || lt.owner != folder {
			return false
		}
		if lt.search {
			return !associated
		}
		return (lt.flags&table.FlagAssociated != 0) == associated
	})
}

func hierarchyTables(h *handle) []*liveTable {
	return tablesWhere(h, func(lt *liveTable) bool { return lt.typ == table.TypeHierarchy })
}

// ownedTables returns the tables whose owner is id, restricted to types.
func ownedTables(h *handle, id uint64, types ...table.Type) []*liveTable {
	return tablesWhere(h, func(lt *liveTable) bool {
		return lt.owner == id && slices.Contains(types, lt.typ)
	})
}

// touchCounts refreshes the content count columns of folder in hierarchy
// tables.
func (s *service) touchCounts(ctx context.Context, h *handle, folder uint64) {
	for _, lt := range hierarchyTables(h) {
		if !lt.tbl.Has(folder) {
			continue
		}
		s.apply(ctx, h, lt, func(t *table.Table) ([]table.Event, error) {
			return t.Modify(ctx, folder, countTags)
		})
	}
}
