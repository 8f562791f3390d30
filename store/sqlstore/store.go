package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/exmdb/store"
)

// Compile-time check
var _ store.Mailbox = (*Mailbox)(nil)

// Mailbox implements store.Mailbox on SQL tables.
type Mailbox struct {
	path    string
	db      *sqlx.DB
	owned   bool
	dialect Dialect
	schema  string
	opts    *options
	closed  atomic.Bool
	logger  *slog.Logger
}

type folderRow struct {
	ID       int64  `db:"folder_id"`
	ParentID int64  `db:"parent_id"`
	Type     int64  `db:"folder_type"`
	Props    string `db:"props"`
	Rules    string `db:"rules"`
}

type messageRow struct {
	ID          int64  `db:"message_id"`
	FolderID    int64  `db:"parent_fid"`
	Associated  bool   `db:"is_associated"`
	Props       string `db:"props"`
	Recipients  string `db:"recipients"`
	Attachments string `db:"attachments"`
}

type criteriaRow struct {
	FolderID    int64          `db:"folder_id"`
	Flags       int64          `db:"flags"`
	Restriction sql.NullString `db:"restriction"`
	Scope       string         `db:"scope"`
}

// Path returns the mailbox path.
func (m *Mailbox) Path() string { return m.path }

// Ping checks the database connection.
func (m *Mailbox) Ping(ctx context.Context) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrNotConnected, err)
	}
	return nil
}

// Close closes the SQLite database. A shared PostgreSQL connection stays open.
func (m *Mailbox) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.owned {
		return m.db.Close()
	}
	return nil
}

func (m *Mailbox) checkConnected() error {
	if m.closed.Load() {
		return store.ErrNotConnected
	}
	return nil
}

func (m *Mailbox) q(query string) string { return m.db.Rebind(query) }

func (m *Mailbox) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrTransactionFailed, err)
	}
	return nil
}

func (m *Mailbox) nextID(ctx context.Context, tx *sqlx.Tx) (uint64, error) {
	var id int64
	query := fmt.Sprintf(`UPDATE %s SET value = value + 1 WHERE id = 1 RETURNING value`, m.t("allocated_eid"))
	if err := tx.GetContext(ctx, &id, query); err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return uint64(id), nil
}

func (m *Mailbox) exists(ctx context.Context, q sqlx.QueryerContext, table, column string, id uint64) (bool, error) {
	var n int
	query := m.q(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ?`, m.t(table), column))
	if err := sqlx.GetContext(ctx, q, &n, query, int64(id)); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *Mailbox) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opts.timeout)
}

// =============================================================================
// Folder Operations
// =============================================================================

func (m *Mailbox) CreateFolder(ctx context.Context, f *store.Folder) (uint64, error) {
	if err := m.checkConnected(); err != nil {
		return 0, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	props, err := store.EncodeProps(f.Props)
	if err != nil {
		return 0, err
	}
	rules, err := store.EncodePropList(f.Rules)
	if err != nil {
		return 0, err
	}
	typ := f.Type
	if typ == 0 {
		typ = store.FolderGeneric
	}

	var id uint64
	err = m.withTx(ctx, func(tx *sqlx.Tx) error {
		if f.ParentID != 0 {
			ok, err := m.exists(ctx, tx, "folders", "folder_id", f.ParentID)
			if err != nil {
				return fmt.Errorf("check parent: %w", err)
			}
			if !ok {
				return store.ErrNotFound
			}
		}
		if id, err = m.nextID(ctx, tx); err != nil {
			return err
		}
		query := m.q(fmt.Sprintf(`INSERT INTO %s (folder_id, parent_id, folder_type, props, rules) VALUES (?, ?, ?, ?, ?)`, m.t("folders")))
		if _, err := tx.ExecContext(ctx, query, int64(id), int64(f.ParentID), int64(typ), string(props), string(rules)); err != nil {
			return fmt.Errorf("insert folder: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (m *Mailbox) getFolder(ctx context.Context, q sqlx.QueryerContext, id uint64) (*folderRow, error) {
	var row folderRow
	query := m.q(fmt.Sprintf(`SELECT folder_id, parent_id, folder_type, props, rules FROM %s WHERE folder_id = ?`, m.t("folders")))
	if err := sqlx.GetContext(ctx, q, &row, query, int64(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get folder: %w", err)
	}
	return &row, nil
}

func (m *Mailbox) GetFolder(ctx context.Context, id uint64) (*store.Folder, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	row, err := m.getFolder(ctx, m.db, id)
	if err != nil {
		return nil, err
	}
	props, err := store.DecodeProps([]byte(row.Props))
	if err != nil {
		return nil, err
	}
	rules, err := store.DecodePropList([]byte(row.Rules))
	if err != nil {
		return nil, err
	}
	return &store.Folder{
		ID:       uint64(row.ID),
		ParentID: uint64(row.ParentID),
		Type:     store.FolderType(row.Type),
		Props:    props,
		Rules:    rules,
	}, nil
}

func (m *Mailbox) UpdateFolder(ctx context.Context, id uint64, changes store.PropValues) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	return m.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := m.getFolder(ctx, tx, id)
		if err != nil {
			return err
		}
		props, err := store.DecodeProps([]byte(row.Props))
		if err != nil {
			return err
		}
		props.Merge(changes)
		data, err := store.EncodeProps(props)
		if err != nil {
			return err
		}
		query := m.q(fmt.Sprintf(`UPDATE %s SET props = ? WHERE folder_id = ?`, m.t("folders")))
		if _, err := tx.ExecContext(ctx, query, string(data), int64(id)); err != nil {
			return fmt.Errorf("update folder: %w", err)
		}
		return nil
	})
}

func (m *Mailbox) MoveFolder(ctx context.Context, id, parentID uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	return m.withTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := m.exists(ctx, tx, "folders", "folder_id", parentID)
		if err != nil {
			return fmt.Errorf("check parent: %w", err)
		}
		if !ok {
			return store.ErrNotFound
		}
		query := m.q(fmt.Sprintf(`UPDATE %s SET parent_id = ? WHERE folder_id = ?`, m.t("folders")))
		return execOne(ctx, tx, query, int64(parentID), int64(id))
	})
}

func (m *Mailbox) DeleteFolder(ctx context.Context, id uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	return m.withTx(ctx, func(tx *sqlx.Tx) error {
		query := m.q(fmt.Sprintf(`DELETE FROM %s WHERE folder_id = ?`, m.t("folders")))
		if err := execOne(ctx, tx, query, int64(id)); err != nil {
			return err
		}
		for _, table := range []string{"search_result", "search_criteria"} {
			query := m.q(fmt.Sprintf(`DELETE FROM %s WHERE folder_id = ?`, m.t(table)))
			if _, err := tx.ExecContext(ctx, query, int64(id)); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		return nil
	})
}

func (m *Mailbox) ChildFolders(ctx context.Context, parentID uint64) ([]uint64, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	query := m.q(fmt.Sprintf(`SELECT folder_id FROM %s WHERE parent_id = ? ORDER BY folder_id`, m.t("folders")))
	return m.selectIDs(ctx, query, int64(parentID))
}

// =============================================================================
// Message Operations
// =============================================================================

func (m *Mailbox) CreateMessage(ctx context.Context, msg *store.Message) (uint64, error) {
	if err := m.checkConnected(); err != nil {
		return 0, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	props, err := store.EncodeProps(msg.Props)
	if err != nil {
		return 0, err
	}
	rcpts, err := store.EncodePropList(msg.Recipients)
	if err != nil {
		return 0, err
	}
	atts, err := store.EncodePropList(msg.Attachments)
	if err != nil {
		return 0, err
	}

	var id uint64
	err = m.withTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := m.exists(ctx, tx, "folders", "folder_id", msg.FolderID)
		if err != nil {
			return fmt.Errorf("check folder: %w", err)
		}
		if !ok {
			return store.ErrNotFound
		}
		if id, err = m.nextID(ctx, tx); err != nil {
			return err
		}
		query := m.q(fmt.Sprintf(`INSERT INTO %s (message_id, parent_fid, is_associated, props, recipients, attachments) VALUES (?, ?, ?, ?, ?, ?)`, m.t("messages")))
		if _, err := tx.ExecContext(ctx, query, int64(id), int64(msg.FolderID), msg.Associated, string(props), string(rcpts), string(atts)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (m *Mailbox) getMessage(ctx context.Context, q sqlx.QueryerContext, id uint64) (*messageRow, error) {
	var row messageRow
	query := m.q(fmt.Sprintf(`SELECT message_id, parent_fid, is_associated, props, recipients, attachments FROM %s WHERE message_id = ?`, m.t("messages")))
	if err := sqlx.GetContext(ctx, q, &row, query, int64(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &row, nil
}

func (m *Mailbox) GetMessage(ctx context.Context, id uint64) (*store.Message, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	row, err := m.getMessage(ctx, m.db, id)
	if err != nil {
		return nil, err
	}
	props, err := store.DecodeProps([]byte(row.Props))
	if err != nil {
		return nil, err
	}
	rcpts, err := store.DecodePropList([]byte(row.Recipients))
	if err != nil {
		return nil, err
	}
	atts, err := store.DecodePropList([]byte(row.Attachments))
	if err != nil {
		return nil, err
	}
	return &store.Message{
		ID:          uint64(row.ID),
		FolderID:    uint64(row.FolderID),
		Associated:  row.Associated,
		Props:       props,
		Recipients:  rcpts,
		Attachments: atts,
	}, nil
}

func (m *Mailbox) UpdateMessage(ctx context.Context, id uint64, changes store.PropValues) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	return m.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := m.getMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		props, err := store.DecodeProps([]byte(row.Props))
		if err != nil {
			return err
		}
		props.Merge(changes)
		data, err := store.EncodeProps(props)
		if err != nil {
			return err
		}
		query := m.q(fmt.Sprintf(`UPDATE %s SET props = ? WHERE message_id = ?`, m.t("messages")))
		if _, err := tx.ExecContext(ctx, query, string(data), int64(id)); err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		return nil
	})
}

func (m *Mailbox) MoveMessage(ctx context.Context, id, folderID uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	return m.withTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := m.exists(ctx, tx, "folders", "folder_id", folderID)
		if err != nil {
			return fmt.Errorf("check folder: %w", err)
		}
		if !ok {
			return store.ErrNotFound
		}
		query := m.q(fmt.Sprintf(`UPDATE %s SET parent_fid = ? WHERE message_id = ?`, m.t("messages")))
		return execOne(ctx, tx, query, int64(folderID), int64(id))
	})
}

func (m *Mailbox) DeleteMessage(ctx context.Context, id uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	return m.withTx(ctx, func(tx *sqlx.Tx) error {
		query := m.q(fmt.Sprintf(`DELETE FROM %s WHERE message_id = ?`, m.t("messages")))
		if err := execOne(ctx, tx, query, int64(id)); err != nil {
			return err
		}
		query = m.q(fmt.Sprintf(`DELETE FROM %s WHERE message_id = ?`, m.t("search_result")))
		if _, err := tx.ExecContext(ctx, query, int64(id)); err != nil {
			return fmt.Errorf("delete search results: %w", err)
		}
		return nil
	})
}

func (m *Mailbox) FolderMessages(ctx context.Context, folderID uint64) ([]uint64, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	query := m.q(fmt.Sprintf(`SELECT message_id FROM %s WHERE parent_fid = ? ORDER BY message_id`, m.t("messages")))
	return m.selectIDs(ctx, query, int64(folderID))
}

// =============================================================================
// Search Operations
// =============================================================================

func (m *Mailbox) SearchResults(ctx context.Context, folderID uint64) ([]uint64, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	query := m.q(fmt.Sprintf(`SELECT message_id FROM %s WHERE folder_id = ? ORDER BY message_id`, m.t("search_result")))
	return m.selectIDs(ctx, query, int64(folderID))
}

func (m *Mailbox) AddSearchResult(ctx context.Context, folderID, messageID uint64) (bool, error) {
	if err := m.checkConnected(); err != nil {
		return false, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	query := m.q(fmt.Sprintf(`INSERT INTO %s (folder_id, message_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, m.t("search_result")))
	res, err := m.db.ExecContext(ctx, query, int64(folderID), int64(messageID))
	if err != nil {
		return false, fmt.Errorf("insert search result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert search result: %w", err)
	}
	return n > 0, nil
}

func (m *Mailbox) RemoveSearchResult(ctx context.Context, folderID, messageID uint64) (bool, error) {
	if err := m.checkConnected(); err != nil {
		return false, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	query := m.q(fmt.Sprintf(`DELETE FROM %s WHERE folder_id = ? AND message_id = ?`, m.t("search_result")))
	res, err := m.db.ExecContext(ctx, query, int64(folderID), int64(messageID))
	if err != nil {
		return false, fmt.Errorf("delete search result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete search result: %w", err)
	}
	return n > 0, nil
}

func (m *Mailbox) ClearSearchResults(ctx context.Context, folderID uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	query := m.q(fmt.Sprintf(`DELETE FROM %s WHERE folder_id = ?`, m.t("search_result")))
	if _, err := m.db.ExecContext(ctx, query, int64(folderID)); err != nil {
		return fmt.Errorf("clear search results: %w", err)
	}
	return nil
}

func (m *Mailbox) SearchFoldersOf(ctx context.Context, messageID uint64) ([]uint64, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	query := m.q(fmt.Sprintf(`SELECT folder_id FROM %s WHERE message_id = ? ORDER BY folder_id`, m.t("search_result")))
	return m.selectIDs(ctx, query, int64(messageID))
}

func (m *Mailbox) SaveSearchCriteria(ctx context.Context, c *store.SearchCriteria) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	var restriction sql.NullString
	if c.Restriction != nil {
		data, err := json.Marshal(c.Restriction)
		if err != nil {
			return fmt.Errorf("marshal restriction: %w", err)
		}
		restriction = sql.NullString{String: string(data), Valid: true}
	}
	scope, err := json.Marshal(c.Scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}

	return m.withTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := m.exists(ctx, tx, "folders", "folder_id", c.FolderID)
		if err != nil {
			return fmt.Errorf("check folder: %w", err)
		}
		if !ok {
			return store.ErrNotFound
		}
		query := m.q(fmt.Sprintf(`
			INSERT INTO %s (folder_id, flags, restriction, scope) VALUES (?, ?, ?, ?)
			ON CONFLICT (folder_id) DO UPDATE SET
				flags = excluded.flags,
				restriction = excluded.restriction,
				scope = excluded.scope
		`, m.t("search_criteria")))
		if _, err := tx.ExecContext(ctx, query, int64(c.FolderID), int64(c.Flags), restriction, string(scope)); err != nil {
			return fmt.Errorf("save search criteria: %w", err)
		}
		return nil
	})
}

func (m *Mailbox) LoadSearchCriteria(ctx context.Context, folderID uint64) (*store.SearchCriteria, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	var row criteriaRow
	query := m.q(fmt.Sprintf(`SELECT folder_id, flags, restriction, scope FROM %s WHERE folder_id = ?`, m.t("search_criteria")))
	if err := m.db.GetContext(ctx, &row, query, int64(folderID)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load search criteria: %w", err)
	}
	return row.criteria()
}

func (m *Mailbox) AllSearchCriteria(ctx context.Context) ([]*store.SearchCriteria, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	var rows []criteriaRow
	query := fmt.Sprintf(`SELECT folder_id, flags, restriction, scope FROM %s ORDER BY folder_id`, m.t("search_criteria"))
	if err := m.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list search criteria: %w", err)
	}
	out := make([]*store.SearchCriteria, 0, len(rows))
	for _, row := range rows {
		c, err := row.criteria()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Mailbox) DeleteSearchCriteria(ctx context.Context, folderID uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	query := m.q(fmt.Sprintf(`DELETE FROM %s WHERE folder_id = ?`, m.t("search_criteria")))
	if _, err := m.db.ExecContext(ctx, query, int64(folderID)); err != nil {
		return fmt.Errorf("delete search criteria: %w", err)
	}
	return nil
}

func (r *criteriaRow) criteria() (*store.SearchCriteria, error) {
	c := &store.SearchCriteria{
		FolderID: uint64(r.FolderID),
		Flags:    store.SearchFlags(r.Flags),
	}
	if r.Restriction.Valid && r.Restriction.String != "" {
		if err := json.Unmarshal([]byte(r.Restriction.String), &c.Restriction); err != nil {
			return nil, fmt.Errorf("decode restriction: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(r.Scope), &c.Scope); err != nil {
		return nil, fmt.Errorf("decode scope: %w", err)
	}
	return c, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (m *Mailbox) selectIDs(ctx context.Context, query string, args ...any) ([]uint64, error) {
	var raw []int64
	if err := m.db.SelectContext(ctx, &raw, query, args...); err != nil {
		return nil, fmt.Errorf("select ids: %w", err)
	}
	ids := make([]uint64, len(raw))
	for i, id := range raw {
		ids[i] = uint64(id)
	}
	return ids, nil
}

// execOne runs a statement that must touch exactly one row.
func execOne(ctx context.Context, tx *sqlx.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
