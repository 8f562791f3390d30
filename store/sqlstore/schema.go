package sqlstore

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// t returns the qualified name of a mailbox table.
func (m *Mailbox) t(name string) string {
	if m.dialect == Postgres {
		return quoteIdent(m.schema, name)
	}
	return name
}

// ensureSchema creates the mailbox tables and indexes.
func (m *Mailbox) ensureSchema(ctx context.Context) error {
	if m.dialect == Postgres {
		if _, err := m.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(m.schema)); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			value BIGINT NOT NULL
		)`, m.t("allocated_eid")),
		fmt.Sprintf(`INSERT INTO %s (id, value) VALUES (1, 0) ON CONFLICT DO NOTHING`, m.t("allocated_eid")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			folder_id BIGINT PRIMARY KEY,
			parent_id BIGINT NOT NULL DEFAULT 0,
			folder_type INTEGER NOT NULL,
			props TEXT NOT NULL DEFAULT '{}',
			rules TEXT NOT NULL DEFAULT '[]'
		)`, m.t("folders")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT PRIMARY KEY,
			parent_fid BIGINT NOT NULL,
			is_associated BOOLEAN NOT NULL DEFAULT FALSE,
			props TEXT NOT NULL DEFAULT '{}',
			recipients TEXT NOT NULL DEFAULT '[]',
			attachments TEXT NOT NULL DEFAULT '[]'
		)`, m.t("messages")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			folder_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			PRIMARY KEY (folder_id, message_id)
		)`, m.t("search_result")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			folder_id BIGINT PRIMARY KEY,
			flags BIGINT NOT NULL DEFAULT 0,
			restriction TEXT,
			scope TEXT NOT NULL DEFAULT '[]'
		)`, m.t("search_criteria")),
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Index names are schema-local in PostgreSQL and must not be qualified.
	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_folders_parent ON %s(parent_id)`, m.t("folders")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_messages_parent ON %s(parent_fid)`, m.t("messages")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_search_result_message ON %s(message_id)`, m.t("search_result")),
	}
	for _, idx := range indexes {
		if _, err := m.db.ExecContext(ctx, idx); err != nil {
			m.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}
	return nil
}
