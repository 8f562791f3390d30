package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rbaliyan/exmdb/store/storetest"
)

func TestSQLiteMailbox(t *testing.T) {
	storetest.Run(t, NewSQLite(WithSynchronous(SyncOff)), t.TempDir())
}

// Runs against a live server named by EXMDB_TEST_POSTGRES_DSN.
func TestPostgresMailbox(t *testing.T) {
	dsn := os.Getenv("EXMDB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EXMDB_TEST_POSTGRES_DSN not set")
	}
	o, err := OpenPostgres(context.Background(), dsn, WithSchemaPrefix("exmdbtest_"))
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	storetest.Run(t, o, "/"+filepath.Base(t.TempDir()))
}

func TestSQLiteFilePerMailbox(t *testing.T) {
	dir := t.TempDir()
	o := NewSQLite(WithFileName("mbx.db"))
	mb, err := o.Open(context.Background(), filepath.Join(dir, "user1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mb.Close()

	if _, err := os.Stat(filepath.Join(dir, "user1", "mbx.db")); err != nil {
		t.Errorf("expected database file: %v", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	o := NewSQLite(WithWAL(true), WithSynchronous(SyncFull))
	dsn := o.sqliteDSN("/x/exchange.sqlite3")
	for _, want := range []string{"journal_mode%28WAL%29", "synchronous%28FULL%29", "busy_timeout%285000%29"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
	o = NewSQLite(WithWAL(false))
	if strings.Contains(o.sqliteDSN("/x/db"), "journal_mode") {
		t.Error("WAL disabled should not set journal_mode")
	}
}

func TestSchemaName(t *testing.T) {
	a := SchemaName("mbx_", "/var/mail/alice")
	b := SchemaName("mbx_", "/srv/mail/alice")
	if a == b {
		t.Errorf("distinct paths share schema %q", a)
	}
	if !strings.HasPrefix(a, "mbx_alice_") {
		t.Errorf("schema = %q", a)
	}
	if SchemaName("mbx_", "/var/mail/alice") != a {
		t.Error("schema name must be stable")
	}
}
