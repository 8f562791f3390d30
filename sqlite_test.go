package exmdb

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/rbaliyan/exmdb/store"
	"github.com/rbaliyan/exmdb/store/sqlstore"
	"github.com/rbaliyan/exmdb/table"
)

func TestServiceOnSQLite(t *testing.T) {
	op := sqlstore.NewSQLite(sqlstore.WithSynchronous(sqlstore.SyncOff))
	svc, rec := newTestService(t, WithOpener(op))
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "alice")

	f, err := svc.CreateFolder(ctx, p, &store.Folder{Props: store.PropValues{store.TagDisplayName: "F"}})
	if err != nil {
		t.Fatalf("create folder: %v", err)
	}
	s, err := svc.CreateFolder(ctx, p, &store.Folder{Type: store.FolderSearch})
	if err != nil {
		t.Fatalf("create search folder: %v", err)
	}
	var want []uint64
	for _, subject := range []string{"x-1", "a", "x-2", "b"} {
		id, err := svc.CreateMessage(ctx, p, &store.Message{FolderID: f, Props: store.PropValues{store.TagSubject: subject}})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		if subject[0] == 'x' {
			want = append(want, id)
		}
	}

	if err := svc.SetSearchCriteria(ctx, p, &store.SearchCriteria{
		FolderID:    s,
		Restriction: store.Contains(store.TagSubject, "x"),
		Scope:       []uint64{f},
	}); err != nil {
		t.Fatalf("set criteria: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for svc.IsPopulating(p, s) {
		if time.Now().After(deadline) {
			t.Fatal("population did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Criteria and members come back from disk after the handle is closed.
	if err := svc.ForceEvict(ctx, p); err != nil {
		t.Fatalf("evict: %v", err)
	}
	info, err := svc.LoadContentTable(ctx, p, TableRequest{
		Observer: "obs",
		Owner:    s,
		Sort:     table.SortSpec{Keys: []table.SortKey{{Tag: store.TagMid}}},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rows, err := svc.QueryTable(ctx, p, info.ID, 0, 10, []store.PropTag{store.TagMid})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var got []uint64
	for _, r := range rows {
		got = append(got, uint64(r[store.TagMid].(int64)))
	}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	rec.Reset()
	id, err := svc.CreateMessage(ctx, p, &store.Message{FolderID: f, Props: store.PropValues{store.TagSubject: "x-3"}})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	evs := tableEvents(rec, info.ID)
	if len(evs) != 1 || evs[0].Kind != table.RowAdded || evs[0].Entity != id {
		t.Errorf("expected row-added for %d, got %+v", id, evs)
	}
}
