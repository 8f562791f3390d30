package exmdb

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/rbaliyan/exmdb/notify"
	"github.com/rbaliyan/exmdb/store"
	"github.com/rbaliyan/exmdb/table"
)

func setCriteria(t *testing.T, svc Service, c *store.SearchCriteria) {
	t.Helper()
	if err := svc.SetSearchCriteria(context.Background(), testPath, c); err != nil {
		t.Fatalf("set criteria on %d: %v", c.FolderID, err)
	}
	waitPopulated(t, svc, c.FolderID)
}

func subscribeAll(t *testing.T, svc Service) {
	t.Helper()
	_, err := svc.Subscribe(context.Background(), notify.Subscription{
		Observer:   "watcher",
		Path:       testPath,
		Types:      notify.AllEvents,
		WholeStore: true,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func TestSearchFolderScenario(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	s := mkSearchFolder(t, svc, 0, "S")
	setCriteria(t, svc, &store.SearchCriteria{
		FolderID:    s,
		Flags:       store.SearchRecursive,
		Restriction: store.Contains(store.TagSubject, "x"),
		Scope:       []uint64{f},
	})

	info, err := svc.LoadContentTable(ctx, testPath, TableRequest{Observer: "obs", Owner: s})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec.Reset()

	mkMessage(t, svc, f, "a")
	m2 := mkMessage(t, svc, f, "x-report")
	mkMessage(t, svc, f, "y")

	evs := tableEvents(rec, info.ID)
	if len(evs) != 1 || evs[0].Kind != table.RowAdded || evs[0].Entity != m2 {
		t.Fatalf("expected exactly one row-added for %d, got %+v", m2, evs)
	}
	rows := queryAll(t, svc, info.ID, store.TagMid)
	if len(rows) != 1 || rows[0][store.TagMid] != int64(m2) {
		t.Fatalf("expected table to hold only %d, got %v", m2, rows)
	}

	rec.Reset()
	if err := svc.DeleteMessage(ctx, testPath, m2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	evs = tableEvents(rec, info.ID)
	if len(evs) != 1 || evs[0].Kind != table.RowDeleted {
		t.Fatalf("expected exactly one row-deleted, got %+v", evs)
	}
	if ids := searchResults(t, svc, s); len(ids) != 0 {
		t.Errorf("expected no members, got %v", ids)
	}
	if svc.IsPopulating(testPath, s) {
		t.Error("delete must not trigger a population")
	}
}

func TestSearchCriteriaValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	s := mkSearchFolder(t, svc, 0, "S")

	tests := []struct {
		name string
		c    *store.SearchCriteria
		want error
	}{
		{"nil", nil, ErrInvalidCriteria},
		{"not a search folder", &store.SearchCriteria{FolderID: f, Scope: []uint64{f}}, ErrNotSearchFolder},
		{"missing folder", &store.SearchCriteria{FolderID: 999, Scope: []uint64{f}}, ErrNotFound},
		{"empty scope", &store.SearchCriteria{FolderID: s}, ErrInvalidCriteria},
		{"self scope", &store.SearchCriteria{FolderID: s, Scope: []uint64{s}}, ErrInvalidCriteria},
		{"missing scope folder", &store.SearchCriteria{FolderID: s, Scope: []uint64{999}}, ErrNotFound},
		{"bad restriction", &store.SearchCriteria{
			FolderID:    s,
			Scope:       []uint64{f},
			Restriction: &store.Restriction{Type: 99},
		}, ErrInvalidRestriction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.SetSearchCriteria(ctx, testPath, tt.c)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := svc.GetSearchCriteria(ctx, testPath, s); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before criteria are set, got %v", err)
	}
	if _, err := svc.GetSearchCriteria(ctx, testPath, f); !errors.Is(err, ErrNotSearchFolder) {
		t.Errorf("expected ErrNotSearchFolder, got %v", err)
	}
}

func TestSearchFolderRejectsContent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	s := mkSearchFolder(t, svc, 0, "S")
	m := mkMessage(t, svc, f, "hello")

	if _, err := svc.CreateMessage(ctx, testPath, &store.Message{FolderID: s}); !errors.Is(err, ErrSearchFolder) {
		t.Errorf("create message: expected ErrSearchFolder, got %v", err)
	}
	if _, err := svc.CreateFolder(ctx, testPath, &store.Folder{ParentID: s}); !errors.Is(err, ErrSearchFolder) {
		t.Errorf("create folder: expected ErrSearchFolder, got %v", err)
	}
	if err := svc.MoveMessage(ctx, testPath, m, s); !errors.Is(err, ErrSearchFolder) {
		t.Errorf("move message: expected ErrSearchFolder, got %v", err)
	}
	if err := svc.MoveFolder(ctx, testPath, f, s); !errors.Is(err, ErrSearchFolder) {
		t.Errorf("move folder: expected ErrSearchFolder, got %v", err)
	}
}

func TestSearchPopulation(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()
	subscribeAll(t, svc)
	f := mkFolder(t, svc, 0, "F")
	sub := mkFolder(t, svc, f, "sub")
	other := mkFolder(t, svc, 0, "other")

	var want []uint64
	for i := range 30 {
		folder := f
		if i%3 == 0 {
			folder = sub
		}
		subject := fmt.Sprintf("note %d", i)
		if i%2 == 0 {
			subject = fmt.Sprintf("invoice %d", i)
		}
		id := mkMessage(t, svc, folder, subject)
		if i%2 == 0 {
			want = append(want, id)
		}
	}
	mkMessage(t, svc, other, "invoice elsewhere")

	s := mkSearchFolder(t, svc, 0, "S")
	rec.Reset()
	setCriteria(t, svc, &store.SearchCriteria{
		FolderID:    s,
		Flags:       store.SearchRecursive,
		Restriction: store.Contains(store.TagSubject, "invoice"),
		Scope:       []uint64{f},
	})

	got := searchResults(t, svc, s)
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	complete := 0
	created := 0
	for _, n := range rec.Notifications() {
		switch {
		case n.Event.Type == notify.SearchComplete && n.Event.Folder == s:
			complete++
		case n.Event.Type == notify.ObjectCreated && n.Event.Folder == s:
			created++
		}
	}
	if complete != 1 {
		t.Errorf("expected one search-complete notification, got %d", complete)
	}
	if created != len(want) {
		t.Errorf("expected %d member notifications, got %d", len(want), created)
	}

	info, err := svc.LoadContentTable(ctx, testPath, TableRequest{Observer: "obs", Owner: s})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if info.RowCount != len(want) {
		t.Errorf("expected %d rows, got %d", len(want), info.RowCount)
	}

	t.Run("unchanged criteria do not repopulate", func(t *testing.T) {
		if err := svc.SetSearchCriteria(ctx, testPath, &store.SearchCriteria{FolderID: s, Flags: store.SearchRecursive}); err != nil {
			t.Fatalf("set: %v", err)
		}
		if svc.IsPopulating(testPath, s) {
			t.Error("unchanged criteria must not queue a population")
		}
	})

	t.Run("narrowed scope drops members", func(t *testing.T) {
		setCriteria(t, svc, &store.SearchCriteria{FolderID: s, Scope: []uint64{sub}})
		for _, id := range searchResults(t, svc, s) {
			m, err := svc.GetMessage(ctx, testPath, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if m.FolderID != sub {
				t.Errorf("message %d from folder %d kept", id, m.FolderID)
			}
		}
		c, err := svc.GetSearchCriteria(ctx, testPath, s)
		if err != nil {
			t.Fatalf("get criteria: %v", err)
		}
		if c.Restriction == nil || !slices.Equal(c.Scope, []uint64{sub}) {
			t.Errorf("expected restriction kept and scope replaced, got %+v", c)
		}
	})
}

func TestPopulationWithConcurrentWrites(t *testing.T) {
	svc, _ := newTestService(t, WithPopulateBatchSize(2))
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	for i := range 40 {
		mkMessage(t, svc, f, fmt.Sprintf("x-%d", i))
	}
	s := mkSearchFolder(t, svc, 0, "S")
	if err := svc.SetSearchCriteria(ctx, testPath, &store.SearchCriteria{
		FolderID:    s,
		Restriction: store.Contains(store.TagSubject, "x"),
		Scope:       []uint64{f},
	}); err != nil {
		t.Fatalf("set: %v", err)
	}
	for i := range 10 {
		mkMessage(t, svc, f, fmt.Sprintf("x-late-%d", i))
		mkMessage(t, svc, f, "other")
	}
	waitPopulated(t, svc, s)

	if got := len(searchResults(t, svc, s)); got != 50 {
		t.Errorf("expected 50 members, got %d", got)
	}
}

func TestStaticAndStoppedSearch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	early := mkMessage(t, svc, f, "x-early")

	static := mkSearchFolder(t, svc, 0, "static")
	setCriteria(t, svc, &store.SearchCriteria{
		FolderID:    static,
		Flags:       store.SearchStatic,
		Restriction: store.Contains(store.TagSubject, "x"),
		Scope:       []uint64{f},
	})
	stopped := mkSearchFolder(t, svc, 0, "stopped")
	if err := svc.SetSearchCriteria(ctx, testPath, &store.SearchCriteria{
		FolderID:    stopped,
		Flags:       store.SearchStopped,
		Restriction: store.Contains(store.TagSubject, "x"),
		Scope:       []uint64{f},
	}); err != nil {
		t.Fatalf("set stopped: %v", err)
	}
	if svc.IsPopulating(testPath, stopped) {
		t.Error("stopped folder must not populate")
	}

	mkMessage(t, svc, f, "x-late")

	if got := searchResults(t, svc, static); !slices.Equal(got, []uint64{early}) {
		t.Errorf("static folder: expected [%d], got %v", early, got)
	}
	if got := searchResults(t, svc, stopped); len(got) != 0 {
		t.Errorf("stopped folder: expected no members, got %v", got)
	}

	// Resuming keeps the stored restriction and scope.
	setCriteria(t, svc, &store.SearchCriteria{FolderID: stopped})
	if got := searchResults(t, svc, stopped); len(got) != 2 {
		t.Errorf("resumed folder: expected 2 members, got %v", got)
	}
}

func TestSearchCriteriaRestartFlag(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	s := mkSearchFolder(t, svc, 0, "S")
	setCriteria(t, svc, &store.SearchCriteria{
		FolderID: s,
		Flags:    store.SearchRecursive | store.SearchRestart,
		Scope:    []uint64{f},
	})
	c, err := svc.GetSearchCriteria(ctx, testPath, s)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Flags != store.SearchRecursive {
		t.Errorf("expected restart to be stripped, got flags %b", c.Flags)
	}
}

func TestSearchSurvivesEviction(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	s := mkSearchFolder(t, svc, 0, "S")
	setCriteria(t, svc, &store.SearchCriteria{
		FolderID:    s,
		Restriction: store.Contains(store.TagSubject, "x"),
		Scope:       []uint64{f},
	})
	if err := svc.ForceEvict(ctx, testPath); err != nil {
		t.Fatalf("evict: %v", err)
	}

	id := mkMessage(t, svc, f, "x-after")
	if got := searchResults(t, svc, s); !slices.Equal(got, []uint64{id}) {
		t.Errorf("expected reloaded criteria to pick up %d, got %v", id, got)
	}
}

func TestPopulationSurvivesEviction(t *testing.T) {
	svc, _ := newTestService(t, WithEvictRetries(400, 5*time.Millisecond))
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	var want []uint64
	for i := range 40 {
		want = append(want, mkMessage(t, svc, f, fmt.Sprintf("x-old-%d", i)))
	}
	mkMessage(t, svc, f, "other")
	s := mkSearchFolder(t, svc, 0, "S")

	err := svc.SetSearchCriteria(ctx, testPath, &store.SearchCriteria{
		FolderID:    s,
		Restriction: store.Contains(store.TagSubject, "x"),
		Scope:       []uint64{f},
	})
	if err != nil {
		t.Fatalf("set criteria: %v", err)
	}
	for range 3 {
		if err := svc.ForceEvict(ctx, testPath); err != nil {
			t.Fatalf("evict: %v", err)
		}
	}
	waitPopulated(t, svc, s)

	got := searchResults(t, svc, s)
	slices.Sort(got)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Fatalf("expected %d members after eviction, got %d: %v", len(want), len(got), got)
	}
}

func TestDeleteSearchFolder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	m := mkMessage(t, svc, f, "x")
	s := mkSearchFolder(t, svc, 0, "S")
	setCriteria(t, svc, &store.SearchCriteria{FolderID: s, Scope: []uint64{f}})
	info, err := svc.LoadContentTable(ctx, testPath, TableRequest{Observer: "obs", Owner: s})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := svc.DeleteFolder(ctx, testPath, s); err != nil {
		t.Fatalf("delete search folder with members: %v", err)
	}
	if _, err := svc.GetSearchCriteria(ctx, testPath, s); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if rowCount(t, svc, info.ID) != 0 {
		t.Error("expected table of deleted folder to be emptied")
	}
	if _, err := svc.GetMessage(ctx, testPath, m); err != nil {
		t.Errorf("members must survive their search folder: %v", err)
	}
	mkMessage(t, svc, f, "x-again")
}

// expectedMembership recomputes the search folder memberships of every
// message from scratch.
func expectedMembership(t *testing.T, svc Service, crits []*store.SearchCriteria, ids []uint64) map[uint64][]uint64 {
	t.Helper()
	ctx := context.Background()
	ancestors := func(folder uint64) []uint64 {
		var out []uint64
		for {
			f, err := svc.GetFolder(ctx, testPath, folder)
			if err != nil {
				t.Fatalf("get folder %d: %v", folder, err)
			}
			if f.ParentID == 0 {
				return out
			}
			out = append(out, f.ParentID)
			folder = f.ParentID
		}
	}
	covers := func(c *store.SearchCriteria, folder uint64) bool {
		if slices.Contains(c.Scope, folder) {
			return true
		}
		if c.Flags&store.SearchRecursive == 0 {
			return false
		}
		return slices.ContainsFunc(ancestors(folder), func(a uint64) bool { return slices.Contains(c.Scope, a) })
	}

	out := make(map[uint64][]uint64)
	for _, id := range ids {
		m, err := svc.GetMessage(ctx, testPath, id)
		if err != nil {
			t.Fatalf("get message %d: %v", id, err)
		}
		members := make(map[uint64]bool)
		for changed := true; changed; {
			changed = false
			for _, c := range crits {
				if members[c.FolderID] || !c.Restriction.Evaluate(m.Props) {
					continue
				}
				viaSearch := slices.ContainsFunc(c.Scope, func(f uint64) bool { return members[f] })
				if covers(c, m.FolderID) || viaSearch {
					members[c.FolderID] = true
					changed = true
				}
			}
		}
		for f := range members {
			out[f] = append(out[f], id)
		}
	}
	for f := range out {
		slices.Sort(out[f])
	}
	return out
}

func TestNestedSearchConvergence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	root := mkFolder(t, svc, 0, "root")
	a := mkFolder(t, svc, root, "a")
	a1 := mkFolder(t, svc, a, "a1")
	b := mkFolder(t, svc, root, "b")
	folders := []uint64{root, a, a1, b}

	s1 := mkSearchFolder(t, svc, root, "s1")
	s2 := mkSearchFolder(t, svc, root, "s2")
	s3 := mkSearchFolder(t, svc, root, "s3")
	crits := []*store.SearchCriteria{
		{FolderID: s1, Flags: store.SearchRecursive, Restriction: store.Contains(store.TagSubject, "x"), Scope: []uint64{a}},
		{FolderID: s2, Restriction: store.Unread(), Scope: []uint64{s1}},
		{FolderID: s3, Restriction: store.Not(store.Contains(store.TagSubject, "z")), Scope: []uint64{b, s2}},
	}
	for _, c := range crits {
		setCriteria(t, svc, c)
	}

	var tables []TableInfo
	for _, c := range crits {
		info, err := svc.LoadContentTable(ctx, testPath, TableRequest{
			Observer: "obs",
			Owner:    c.FolderID,
			Sort:     table.SortSpec{Keys: []table.SortKey{{Tag: store.TagSubject}}},
		})
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		tables = append(tables, info)
	}

	r := rand.New(rand.NewPCG(7, 11))
	subjects := []string{"x-ray", "plain", "box", "zx", "zebra", "y"}
	var live []uint64
	for range 300 {
		op := r.IntN(6)
		if len(live) == 0 {
			op = 0
		}
		switch op {
		case 0, 1:
			id, err := svc.CreateMessage(ctx, testPath, &store.Message{
				FolderID: folders[r.IntN(len(folders))],
				Props: store.PropValues{
					store.TagSubject:      subjects[r.IntN(len(subjects))],
					store.TagMessageFlags: int32(r.IntN(2)),
				},
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			live = append(live, id)
		case 2:
			id := live[r.IntN(len(live))]
			if err := svc.ModifyMessage(ctx, testPath, id, store.PropValues{store.TagSubject: subjects[r.IntN(len(subjects))]}); err != nil {
				t.Fatalf("modify: %v", err)
			}
		case 3:
			id := live[r.IntN(len(live))]
			if err := svc.SetMessageRead(ctx, testPath, id, r.IntN(2) == 0); err != nil {
				t.Fatalf("set read: %v", err)
			}
		case 4:
			id := live[r.IntN(len(live))]
			if err := svc.MoveMessage(ctx, testPath, id, folders[r.IntN(len(folders))]); err != nil {
				t.Fatalf("move: %v", err)
			}
		case 5:
			i := r.IntN(len(live))
			if err := svc.DeleteMessage(ctx, testPath, live[i]); err != nil {
				t.Fatalf("delete: %v", err)
			}
			live = slices.Delete(live, i, i+1)
		}
	}

	check := func(t *testing.T) {
		t.Helper()
		want := expectedMembership(t, svc, crits, live)
		for i, c := range crits {
			got := searchResults(t, svc, c.FolderID)
			if !slices.Equal(got, want[c.FolderID]) {
				t.Errorf("folder %d: expected %v, got %v", c.FolderID, want[c.FolderID], got)
			}
			if n := rowCount(t, svc, tables[i].ID); n != len(want[c.FolderID]) {
				t.Errorf("folder %d: table has %d rows, expected %d", c.FolderID, n, len(want[c.FolderID]))
			}
		}
		err := svc.withHandle(ctx, testPath, func(h *handle) error {
			for _, info := range tables {
				if err := h.tables[info.ID].tbl.CheckInvariants(); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Errorf("invariants: %v", err)
		}
	}

	t.Run("live maintenance", check)

	t.Run("after restart", func(t *testing.T) {
		setCriteria(t, svc, &store.SearchCriteria{FolderID: s1, Flags: store.SearchRecursive | store.SearchRestart})
		check(t)
	})

	t.Run("after scope change", func(t *testing.T) {
		crits[0] = &store.SearchCriteria{FolderID: s1, Restriction: crits[0].Restriction, Scope: []uint64{a1, b}}
		setCriteria(t, svc, crits[0])
		check(t)
	})
}
