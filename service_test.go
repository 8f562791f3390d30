package exmdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/exmdb/notify"
	"github.com/rbaliyan/exmdb/store"
	"github.com/rbaliyan/exmdb/store/memory"
	"github.com/rbaliyan/exmdb/table"
)

const testPath = "/var/mail/alice"

// newTestService connects a service over an in-memory opener that records
// every notification.
func newTestService(t *testing.T, opts ...Option) (*service, *notify.Recorder) {
	t.Helper()
	rec := &notify.Recorder{}
	base := []Option{WithOpener(memory.New()), WithSink(rec), WithPopulateBatchSize(4)}
	svc, err := NewService(append(base, opts...)...)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	ctx := context.Background()
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc.(*service), rec
}

func mkFolder(t *testing.T, svc Service, parent uint64, name string) uint64 {
	t.Helper()
	id, err := svc.CreateFolder(context.Background(), testPath, &store.Folder{
		ParentID: parent,
		Props:    store.PropValues{store.TagDisplayName: name},
	})
	if err != nil {
		t.Fatalf("create folder %q: %v", name, err)
	}
	return id
}

func mkSearchFolder(t *testing.T, svc Service, parent uint64, name string) uint64 {
	t.Helper()
	id, err := svc.CreateFolder(context.Background(), testPath, &store.Folder{
		ParentID: parent,
		Type:     store.FolderSearch,
		Props:    store.PropValues{store.TagDisplayName: name},
	})
	if err != nil {
		t.Fatalf("create search folder %q: %v", name, err)
	}
	return id
}

func mkMessage(t *testing.T, svc Service, folder uint64, subject string) uint64 {
	t.Helper()
	id, err := svc.CreateMessage(context.Background(), testPath, &store.Message{
		FolderID: folder,
		Props:    store.PropValues{store.TagSubject: subject, store.TagMessageFlags: int32(0)},
	})
	if err != nil {
		t.Fatalf("create message %q: %v", subject, err)
	}
	return id
}

// waitPopulated waits for the population of a search folder to finish.
func waitPopulated(t *testing.T, svc Service, folder uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for svc.IsPopulating(testPath, folder) {
		if time.Now().After(deadline) {
			t.Fatalf("search folder %d still populating", folder)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// searchResults reads the stored members of a search folder.
func searchResults(t *testing.T, s *service, folder uint64) []uint64 {
	t.Helper()
	var ids []uint64
	err := s.withHandle(context.Background(), testPath, func(h *handle) error {
		var err error
		ids, err = h.mb.SearchResults(context.Background(), folder)
		return err
	})
	if err != nil {
		t.Fatalf("search results: %v", err)
	}
	return ids
}

// tableEvents returns the recorded row events of one table.
func tableEvents(rec *notify.Recorder, tableID uint32) []table.Event {
	var out []table.Event
	for _, n := range rec.TableNotifications() {
		if n.Table == tableID {
			out = append(out, n.Event)
		}
	}
	return out
}

func loadedHandle(t *testing.T, s *service, path string) *handle {
	t.Helper()
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	h, ok := s.reg.handles[path]
	if !ok {
		t.Fatalf("mailbox %s not loaded", path)
	}
	return h
}

func TestNewService(t *testing.T) {
	t.Run("requires opener", func(t *testing.T) {
		_, err := NewService()
		if !errors.Is(err, ErrOpenerRequired) {
			t.Errorf("expected ErrOpenerRequired, got %v", err)
		}
	})

	t.Run("creates service with opener", func(t *testing.T) {
		svc, err := NewService(WithOpener(memory.New()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if svc == nil {
			t.Fatal("expected non-nil service")
		}
	})
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(WithOpener(memory.New()), WithOTel(true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.GetFolder(ctx, testPath, 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected before Connect, got %v", err)
	}

	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := svc.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	if !svc.IsConnected() {
		t.Error("expected service to be connected")
	}
	if svc.Events() == nil {
		t.Error("expected events after Connect")
	}

	root := mkFolder(t, svc, 0, "root")
	if st := svc.Stats(); st.Handles != 1 {
		t.Errorf("expected 1 handle, got %d", st.Handles)
	}

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if svc.IsConnected() {
		t.Error("expected service to be disconnected")
	}
	if err := svc.Close(ctx); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	// Data survives a reconnect because the opener keeps it.
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer svc.Close(ctx)
	f, err := svc.GetFolder(ctx, testPath, root)
	if err != nil {
		t.Fatalf("get folder after reconnect: %v", err)
	}
	if f.Props[store.TagDisplayName] != "root" {
		t.Errorf("unexpected folder %+v", f)
	}
}

func TestInvalidPath(t *testing.T) {
	svc, _ := newTestService(t)
	for _, p := range []string{"", "  ", "."} {
		if _, err := svc.GetFolder(context.Background(), p, 1); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("path %q: expected ErrInvalidPath, got %v", p, err)
		}
	}
}

func TestPathNormalization(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	root := mkFolder(t, svc, 0, "root")
	if _, err := svc.GetFolder(ctx, "/var/mail//alice/", root); err != nil {
		t.Fatalf("equivalent path should share the mailbox: %v", err)
	}
	if st := svc.Stats(); st.Handles != 1 {
		t.Errorf("expected 1 handle, got %d", st.Handles)
	}
}

func TestOpenError(t *testing.T) {
	op := memory.New()
	op.SetOpenError(errors.New("disk gone"))
	svc, _ := newTestService(t, WithOpener(op))
	if _, err := svc.GetFolder(context.Background(), testPath, 1); err == nil {
		t.Fatal("expected open error")
	}
	if st := svc.Stats(); st.Handles != 0 {
		t.Errorf("failed open must not register a handle, got %d", st.Handles)
	}
}

func TestRegistryCapacity(t *testing.T) {
	svc, _ := newTestService(t, WithHandleCapacity(1))
	ctx := context.Background()
	if _, err := svc.CreateFolder(ctx, "/mail/a", &store.Folder{}); err != nil {
		t.Fatalf("first mailbox: %v", err)
	}
	if _, err := svc.CreateFolder(ctx, "/mail/b", &store.Folder{}); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("expected ErrRegistryFull, got %v", err)
	}
	if err := svc.ForceEvict(ctx, "/mail/a"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if _, err := svc.CreateFolder(ctx, "/mail/b", &store.Folder{}); err != nil {
		t.Errorf("expected room after eviction, got %v", err)
	}
}

func TestAcquireTimeout(t *testing.T) {
	svc, _ := newTestService(t, WithAcquireTimeout(20*time.Millisecond))
	ctx := context.Background()

	h, err := svc.reg.acquire(ctx, testPath)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = svc.GetFolder(ctx, testPath, 1)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("expected ErrAcquireTimeout, got %v", err)
	}
	if !IsRetryableError(err) {
		t.Error("acquire timeout should be retryable")
	}
	svc.reg.release(h)

	if _, err := svc.CreateFolder(ctx, testPath, &store.Folder{}); err != nil {
		t.Errorf("expected success after release, got %v", err)
	}
}

func TestAcquireCanceled(t *testing.T) {
	svc, _ := newTestService(t)
	h, err := svc.reg.acquire(context.Background(), testPath)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer svc.reg.release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := svc.GetFolder(ctx, testPath, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected caller deadline, got %v", err)
	}
}

func TestTooManyWaiters(t *testing.T) {
	svc, _ := newTestService(t, WithMaxWaiters(1))
	ctx := context.Background()

	h, err := svc.reg.acquire(ctx, testPath)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.CreateFolder(ctx, testPath, &store.Folder{})
		done <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for h.waiters.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never queued")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := svc.GetFolder(ctx, testPath, 1); !errors.Is(err, ErrTooManyWaiters) {
		t.Errorf("expected ErrTooManyWaiters, got %v", err)
	}

	svc.reg.release(h)
	if err := <-done; err != nil {
		t.Errorf("queued caller failed: %v", err)
	}
}

func TestConcurrentAcquireSerializes(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()
	root := mkFolder(t, svc, 0, "root")

	info, err := svc.LoadContentTable(ctx, testPath, TableRequest{
		Observer: "obs",
		Owner:    root,
		Sort:     table.SortSpec{Keys: []table.SortKey{{Tag: store.TagSubject}}},
	})
	if err != nil {
		t.Fatalf("load table: %v", err)
	}

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				subject := string(rune('a'+w)) + string(rune('a'+i))
				if _, err := svc.CreateMessage(ctx, testPath, &store.Message{
					FolderID: root,
					Props:    store.PropValues{store.TagSubject: subject},
				}); err != nil {
					t.Errorf("create: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	n, err := svc.TableRowCount(ctx, testPath, info.ID)
	if err != nil {
		t.Fatalf("row count: %v", err)
	}
	if n != writers*perWriter {
		t.Errorf("expected %d rows, got %d", writers*perWriter, n)
	}
	added := 0
	for _, ev := range tableEvents(rec, info.ID) {
		if ev.Kind == table.RowAdded {
			added++
		}
	}
	if added != writers*perWriter {
		t.Errorf("expected one row-added event per create, got %d", added)
	}
	err = svc.withHandle(ctx, testPath, func(h *handle) error {
		return h.tables[info.ID].tbl.CheckInvariants()
	})
	if err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestForceEvict(t *testing.T) {
	ctx := context.Background()

	t.Run("unloaded mailbox", func(t *testing.T) {
		svc, _ := newTestService(t)
		if err := svc.ForceEvict(ctx, testPath); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("idle mailbox", func(t *testing.T) {
		op := memory.New()
		svc, _ := newTestService(t, WithOpener(op))
		root := mkFolder(t, svc, 0, "root")
		if err := svc.ForceEvict(ctx, testPath); err != nil {
			t.Fatalf("evict: %v", err)
		}
		if st := svc.Stats(); st.Handles != 0 {
			t.Errorf("expected no handles, got %d", st.Handles)
		}
		if _, err := svc.GetFolder(ctx, testPath, root); err != nil {
			t.Fatalf("reopen: %v", err)
		}
		if op.Opens() != 2 {
			t.Errorf("expected mailbox to be reopened, opens = %d", op.Opens())
		}
	})

	t.Run("released while polling", func(t *testing.T) {
		svc, _ := newTestService(t, WithEvictRetries(200, 5*time.Millisecond))
		h, err := svc.reg.acquire(ctx, testPath)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		go func() {
			time.Sleep(30 * time.Millisecond)
			svc.reg.release(h)
		}()
		if err := svc.ForceEvict(ctx, testPath); err != nil {
			t.Errorf("expected eviction once released, got %v", err)
		}
		if !h.closed.Load() {
			t.Error("expected handle to be closed")
		}
	})

	t.Run("still referenced", func(t *testing.T) {
		svc, _ := newTestService(t, WithEvictRetries(3, 5*time.Millisecond))
		h, err := svc.reg.acquire(ctx, testPath)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		err = svc.ForceEvict(ctx, testPath)
		if !errors.Is(err, ErrEvictTimeout) {
			t.Fatalf("expected ErrEvictTimeout, got %v", err)
		}
		svc.reg.release(h)

		// The next scan finishes the job.
		if n := svc.reg.scan(ctx); n != 1 {
			t.Errorf("expected scan to close 1 handle, got %d", n)
		}
	})
}

// pingCounter counts the health checks of the mailboxes it opens.
type pingCounter struct {
	store.Opener
	pings atomic.Int32
}

func (o *pingCounter) Open(ctx context.Context, path string) (store.Mailbox, error) {
	mb, err := o.Opener.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &countedMailbox{Mailbox: mb, pings: &o.pings}, nil
}

type countedMailbox struct {
	store.Mailbox
	pings *atomic.Int32
}

func (m *countedMailbox) Ping(ctx context.Context) error {
	m.pings.Add(1)
	return m.Mailbox.Ping(ctx)
}

func TestScanPingInterval(t *testing.T) {
	ctx := context.Background()
	op := &pingCounter{Opener: memory.New()}
	svc, _ := newTestService(t, WithOpener(op), WithCacheInterval(time.Minute), WithPingInterval(time.Hour))
	mkFolder(t, svc, 0, "root")
	h := loadedHandle(t, svc, testPath)

	for range 5 {
		if n := svc.reg.scan(ctx); n != 0 {
			t.Fatalf("healthy handle evicted")
		}
	}
	if n := op.pings.Load(); n != 1 {
		t.Fatalf("expected one ping within the interval, got %d", n)
	}

	h.lastPing.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	svc.reg.scan(ctx)
	if n := op.pings.Load(); n != 2 {
		t.Errorf("expected a second ping once the interval passed, got %d", n)
	}

	h.lastPing.Store(0)
	h.lastAccess.Store(time.Now().Add(-time.Hour).UnixNano())
	if n := svc.reg.scan(ctx); n != 1 {
		t.Fatalf("expected idle handle to be closed, got %d", n)
	}
	if n := op.pings.Load(); n != 2 {
		t.Errorf("idle handle pinged before eviction, got %d pings", n)
	}
}

func TestEvictKeepsNewerSubscriptions(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	old := loadedHandle(t, svc, testPath)
	if removed, _ := svc.reg.tryRemove(old); !removed {
		t.Fatal("expected unreferenced handle to be removed")
	}

	id, err := svc.Subscribe(ctx, notify.Subscription{Observer: "obs", Path: testPath, Types: notify.AllEvents, Folder: f})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if loadedHandle(t, svc, testPath) == old {
		t.Fatal("expected a fresh handle")
	}
	svc.reg.closeHandle(ctx, old, "forced")

	if _, ok := svc.subs.Get(id); !ok {
		t.Fatal("closing the old handle dropped a subscription of the new one")
	}
	rec.Reset()
	m := mkMessage(t, svc, f, "hello")
	if evs := eventsOf(rec, "obs"); len(evs) != 1 || evs[0].Message != m {
		t.Errorf("expected one event for %d, got %+v", m, evs)
	}
}

func TestScanEviction(t *testing.T) {
	ctx := context.Background()

	t.Run("broken mailbox", func(t *testing.T) {
		svc, _ := newTestService(t)
		mkFolder(t, svc, 0, "root")
		h := loadedHandle(t, svc, testPath)
		h.mb.(*memory.Mailbox).Break()
		if n := svc.reg.scan(ctx); n != 1 {
			t.Fatalf("expected broken handle to be closed, got %d", n)
		}
		if _, err := svc.GetFolder(ctx, testPath, 1); err != nil {
			t.Errorf("expected a fresh handle, got %v", err)
		}
	})

	t.Run("idle mailbox", func(t *testing.T) {
		svc, _ := newTestService(t, WithCacheInterval(time.Minute))
		mkFolder(t, svc, 0, "root")
		h := loadedHandle(t, svc, testPath)
		if n := svc.reg.scan(ctx); n != 0 {
			t.Fatalf("recently used handle evicted")
		}
		h.lastAccess.Store(time.Now().Add(-time.Hour).UnixNano())
		if n := svc.reg.scan(ctx); n != 1 {
			t.Errorf("expected idle handle to be closed, got %d", n)
		}
	})

	t.Run("live table keeps mailbox", func(t *testing.T) {
		svc, _ := newTestService(t, WithCacheInterval(time.Minute))
		root := mkFolder(t, svc, 0, "root")
		info, err := svc.LoadContentTable(ctx, testPath, TableRequest{Observer: "obs", Owner: root})
		if err != nil {
			t.Fatalf("load table: %v", err)
		}
		h := loadedHandle(t, svc, testPath)
		h.lastAccess.Store(time.Now().Add(-time.Hour).UnixNano())
		if n := svc.reg.scan(ctx); n != 0 {
			t.Fatal("handle with a live table evicted")
		}
		if err := svc.UnloadTable(ctx, testPath, info.ID); err != nil {
			t.Fatalf("unload: %v", err)
		}
		h.lastAccess.Store(time.Now().Add(-time.Hour).UnixNano())
		if n := svc.reg.scan(ctx); n != 1 {
			t.Errorf("expected eviction after unload, got %d", n)
		}
	})

	t.Run("subscription keeps mailbox", func(t *testing.T) {
		svc, _ := newTestService(t, WithCacheInterval(time.Minute))
		mkFolder(t, svc, 0, "root")
		id, err := svc.Subscribe(ctx, notify.Subscription{Observer: "obs", Path: testPath, Types: notify.AllEvents, WholeStore: true})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		h := loadedHandle(t, svc, testPath)
		h.lastAccess.Store(time.Now().Add(-time.Hour).UnixNano())
		if n := svc.reg.scan(ctx); n != 0 {
			t.Fatal("subscribed handle evicted")
		}
		if err := svc.Unsubscribe(ctx, id); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
		if n := svc.reg.scan(ctx); n != 1 {
			t.Errorf("expected eviction after unsubscribe, got %d", n)
		}
	})

	t.Run("eviction drops subscriptions", func(t *testing.T) {
		svc, _ := newTestService(t)
		mkFolder(t, svc, 0, "root")
		if _, err := svc.Subscribe(ctx, notify.Subscription{Observer: "obs", Path: testPath, Types: notify.AllEvents, WholeStore: true}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := svc.ForceEvict(ctx, testPath); err != nil {
			t.Fatalf("evict: %v", err)
		}
		if st := svc.Stats(); st.Subscriptions != 0 {
			t.Errorf("expected subscriptions to be dropped, got %d", st.Subscriptions)
		}
	})
}

func TestScannerRuns(t *testing.T) {
	svc, _ := newTestService(t, WithScanInterval(10*time.Millisecond))
	mkFolder(t, svc, 0, "root")
	h := loadedHandle(t, svc, testPath)
	h.mb.(*memory.Mailbox).Break()

	deadline := time.Now().Add(5 * time.Second)
	for svc.Stats().Handles != 0 {
		if time.Now().After(deadline) {
			t.Fatal("scanner never closed the broken handle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
