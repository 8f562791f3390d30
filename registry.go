package exmdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/exmdb/retry"
	"github.com/rbaliyan/exmdb/search"
	"github.com/rbaliyan/exmdb/store"
	"golang.org/x/sync/semaphore"
)

// handle is one loaded mailbox. The fields after sem belong to whoever
// holds sem.
type handle struct {
	path string
	mb   store.Mailbox
	sem  *semaphore.Weighted

	refs       int // guarded by registry.mu
	waiters    atomic.Int32
	lastAccess atomic.Int64 // unix nanoseconds
	lastPing   atomic.Int64 // unix nanoseconds
	evicting   atomic.Bool
	closed     atomic.Bool
	tableCount atomic.Int32

	specs     *search.Specs
	tables    map[uint32]*liveTable
	nextTable uint32
	subs      []string // subscription ids added through this handle
}

func newHandle(path string, mb store.Mailbox) *handle {
	h := &handle{
		path:   path,
		mb:     mb,
		sem:    semaphore.NewWeighted(1),
		specs:  search.NewSpecs(),
		tables: make(map[uint32]*liveTable),
	}
	h.touch()
	return h
}

func (h *handle) touch() { h.lastAccess.Store(time.Now().UnixNano()) }

func (h *handle) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.lastAccess.Load()))
}

// normalizePath cleans a mailbox path so that equivalent spellings share a
// handle.
func normalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrInvalidPath
	}
	p = filepath.Clean(p)
	if p == "." {
		return "", ErrInvalidPath
	}
	return p, nil
}

// registry is the bounded set of loaded mailboxes.
type registry struct {
	mu      sync.Mutex
	handles map[string]*handle

	opener store.Opener
	opts   *options
	logger *slog.Logger
	otel   *otelInstrumentation

	// pinned reports whether a mailbox must stay loaded while idle.
	pinned func(path string) bool
	// onClose runs before a handle's store is closed.
	onClose func(h *handle)
}

func newRegistry(opener store.Opener, opts *options, otel *otelInstrumentation) *registry {
	return &registry{
		handles: make(map[string]*handle),
		opener:  opener,
		opts:    opts,
		logger:  opts.logger,
		otel:    otel,
	}
}

// acquire returns the handle of path holding its lock. The caller must
// release it.
func (r *registry) acquire(ctx context.Context, path string) (*handle, error) {
	start := time.Now()
	h, err := r.ref(ctx, path)
	if err != nil {
		r.otel.recordAcquire(ctx, time.Since(start), err)
		return nil, err
	}

	if n := h.waiters.Add(1); int(n) > r.opts.maxWaiters {
		h.waiters.Add(-1)
		r.unref(h)
		r.otel.recordAcquire(ctx, time.Since(start), ErrTooManyWaiters)
		return nil, ErrTooManyWaiters
	}
	actx, cancel := context.WithTimeout(ctx, r.opts.acquireTimeout)
	err = h.sem.Acquire(actx, 1)
	cancel()
	h.waiters.Add(-1)
	r.otel.recordAcquire(ctx, time.Since(start), err)

	if err != nil {
		r.unref(h)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("store handle acquire timeout", "path", path, "timeout", r.opts.acquireTimeout)
		return nil, ErrAcquireTimeout
	}
	if h.closed.Load() {
		h.sem.Release(1)
		r.unref(h)
		return nil, ErrStaleHandle
	}
	return h, nil
}

// release unlocks a handle returned by acquire.
func (r *registry) release(h *handle) {
	h.touch()
	h.sem.Release(1)
	r.unref(h)
}

// ref finds or opens the handle of path and takes a reference on it.
func (r *registry) ref(ctx context.Context, path string) (*handle, error) {
	r.mu.Lock()
	if h, ok := r.handles[path]; ok {
		h.refs++
		r.mu.Unlock()
		return h, nil
	}
	full := len(r.handles) >= r.opts.handleCapacity
	r.mu.Unlock()
	if full {
		return nil, ErrRegistryFull
	}

	h, err := r.open(ctx, path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if cur, ok := r.handles[path]; ok {
		cur.refs++
		r.mu.Unlock()
		_ = h.mb.Close()
		return cur, nil
	}
	if len(r.handles) >= r.opts.handleCapacity {
		r.mu.Unlock()
		_ = h.mb.Close()
		return nil, ErrRegistryFull
	}
	h.refs++
	r.handles[path] = h
	r.mu.Unlock()
	return h, nil
}

func (r *registry) unref(h *handle) {
	r.mu.Lock()
	h.refs--
	r.mu.Unlock()
}

// open opens the store of path and loads its live search folders.
func (r *registry) open(ctx context.Context, path string) (*handle, error) {
	mb, err := r.opener.Open(ctx, path)
	if err != nil {
		r.logger.Error("open mailbox failed", "path", path, "error", err)
		return nil, fmt.Errorf("open %s: %w", path, wrapStore(err))
	}
	h := newHandle(path, mb)
	all, err := mb.AllSearchCriteria(ctx)
	if err != nil {
		_ = mb.Close()
		return nil, fmt.Errorf("load search criteria: %w", wrapStore(err))
	}
	for _, c := range all {
		h.specs.Set(search.FromCriteria(c))
	}
	r.logger.Debug("store handle opened", "path", path, "live_searches", h.specs.Len())
	return h, nil
}

// run scans for evictable handles until ctx is done. after runs after each
// scan.
func (r *registry) run(ctx context.Context, after func()) {
	ticker := time.NewTicker(r.opts.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(ctx)
			if after != nil {
				after()
			}
		}
	}
}

// scan closes unreferenced handles that are broken, marked for eviction,
// or idle past the cache interval without tables or subscriptions. It
// returns the number of handles closed.
func (r *registry) scan(ctx context.Context) int {
	now := time.Now()
	r.mu.Lock()
	var idle []*handle
	for _, h := range r.handles {
		if h.refs == 0 {
			idle = append(idle, h)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, h := range idle {
		reason := r.evictReason(ctx, h, now)
		if reason == "" {
			continue
		}
		if removed, _ := r.tryRemove(h); removed {
			r.closeHandle(ctx, h, reason)
			n++
		}
	}
	return n
}

func (r *registry) evictReason(ctx context.Context, h *handle, now time.Time) string {
	switch {
	case h.evicting.Load():
		return "forced"
	case h.tableCount.Load() == 0 && (r.pinned == nil || !r.pinned(h.path)) && h.idle(now) > r.opts.cacheInterval:
		return "idle"
	case r.dueForPing(h, now) && h.mb.Ping(ctx) != nil:
		return "broken"
	}
	return ""
}

// dueForPing reports whether h was last checked more than a ping interval
// ago, and marks it checked.
func (r *registry) dueForPing(h *handle, now time.Time) bool {
	last := h.lastPing.Load()
	if now.Sub(time.Unix(0, last)) < r.opts.pingInterval {
		return false
	}
	return h.lastPing.CompareAndSwap(last, now.UnixNano())
}

// tryRemove takes h out of the registry if nobody references it. gone
// reports that h was no longer registered.
func (r *registry) tryRemove(h *handle) (removed, gone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.path] != h {
		return false, true
	}
	if h.refs > 0 {
		return false, false
	}
	delete(r.handles, h.path)
	return true, false
}

func (r *registry) closeHandle(ctx context.Context, h *handle, reason string) {
	h.closed.Store(true)
	if r.onClose != nil {
		r.onClose(h)
	}
	if err := h.mb.Close(); err != nil {
		r.logger.Warn("close mailbox failed", "path", h.path, "error", err)
	}
	r.otel.recordEviction(ctx, reason)
	r.logger.Info("store handle closed", "path", h.path, "reason", reason)
}

// forceEvict marks the handle of path for eviction and polls until it can
// be removed.
func (r *registry) forceEvict(ctx context.Context, path string) error {
	r.mu.Lock()
	h, ok := r.handles[path]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	h.evicting.Store(true)
	h.lastAccess.Store(0)

	removed := false
	err := retry.Poll(ctx, retry.Fixed(r.opts.evictRetries, r.opts.evictInterval), func() bool {
		var gone bool
		removed, gone = r.tryRemove(h)
		return removed || gone
	})
	if err != nil {
		r.logger.Warn("force evict failed", "path", path, "error", err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s", ErrEvictTimeout, path)
	}
	if removed {
		r.closeHandle(ctx, h, "forced")
	}
	return nil
}

// closeAll empties the registry, waiting for each handle's current holder.
func (r *registry) closeAll(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[string]*handle)
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		h.closed.Store(true)
		err := h.sem.Acquire(ctx, 1)
		if err != nil {
			errs = append(errs, fmt.Errorf("wait for %s: %w", h.path, err))
		}
		r.closeHandle(ctx, h, "shutdown")
		if err == nil {
			h.sem.Release(1)
		}
	}
	return errors.Join(errs...)
}

// counts returns the number of loaded handles and live tables.
func (r *registry) counts() (handles, tables int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		tables += int(h.tableCount.Load())
	}
	return len(r.handles), tables
}
