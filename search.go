package exmdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rbaliyan/exmdb/notify"
	"github.com/rbaliyan/exmdb/retry"
	"github.com/rbaliyan/exmdb/search"
	"github.com/rbaliyan/exmdb/store"
	"go.opentelemetry.io/otel/attribute"
)

// errJobStopped ends a population that was canceled or replaced.
var errJobStopped = errors.New("exmdb: population stopped")

// SetSearchCriteria sets the criteria of a search folder and starts a
// population unless the folder is stopped. A nil restriction or empty
// scope keeps the previous one. Setting unchanged criteria on a running
// folder does nothing unless store.SearchRestart is set.
func (s *service) SetSearchCriteria(ctx context.Context, path string, c *store.SearchCriteria) error {
	if c == nil {
		return ErrInvalidCriteria
	}
	return s.mutate(ctx, "set_search_criteria", path, func(ctx context.Context, h *handle) error {
		f, err := h.mb.GetFolder(ctx, c.FolderID)
		if err != nil {
			return wrapStore(err)
		}
		if !f.IsSearch() {
			return ErrNotSearchFolder
		}
		prev, err := h.mb.LoadSearchCriteria(ctx, c.FolderID)
		if err != nil {
			if !store.IsNotFound(err) {
				return wrapStore(err)
			}
		}

		next := c.Clone()
		if prev != nil {
			if next.Restriction == nil {
				next.Restriction = prev.Restriction
			}
			if len(next.Scope) == 0 {
				next.Scope = slices.Clone(prev.Scope)
			}
		}
		if err := s.validateCriteria(ctx, h, next); err != nil {
			return err
		}
		restart := next.Flags&store.SearchRestart != 0
		next.Flags &^= store.SearchRestart
		stopped := next.Flags&store.SearchStopped != 0

		if !restart && !stopped && prev != nil && prev.Flags&store.SearchStopped == 0 && sameCriteria(prev, next) {
			return nil
		}

		s.pool.Cancel(h.path, next.FolderID)
		if err := h.mb.SaveSearchCriteria(ctx, next); err != nil {
			return wrapStore(err)
		}
		spec := search.FromCriteria(next)
		h.specs.Set(spec)
		if stopped {
			s.logger.Debug("search folder stopped", "path", h.path, "folder", next.FolderID)
			return nil
		}

		old, err := h.mb.SearchResults(ctx, next.FolderID)
		if err != nil {
			return wrapStore(err)
		}
		if err := h.mb.ClearSearchResults(ctx, next.FolderID); err != nil {
			return wrapStore(err)
		}
		// Live folders take back their matching former members right away;
		// folders watching this one drop the others.
		for _, id := range old {
			if err := s.reconcileID(ctx, h, id); err != nil {
				s.logger.Warn("search folder update failed", "path", h.path, "message", id, "error", err)
			}
		}
		for _, lt := range contentTables(h, next.FolderID, false) {
			if err := s.reloadTable(ctx, h, lt); err != nil {
				s.logger.Warn("table reload failed", "path", h.path, "table", lt.id, "error", err)
			}
		}

		job := search.NewJob(h.path, spec)
		if err := s.pool.Enqueue(job); err != nil {
			return err
		}
		s.logger.Debug("search population queued",
			"path", h.path, "folder", next.FolderID, "job", job.ID,
			"recursive", spec.Recursive(), "scope", len(spec.Scope))
		return nil
	})
}

func (s *service) validateCriteria(ctx context.Context, h *handle, c *store.SearchCriteria) error {
	if err := c.Restriction.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRestriction, err)
	}
	if len(c.Scope) == 0 {
		return fmt.Errorf("%w: empty scope", ErrInvalidCriteria)
	}
	if slices.Contains(c.Scope, c.FolderID) {
		return fmt.Errorf("%w: scope contains the search folder", ErrInvalidCriteria)
	}
	for _, id := range c.Scope {
		if _, err := h.mb.GetFolder(ctx, id); err != nil {
			return fmt.Errorf("scope folder %d: %w", id, wrapStore(err))
		}
	}
	return nil
}

// sameCriteria reports whether two criteria select the same messages.
func sameCriteria(a, b *store.SearchCriteria) bool {
	if a.Flags != b.Flags || !slices.Equal(a.Scope, b.Scope) {
		return false
	}
	ra, errA := json.Marshal(a.Restriction)
	rb, errB := json.Marshal(b.Restriction)
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}

// GetSearchCriteria returns the criteria of a search folder.
func (s *service) GetSearchCriteria(ctx context.Context, path string, folderID uint64) (*store.SearchCriteria, error) {
	var c *store.SearchCriteria
	err := s.withHandle(ctx, path, func(h *handle) error {
		f, err := h.mb.GetFolder(ctx, folderID)
		if err != nil {
			return wrapStore(err)
		}
		if !f.IsSearch() {
			return ErrNotSearchFolder
		}
		c, err = h.mb.LoadSearchCriteria(ctx, folderID)
		return wrapStore(err)
	})
	return c, err
}

// IsPopulating reports whether a search folder has a queued or running
// population.
func (s *service) IsPopulating(path string, folderID uint64) bool {
	if !s.IsConnected() {
		return false
	}
	p, err := normalizePath(path)
	if err != nil {
		return false
	}
	return s.pool.IsPopulating(p, folderID)
}

// populate is the search.RunFunc of the population pool. The mailbox is
// locked once to list the candidates and once per batch, so other
// operations on the mailbox run between batches.
func (s *service) populate(ctx context.Context, job *search.Job) (err error) {
	start := time.Now()
	spec := job.Spec
	ctx, end := s.otel.startSpan(ctx, "exmdb.populate",
		attribute.String("path", job.Path),
		attribute.Int64("folder", int64(spec.Folder)),
		attribute.String("job", job.ID),
	)
	matches := 0
	defer func() {
		stopped := job.Stopped() || errors.Is(err, errJobStopped)
		if stopped {
			err = nil
		}
		end(err)
		s.otel.recordPopulate(ctx, time.Since(start), matches, stopped)
	}()

	var candidates []uint64
	err = s.lockedJob(ctx, job, func(h *handle) error {
		folders, err := search.ExpandScope(ctx, h.mb, spec.Scope, spec.Recursive())
		if err != nil {
			return wrapStore(err)
		}
		seen := make(map[uint64]bool)
		for _, fid := range folders {
			if fid == spec.Folder {
				continue
			}
			f, err := h.mb.GetFolder(ctx, fid)
			if err != nil {
				if store.IsNotFound(err) {
					continue
				}
				return wrapStore(err)
			}
			var ids []uint64
			if f.IsSearch() {
				ids, err = h.mb.SearchResults(ctx, fid)
			} else {
				ids, err = h.mb.FolderMessages(ctx, fid)
			}
			if err != nil {
				return wrapStore(err)
			}
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					candidates = append(candidates, id)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for batch := range slices.Chunk(candidates, s.opts.populateBatchSize) {
		err = s.lockedJob(ctx, job, func(h *handle) error {
			for _, id := range batch {
				ok, err := s.populateOne(ctx, h, spec, id)
				if err != nil {
					return err
				}
				if ok {
					matches++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	err = s.lockedJob(ctx, job, func(h *handle) error {
		for _, lt := range contentTables(h, spec.Folder, false) {
			if err := s.reloadTable(ctx, h, lt); err != nil {
				s.logger.Warn("table reload failed", "path", h.path, "table", lt.id, "error", err)
			}
		}
		s.notify(ctx, h, notify.Event{Type: notify.SearchComplete, Folder: spec.Folder})
		return nil
	})
	if err != nil {
		return err
	}

	s.bus.searchCompleted(ctx, SearchCompletedEvent{
		Path:        job.Path,
		Folder:      spec.Folder,
		JobID:       job.ID,
		Matches:     matches,
		Elapsed:     time.Since(start),
		CompletedAt: time.Now().UTC(),
	})
	s.logger.Info("search population completed",
		"path", job.Path, "folder", spec.Folder, "matches", matches,
		"candidates", len(candidates), "elapsed", time.Since(start))
	return nil
}

// populateOne evaluates one candidate and reports whether it was added.
func (s *service) populateOne(ctx context.Context, h *handle, spec search.Spec, id uint64) (bool, error) {
	m, err := h.mb.GetMessage(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, wrapStore(err)
	}
	if m.Associated || !spec.Match(messageProps(m)) {
		return false, nil
	}
	// The message may have left the scope since the candidates were listed.
	in, err := s.inScope(ctx, h, spec, m)
	if err != nil || !in {
		return false, err
	}
	added, err := s.searchAdded(ctx, h, spec.Folder, id)
	if err != nil {
		return false, wrapStore(err)
	}
	if added {
		if _, err := s.reconcile(ctx, h, m); err != nil {
			s.logger.Warn("search folder update failed", "path", h.path, "message", id, "error", err)
		}
	}
	return added, nil
}

func (s *service) inScope(ctx context.Context, h *handle, spec search.Spec, m *store.Message) (bool, error) {
	sources, err := h.mb.SearchFoldersOf(ctx, m.ID)
	if err != nil {
		return false, wrapStore(err)
	}
	sources = append(sources, m.FolderID)
	for _, f := range sources {
		anc, err := store.Ancestors(ctx, h.mb, f)
		if err != nil {
			return false, wrapStore(err)
		}
		if spec.Covers(f, anc) {
			return true, nil
		}
	}
	return false, nil
}

// lockedJob runs fn for a population holding the job's mailbox. A busy
// mailbox is retried with backoff; a stopped job ends with errJobStopped.
func (s *service) lockedJob(ctx context.Context, job *search.Job, fn func(h *handle) error) error {
	cfg := retry.DefaultConfig()
	cfg.IsRetryable = isBusy
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		if job.Stopped() {
			return errJobStopped
		}
		return s.withHandle(ctx, job.Path, func(h *handle) error {
			if job.Stopped() {
				return errJobStopped
			}
			return fn(h)
		})
	})
	var rerr *retry.Error
	if errors.As(err, &rerr) && rerr.Err == retry.ErrNotRetryable {
		return rerr.Cause
	}
	return err
}
