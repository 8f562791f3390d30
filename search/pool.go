package search

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrPoolStopped is returned when enqueueing on a stopped pool.
var ErrPoolStopped = errors.New("search: pool stopped")

// Key identifies the search folder of a job across mailboxes.
type Key struct {
	Path   string
	Folder uint64
}

// Job is a full population request for one search folder.
type Job struct {
	ID       string
	Path     string
	Spec     Spec
	Enqueued time.Time

	canceled atomic.Bool
	stop     *atomic.Bool
}

// NewJob creates a job for a search folder of the mailbox at path.
func NewJob(path string, spec Spec) *Job {
	return &Job{ID: uuid.NewString(), Path: path, Spec: spec, Enqueued: time.Now()}
}

// Key returns the job key.
func (j *Job) Key() Key { return Key{Path: j.Path, Folder: j.Spec.Folder} }

// Cancel asks the job to stop at its next batch boundary.
func (j *Job) Cancel() { j.canceled.Store(true) }

// Stopped reports whether the job should give up: it was canceled or
// replaced, or the pool is shutting down.
func (j *Job) Stopped() bool {
	return j.canceled.Load() || (j.stop != nil && j.stop.Load())
}

// RunFunc performs one population.
type RunFunc func(ctx context.Context, job *Job) error

// Pool runs population jobs on a fixed set of workers. Pending jobs are
// served first in, first out.
type Pool struct {
	run     RunFunc
	workers int
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*Job
	inflight map[Key]*Job
	done     map[Key]time.Time
	started  bool
	stop     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool. Call Start to launch the workers.
func NewPool(run RunFunc, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		run:      run,
		workers:  workers,
		logger:   logger,
		inflight: make(map[Key]*Job),
		done:     make(map[Key]time.Time),
	}
	p.cond = sync.NewCond(&p.mu)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start launches the workers. Calling it again is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stop.Load() {
		return
	}
	p.started = true
	for range p.workers {
		p.wg.Add(1)
		go p.worker()
	}
}

// Enqueue appends a job. An older job for the same folder, pending or
// running, is canceled and replaced.
func (p *Pool) Enqueue(job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop.Load() {
		return ErrPoolStopped
	}
	key := job.Key()
	p.pending = slices.DeleteFunc(p.pending, func(j *Job) bool {
		if j.Key() == key {
			j.Cancel()
			return true
		}
		return false
	})
	if old, ok := p.inflight[key]; ok {
		old.Cancel()
	}
	job.stop = &p.stop
	p.pending = append(p.pending, job)
	p.cond.Signal()
	return nil
}

// Cancel drops the pending job of a folder and cancels a running one. It
// reports whether any job was found.
func (p *Pool) Cancel(path string, folder uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := Key{Path: path, Folder: folder}
	found := false
	p.pending = slices.DeleteFunc(p.pending, func(j *Job) bool {
		if j.Key() == key {
			j.Cancel()
			found = true
			return true
		}
		return false
	})
	if j, ok := p.inflight[key]; ok {
		j.Cancel()
		found = true
	}
	return found
}

// IsPopulating reports whether a folder has a pending or running job.
func (p *Pool) IsPopulating(path string, folder uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := Key{Path: path, Folder: folder}
	if _, ok := p.inflight[key]; ok {
		return true
	}
	return slices.ContainsFunc(p.pending, func(j *Job) bool { return j.Key() == key })
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Running returns the number of jobs being executed.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Completed returns when the last job of a folder finished.
func (p *Pool) Completed(path string, folder uint64) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.done[Key{Path: path, Folder: folder}]
	return at, ok
}

// Prune forgets completed jobs older than age and returns how many were
// removed.
func (p *Pool) Prune(age time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-age)
	n := 0
	for key, at := range p.done {
		if at.Before(cutoff) {
			delete(p.done, key)
			n++
		}
	}
	return n
}

// Stopping reports whether Stop was called.
func (p *Pool) Stopping() bool { return p.stop.Load() }

// Stop sets the stop flag, wakes every worker, discards pending jobs and
// waits for running jobs to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stop.Store(true)
	for _, j := range p.pending {
		j.Cancel()
	}
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.stop.Load() {
			p.cond.Wait()
		}
		if p.stop.Load() {
			p.mu.Unlock()
			return
		}
		job := p.pending[0]
		p.pending = p.pending[1:]
		key := job.Key()
		p.inflight[key] = job
		p.mu.Unlock()

		start := time.Now()
		err := p.run(p.ctx, job)
		switch {
		case err != nil && !job.Stopped():
			p.logger.Error("search population failed",
				"path", job.Path, "folder", job.Spec.Folder, "job", job.ID, "error", err)
		case job.Stopped():
			p.logger.Debug("search population stopped",
				"path", job.Path, "folder", job.Spec.Folder, "job", job.ID)
		default:
			p.logger.Debug("search population complete",
				"path", job.Path, "folder", job.Spec.Folder, "job", job.ID, "elapsed", time.Since(start))
		}

		p.mu.Lock()
		if p.inflight[key] == job {
			delete(p.inflight, key)
		}
		p.done[key] = time.Now()
		p.mu.Unlock()
	}
}
