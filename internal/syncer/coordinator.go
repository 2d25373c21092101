// Package syncer delivers queued captures to the remote service.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/catchsync/internal/remote"
	"github.com/kalambet/catchsync/internal/storage"
	"github.com/kalambet/catchsync/internal/telemetry"
)

// DefaultUploadTimeout bounds a single submission, media included.
const DefaultUploadTimeout = 120 * time.Second

// ErrSyncInProgress is returned by Exclusive and Reconcile while a run is
// active.
var ErrSyncInProgress = errors.New("sync in progress")

// RecordStore abstracts the queue operations used by the coordinator.
type RecordStore interface {
	ListPending() ([]storage.PendingRecord, error)
	UpdateStatus(localID string, status storage.Status, errMsg string) error
	FailPermanently(localID, errMsg string) error
	Remove(localID string) error
	ReconcileInterrupted() (int, error)
	PendingCount() (int, error)
	SetLastSync(t time.Time) error
}

// Connectivity reports whether delivery should be attempted right now.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Progress is emitted while a run is active.
type Progress struct {
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Current   string `json:"current,omitempty"`
	Done      bool   `json:"done"`
}

type RecordError struct {
	LocalID   string `json:"local_id"`
	Message   string `json:"error"`
	Permanent bool   `json:"permanent"`
	Err       error  `json:"-"`
}

// SyncResult summarizes one run. A coalesced call returns a zero result with
// Coalesced set and performs no submissions.
type SyncResult struct {
	Synced      int           `json:"synced"`
	Failed      int           `json:"failed"`
	Errors      []RecordError `json:"errors,omitempty"`
	Interrupted bool          `json:"interrupted,omitempty"`
	Coalesced   bool          `json:"coalesced,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	FinishedAt  time.Time     `json:"finished_at,omitzero"`
}

// Coordinator runs sync passes over the queue. At most one pass is active at
// a time; overlapping triggers are coalesced, not serialized.
type Coordinator struct {
	store         RecordStore
	submitter     remote.Submitter
	conn          Connectivity
	uploadTimeout time.Duration
	metrics       *telemetry.SyncMetrics
	logger        *slog.Logger
	now           func() time.Time

	running atomic.Bool

	mu           sync.Mutex
	subs         map[int]func(Progress)
	nextID       int
	lastResult   *SyncResult
	lastProgress Progress
}

type Option func(*Coordinator)

func WithUploadTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.uploadTimeout = d
		}
	}
}

// WithMetrics sets the sync instruments. A nil value disables metrics.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator creates a Coordinator with the given dependencies.
func NewCoordinator(store RecordStore, submitter remote.Submitter, conn Connectivity, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         store,
		submitter:     submitter,
		conn:          conn,
		uploadTimeout: DefaultUploadTimeout,
		logger:        slog.Default(),
		now:           time.Now,
		subs:          make(map[int]func(Progress)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reconcile returns records left in syncing by a previous process to
// pending. Call it once at startup, before the first run.
func (c *Coordinator) Reconcile() (int, error) {
	var n int
	err := c.Exclusive(func() error {
		var err error
		n, err = c.store.ReconcileInterrupted()
		if err != nil {
			return fmt.Errorf("reconciling interrupted records: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("reconciled interrupted records", "count", n)
	}
	return n, nil
}

// Exclusive runs fn while holding the run flag, so no sync can start until
// it returns. It fails with ErrSyncInProgress if a run is active.
func (c *Coordinator) Exclusive(fn func() error) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer c.running.Store(false)
	return fn()
}

// IsSyncing reports whether a run is active.
func (c *Coordinator) IsSyncing() bool {
	return c.running.Load()
}

// RunSync delivers every eligible record in queue order. If a run is already
// active it returns immediately with a coalesced, empty result.
//
// A single record's failure never aborts the run. Losing connectivity, or
// ctx being cancelled, stops it between records and leaves the remainder
// untouched for the next run.
func (c *Coordinator) RunSync(ctx context.Context) (SyncResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.metrics.RecordCoalesced(ctx)
		c.logger.Debug("sync already running, coalescing")
		return SyncResult{Coalesced: true}, nil
	}
	defer c.running.Store(false)

	started := c.now()
	res := SyncResult{StartedAt: started}

	records, err := c.store.ListPending()
	if err != nil {
		return res, fmt.Errorf("listing pending records: %w", err)
	}

	prog := Progress{Total: len(records)}
	if len(records) > 0 {
		c.logger.Info("sync started", "records", len(records))
		c.emit(prog)
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		if !c.conn.Online(ctx) {
			c.logger.Info("connectivity lost, stopping sync", "remaining", prog.Total-prog.Completed-prog.Failed)
			res.Interrupted = true
			break
		}

		prog.Current = rec.LocalID
		c.emit(prog)

		stop := c.syncRecord(ctx, rec, &res)
		if stop {
			res.Interrupted = true
			break
		}
		prog.Completed = res.Synced
		prog.Failed = res.Failed
	}

	if err := c.store.SetLastSync(started); err != nil {
		c.logger.Error("recording last sync failed", "error", err)
	}

	res.FinishedAt = c.now()
	c.metrics.RecordRun(ctx, res.FinishedAt.Sub(started), res.Interrupted)
	if depth, err := c.store.PendingCount(); err == nil {
		c.metrics.RecordQueueDepth(ctx, depth)
	}

	prog.Completed = res.Synced
	prog.Failed = res.Failed
	prog.Current = ""
	prog.Done = true
	c.emit(prog)

	c.mu.Lock()
	last := res
	c.lastResult = &last
	c.mu.Unlock()

	if len(records) > 0 {
		c.logger.Info("sync finished",
			"synced", res.Synced,
			"failed", res.Failed,
			"interrupted", res.Interrupted,
			"duration", res.FinishedAt.Sub(started),
		)
	}
	return res, nil
}

// syncRecord performs one delivery attempt and records its outcome. It
// returns true when the run must stop.
func (c *Coordinator) syncRecord(ctx context.Context, rec storage.PendingRecord, res *SyncResult) bool {
	if err := c.store.UpdateStatus(rec.LocalID, storage.StatusSyncing, ""); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Debug("record discarded before delivery", "local_id", rec.LocalID)
			return false
		}
		c.logger.Error("marking record syncing failed", "local_id", rec.LocalID, "error", err)
		res.Failed++
		res.Errors = append(res.Errors, RecordError{LocalID: rec.LocalID, Message: err.Error(), Err: err})
		return errors.Is(err, storage.ErrStorage)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	err := c.submitter.Submit(callCtx, rec)
	cancel()

	switch {
	case err == nil:
		if err := c.store.Remove(rec.LocalID); err != nil {
			// Delivered; a leftover row is resubmitted later and deduplicated
			// by the server.
			c.logger.Error("removing delivered record failed", "local_id", rec.LocalID, "error", err)
			c.release(rec.LocalID)
			res.Errors = append(res.Errors, RecordError{LocalID: rec.LocalID, Message: err.Error(), Err: err})
		}
		res.Synced++
		c.metrics.RecordOutcome(ctx, "synced")
		c.logger.Debug("record synced", "local_id", rec.LocalID)
		return false

	case ctx.Err() != nil:
		// Shutting down mid-call: not an attempt against the retry budget.
		if uerr := c.store.UpdateStatus(rec.LocalID, storage.StatusPending, ""); uerr != nil {
			c.logger.Error("restoring record failed, left for startup reconciliation", "local_id", rec.LocalID, "error", uerr)
		}
		return true

	case remote.IsPermanent(err):
		c.logger.Warn("record rejected", "local_id", rec.LocalID, "error", err)
		if ferr := c.store.FailPermanently(rec.LocalID, err.Error()); ferr != nil {
			c.logger.Error("marking record failed", "local_id", rec.LocalID, "error", ferr)
			c.release(rec.LocalID)
		}
		res.Failed++
		res.Errors = append(res.Errors, RecordError{LocalID: rec.LocalID, Message: err.Error(), Permanent: true, Err: err})
		c.metrics.RecordOutcome(ctx, "permanent")
		return false

	default:
		c.logger.Warn("record sync failed", "local_id", rec.LocalID, "attempt", rec.Attempts+1, "error", err)
		if ferr := c.store.UpdateStatus(rec.LocalID, storage.StatusFailed, err.Error()); ferr != nil {
			c.logger.Error("marking record failed", "local_id", rec.LocalID, "error", ferr)
			c.release(rec.LocalID)
		}
		res.Failed++
		res.Errors = append(res.Errors, RecordError{LocalID: rec.LocalID, Message: err.Error(), Err: err})
		c.metrics.RecordOutcome(ctx, "transient")
		return false
	}
}

// release returns a record stuck in syncing to pending so the next run picks
// it up. When that fails too, startup reconciliation is the fallback.
func (c *Coordinator) release(localID string) {
	if err := c.store.UpdateStatus(localID, storage.StatusPending, ""); err != nil {
		c.logger.Error("releasing record failed, left for startup reconciliation", "local_id", localID, "error", err)
	}
}

// Subscribe registers fn for progress events and returns a function that
// removes it. fn runs on the sync goroutine and must not block.
func (c *Coordinator) Subscribe(fn func(Progress)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) emit(p Progress) {
	c.mu.Lock()
	c.lastProgress = p
	subs := make([]func(Progress), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}

// LastResult returns the result of the most recent completed run.
func (c *Coordinator) LastResult() (SyncResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResult == nil {
		return SyncResult{}, false
	}
	return *c.lastResult, true
}

// LastProgress returns the most recently emitted progress event.
func (c *Coordinator) LastProgress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastProgress
}
