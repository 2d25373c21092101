// Package engine assembles the offline capture queue, the sync coordinator
// and its triggers behind the surface producers use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kalambet/catchsync/internal/connectivity"
	"github.com/kalambet/catchsync/internal/remote"
	"github.com/kalambet/catchsync/internal/storage"
	"github.com/kalambet/catchsync/internal/syncer"
	"github.com/kalambet/catchsync/internal/telemetry"
	"github.com/kalambet/catchsync/internal/trigger"
)

// ErrSyncInProgress is returned by ClearAll while a sync pass is running.
var ErrSyncInProgress = syncer.ErrSyncInProgress

// Options configures an Engine. Zero values select defaults; the
// collaborator fields exist so tests and embedders can replace the network
// facing pieces.
type Options struct {
	DataDir       string
	BaseURL       string
	Token         string
	UploadTimeout time.Duration
	MaxAttempts   int

	Debounce     time.Duration
	SyncInterval time.Duration

	ProbeURL     string
	ProbeTimeout time.Duration
	PollInterval time.Duration

	MeterProvider metric.MeterProvider
	Logger        *slog.Logger

	Submitter remote.Submitter
	Link      connectivity.LinkDetector
	Prober    connectivity.Prober
	Scheduler trigger.Scheduler
}

// Engine is the producer-facing facade.
type Engine struct {
	store        *storage.Store
	coordinator  *syncer.Coordinator
	classifier   *connectivity.Classifier
	triggers     *trigger.Integration
	pollInterval time.Duration
	logger       *slog.Logger
}

// Open opens the store, reconciles records interrupted by a previous process
// and wires the coordinator and triggers. Call Run to start reacting to
// events.
func Open(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.Open(opts.DataDir,
		storage.WithMaxAttempts(opts.MaxAttempts),
		storage.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	submitter := opts.Submitter
	if submitter == nil {
		if opts.BaseURL == "" {
			store.Close()
			return nil, fmt.Errorf("remote base URL is required")
		}
		submitter = remote.NewClient(opts.BaseURL, opts.Token, opts.UploadTimeout)
	}

	link := opts.Link
	if link == nil {
		link = connectivity.RoutedLink{}
	}
	prober := opts.Prober
	if prober == nil {
		probeURL := opts.ProbeURL
		if probeURL == "" && opts.BaseURL != "" {
			probeURL = strings.TrimRight(opts.BaseURL, "/") + "/health"
		}
		if probeURL != "" {
			prober = connectivity.NewHTTPProber(probeURL, opts.ProbeTimeout)
		}
	}
	classifier := connectivity.NewClassifier(link, prober, connectivity.WithLogger(logger))

	metrics, err := telemetry.NewSyncMetrics(opts.MeterProvider)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating sync metrics: %w", err)
	}

	coordinator := syncer.NewCoordinator(store, submitter, classifier,
		syncer.WithUploadTimeout(opts.UploadTimeout),
		syncer.WithMetrics(metrics),
		syncer.WithLogger(logger),
	)
	if _, err := coordinator.Reconcile(); err != nil {
		store.Close()
		return nil, err
	}

	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = trigger.NewTickerScheduler(logger)
	}
	triggerOpts := []trigger.Option{
		trigger.WithInterval(opts.SyncInterval),
		trigger.WithLogger(logger),
	}
	if opts.Debounce > 0 {
		triggerOpts = append(triggerOpts, trigger.WithDebounce(opts.Debounce))
	}
	triggers := trigger.New(coordinator, classifier, store, scheduler, triggerOpts...)

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}

	return &Engine{
		store:        store,
		coordinator:  coordinator,
		classifier:   classifier,
		triggers:     triggers,
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

// Run starts the triggers and the connectivity poll loop and blocks until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.triggers.Start(ctx); err != nil {
		return err
	}
	defer e.triggers.Stop()

	return e.classifier.Run(ctx, e.pollInterval)
}

// Close releases the store. Run must have returned.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Enqueue durably queues a capture and returns its local id. A returned
// error means nothing was saved and the submission must be reported as
// failed.
func (e *Engine) Enqueue(payload []byte, media []storage.MediaSource, priority int) (string, error) {
	id, err := e.store.Enqueue(storage.EnqueueRequest{
		Payload:  payload,
		Media:    media,
		Priority: priority,
	})
	if err != nil {
		if errors.Is(err, storage.ErrResourceExhausted) {
			e.logger.Error("enqueue failed: local storage full", "error", err)
		}
		return "", err
	}
	return id, nil
}

// PendingCount is the number of captures not yet delivered.
func (e *Engine) PendingCount() (int, error) {
	return e.store.PendingCount()
}

// SubscribeProgress registers fn for sync progress events.
func (e *Engine) SubscribeProgress(fn func(syncer.Progress)) (unsubscribe func()) {
	return e.coordinator.Subscribe(fn)
}

// Sync runs a sync pass now. It is coalesced with any run already active.
func (e *Engine) Sync(ctx context.Context) (syncer.SyncResult, error) {
	return e.coordinator.RunSync(ctx)
}

// Lifecycle forwards an application lifecycle transition.
func (e *Engine) Lifecycle(ctx context.Context, l trigger.Lifecycle) {
	e.triggers.HandleLifecycle(ctx, l)
}

// SetConnectivity publishes a connectivity state observed by the platform,
// bypassing the poll loop.
func (e *Engine) SetConnectivity(st connectivity.State) {
	e.classifier.Set(st)
}

// Status is a snapshot of the engine for status surfaces.
type Status struct {
	Pending      int                 `json:"pending"`
	Exhausted    int                 `json:"exhausted"`
	Syncing      bool                `json:"syncing"`
	Connectivity *connectivity.State `json:"connectivity,omitempty"`
	Online       bool                `json:"online"`
	LastSync     *time.Time          `json:"last_sync,omitempty"`
	LastResult   *syncer.SyncResult  `json:"last_result,omitempty"`
	Progress     syncer.Progress     `json:"progress"`
}

func (e *Engine) Status() (Status, error) {
	var st Status

	pending, err := e.store.PendingCount()
	if err != nil {
		return st, err
	}
	eligible, err := e.store.Count(storage.CountFilter{
		Statuses:     []storage.Status{storage.StatusPending, storage.StatusFailed},
		EligibleOnly: true,
	})
	if err != nil {
		return st, err
	}
	st.Pending = pending
	st.Exhausted = pending - eligible
	st.Syncing = e.coordinator.IsSyncing()
	st.Progress = e.coordinator.LastProgress()

	if cs, ok := e.classifier.Current(); ok {
		st.Connectivity = &cs
		st.Online = cs.Online()
	}
	if t, ok, err := e.store.LastSync(); err != nil {
		return st, err
	} else if ok {
		st.LastSync = &t
	}
	if res, ok := e.coordinator.LastResult(); ok {
		st.LastResult = &res
	}
	return st, nil
}

// Records lists every undelivered capture, exhausted ones included.
func (e *Engine) Records() ([]storage.PendingRecord, error) {
	return e.store.List()
}

func (e *Engine) Record(localID string) (storage.PendingRecord, error) {
	return e.store.Get(localID)
}

// Retry makes a failed or exhausted record eligible for automatic delivery
// again.
func (e *Engine) Retry(localID string) error {
	return e.store.ResetAttempts(localID)
}

// Discard drops an undelivered capture and its media. A capture that is
// being delivered right now is refused with storage.ErrRecordBusy.
func (e *Engine) Discard(localID string) error {
	return e.store.Discard(localID)
}

// ClearAll wipes the queue, media, cache and sync state. No sync can start
// while the wipe runs.
func (e *Engine) ClearAll() error {
	if err := e.coordinator.Exclusive(e.store.ClearAll); err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			return fmt.Errorf("cannot clear storage: %w", err)
		}
		return err
	}
	return nil
}

func (e *Engine) StorageSize() (int64, error) {
	return e.store.StorageSize()
}

func (e *Engine) CacheSet(key string, value []byte) error {
	return e.store.CacheSet(key, value)
}

func (e *Engine) CacheGet(key string) (storage.CacheEntry, error) {
	return e.store.CacheGet(key)
}
