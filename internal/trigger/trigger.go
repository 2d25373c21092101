// Package trigger turns connectivity, lifecycle and scheduler events into
// sync runs.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/catchsync/internal/connectivity"
	"github.com/kalambet/catchsync/internal/syncer"
)

const (
	DefaultDebounce = 2 * time.Second
	DefaultInterval = 15 * time.Minute
)

// Lifecycle is an application lifecycle transition.
type Lifecycle string

const (
	Foreground Lifecycle = "foreground"
	Background Lifecycle = "background"
)

// ParseLifecycle validates a lifecycle name.
func ParseLifecycle(s string) (Lifecycle, error) {
	switch l := Lifecycle(s); l {
	case Foreground, Background:
		return l, nil
	}
	return "", fmt.Errorf("unknown lifecycle state %q", s)
}

// Syncer is the single entry point every trigger calls.
type Syncer interface {
	RunSync(ctx context.Context) (syncer.SyncResult, error)
}

// ConnectivitySource publishes classified connectivity changes.
type ConnectivitySource interface {
	Subscribe(fn func(connectivity.State)) (unsubscribe func())
	Online(ctx context.Context) bool
}

type Counter interface {
	PendingCount() (int, error)
}

// Integration wires the external signals to the syncer. All paths end in the
// same RunSync call and rely on its single-flight guard.
type Integration struct {
	syncer    Syncer
	conn      ConnectivitySource
	counter   Counter
	scheduler Scheduler
	debounce  time.Duration
	interval  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	online   bool
	timer    *time.Timer
	pending  int
	unsub    func()
	started  bool
	inflight sync.WaitGroup
}

type Option func(*Integration)

// WithDebounce sets how long connectivity must stay restored before a run.
func WithDebounce(d time.Duration) Option {
	return func(i *Integration) {
		if d >= 0 {
			i.debounce = d
		}
	}
}

// WithInterval sets the minimum interval requested from the scheduler.
func WithInterval(d time.Duration) Option {
	return func(i *Integration) {
		if d > 0 {
			i.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Integration) {
		if l != nil {
			i.logger = l
		}
	}
}

// New creates an Integration. scheduler may be nil when no periodic wakeups
// are wanted.
func New(s Syncer, conn ConnectivitySource, counter Counter, scheduler Scheduler, opts ...Option) *Integration {
	i := &Integration{
		syncer:    s,
		conn:      conn,
		counter:   counter,
		scheduler: scheduler,
		debounce:  DefaultDebounce,
		interval:  DefaultInterval,
		logger:    slog.Default(),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start subscribes to connectivity changes and registers the periodic task.
// Runs started by triggers use ctx.
func (i *Integration) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return fmt.Errorf("trigger integration already started")
	}
	i.started = true
	i.ctx = ctx
	i.mu.Unlock()

	i.refreshCount()

	unsub := i.conn.Subscribe(i.HandleConnectivity)
	i.mu.Lock()
	i.unsub = unsub
	i.mu.Unlock()

	if i.scheduler != nil {
		if err := i.scheduler.Register(i.interval, i.HandleTick); err != nil {
			unsub()
			return fmt.Errorf("registering periodic sync: %w", err)
		}
	}
	i.logger.Info("sync triggers started", "debounce", i.debounce, "interval", i.interval)
	return nil
}

// Stop removes every registration, cancels a pending debounced run and waits
// for triggered runs to return.
func (i *Integration) Stop() {
	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		return
	}
	i.started = false
	unsub := i.unsub
	i.unsub = nil
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	i.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if i.scheduler != nil {
		if err := i.scheduler.Unregister(); err != nil {
			i.logger.Warn("unregistering periodic sync failed", "error", err)
		}
	}
	i.inflight.Wait()
}

// HandleConnectivity reacts to a classification change. An offline→online
// edge schedules a run after the debounce window; going offline again within
// the window cancels it.
func (i *Integration) HandleConnectivity(st connectivity.State) {
	i.mu.Lock()
	defer i.mu.Unlock()

	was := i.online
	i.online = st.Online()

	switch {
	case !was && i.online:
		if i.timer != nil {
			i.timer.Stop()
		}
		var t *time.Timer
		t = time.AfterFunc(i.debounce, func() {
			i.mu.Lock()
			if i.timer == t {
				i.timer = nil
			}
			if !i.started {
				i.mu.Unlock()
				return
			}
			i.inflight.Add(1)
			ctx := i.ctx
			i.mu.Unlock()

			defer i.inflight.Done()
			i.run(ctx, "connectivity")
		})
		i.timer = t
	case was && !i.online:
		if i.timer != nil {
			i.timer.Stop()
			i.timer = nil
		}
	}
}

// HandleLifecycle reacts to an application lifecycle transition. Entering
// the foreground refreshes the pending count and syncs if there is work and
// the device is online.
func (i *Integration) HandleLifecycle(ctx context.Context, l Lifecycle) {
	i.logger.Debug("lifecycle transition", "state", l)
	if l != Foreground {
		return
	}
	count := i.refreshCount()
	if count == 0 || !i.conn.Online(ctx) {
		return
	}
	i.run(ctx, "foreground")
}

// HandleTick runs a sync unconditionally; it is a no-op when offline or empty.
// Any delivery counts as new data; otherwise a failed record fails the tick.
func (i *Integration) HandleTick(ctx context.Context) Outcome {
	res, err := i.run(ctx, "schedule")
	switch {
	case err != nil:
		return OutcomeFailed
	case res.Synced > 0:
		return OutcomeNewData
	case res.Failed > 0:
		return OutcomeFailed
	}
	return OutcomeNoData
}

// PendingCount returns the count cached at the last refresh.
func (i *Integration) PendingCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pending
}

func (i *Integration) refreshCount() int {
	n, err := i.counter.PendingCount()
	if err != nil {
		i.logger.Error("refreshing pending count failed", "error", err)
		return i.PendingCount()
	}
	i.mu.Lock()
	i.pending = n
	i.mu.Unlock()
	return n
}

func (i *Integration) run(ctx context.Context, source string) (syncer.SyncResult, error) {
	res, err := i.syncer.RunSync(ctx)
	if err != nil {
		i.logger.Error("sync failed", "trigger", source, "error", err)
	} else if res.Coalesced {
		i.logger.Debug("sync coalesced", "trigger", source)
	}
	i.refreshCount()
	return res, err
}
