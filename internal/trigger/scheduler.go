package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Outcome is what a periodic task reports back to the scheduler.
type Outcome string

const (
	OutcomeNewData Outcome = "new_data"
	OutcomeNoData  Outcome = "no_data"
	OutcomeFailed  Outcome = "failed"
)

// Scheduler wakes the process periodically. Register is called once.
type Scheduler interface {
	Register(minInterval time.Duration, handler func(ctx context.Context) Outcome) error
	Unregister() error
}

// TickerScheduler is a Scheduler for long-running processes: it invokes the
// handler on a ticker until unregistered.
type TickerScheduler struct {
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   Outcome
}

func NewTickerScheduler(logger *slog.Logger) *TickerScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TickerScheduler{logger: logger}
}

func (s *TickerScheduler) Register(minInterval time.Duration, handler func(ctx context.Context) Outcome) error {
	if minInterval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", minInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("periodic task already registered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(minInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				out := handler(ctx)
				s.mu.Lock()
				s.last = out
				s.mu.Unlock()
				s.logger.Debug("periodic sync finished", "outcome", out)
			}
		}
	}(s.done)
	return nil
}

// Unregister stops the ticker and waits for an in-progress handler.
func (s *TickerScheduler) Unregister() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// LastOutcome returns the outcome of the most recent tick.
func (s *TickerScheduler) LastOutcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
