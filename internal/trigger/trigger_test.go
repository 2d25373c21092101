package trigger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/catchsync/internal/connectivity"
	"github.com/kalambet/catchsync/internal/storage"
	"github.com/kalambet/catchsync/internal/syncer"
)

type mockSyncer struct {
	runs  atomic.Int32
	runFn func(ctx context.Context) (syncer.SyncResult, error)
}

func (m *mockSyncer) RunSync(ctx context.Context) (syncer.SyncResult, error) {
	m.runs.Add(1)
	if m.runFn != nil {
		return m.runFn(ctx)
	}
	return syncer.SyncResult{}, nil
}

type staticCounter struct {
	n   atomic.Int32
	err error
}

func (c *staticCounter) PendingCount() (int, error) {
	return int(c.n.Load()), c.err
}

type mockScheduler struct {
	interval     time.Duration
	handler      func(ctx context.Context) Outcome
	unregistered bool
}

func (m *mockScheduler) Register(d time.Duration, h func(ctx context.Context) Outcome) error {
	m.interval = d
	m.handler = h
	return nil
}

func (m *mockScheduler) Unregister() error {
	m.unregistered = true
	return nil
}

var (
	online  = connectivity.State{Connected: true, Reachable: true}
	offline = connectivity.State{}
)

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestConnectivityEdgeDebounced(t *testing.T) {
	conn := connectivity.NewClassifier(nil, nil)
	s := &mockSyncer{}
	i := New(s, conn, &staticCounter{}, nil, WithDebounce(50*time.Millisecond))
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop()

	// Flapping inside the window never reaches the syncer.
	conn.Set(online)
	conn.Set(offline)
	conn.Set(online)
	conn.Set(offline)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, s.runs.Load())

	conn.Set(online)
	eventually(t, func() bool { return s.runs.Load() == 1 }, "expected one run after the window")
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), s.runs.Load())
}

func TestReachabilityLossIsOffline(t *testing.T) {
	conn := connectivity.NewClassifier(nil, nil)
	s := &mockSyncer{}
	i := New(s, conn, &staticCounter{}, nil, WithDebounce(10*time.Millisecond))
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop()

	conn.Set(connectivity.State{Connected: true})
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, s.runs.Load(), "a link without reachability is not online")

	conn.Set(online)
	eventually(t, func() bool { return s.runs.Load() == 1 }, "expected a run once reachable")
}

func TestForeground(t *testing.T) {
	conn := connectivity.NewClassifier(nil, nil)
	counter := &staticCounter{}
	s := &mockSyncer{}
	i := New(s, conn, counter, nil, WithDebounce(time.Hour))
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop()
	ctx := context.Background()

	conn.Set(online)

	i.HandleLifecycle(ctx, Foreground)
	assert.Zero(t, s.runs.Load(), "empty queue")

	counter.n.Store(2)
	i.HandleLifecycle(ctx, Background)
	assert.Zero(t, s.runs.Load())
	i.HandleLifecycle(ctx, Foreground)
	assert.Equal(t, int32(1), s.runs.Load())
	assert.Equal(t, 2, i.PendingCount())

	conn.Set(offline)
	i.HandleLifecycle(ctx, Foreground)
	assert.Equal(t, int32(1), s.runs.Load(), "offline foreground only refreshes the count")
}

func TestTickOutcome(t *testing.T) {
	conn := connectivity.NewClassifier(nil, nil)
	sched := &mockScheduler{}
	s := &mockSyncer{}
	i := New(s, conn, &staticCounter{}, sched, WithInterval(15*time.Minute))
	require.NoError(t, i.Start(context.Background()))

	assert.Equal(t, 15*time.Minute, sched.interval)
	require.NotNil(t, sched.handler)

	assert.Equal(t, OutcomeNoData, sched.handler(context.Background()))

	s.runFn = func(context.Context) (syncer.SyncResult, error) {
		return syncer.SyncResult{Synced: 2}, nil
	}
	assert.Equal(t, OutcomeNewData, sched.handler(context.Background()))

	s.runFn = func(context.Context) (syncer.SyncResult, error) {
		return syncer.SyncResult{Synced: 1, Failed: 1}, nil
	}
	assert.Equal(t, OutcomeNewData, sched.handler(context.Background()))

	s.runFn = func(context.Context) (syncer.SyncResult, error) {
		return syncer.SyncResult{Failed: 3}, nil
	}
	assert.Equal(t, OutcomeFailed, sched.handler(context.Background()))

	s.runFn = func(context.Context) (syncer.SyncResult, error) {
		return syncer.SyncResult{}, errors.New("disk I/O error")
	}
	assert.Equal(t, OutcomeFailed, sched.handler(context.Background()))

	i.Stop()
	assert.True(t, sched.unregistered)
}

func TestStartTwice(t *testing.T) {
	i := New(&mockSyncer{}, connectivity.NewClassifier(nil, nil), &staticCounter{}, nil)
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop()
	assert.Error(t, i.Start(context.Background()))
}

func TestStopCancelsPendingDebounce(t *testing.T) {
	conn := connectivity.NewClassifier(nil, nil)
	s := &mockSyncer{}
	i := New(s, conn, &staticCounter{}, nil, WithDebounce(30*time.Millisecond))
	require.NoError(t, i.Start(context.Background()))

	conn.Set(online)
	i.Stop()
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, s.runs.Load())
}

type blockingSubmitter struct {
	mu      sync.Mutex
	seen    map[string]int
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSubmitter) Submit(ctx context.Context, rec storage.PendingRecord) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	b.mu.Lock()
	b.seen[rec.LocalID]++
	b.mu.Unlock()
	return nil
}

// Every trigger path firing at once still yields one effective run.
func TestSimultaneousTriggersSingleRun(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	for n := 0; n < 3; n++ {
		src := filepath.Join(t.TempDir(), "p.jpg")
		require.NoError(t, os.WriteFile(src, []byte("jpeg"), 0o644))
		_, err := store.Enqueue(storage.EnqueueRequest{
			Payload: []byte(`{"weight":1}`),
			Media:   []storage.MediaSource{{Path: src, Kind: storage.MediaPhoto}},
		})
		require.NoError(t, err)
	}

	conn := connectivity.NewClassifier(nil, nil)
	sub := &blockingSubmitter{seen: map[string]int{}, entered: make(chan struct{}), release: make(chan struct{})}
	coord := syncer.NewCoordinator(store, sub, conn)
	sched := &mockScheduler{}
	i := New(coord, conn, store, sched, WithDebounce(0))
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop()

	conn.Set(online)
	<-sub.entered

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 4)
	for n := 0; n < 4; n++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			i.HandleLifecycle(context.Background(), Foreground)
		}()
		go func() {
			defer wg.Done()
			outcomes <- sched.handler(context.Background())
		}()
	}
	wg.Wait()
	close(outcomes)
	for out := range outcomes {
		assert.Equal(t, OutcomeNoData, out, "coalesced ticks deliver nothing")
	}

	close(sub.release)
	eventually(t, func() bool {
		n, _ := store.PendingCount()
		return n == 0
	}, "queue should drain")

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Len(t, sub.seen, 3)
	for id, n := range sub.seen {
		assert.Equal(t, 1, n, "record %s submitted more than once", id)
	}
}

func TestTickerScheduler(t *testing.T) {
	s := NewTickerScheduler(nil)
	var ticks atomic.Int32
	require.NoError(t, s.Register(10*time.Millisecond, func(ctx context.Context) Outcome {
		ticks.Add(1)
		return OutcomeNoData
	}))
	assert.Error(t, s.Register(time.Second, func(context.Context) Outcome { return OutcomeNoData }))

	eventually(t, func() bool { return ticks.Load() >= 2 }, "expected ticks")
	assert.Equal(t, OutcomeNoData, s.LastOutcome())

	require.NoError(t, s.Unregister())
	after := ticks.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
	require.NoError(t, s.Unregister())

	assert.Error(t, NewTickerScheduler(nil).Register(0, nil))
}

func TestParseLifecycle(t *testing.T) {
	l, err := ParseLifecycle("foreground")
	require.NoError(t, err)
	assert.Equal(t, Foreground, l)
	_, err = ParseLifecycle("suspended")
	assert.Error(t, err)
}
