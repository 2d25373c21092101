package syncer

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/catchsync/internal/remote"
	"github.com/kalambet/catchsync/internal/remote/remotetest"
	"github.com/kalambet/catchsync/internal/storage"
)

type mockSubmitter struct {
	mu       sync.Mutex
	calls    []string
	submitFn func(ctx context.Context, rec storage.PendingRecord) error
}

func (m *mockSubmitter) Submit(ctx context.Context, rec storage.PendingRecord) error {
	m.mu.Lock()
	m.calls = append(m.calls, rec.LocalID)
	fn := m.submitFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, rec)
	}
	return nil
}

func (m *mockSubmitter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type onlineFunc func(ctx context.Context) bool

func (f onlineFunc) Online(ctx context.Context) bool { return f(ctx) }

func alwaysOnline() Connectivity {
	return onlineFunc(func(context.Context) bool { return true })
}

func openTestStore(t *testing.T, opts ...storage.Option) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stepClock keeps created_at strictly increasing between enqueues.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 6, 14, 5, 30, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func enqueueN(t *testing.T, s *storage.Store, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		src := filepath.Join(t.TempDir(), "photo.jpg")
		require.NoError(t, os.WriteFile(src, []byte("jpeg"), 0o644))
		id, err := s.Enqueue(storage.EnqueueRequest{
			Payload: []byte(`{"speciesId":"pike","weight":3.1}`),
			Media:   []storage.MediaSource{{Path: src, Kind: storage.MediaPhoto, ContentType: "image/jpeg"}},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestRunSyncDeliversQueueInOrder(t *testing.T) {
	store := openTestStore(t, storage.WithClock(stepClock()))
	ids := enqueueN(t, store, 3)
	var paths []string
	for _, id := range ids {
		rec, err := store.Get(id)
		require.NoError(t, err)
		paths = append(paths, rec.Media[0].Path)
	}

	sub := &mockSubmitter{}
	c := NewCoordinator(store, sub, alwaysOnline())

	var events []Progress
	unsubscribe := c.Subscribe(func(p Progress) { events = append(events, p) })
	defer unsubscribe()

	res, err := c.RunSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Synced)
	assert.Zero(t, res.Failed)
	assert.False(t, res.Interrupted)
	assert.Equal(t, ids, sub.Calls())

	n, err := store.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	for _, p := range paths {
		assert.NoFileExists(t, p, "media of a delivered record must be removed")
	}

	require.NotEmpty(t, events)
	assert.Equal(t, Progress{Total: 3}, events[0])
	assert.Equal(t, Progress{Total: 3, Completed: 1, Current: ids[1]}, events[2])
	assert.Equal(t, Progress{Total: 3, Completed: 3, Done: true}, events[len(events)-1])

	_, ok, err := store.LastSync()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunSyncEmptyQueueRecordsTimestamp(t *testing.T) {
	store := openTestStore(t)
	sub := &mockSubmitter{}
	c := NewCoordinator(store, sub, alwaysOnline())

	res, err := c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Synced)
	assert.Empty(t, sub.Calls())

	_, ok, err := store.LastSync()
	require.NoError(t, err)
	assert.True(t, ok)

	last, ok := c.LastResult()
	assert.True(t, ok)
	assert.False(t, last.Coalesced)
}

func TestRunSyncSingleFlight(t *testing.T) {
	store := openTestStore(t, storage.WithClock(stepClock()))
	ids := enqueueN(t, store, 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sub := &mockSubmitter{submitFn: func(ctx context.Context, rec storage.PendingRecord) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}}
	c := NewCoordinator(store, sub, alwaysOnline())

	first := make(chan SyncResult, 1)
	go func() {
		res, _ := c.RunSync(context.Background())
		first <- res
	}()

	<-entered
	assert.True(t, c.IsSyncing())

	// Concurrent triggers while the first run is active are dropped.
	var wg sync.WaitGroup
	var coalesced atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.RunSync(context.Background())
			if err == nil && res.Coalesced && res.Synced == 0 && res.Failed == 0 {
				coalesced.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(8), coalesced.Load())

	close(release)
	res := <-first
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, ids, sub.Calls(), "each record submitted exactly once")
	assert.False(t, c.IsSyncing())
}

func TestRunSyncConnectivityLossResumesInOrder(t *testing.T) {
	store := openTestStore(t, storage.WithClock(stepClock()))
	ids := enqueueN(t, store, 5)

	var online atomic.Bool
	online.Store(true)
	sub := &mockSubmitter{}
	sub.submitFn = func(ctx context.Context, rec storage.PendingRecord) error {
		if len(sub.calls) == 2 {
			online.Store(false)
		}
		return nil
	}
	c := NewCoordinator(store, sub, onlineFunc(func(context.Context) bool { return online.Load() }))

	res, err := c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.True(t, res.Interrupted)

	for _, id := range ids[2:] {
		rec, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusPending, rec.Status)
		assert.Zero(t, rec.Attempts)
	}

	online.Store(true)
	sub.mu.Lock()
	sub.calls = nil
	sub.submitFn = nil
	sub.mu.Unlock()

	res, err = c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced)
	assert.Equal(t, ids[2:], sub.Calls())
}

func TestRunSyncOfflineSubmitsNothing(t *testing.T) {
	store := openTestStore(t)
	enqueueN(t, store, 2)
	sub := &mockSubmitter{}
	c := NewCoordinator(store, sub, onlineFunc(func(context.Context) bool { return false }))

	res, err := c.RunSync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Empty(t, sub.Calls())

	n, err := store.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunSyncTransientFailureRetriesUntilCap(t *testing.T) {
	store := openTestStore(t, storage.WithMaxAttempts(3), storage.WithClock(stepClock()))
	ids := enqueueN(t, store, 2)
	bad := ids[0]

	sub := &mockSubmitter{submitFn: func(ctx context.Context, rec storage.PendingRecord) error {
		if rec.LocalID == bad {
			return &remote.SubmitError{StatusCode: 503, Message: "maintenance"}
		}
		return nil
	}}
	c := NewCoordinator(store, sub, alwaysOnline())

	res, err := c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced, "one failure does not abort the batch")
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, bad, res.Errors[0].LocalID)
	assert.False(t, res.Errors[0].Permanent)

	for i := 0; i < 5; i++ {
		_, err := c.RunSync(context.Background())
		require.NoError(t, err)
	}

	rec, err := store.Get(bad)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.LastError, "maintenance")

	calls := 0
	for _, id := range sub.Calls() {
		if id == bad {
			calls++
		}
	}
	assert.Equal(t, 3, calls, "no submissions after the cap is reached")
}

func TestRunSyncPermanentFailure(t *testing.T) {
	store := openTestStore(t, storage.WithClock(stepClock()))
	ids := enqueueN(t, store, 3)
	rejected := ids[1]

	sub := &mockSubmitter{submitFn: func(ctx context.Context, rec storage.PendingRecord) error {
		if rec.LocalID == rejected {
			return &remote.SubmitError{StatusCode: 422, Message: "weight must be positive", Permanent: true}
		}
		return nil
	}}
	c := NewCoordinator(store, sub, alwaysOnline())

	res, err := c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.True(t, res.Errors[0].Permanent)

	rec, err := store.Get(rejected)
	require.NoError(t, err)
	assert.True(t, rec.Exhausted())
	assert.FileExists(t, rec.Media[0].Path)

	res, err = c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Synced+res.Failed, "rejected record is not retried automatically")
}

func TestRunSyncCancelledMidCallRestoresPending(t *testing.T) {
	store := openTestStore(t, storage.WithClock(stepClock()))
	ids := enqueueN(t, store, 2)

	ctx, cancel := context.WithCancel(context.Background())
	sub := &mockSubmitter{submitFn: func(callCtx context.Context, rec storage.PendingRecord) error {
		cancel()
		<-callCtx.Done()
		return callCtx.Err()
	}}
	c := NewCoordinator(store, sub, alwaysOnline())

	res, err := c.RunSync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Len(t, sub.Calls(), 1)

	for _, id := range ids {
		rec, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusPending, rec.Status)
		assert.Zero(t, rec.Attempts)
	}
}

func TestRunSyncUploadTimeoutIsTransient(t *testing.T) {
	store := openTestStore(t)
	ids := enqueueN(t, store, 1)

	sub := &mockSubmitter{submitFn: func(ctx context.Context, rec storage.PendingRecord) error {
		<-ctx.Done()
		return &remote.SubmitError{Err: ctx.Err()}
	}}
	c := NewCoordinator(store, sub, alwaysOnline(), WithUploadTimeout(20*time.Millisecond))

	res, err := c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Interrupted)

	rec, err := store.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
	assert.False(t, rec.Exhausted())
}

func TestReconcile(t *testing.T) {
	store := openTestStore(t)
	ids := enqueueN(t, store, 1)
	require.NoError(t, store.UpdateStatus(ids[0], storage.StatusSyncing, ""))

	c := NewCoordinator(store, &mockSubmitter{}, alwaysOnline())
	n, err := c.Reconcile()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

// A lost acknowledgment followed by a retry must not duplicate the catch.
func TestRunSyncLostAckIsIdempotent(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	store := openTestStore(t)
	ids := enqueueN(t, store, 1)
	c := NewCoordinator(store, remote.NewClient(srv.URL, "", 5*time.Second), alwaysOnline())

	srv.SetDropAck(true)
	res, err := c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, srv.Catches(), 1, "server created the catch before the ack was lost")

	srv.SetDropAck(false)
	res, err = c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	catches := srv.Catches()
	require.Len(t, catches, 1)
	assert.Equal(t, ids[0], catches[0].LocalID)
	assert.Equal(t, "true", catches[0].Fields["capturedOffline"])

	_, err = store.Get(ids[0])
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

// A conflict that is not a duplicate of this record is a rejection: the
// record and its media stay.
func TestRunSyncRejectedConflictKeepsRecord(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.Respond = func(w http.ResponseWriter, r *http.Request, _ int) bool {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"tournament is closed for submissions"}}`))
		return true
	}

	store := openTestStore(t)
	ids := enqueueN(t, store, 1)
	c := NewCoordinator(store, remote.NewClient(srv.URL, "", 5*time.Second), alwaysOnline())

	res, err := c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Synced)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.True(t, res.Errors[0].Permanent)
	assert.Empty(t, srv.Catches())

	rec, err := store.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.True(t, rec.Exhausted())
	assert.Contains(t, rec.LastError, "tournament is closed")
	assert.FileExists(t, rec.Media[0].Path)
}

// E is delivered, connectivity drops while F's upload times out, and G is
// left untouched. The next run retries F before G.
func TestRunSyncTimeoutDuringConnectivityLoss(t *testing.T) {
	store := openTestStore(t, storage.WithClock(stepClock()))
	ids := enqueueN(t, store, 3)
	e, f, g := ids[0], ids[1], ids[2]

	var online atomic.Bool
	online.Store(true)
	sub := &mockSubmitter{submitFn: func(ctx context.Context, rec storage.PendingRecord) error {
		if rec.LocalID == f {
			online.Store(false)
			<-ctx.Done()
			return &remote.SubmitError{Err: ctx.Err()}
		}
		return nil
	}}
	c := NewCoordinator(store, sub,
		onlineFunc(func(context.Context) bool { return online.Load() }),
		WithUploadTimeout(20*time.Millisecond),
	)

	res, err := c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.Interrupted)
	assert.Equal(t, []string{e, f}, sub.Calls())

	_, err = store.Get(e)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	recF, err := store.Get(f)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, recF.Status)
	assert.Equal(t, 1, recF.Attempts)

	recG, err := store.Get(g)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, recG.Status)
	assert.Zero(t, recG.Attempts)

	online.Store(true)
	sub.mu.Lock()
	sub.calls = nil
	sub.submitFn = nil
	sub.mu.Unlock()

	res, err = c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, []string{f, g}, sub.Calls())
}

// failingStore fails the bookkeeping writes that follow a submission.
type failingStore struct {
	*storage.Store
	failWrites atomic.Bool
}

func (s *failingStore) Remove(localID string) error {
	if s.failWrites.Load() {
		return errors.New("disk I/O error")
	}
	return s.Store.Remove(localID)
}

func (s *failingStore) FailPermanently(localID, errMsg string) error {
	if s.failWrites.Load() {
		return errors.New("disk I/O error")
	}
	return s.Store.FailPermanently(localID, errMsg)
}

func (s *failingStore) UpdateStatus(localID string, status storage.Status, errMsg string) error {
	if s.failWrites.Load() && status == storage.StatusFailed {
		return errors.New("disk I/O error")
	}
	return s.Store.UpdateStatus(localID, status, errMsg)
}

// A record whose outcome cannot be written is returned to pending rather
// than left in syncing until the next restart.
func TestRunSyncReleasesRecordWhenBookkeepingFails(t *testing.T) {
	store := &failingStore{Store: openTestStore(t, storage.WithClock(stepClock()))}
	ids := enqueueN(t, store.Store, 3)
	delivered, rejected, flaky := ids[0], ids[1], ids[2]

	sub := &mockSubmitter{submitFn: func(ctx context.Context, rec storage.PendingRecord) error {
		switch rec.LocalID {
		case rejected:
			return &remote.SubmitError{StatusCode: 422, Permanent: true}
		case flaky:
			return &remote.SubmitError{StatusCode: 503}
		}
		return nil
	}}
	c := NewCoordinator(store, sub, alwaysOnline())

	store.failWrites.Store(true)
	_, err := c.RunSync(context.Background())
	require.NoError(t, err)

	for _, id := range []string{delivered, rejected, flaky} {
		rec, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusPending, rec.Status, id)
	}

	store.failWrites.Store(false)
	sub.mu.Lock()
	sub.calls = nil
	sub.mu.Unlock()

	_, err = c.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids, sub.Calls(), "released records are picked up by the next run")

	_, err = store.Get(delivered)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExclusive(t *testing.T) {
	store := openTestStore(t)
	enqueueN(t, store, 1)

	release := make(chan struct{})
	sub := &mockSubmitter{submitFn: func(ctx context.Context, rec storage.PendingRecord) error {
		<-release
		return nil
	}}
	c := NewCoordinator(store, sub, alwaysOnline())

	err := c.Exclusive(func() error {
		res, err := c.RunSync(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Coalesced, "no run starts while Exclusive holds the flag")
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, sub.Calls())

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunSync(context.Background())
	}()
	require.Eventually(t, func() bool { return len(sub.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	called := false
	err = c.Exclusive(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.False(t, called)

	close(release)
	<-done
}
