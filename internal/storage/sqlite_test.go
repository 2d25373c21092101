package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stepClock returns a clock that advances one millisecond per call.
func stepClock() func() time.Time {
	base := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

// TestMigrationsIdempotent runs Open twice on the same directory and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestQueueIndexExists(t *testing.T) {
	s := openTestStore(t)

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", "idx_pending_records_queue").Scan(&count)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	if count != 1 {
		t.Error("idx_pending_records_queue not found in sqlite_master")
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("002_offline_cache.sql")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = parseMigrationVersion("offline_cache.sql")
	assert.Error(t, err)
}

func TestLastSync(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.LastSync()
	require.NoError(t, err)
	assert.False(t, ok, "no sync has run yet")

	at := time.Date(2026, 5, 1, 7, 30, 0, 0, time.UTC)
	require.NoError(t, s.SetLastSync(at))
	require.NoError(t, s.SetLastSync(at.Add(time.Minute)))

	got, ok, err := s.LastSync()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(at.Add(time.Minute)), "got %v", got)
}

func TestCacheSetGet(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CacheGet("tournaments")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CacheSet("tournaments", []byte(`[{"id":1}]`)))
	require.NoError(t, s.CacheSet("tournaments", []byte(`[{"id":2}]`)))

	entry, err := s.CacheGet("tournaments")
	require.NoError(t, err)
	assert.Equal(t, "tournaments", entry.Key)
	assert.JSONEq(t, `[{"id":2}]`, string(entry.Value))
	assert.False(t, entry.CachedAt.IsZero())
}

func TestClearAll(t *testing.T) {
	s := openTestStore(t)
	src := writeSource(t, "fish.jpg", "jpegdata")

	id, err := s.Enqueue(EnqueueRequest{
		Payload: []byte(`{"species":"pike"}`),
		Media:   []MediaSource{{Path: src, Kind: MediaPhoto, ContentType: "image/jpeg"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.CacheSet("stats", []byte(`{}`)))
	require.NoError(t, s.SetLastSync(time.Now()))

	require.NoError(t, s.ClearAll())

	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = s.CacheGet("stats")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok, err := s.LastSync()
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoDirExists(t, filepath.Join(s.MediaDir(), id))
	assert.DirExists(t, s.MediaDir())
}

func TestStorageSize(t *testing.T) {
	s := openTestStore(t)

	empty, err := s.StorageSize()
	require.NoError(t, err)
	assert.Positive(t, empty)

	src := writeSource(t, "fish.jpg", string(make([]byte, 4096)))
	_, err = s.Enqueue(EnqueueRequest{
		Payload: []byte(`{}`),
		Media:   []MediaSource{{Path: src, Kind: MediaPhoto}},
	})
	require.NoError(t, err)

	withMedia, err := s.StorageSize()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, withMedia, empty+4096)
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("writing source %s: %v", name, err)
	}
	return p
}
