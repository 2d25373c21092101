package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	dbFileName   = "catchsync.db"
	mediaDirName = "media"

	// DefaultMaxAttempts is the retry cap applied to records enqueued without
	// an explicit one.
	DefaultMaxAttempts = 5

	lastSyncKey = "last_sync_at"
)

// Store is the durable queue of undelivered captures and their media.
// All operations are serialized by a single lock.
type Store struct {
	mu          sync.Mutex
	db          *sql.DB
	dataDir     string
	mediaDir    string
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger

	// afterMediaCopy runs between the media copy and the metadata write.
	// Tests use it to simulate a crash at that point.
	afterMediaCopy func(localID string) error
}

type Option func(*Store)

// WithMaxAttempts sets the default retry cap for newly enqueued records.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClock overrides the time source used for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens (or creates) the store in dataDir, runs pending migrations and
// sweeps media directories left behind by an interrupted enqueue or remove.
func Open(dataDir string, opts ...Option) (*Store, error) {
	mediaDir := filepath.Join(dataDir, mediaDirName)
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return nil, storageErr("creating media directory", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, dbFileName))
	if err != nil {
		return nil, storageErr("opening database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storageErr("pinging database", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, storageErr(fmt.Sprintf("applying %q", p), err)
		}
	}

	s := &Store{
		db:          db,
		dataDir:     dataDir,
		mediaDir:    mediaDir,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, storageErr("running migrations", err)
	}

	swept, err := s.sweepOrphanMedia()
	if err != nil {
		db.Close()
		return nil, storageErr("sweeping orphaned media", err)
	}
	if swept > 0 {
		s.logger.Warn("removed orphaned media directories", "count", swept)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// MediaDir is the root of the engine-owned media copies.
func (s *Store) MediaDir() string {
	return s.mediaDir
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Sync state ---

// SetLastSync records when the coordinator last attempted a sync.
func (s *Store) SetLastSync(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		lastSyncKey, t.UTC().Format(time.RFC3339Nano), s.now().UnixNano(),
	)
	return storageErr("recording last sync", err)
}

// LastSync returns the last sync attempt time; ok is false if no sync has run.
func (s *Store) LastSync() (t time.Time, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	err = s.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, lastSyncKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storageErr("reading last sync", err)
	}
	t, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing last sync: %w", err)
	}
	return t, true, nil
}

// --- Offline cache ---

// CacheSet stores a JSON document for offline display (tournaments, own
// catches, stats). It is never synchronized.
func (s *Store) CacheSet(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO offline_cache (key, value_json, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, cached_at = excluded.cached_at`,
		key, string(value), s.now().UnixNano(),
	)
	return storageErr("writing cache entry", err)
}

func (s *Store) CacheGet(key string) (CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	var cachedAt int64
	err := s.db.QueryRow(`SELECT value_json, cached_at FROM offline_cache WHERE key = ?`, key).Scan(&value, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, storageErr("reading cache entry", err)
	}
	return CacheEntry{Key: key, Value: []byte(value), CachedAt: time.Unix(0, cachedAt).UTC()}, nil
}

// --- Maintenance ---

// ClearAll wipes every queued record, its media, the cache and sync state.
// Used on logout; undelivered captures are lost.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("beginning clear", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"record_media", "pending_records", "offline_cache", "sync_state"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return storageErr("clearing "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("committing clear", err)
	}

	if err := os.RemoveAll(s.mediaDir); err != nil {
		return storageErr("removing media directory", err)
	}
	return storageErr("recreating media directory", os.MkdirAll(s.mediaDir, 0o755))
}

// StorageSize returns the bytes used by the database and the media copies.
func (s *Store) StorageSize() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, storageErr("reading page count", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, storageErr("reading page size", err)
	}

	total := pageCount * pageSize
	err := filepath.WalkDir(s.mediaDir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, storageErr("measuring media", err)
	}
	return total, nil
}
