package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const recordColumns = `local_id, payload_json, status, attempts, max_attempts, last_error, priority, created_at, updated_at`

// queueOrder is the delivery order: priority first, then FIFO.
const queueOrder = `ORDER BY priority ASC, created_at ASC, seq ASC`

// Enqueue durably queues a capture. Media is copied into the store before
// the metadata row referencing it is written; on any failure the partial
// media copy is removed and a StorageError is returned.
func (s *Store) Enqueue(req EnqueueRequest) (string, error) {
	if !isJSONObject(req.Payload) {
		return "", ErrInvalidPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	localID := uuid.New().String()
	priority := req.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	refs, err := s.copyMedia(localID, req.Media)
	if err != nil {
		s.discardMedia(localID)
		return "", err
	}

	if s.afterMediaCopy != nil {
		if err := s.afterMediaCopy(localID); err != nil {
			s.discardMedia(localID)
			return "", storageErr("writing record", err)
		}
	}

	if err := s.insertRecord(localID, req.Payload, refs, priority, maxAttempts); err != nil {
		s.discardMedia(localID)
		return "", err
	}

	s.logger.Debug("capture queued", "local_id", localID, "media", len(refs), "priority", priority)
	return localID, nil
}

func isJSONObject(raw []byte) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}

func (s *Store) insertRecord(localID string, payload []byte, refs []MediaRef, priority, maxAttempts int) error {
	now := s.now().UnixNano()

	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("beginning enqueue", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO pending_records (local_id, payload_json, status, attempts, max_attempts, priority, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		localID, string(payload), StatusPending, maxAttempts, priority, now, now,
	)
	if err != nil {
		return storageErr("writing record", err)
	}

	for _, ref := range refs {
		rel, err := filepath.Rel(s.mediaDir, ref.Path)
		if err != nil {
			return storageErr("resolving media path", err)
		}
		_, err = tx.Exec(`
			INSERT INTO record_media (local_id, position, kind, rel_path, content_type, size_bytes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			localID, ref.Position, ref.Kind, filepath.ToSlash(rel), ref.ContentType, ref.Size,
		)
		if err != nil {
			return storageErr("writing media reference", err)
		}
	}

	return storageErr("committing enqueue", tx.Commit())
}

// ListPending returns records eligible for delivery: pending or failed with
// attempts below their cap, in delivery order.
func (s *Store) ListPending() ([]PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queryRecords(`
		SELECT `+recordColumns+` FROM pending_records
		WHERE status IN (?, ?) AND attempts < max_attempts
		`+queueOrder, StatusPending, StatusFailed)
}

// List returns every undelivered record, including exhausted ones, in
// delivery order.
func (s *Store) List() ([]PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queryRecords(`SELECT ` + recordColumns + ` FROM pending_records ` + queueOrder)
}

func (s *Store) Get(localID string) (PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.queryRecords(`SELECT `+recordColumns+` FROM pending_records WHERE local_id = ?`, localID)
	if err != nil {
		return PendingRecord{}, err
	}
	if len(recs) == 0 {
		return PendingRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// queryRecords scans records and then loads their media. Rows are fully
// drained before the media query: the pool holds a single connection.
func (s *Store) queryRecords(query string, args ...any) ([]PendingRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storageErr("listing records", err)
	}

	var records []PendingRecord
	for rows.Next() {
		var r PendingRecord
		var payload string
		var lastError sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&r.LocalID, &payload, &r.Status, &r.Attempts, &r.MaxAttempts,
			&lastError, &r.Priority, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, storageErr("scanning record", err)
		}
		r.Payload = []byte(payload)
		r.LastError = lastError.String
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		r.UpdatedAt = time.Unix(0, updatedAt).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("listing records", err)
	}
	rows.Close()

	for i := range records {
		media, err := s.loadMedia(records[i].LocalID)
		if err != nil {
			return nil, err
		}
		records[i].Media = media
	}
	return records, nil
}

func (s *Store) loadMedia(localID string) ([]MediaRef, error) {
	rows, err := s.db.Query(`
		SELECT position, kind, rel_path, content_type, size_bytes
		FROM record_media WHERE local_id = ? ORDER BY position ASC`, localID)
	if err != nil {
		return nil, storageErr("listing media", err)
	}
	defer rows.Close()

	var refs []MediaRef
	for rows.Next() {
		var m MediaRef
		var rel string
		if err := rows.Scan(&m.Position, &m.Kind, &rel, &m.ContentType, &m.Size); err != nil {
			return nil, storageErr("scanning media", err)
		}
		m.Path = filepath.Join(s.mediaDir, filepath.FromSlash(rel))
		refs = append(refs, m)
	}
	return refs, storageErr("listing media", rows.Err())
}

// UpdateStatus transitions a record. Failed increments the attempt counter;
// Synced removes the record and its media.
func (s *Store) UpdateStatus(localID string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixNano()
	var res sql.Result
	var err error

	switch status {
	case StatusSynced:
		return s.removeLocked(localID)
	case StatusFailed:
		res, err = s.db.Exec(`
			UPDATE pending_records
			SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
			WHERE local_id = ?`, StatusFailed, errMsg, now, localID)
	case StatusPending, StatusSyncing:
		res, err = s.db.Exec(`
			UPDATE pending_records
			SET status = ?, last_error = NULL, updated_at = ?
			WHERE local_id = ?`, status, now, localID)
	default:
		return fmt.Errorf("unknown status %q", status)
	}

	return checkAffected(res, err, "updating status")
}

// FailPermanently marks a record failed with its attempts forced to the cap,
// removing it from automatic delivery while keeping it and its media.
func (s *Store) FailPermanently(localID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE pending_records
		SET status = ?, attempts = max_attempts, last_error = ?, updated_at = ?
		WHERE local_id = ?`, StatusFailed, errMsg, s.now().UnixNano(), localID)
	return checkAffected(res, err, "failing record")
}

// ResetAttempts makes an exhausted or failed record eligible again.
func (s *Store) ResetAttempts(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE pending_records
		SET status = ?, attempts = 0, last_error = NULL, updated_at = ?
		WHERE local_id = ?`, StatusPending, s.now().UnixNano(), localID)
	return checkAffected(res, err, "resetting attempts")
}

// ReconcileInterrupted returns records left in syncing by a terminated
// process to pending, and reports how many were touched.
func (s *Store) ReconcileInterrupted() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE pending_records SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, s.now().UnixNano(), StatusSyncing)
	if err != nil {
		return 0, storageErr("reconciling interrupted records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("reconciling interrupted records", err)
	}
	return int(n), nil
}

// Remove deletes the record, then its media. Removing an absent record is a
// no-op so an interrupted removal can simply be repeated.
func (s *Store) Remove(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(localID)
}

// Discard removes an undelivered record and its media on request. A record
// in syncing is refused with ErrRecordBusy; the check and the removal happen
// under the store lock, so a run cannot claim the record in between.
func (s *Store) Discard(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status string
	err := s.db.QueryRow(`SELECT status FROM pending_records WHERE local_id = ?`, localID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return storageErr("reading record", err)
	case Status(status) == StatusSyncing:
		return ErrRecordBusy
	}
	return s.removeLocked(localID)
}

func (s *Store) removeLocked(localID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("beginning remove", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM record_media WHERE local_id = ?`, localID); err != nil {
		return storageErr("removing media references", err)
	}
	if _, err := tx.Exec(`DELETE FROM pending_records WHERE local_id = ?`, localID); err != nil {
		return storageErr("removing record", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("committing remove", err)
	}

	if err := os.RemoveAll(s.recordMediaDir(localID)); err != nil {
		// The row is gone; the next Open sweeps the leftover directory.
		s.logger.Warn("removing media failed", "local_id", localID, "error", err)
	}
	return nil
}

// Count returns the number of records matching filter.
func (s *Store) Count(filter CountFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT COUNT(*) FROM pending_records WHERE 1 = 1`
	var args []any
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(filter.Statuses)-1) + `)`
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.EligibleOnly {
		query += ` AND attempts < max_attempts`
	}

	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, storageErr("counting records", err)
	}
	return n, nil
}

// PendingCount is the number of captures still awaiting delivery, including
// those that exhausted their automatic retries.
func (s *Store) PendingCount() (int, error) {
	return s.Count(CountFilter{Statuses: []Status{StatusPending, StatusFailed}})
}

func checkAffected(res sql.Result, err error, op string) error {
	if err != nil {
		return storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
