package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

func (s *Store) recordMediaDir(localID string) string {
	return filepath.Join(s.mediaDir, localID)
}

// copyMedia copies each source into <media>/<localID>/<pos>_<kind><ext> and
// fsyncs it. The caller removes the directory on error.
func (s *Store) copyMedia(localID string, sources []MediaSource) ([]MediaRef, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	dir := s.recordMediaDir(localID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("creating record media directory", err)
	}

	refs := make([]MediaRef, 0, len(sources))
	for i, src := range sources {
		kind := src.Kind
		if kind == "" {
			kind = MediaPhoto
		}
		name := fmt.Sprintf("%d_%s%s", i, kind, strings.ToLower(filepath.Ext(src.Path)))
		dst := filepath.Join(dir, name)

		size, err := copyFile(src.Path, dst)
		if err != nil {
			return nil, err
		}
		refs = append(refs, MediaRef{
			Position:    i,
			Kind:        kind,
			Path:        dst,
			ContentType: src.ContentType,
			Size:        size,
		})
	}

	syncDir(dir)
	return refs, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, storageErr("opening media source "+src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, storageErr("creating media copy", err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, storageErr("copying media", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, storageErr("syncing media", err)
	}
	if err := out.Close(); err != nil {
		return 0, storageErr("closing media copy", err)
	}
	return n, nil
}

// syncDir flushes directory entries. Not every platform supports it, so
// failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

func (s *Store) discardMedia(localID string) {
	if err := os.RemoveAll(s.recordMediaDir(localID)); err != nil {
		s.logger.Warn("discarding partial media failed", "local_id", localID, "error", err)
	}
}

// sweepOrphanMedia removes media directories with no owning record. They are
// left by a crash between media copy and metadata write, or between record
// deletion and media removal.
func (s *Store) sweepOrphanMedia() (int, error) {
	entries, err := os.ReadDir(s.mediaDir)
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool)
	rows, err := s.db.Query(`SELECT local_id FROM pending_records`)
	if err != nil {
		return 0, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		known[id] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	swept := 0
	for _, e := range entries {
		if known[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.mediaDir, e.Name())); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}
