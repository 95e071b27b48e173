// Package storage persists store snapshots as SQLite files and coalesces
// the writes that trigger them.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/store"
)

var sqliteHeader = []byte("SQLite format 3\x00")

// SnapshotFile saves and loads store snapshots at one path. Saves replace the
// file atomically: a crash leaves either the old or the new snapshot.
type SnapshotFile struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewSnapshotFile returns a SnapshotFile for path.
func NewSnapshotFile(path string, logger *slog.Logger) *SnapshotFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotFile{path: path, logger: logger, now: time.Now}
}

// Path returns the location of the snapshot.
func (f *SnapshotFile) Path() string {
	return f.path
}

func (f *SnapshotFile) ioError(err error) error {
	return &domain.PersistenceError{Kind: domain.KindIO, Path: f.path, Err: err}
}

func (f *SnapshotFile) corrupt(err error) error {
	return &domain.PersistenceError{Kind: domain.KindCorrupt, Path: f.path, Err: err}
}

// Save writes snap to a temporary database next to the target, syncs it and
// renames it over the target.
func (f *SnapshotFile) Save(ctx context.Context, snap store.Snapshot) error {
	start := time.Now()
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return f.ioError(err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return f.ioError(err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	renamed := false
	defer func() {
		if !renamed {
			os.Remove(tmpPath)
			os.Remove(tmpPath + "-journal")
		}
	}()

	if err := f.writeDatabase(ctx, tmpPath, snap); err != nil {
		return err
	}
	if err := syncFile(tmpPath); err != nil {
		return f.ioError(err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return f.ioError(err)
	}
	renamed = true
	syncDir(dir)

	f.logger.Info("snapshot saved",
		"path", f.path,
		"notes", len(snap.Notes),
		"cards", len(snap.Cards),
		"revlog", len(snap.Revlog),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (f *SnapshotFile) writeDatabase(ctx context.Context, path string, snap store.Snapshot) error {
	db, err := Open(ctx, path)
	if err != nil {
		return f.ioError(err)
	}
	defer db.Close()

	if err := migrate(ctx, db.conn, f.logger); err != nil {
		return f.ioError(err)
	}
	if err := db.WriteSnapshot(ctx, snap, f.now().Unix()); err != nil {
		return f.ioError(err)
	}
	if err := db.Close(); err != nil {
		return f.ioError(err)
	}
	return nil
}

func syncFile(path string) error {
	fh, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}

// Load reads the snapshot. It returns domain.ErrNoSnapshot when no file
// exists, and a *domain.PersistenceError when the file cannot be used.
func (f *SnapshotFile) Load(ctx context.Context) (store.Snapshot, error) {
	if err := f.checkHeader(); err != nil {
		return store.Snapshot{}, err
	}

	db, err := Open(ctx, f.path)
	if err != nil {
		return store.Snapshot{}, f.ioError(err)
	}
	defer db.Close()

	format, err := db.Format(ctx)
	if err != nil {
		return store.Snapshot{}, f.corrupt(err)
	}
	if format != SnapshotFormat {
		return store.Snapshot{}, f.corrupt(fmt.Errorf("unexpected snapshot format %q", format))
	}

	current, latest, err := schemaVersions(ctx, db.conn, f.logger)
	if err != nil {
		return store.Snapshot{}, f.corrupt(err)
	}
	switch {
	case current > latest:
		return store.Snapshot{}, &domain.PersistenceError{
			Kind: domain.KindVersionMismatch,
			Path: f.path,
			Err:  fmt.Errorf("snapshot schema version %d is newer than supported version %d", current, latest),
		}
	case current < latest:
		f.logger.Info("upgrading snapshot schema", "path", f.path, "from", current, "to", latest)
		if err := migrate(ctx, db.conn, f.logger); err != nil {
			return store.Snapshot{}, f.ioError(err)
		}
	}

	snap, err := db.ReadSnapshot(ctx)
	if err != nil {
		return store.Snapshot{}, f.corrupt(err)
	}
	f.logger.Info("snapshot loaded", "path", f.path, "notes", len(snap.Notes), "cards", len(snap.Cards))
	return snap, nil
}

// checkHeader rejects missing files and files that are not SQLite databases
// before the driver gets to them.
func (f *SnapshotFile) checkHeader() error {
	fh, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.ErrNoSnapshot
	}
	if err != nil {
		return f.ioError(err)
	}
	defer fh.Close()

	header := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(fh, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return f.corrupt(errors.New("file too short to be a snapshot"))
		}
		return f.ioError(err)
	}
	if !bytes.Equal(header, sqliteHeader) {
		return f.corrupt(errors.New("not a SQLite database"))
	}
	return nil
}
