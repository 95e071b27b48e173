// Package apkg reads Anki package files (.apkg and .colpkg): a zip archive
// holding a collection database and numbered media blobs.
package apkg

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/conorfennell/ankistore/internal/domain"
)

// Archive entry names.
const (
	entryLegacy     = "collection.anki2"
	entryModern     = "collection.anki21"
	entryCompressed = "collection.anki21b"
	entryManifest   = "media"
)

var sqliteHeader = []byte("SQLite format 3\x00")

// requiredTables must exist in every collection database.
var requiredTables = []string{"col", "notes", "cards", "revlog"}

// Reader decodes packages. The zero value is usable.
type Reader struct {
	// MediaWorkers bounds how many media blobs are extracted concurrently.
	MediaWorkers int
	// TempDir holds the extracted collection database. Empty means the
	// system default.
	TempDir string
	Logger  *slog.Logger
}

func (r *Reader) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func stageErr(stage domain.ImportStage, err error) error {
	var fe *domain.FormatError
	if errors.As(err, &fe) {
		return err
	}
	return &domain.FormatError{Stage: stage, Err: err}
}

// ReadFile reads the package at path. See Read.
func (r *Reader) ReadFile(ctx context.Context, path, stagingRoot string) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, stageErr(domain.StageArchive, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, stageErr(domain.StageArchive, err)
	}
	return r.Read(ctx, f, info.Size(), stagingRoot)
}

// Read decodes a package and extracts its media into a fresh directory under
// stagingRoot. The caller owns the returned package and must either commit
// its media or Discard it. Nothing outside stagingRoot is touched.
func (r *Reader) Read(ctx context.Context, ra io.ReaderAt, size int64, stagingRoot string) (*Package, error) {
	logger := r.logger()

	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, stageErr(domain.StageArchive, fmt.Errorf("failed to open archive: %w", err))
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	db, cleanup, err := r.openCollection(ctx, files)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := checkSchema(ctx, db); err != nil {
		return nil, stageErr(domain.StageSchema, err)
	}

	pkg := &Package{Media: map[string]string{}}
	if err := decode(ctx, db, pkg, logger); err != nil {
		return nil, stageErr(domain.StageDecode, err)
	}

	manifest, err := readManifest(files)
	if err != nil {
		return nil, stageErr(domain.StageMedia, err)
	}
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, stageErr(domain.StageMedia, err)
	}
	if pkg.staging, err = os.MkdirTemp(stagingRoot, "apkg-*"); err != nil {
		return nil, stageErr(domain.StageMedia, err)
	}
	if err := r.stageMedia(ctx, pkg, files, manifest); err != nil {
		pkg.Discard()
		return nil, stageErr(domain.StageMedia, err)
	}

	logger.Info("read package",
		"notes", len(pkg.Notes), "cards", len(pkg.Cards), "revlog", len(pkg.Revlog),
		"media", len(pkg.staged), "skipped_media", len(pkg.Skipped))
	return pkg, nil
}

// openCollection extracts the collection database of the archive and opens
// it read-only. The cleanup function closes and removes it.
func (r *Reader) openCollection(ctx context.Context, files map[string]*zip.File) (*sql.DB, func(), error) {
	entry, compressed := files[entryModern], false
	if entry == nil && files[entryCompressed] != nil {
		entry, compressed = files[entryCompressed], true
	}
	if entry == nil {
		entry = files[entryLegacy]
	}
	if entry == nil {
		return nil, nil, stageErr(domain.StageDatabase, errors.New("archive has no collection database"))
	}

	path, err := r.extract(entry, compressed)
	if err != nil {
		return nil, nil, stageErr(domain.StageDatabase, err)
	}
	db, err := openReadOnly(ctx, path)
	if err != nil {
		os.Remove(path)
		return nil, nil, stageErr(domain.StageDatabase, err)
	}
	cleanup := func() {
		db.Close()
		os.Remove(path)
	}

	if compressed {
		defer cleanup()
		var ver int
		if err := db.QueryRowContext(ctx, `SELECT ver FROM col`).Scan(&ver); err != nil {
			return nil, nil, stageErr(domain.StageSchema, fmt.Errorf("failed to read schema version: %w", err))
		}
		return nil, nil, stageErr(domain.StageSchema,
			fmt.Errorf("%s uses schema %d; only legacy collections up to schema %d are supported",
				entryCompressed, ver, domain.SchemaVersion))
	}
	return db, cleanup, nil
}

// extract copies entry to a temporary file, decompressing zstd when asked,
// and checks that the result is a SQLite database.
func (r *Reader) extract(entry *zip.File, compressed bool) (string, error) {
	rc, err := entry.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", entry.Name, err)
	}
	defer rc.Close()

	var src io.Reader = rc
	if compressed {
		dec, err := zstd.NewReader(rc)
		if err != nil {
			return "", fmt.Errorf("failed to decompress %s: %w", entry.Name, err)
		}
		defer dec.Close()
		src = dec
	}

	tmp, err := os.CreateTemp(r.TempDir, "collection-*.db")
	if err != nil {
		return "", err
	}
	_, err = io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to extract %s: %w", entry.Name, err)
	}
	if err := checkHeader(tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%s: %w", entry.Name, err)
	}
	return tmp.Name(), nil
}

func checkHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	head := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, sqliteHeader) {
		return errors.New("not a SQLite database")
	}
	return nil
}

func openReadOnly(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=query_only(1)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func checkSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range requiredTables {
		var n int
		err := db.QueryRowContext(ctx,
			`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to inspect schema: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("missing table %s", table)
		}
	}
	var ver int
	if err := db.QueryRowContext(ctx, `SELECT ver FROM col`).Scan(&ver); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if ver < 1 || ver > domain.SchemaVersion {
		return fmt.Errorf("unsupported schema version %d", ver)
	}
	return nil
}

// CountCards returns the number of cards in the package at path without
// extracting its media.
func CountCards(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, stageErr(domain.StageArchive, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, stageErr(domain.StageArchive, err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return 0, stageErr(domain.StageArchive, err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		files[zf.Name] = zf
	}

	var r Reader
	db, cleanup, err := r.openCollection(ctx, files)
	if err != nil {
		return 0, err
	}
	defer cleanup()
	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM cards`).Scan(&n); err != nil {
		return 0, stageErr(domain.StageSchema, err)
	}
	return n, nil
}
