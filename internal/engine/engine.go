// Package engine is the entry point to a collection. It owns the store, the
// scheduler, the media directory and the snapshot file, and serializes every
// mutation: store changes on one mutex, imports and saves on another.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/conorfennell/ankistore/internal/apkg"
	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/media"
	"github.com/conorfennell/ankistore/internal/sched"
	"github.com/conorfennell/ankistore/internal/storage"
	"github.com/conorfennell/ankistore/internal/store"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// Options configures an Engine. Paths left empty are derived from DataDir.
type Options struct {
	DataDir      string
	MediaDir     string
	SnapshotPath string
	Flush        storage.FlushPolicy
	MediaWorkers int
	// Clock replaces time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() (Options, error) {
	if o.DataDir == "" && (o.MediaDir == "" || o.SnapshotPath == "") {
		return o, domain.NewValidation("data_dir", o.DataDir, "required when media_dir or snapshot is unset")
	}
	if o.MediaDir == "" {
		o.MediaDir = filepath.Join(o.DataDir, "collection.media")
	}
	if o.SnapshotPath == "" {
		o.SnapshotPath = filepath.Join(o.DataDir, "collection.ankistore")
	}
	if o.DataDir == "" {
		o.DataDir = filepath.Dir(o.SnapshotPath)
	}
	if err := media.CheckDir(o.MediaDir, o.DataDir, filepath.Dir(o.SnapshotPath)); err != nil {
		return o, err
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o, nil
}

// LoadResult describes what Load found.
type LoadResult struct {
	// Fresh is set when there was no snapshot and the engine starts from an
	// empty collection.
	Fresh bool `json:"fresh"`
}

// Engine is safe for concurrent use.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	store   *store.Store
	sched   *sched.Scheduler
	media   *media.Manager
	file    *storage.SnapshotFile
	flusher *storage.Flusher
	reader  *apkg.Reader

	mu     sync.Mutex
	ioMu   sync.Mutex
	closed bool
}

// New returns an engine holding a freshly seeded collection. Call Load to
// read the last snapshot.
func New(opts Options, logger *slog.Logger) (*Engine, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st := store.New(store.WithClock(opts.Clock))
	mm, err := media.NewManager(opts.MediaDir, st, logger)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		opts:   opts,
		logger: logger.With("component", "engine"),
		store:  st,
		sched:  sched.New(st, logger),
		media:  mm,
		file:   storage.NewSnapshotFile(opts.SnapshotPath, logger),
		reader: &apkg.Reader{
			MediaWorkers: opts.MediaWorkers,
			TempDir:      opts.DataDir,
			Logger:       logger.With("component", "apkg"),
		},
	}
	e.flusher = storage.NewFlusher(opts.Flush, e.save, logger.With("component", "flusher"))
	return e, nil
}

// Store exposes the underlying store for read access.
func (e *Engine) Store() *store.Store {
	return e.store
}

// MediaDir returns the media directory.
func (e *Engine) MediaDir() string {
	return e.media.Dir()
}

// Load replaces the in-memory collection with the snapshot on disk. When no
// snapshot exists the collection is left as is and Fresh is reported.
func (e *Engine) Load(ctx context.Context) (LoadResult, error) {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	snap, err := e.file.Load(ctx)
	if errors.Is(err, domain.ErrNoSnapshot) {
		e.logger.Info("no snapshot found, starting fresh", "path", e.file.Path())
		return LoadResult{Fresh: true}, nil
	}
	if err != nil {
		return LoadResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Replace(snap); err != nil {
		return LoadResult{}, &domain.PersistenceError{Kind: domain.KindCorrupt, Path: e.file.Path(), Err: err}
	}
	if err := e.media.Rescan(); err != nil {
		return LoadResult{}, err
	}
	return LoadResult{}, nil
}

// Save writes the collection to disk now, together with any pending
// changes.
func (e *Engine) Save(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.flusher.MarkDirty()
	return e.flusher.Flush(ctx)
}

func (e *Engine) save(ctx context.Context) error {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()
	return e.file.Save(ctx, e.store.Snapshot())
}

// Close flushes pending changes. Later calls fail with ErrClosed.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.flusher.Close(ctx)
}

// lock takes the store mutex unless the engine is closed.
func (e *Engine) lock() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// GetNext returns the next card to study in deckID and its descendants, or
// in the whole collection when deckID is 0.
func (e *Engine) GetNext(deckID int64) (domain.Card, bool, error) {
	if err := e.lock(); err != nil {
		return domain.Card{}, false, err
	}
	defer e.mu.Unlock()
	return e.sched.GetNext(deckID)
}

// PeekNext returns the card that would follow the one GetNext returns.
func (e *Engine) PeekNext(deckID int64) (domain.Card, bool, error) {
	if err := e.lock(); err != nil {
		return domain.Card{}, false, err
	}
	defer e.mu.Unlock()
	return e.sched.PeekNext(deckID)
}

// Next pairs the card to study now with the one that would follow it. Either
// is nil when there is no such card.
type Next struct {
	Card *domain.Card `json:"card"`
	Peek *domain.Card `json:"peek,omitempty"`
}

// GetNextWithPeek returns what GetNext and PeekNext would, read under one
// lock.
func (e *Engine) GetNextWithPeek(deckID int64) (Next, error) {
	if err := e.lock(); err != nil {
		return Next{}, err
	}
	defer e.mu.Unlock()

	var next Next
	card, ok, err := e.sched.GetNext(deckID)
	if err != nil || !ok {
		return next, err
	}
	next.Card = &card
	peek, ok, err := e.sched.PeekNext(deckID)
	if err != nil {
		return Next{}, err
	}
	if ok {
		next.Peek = &peek
	}
	return next, nil
}

// Answer records a review of cardID.
func (e *Engine) Answer(cardID int64, ease int, responseMs int64) (domain.Card, domain.Revlog, error) {
	if err := e.lock(); err != nil {
		return domain.Card{}, domain.Revlog{}, err
	}
	defer e.mu.Unlock()

	card, rev, err := e.sched.Answer(cardID, ease, responseMs)
	if err != nil {
		return domain.Card{}, domain.Revlog{}, err
	}
	e.flusher.MarkDirty()
	return card, rev, nil
}

// GetStats counts the cards of deckID and its descendants (0 = all).
func (e *Engine) GetStats(deckID int64) (store.Stats, error) {
	return e.store.GetStats(deckID)
}

// GetAllDecks returns every deck ordered by name.
func (e *Engine) GetAllDecks() []domain.Deck {
	return e.store.GetAllDecks()
}
