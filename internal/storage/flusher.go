package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FlushPolicy controls how writes are coalesced. A flush runs once no write
// has been marked for QuietPeriod, but never later than MaxBatchAge after
// the first unflushed write. A zero MaxBatchAge disables the upper bound.
type FlushPolicy struct {
	QuietPeriod time.Duration `koanf:"quiet_period" validate:"gt=0"`
	MaxBatchAge time.Duration `koanf:"max_batch_age" validate:"gte=0"`
}

// DefaultFlushPolicy is used when no policy is configured.
var DefaultFlushPolicy = FlushPolicy{QuietPeriod: 2 * time.Second, MaxBatchAge: 30 * time.Second}

// Flusher is a write-coalescing queue in front of a save function.
// Callers mark the state dirty after each mutation; the flusher decides when
// to save.
type Flusher struct {
	policy FlushPolicy
	save   func(context.Context) error
	logger *slog.Logger

	mu     sync.Mutex
	dirty  bool
	first  time.Time
	timer  *time.Timer
	closed bool

	// saveMu keeps saves from overlapping.
	saveMu sync.Mutex
}

// NewFlusher returns a flusher that calls save according to policy.
func NewFlusher(policy FlushPolicy, save func(context.Context) error, logger *slog.Logger) *Flusher {
	if policy.QuietPeriod <= 0 {
		policy = DefaultFlushPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{policy: policy, save: save, logger: logger}
}

// MarkDirty records that there is unsaved state and (re)arms the timer.
func (f *Flusher) MarkDirty() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	now := time.Now()
	if !f.dirty {
		f.dirty = true
		f.first = now
	}
	wait := f.policy.QuietPeriod
	if f.policy.MaxBatchAge > 0 {
		wait = min(wait, max(f.first.Add(f.policy.MaxBatchAge).Sub(now), 0))
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(wait, f.fire)
}

func (f *Flusher) fire() {
	if err := f.Flush(context.Background()); err != nil {
		f.logger.Error("background flush failed", "error", err)
	}
}

// Pending reports whether there is unsaved state.
func (f *Flusher) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

// Flush saves now if there is unsaved state. A failed save leaves the state
// dirty so the next flush retries it.
func (f *Flusher) Flush(ctx context.Context) error {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()

	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return nil
	}
	first := f.first
	f.dirty = false
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.mu.Unlock()

	if err := f.save(ctx); err != nil {
		f.mu.Lock()
		if !f.dirty {
			f.dirty = true
			f.first = first
		}
		f.mu.Unlock()
		return err
	}
	f.logger.Debug("flushed pending writes", "batch_age_ms", time.Since(first).Milliseconds())
	return nil
}

// Close stops the timer and flushes any pending state. MarkDirty is a no-op
// afterwards.
func (f *Flusher) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.mu.Unlock()
	return f.Flush(ctx)
}
