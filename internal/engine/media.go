package engine

import "github.com/conorfennell/ankistore/internal/domain"

// RegisterExistingMedia records a reference to a file in the media
// directory.
func (e *Engine) RegisterExistingMedia(filename string) (domain.MediaEntry, error) {
	if err := e.lock(); err != nil {
		return domain.MediaEntry{}, err
	}
	defer e.mu.Unlock()

	entry, err := e.media.RegisterExistingMedia(filename)
	if err != nil {
		return domain.MediaEntry{}, err
	}
	e.flusher.MarkDirty()
	return entry, nil
}

// ReleaseMedia drops one reference to filename.
func (e *Engine) ReleaseMedia(filename string) (domain.MediaEntry, error) {
	if err := e.lock(); err != nil {
		return domain.MediaEntry{}, err
	}
	defer e.mu.Unlock()

	entry, err := e.media.Release(filename)
	if err != nil {
		return domain.MediaEntry{}, err
	}
	e.flusher.MarkDirty()
	return entry, nil
}

// GC deletes media that nothing refers to and returns the removed names.
func (e *Engine) GC() ([]string, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	removed, err := e.media.GC()
	if len(removed) > 0 {
		e.flusher.MarkDirty()
		e.logger.Info("collected unused media", "removed", len(removed))
	}
	return removed, err
}
