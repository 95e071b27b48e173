package store

import (
	"maps"
	"slices"

	"github.com/conorfennell/ankistore/internal/domain"
)

// PutMedia inserts or replaces the media entry for e.Filename.
func (s *Store) PutMedia(e domain.MediaEntry) error {
	if e.Filename == "" {
		return domain.NewValidation("media.fname", e.Filename, "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[e.Filename] = e
	return nil
}

// GetMedia returns the entry for filename.
func (s *Store) GetMedia(filename string) (domain.MediaEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.media[filename]
	if !ok {
		return domain.MediaEntry{}, domain.NewNotFound("media", filename)
	}
	return e, nil
}

// Media returns every media entry ordered by filename.
func (s *Store) Media() []domain.MediaEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MediaEntry, 0, len(s.media))
	for _, name := range slices.Sorted(maps.Keys(s.media)) {
		out = append(out, s.media[name])
	}
	return out
}

// DeleteMedia removes the entry for filename. Deleting an unknown entry is
// not an error.
func (s *Store) DeleteMedia(filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.media, filename)
}
