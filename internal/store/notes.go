package store

import (
	"maps"
	"slices"

	"github.com/conorfennell/ankistore/internal/domain"
)

// AddNote inserts n. If a note with the same id exists, its content is
// replaced only when n is newer (by Mod); the stored note is returned.
func (s *Store) AddNote(n domain.Note) (domain.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == 0 {
		return domain.Note{}, domain.NewValidation("note.id", n.ID, "must be non-zero")
	}
	if n.GUID == "" {
		return domain.Note{}, domain.NewValidation("note.guid", n.GUID, "must not be empty")
	}
	if existing, ok := s.notes[n.ID]; ok {
		if n.Mod <= existing.Mod {
			return cloneNote(existing), nil
		}
		n.GUID = existing.GUID
		if err := s.prepareNote(&n); err != nil {
			return domain.Note{}, err
		}
		s.notes[n.ID] = cloneNote(n)
		s.touch()
		return cloneNote(n), nil
	}
	if other, ok := s.noteByGUID[n.GUID]; ok {
		return domain.Note{}, domain.NewValidation("note.guid", n.GUID, "already used by note "+itoa(other))
	}
	if err := s.prepareNote(&n); err != nil {
		return domain.Note{}, err
	}
	s.notes[n.ID] = cloneNote(n)
	s.noteByGUID[n.GUID] = n.ID
	s.observeID(n.ID)
	s.touch()
	return cloneNote(n), nil
}

// prepareNote checks the model reference and derives the sort field and
// checksum from the field values.
func (s *Store) prepareNote(n *domain.Note) error {
	return deriveNoteFields(n, s.models)
}

// UpdateNote replaces the content of an existing note.
func (s *Store) UpdateNote(n domain.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.notes[n.ID]
	if !ok {
		return domain.NewNotFound("note", n.ID)
	}
	n.GUID = existing.GUID
	if err := s.prepareNote(&n); err != nil {
		return err
	}
	n.Mod = s.clock().Unix()
	s.notes[n.ID] = cloneNote(n)
	s.touch()
	return nil
}

// GetNote returns the note with the given id.
func (s *Store) GetNote(id int64) (domain.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notes[id]
	if !ok {
		return domain.Note{}, domain.NewNotFound("note", id)
	}
	return cloneNote(n), nil
}

// GetNoteByGUID returns the note with the given GUID.
func (s *Store) GetNoteByGUID(guid string) (domain.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.noteByGUID[guid]
	if !ok {
		return domain.Note{}, domain.NewNotFound("note", guid)
	}
	return cloneNote(s.notes[id]), nil
}

// Notes returns every note ordered by id.
func (s *Store) Notes() []domain.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Note, 0, len(s.notes))
	for _, id := range slices.Sorted(maps.Keys(s.notes)) {
		out = append(out, cloneNote(s.notes[id]))
	}
	return out
}

// DeleteNote removes a note and its cards. Review history is kept.
func (s *Store) DeleteNote(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notes[id]
	if !ok {
		return domain.NewNotFound("note", id)
	}
	for cid := range s.cardsByNote[id] {
		c := s.cards[cid]
		s.unindexCard(c)
		delete(s.cards, cid)
	}
	delete(s.noteByGUID, n.GUID)
	delete(s.notes, id)
	s.touch()
	return nil
}
