package store

import (
	"cmp"
	"maps"
	"slices"

	"github.com/conorfennell/ankistore/internal/domain"
)

// AddCard inserts c. Its note and deck must exist. If a card with the same id
// exists it wins, so re-importing never resets scheduling state.
func (s *Store) AddCard(c domain.Card) (domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == 0 {
		return domain.Card{}, domain.NewValidation("card.id", c.ID, "must be non-zero")
	}
	if existing, ok := s.cards[c.ID]; ok {
		return existing, nil
	}
	if err := s.checkCardRefs(c); err != nil {
		return domain.Card{}, err
	}
	s.cards[c.ID] = c
	s.indexCard(c)
	s.observeID(c.ID)
	s.touch()
	return c, nil
}

func (s *Store) checkCardRefs(c domain.Card) error {
	if _, ok := s.notes[c.NoteID]; !ok {
		return domain.NewDangling("card", c.ID, "note", c.NoteID)
	}
	if _, ok := s.decks[c.DeckID]; !ok {
		return domain.NewDangling("card", c.ID, "deck", c.DeckID)
	}
	return nil
}

// UpdateCard replaces an existing card.
func (s *Store) UpdateCard(c domain.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.cards[c.ID]
	if !ok {
		return domain.NewNotFound("card", c.ID)
	}
	if err := s.checkCardRefs(c); err != nil {
		return err
	}
	s.unindexCard(old)
	s.cards[c.ID] = c
	s.indexCard(c)
	s.touch()
	return nil
}

// GetCard returns the card with the given id.
func (s *Store) GetCard(id int64) (domain.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[id]
	if !ok {
		return domain.Card{}, domain.NewNotFound("card", id)
	}
	return c, nil
}

// Cards returns every card ordered by id.
func (s *Store) Cards() []domain.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Card, 0, len(s.cards))
	for _, id := range slices.Sorted(maps.Keys(s.cards)) {
		out = append(out, s.cards[id])
	}
	return out
}

// GetCardsByDeck returns the cards of deck id and of every deck below it,
// ordered by id.
func (s *Store) GetCardsByDeck(id int64) ([]domain.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.descendantIDs(id)
	if err != nil {
		return nil, err
	}
	var out []domain.Card
	for _, did := range ids {
		for cid := range s.cardsByDeck[did] {
			out = append(out, s.cards[cid])
		}
	}
	slices.SortFunc(out, func(a, b domain.Card) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// CardsOfNote returns the cards generated from note id, ordered by ord.
func (s *Store) CardsOfNote(noteID int64) []domain.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Card, 0, len(s.cardsByNote[noteID]))
	for cid := range s.cardsByNote[noteID] {
		out = append(out, s.cards[cid])
	}
	slices.SortFunc(out, func(a, b domain.Card) int { return a.Ord - b.Ord })
	return out
}

// AddRevlog appends r. Rows are immutable: an existing id is left untouched
// and reported as not added.
func (s *Store) AddRevlog(r domain.Revlog) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == 0 {
		return false, domain.NewValidation("revlog.id", r.ID, "must be non-zero")
	}
	if _, ok := s.revlog[r.ID]; ok {
		return false, nil
	}
	if _, ok := s.cards[r.CardID]; !ok {
		return false, domain.NewDangling("revlog", r.ID, "card", r.CardID)
	}
	s.revlog[r.ID] = r
	s.revlogByCard[r.CardID] = append(s.revlogByCard[r.CardID], r.ID)
	s.observeID(r.ID)
	return true, nil
}

// Revlog returns the review history of a card, oldest first.
func (s *Store) Revlog(cardID int64) []domain.Revlog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Sorted(slices.Values(s.revlogByCard[cardID]))
	out := make([]domain.Revlog, len(ids))
	for i, id := range ids {
		out[i] = s.revlog[id]
	}
	return out
}

// RevlogCount returns the number of review events stored.
func (s *Store) RevlogCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revlog)
}
