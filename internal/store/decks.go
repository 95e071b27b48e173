package store

import (
	"maps"
	"slices"
	"strings"

	"github.com/conorfennell/ankistore/internal/domain"
)

// AddDeck inserts d. If a deck with the same id exists it wins and is
// returned unchanged. Missing ancestors are created with the default config.
func (s *Store) AddDeck(d domain.Deck) (domain.Deck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.decks[d.ID]; ok {
		return existing, nil
	}
	if d.ID == 0 {
		return domain.Deck{}, domain.NewValidation("deck.id", d.ID, "must be non-zero")
	}
	d.Name = domain.NormalizeDeckName(d.Name)
	if d.Name == "" {
		return domain.Deck{}, domain.NewValidation("deck.name", d.Name, "must not be empty")
	}
	if other, ok := s.deckByName[nameKey(d.Name)]; ok {
		return domain.Deck{}, domain.NewValidation("deck.name", d.Name, "already used by deck "+itoa(other))
	}
	if d.ConfID == 0 {
		d.ConfID = domain.DefaultConfID
	}
	if _, ok := s.confs[d.ConfID]; !ok {
		return domain.Deck{}, domain.NewDangling("deck", d.ID, "deck config", d.ConfID)
	}

	for _, ancestor := range domain.AncestorNames(d.Name) {
		if _, ok := s.deckByName[nameKey(ancestor)]; ok {
			continue
		}
		parent := domain.Deck{
			ID:     s.nextID(),
			Name:   ancestor,
			ConfID: domain.DefaultConfID,
			Mod:    s.clock().Unix(),
		}
		s.putDeck(parent)
	}
	s.putDeck(d)
	s.observeID(d.ID)
	s.touch()
	return d, nil
}

func (s *Store) putDeck(d domain.Deck) {
	s.decks[d.ID] = d
	s.deckByName[nameKey(d.Name)] = d.ID
}

// UpdateDeck replaces an existing deck. Renames must keep names unique.
func (s *Store) UpdateDeck(d domain.Deck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.decks[d.ID]
	if !ok {
		return domain.NewNotFound("deck", d.ID)
	}
	d.Name = domain.NormalizeDeckName(d.Name)
	if d.Name == "" {
		return domain.NewValidation("deck.name", d.Name, "must not be empty")
	}
	if other, ok := s.deckByName[nameKey(d.Name)]; ok && other != d.ID {
		return domain.NewValidation("deck.name", d.Name, "already used by deck "+itoa(other))
	}
	if _, ok := s.confs[d.ConfID]; !ok {
		return domain.NewDangling("deck", d.ID, "deck config", d.ConfID)
	}
	delete(s.deckByName, nameKey(old.Name))
	s.putDeck(d)
	s.touch()
	return nil
}

// GetDeck returns the deck with the given id.
func (s *Store) GetDeck(id int64) (domain.Deck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decks[id]
	if !ok {
		return domain.Deck{}, domain.NewNotFound("deck", id)
	}
	return d, nil
}

// GetDeckByName looks a deck up by its full name, ignoring case.
func (s *Store) GetDeckByName(name string) (domain.Deck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.deckByName[nameKey(domain.NormalizeDeckName(name))]
	if !ok {
		return domain.Deck{}, domain.NewNotFound("deck", name)
	}
	return s.decks[id], nil
}

// GetAllDecks returns every deck ordered by name.
func (s *Store) GetAllDecks() []domain.Deck {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.decks))
	slices.SortFunc(out, func(a, b domain.Deck) int {
		return strings.Compare(nameKey(a.Name), nameKey(b.Name))
	})
	return out
}

// DeckChain returns the deck followed by its existing ancestors, nearest
// first.
func (s *Store) DeckChain(id int64) ([]domain.Deck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deckChain(id)
}

func (s *Store) deckChain(id int64) ([]domain.Deck, error) {
	d, ok := s.decks[id]
	if !ok {
		return nil, domain.NewNotFound("deck", id)
	}
	chain := []domain.Deck{d}
	ancestors := domain.AncestorNames(d.Name)
	for i := len(ancestors) - 1; i >= 0; i-- {
		if pid, ok := s.deckByName[nameKey(ancestors[i])]; ok {
			chain = append(chain, s.decks[pid])
		}
	}
	return chain, nil
}

// DescendantIDs returns id and the ids of every deck below it.
func (s *Store) DescendantIDs(id int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.descendantIDs(id)
}

func (s *Store) descendantIDs(id int64) ([]int64, error) {
	d, ok := s.decks[id]
	if !ok {
		return nil, domain.NewNotFound("deck", id)
	}
	ids := []int64{id}
	for other, od := range s.decks {
		if domain.IsDescendant(od.Name, d.Name) {
			ids = append(ids, other)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// DeleteDeck removes a deck and its (empty) descendants. Decks that still
// contain cards, and the default deck, are rejected.
func (s *Store) DeleteDeck(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == domain.DefaultDeckID {
		return domain.NewValidation("deck.id", id, "default deck cannot be deleted")
	}
	ids, err := s.descendantIDs(id)
	if err != nil {
		return err
	}
	for _, did := range ids {
		if n := len(s.cardsByDeck[did]); n > 0 {
			return domain.NewValidation("deck.id", id, "deck still contains "+itoa(int64(n))+" cards")
		}
	}
	for _, did := range ids {
		delete(s.deckByName, nameKey(s.decks[did].Name))
		delete(s.decks, did)
	}
	s.touch()
	return nil
}

// BumpCounters adds one to the given daily counter of deck id and every
// ancestor.
func (s *Store) BumpCounters(deckID int64, day int64, kind domain.CardType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.deckChain(deckID)
	if err != nil {
		return err
	}
	for _, d := range chain {
		switch kind {
		case domain.CardTypeNew:
			d.NewToday = d.NewToday.Add(day, 1)
		case domain.CardTypeReview:
			d.RevToday = d.RevToday.Add(day, 1)
		default:
			d.LrnToday = d.LrnToday.Add(day, 1)
		}
		s.decks[d.ID] = d
	}
	return nil
}
