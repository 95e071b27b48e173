package store

import "github.com/conorfennell/ankistore/internal/domain"

// Stats counts cards by type. Suspended and buried cards are counted only in
// Suspended and Total.
type Stats struct {
	New       int `json:"new"`
	Learning  int `json:"learning"`
	Review    int `json:"review"`
	Suspended int `json:"suspended"`
	Total     int `json:"total"`
}

// GetStats counts the cards of deck id and its descendants, or of the whole
// collection when id is 0.
func (s *Store) GetStats(deckID int64) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	count := func(c domain.Card) {
		st.Total++
		if !c.Schedulable() {
			st.Suspended++
			return
		}
		switch c.Type {
		case domain.CardTypeNew:
			st.New++
		case domain.CardTypeLearning, domain.CardTypeRelearning:
			st.Learning++
		case domain.CardTypeReview:
			st.Review++
		}
	}

	if deckID == 0 {
		for _, c := range s.cards {
			count(c)
		}
		return st, nil
	}
	ids, err := s.descendantIDs(deckID)
	if err != nil {
		return Stats{}, err
	}
	for _, did := range ids {
		for cid := range s.cardsByDeck[did] {
			count(s.cards[cid])
		}
	}
	return st, nil
}
