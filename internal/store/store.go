// Package store is the in-process relational store holding every table of a
// collection. It keeps id and deck-scoped indices in sync with each mutation
// and enforces referential integrity; it performs no I/O.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/ankistore/internal/domain"
)

// BasicModelID identifies the "Basic" model seeded into every new store.
const BasicModelID int64 = 1

// Store holds all schema instances of one collection. It is safe for use from
// multiple goroutines, but callers that read-modify-write (the scheduler, the
// importer) must serialize those sequences themselves.
type Store struct {
	mu       sync.RWMutex
	clock    func() time.Time
	validate *validator.Validate

	col    domain.Collection
	models map[int64]domain.Model
	confs  map[int64]domain.DeckConfig
	decks  map[int64]domain.Deck
	notes  map[int64]domain.Note
	cards  map[int64]domain.Card
	revlog map[int64]domain.Revlog
	media  map[string]domain.MediaEntry

	deckByName   map[string]int64
	noteByGUID   map[string]int64
	cardsByDeck  map[int64]map[int64]struct{}
	cardsByNote  map[int64]map[int64]struct{}
	revlogByCard map[int64][]int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now as the source of ids and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New returns a store seeded with a collection, the default deck config,
// the "Default" deck and the "Basic" model.
func New(opts ...Option) *Store {
	s := &Store{clock: time.Now, validate: validator.New()}
	for _, opt := range opts {
		opt(s)
	}
	s.load(s.seed())
	return s
}

func (s *Store) seed() Snapshot {
	now := s.clock()
	conf := domain.DefaultDeckConfig()
	conf.Mod = now.Unix()
	return Snapshot{
		Col: domain.Collection{
			Crt:    now.Unix() / 86400 * 86400,
			Mod:    now.UnixMilli(),
			Scm:    now.UnixMilli(),
			Ver:    domain.SchemaVersion,
			LastID: BasicModelID,
			Conf:   "{}",
			Tags:   "{}",
		},
		Models: []domain.Model{{
			ID:     BasicModelID,
			Name:   "Basic",
			Type:   domain.ModelStandard,
			Mod:    now.Unix(),
			DeckID: domain.DefaultDeckID,
			Fields: []domain.Field{{Name: "Front", Ord: 0}, {Name: "Back", Ord: 1}},
			Templates: []domain.Template{{
				Name: "Card 1",
				Ord:  0,
				QFmt: "{{Front}}",
				AFmt: "{{FrontSide}}<hr id=answer>{{Back}}",
			}},
		}},
		DeckConfigs: []domain.DeckConfig{conf},
		Decks: []domain.Deck{{
			ID:     domain.DefaultDeckID,
			Name:   "Default",
			ConfID: domain.DefaultConfID,
			Mod:    now.Unix(),
		}},
	}
}

// Clear resets the store to a freshly seeded collection.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(s.seed())
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.clock()
}

// NextID allocates a new id. Ids are millisecond timestamps bumped past every
// id the store has seen, so they are unique and monotonic.
func (s *Store) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID()
}

func (s *Store) nextID() int64 {
	id := max(s.clock().UnixMilli(), s.col.LastID+1)
	s.col.LastID = id
	return id
}

func (s *Store) observeID(id int64) {
	if id > s.col.LastID {
		s.col.LastID = id
	}
}

func (s *Store) touch() {
	s.col.Mod = s.clock().UnixMilli()
}

// GetCol returns the collection metadata.
func (s *Store) GetCol() domain.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col
}

// Today returns the current day index of the collection.
func (s *Store) Today() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col.Today(s.clock().Unix())
}

func nameKey(name string) string {
	return strings.ToLower(name)
}

// load replaces every table and rebuilds the indices. The caller holds mu.
func (s *Store) load(snap Snapshot) {
	s.col = snap.Col
	s.models = make(map[int64]domain.Model, len(snap.Models))
	s.confs = make(map[int64]domain.DeckConfig, len(snap.DeckConfigs))
	s.decks = make(map[int64]domain.Deck, len(snap.Decks))
	s.notes = make(map[int64]domain.Note, len(snap.Notes))
	s.cards = make(map[int64]domain.Card, len(snap.Cards))
	s.revlog = make(map[int64]domain.Revlog, len(snap.Revlog))
	s.media = make(map[string]domain.MediaEntry, len(snap.Media))
	s.deckByName = make(map[string]int64, len(snap.Decks))
	s.noteByGUID = make(map[string]int64, len(snap.Notes))
	s.cardsByDeck = make(map[int64]map[int64]struct{})
	s.cardsByNote = make(map[int64]map[int64]struct{})
	s.revlogByCard = make(map[int64][]int64)

	for _, m := range snap.Models {
		s.models[m.ID] = cloneModel(m)
	}
	for _, c := range snap.DeckConfigs {
		s.confs[c.ID] = cloneDeckConfig(c)
	}
	for _, d := range snap.Decks {
		s.decks[d.ID] = d
		s.deckByName[nameKey(d.Name)] = d.ID
	}
	for _, n := range snap.Notes {
		s.notes[n.ID] = cloneNote(n)
		s.noteByGUID[n.GUID] = n.ID
	}
	for _, c := range snap.Cards {
		s.cards[c.ID] = c
		s.indexCard(c)
	}
	for _, r := range snap.Revlog {
		s.revlog[r.ID] = r
		s.revlogByCard[r.CardID] = append(s.revlogByCard[r.CardID], r.ID)
	}
	for _, m := range snap.Media {
		s.media[m.Filename] = m
	}
}

func (s *Store) indexCard(c domain.Card) {
	if s.cardsByDeck[c.DeckID] == nil {
		s.cardsByDeck[c.DeckID] = make(map[int64]struct{})
	}
	s.cardsByDeck[c.DeckID][c.ID] = struct{}{}
	if s.cardsByNote[c.NoteID] == nil {
		s.cardsByNote[c.NoteID] = make(map[int64]struct{})
	}
	s.cardsByNote[c.NoteID][c.ID] = struct{}{}
}

func (s *Store) unindexCard(c domain.Card) {
	delete(s.cardsByDeck[c.DeckID], c.ID)
	if len(s.cardsByDeck[c.DeckID]) == 0 {
		delete(s.cardsByDeck, c.DeckID)
	}
	delete(s.cardsByNote[c.NoteID], c.ID)
	if len(s.cardsByNote[c.NoteID]) == 0 {
		delete(s.cardsByNote, c.NoteID)
	}
}
