package store

import (
	"cmp"
	"errors"
	"maps"
	"slices"
	"strings"

	"github.com/conorfennell/ankistore/internal/domain"
)

// Snapshot is a deep copy of every table of a store, each ordered by its key.
// Snapshots are plain values: persistence writes them, MergeStore combines
// them and Replace installs one.
type Snapshot struct {
	Col         domain.Collection
	Models      []domain.Model
	DeckConfigs []domain.DeckConfig
	Decks       []domain.Deck
	Notes       []domain.Note
	Cards       []domain.Card
	Revlog      []domain.Revlog
	Media       []domain.MediaEntry
}

// Snapshot copies the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Col:         s.col,
		Models:      make([]domain.Model, 0, len(s.models)),
		DeckConfigs: make([]domain.DeckConfig, 0, len(s.confs)),
		Decks:       make([]domain.Deck, 0, len(s.decks)),
		Notes:       make([]domain.Note, 0, len(s.notes)),
		Cards:       make([]domain.Card, 0, len(s.cards)),
		Revlog:      make([]domain.Revlog, 0, len(s.revlog)),
		Media:       make([]domain.MediaEntry, 0, len(s.media)),
	}
	for _, id := range slices.Sorted(maps.Keys(s.models)) {
		snap.Models = append(snap.Models, cloneModel(s.models[id]))
	}
	for _, id := range slices.Sorted(maps.Keys(s.confs)) {
		snap.DeckConfigs = append(snap.DeckConfigs, cloneDeckConfig(s.confs[id]))
	}
	for _, id := range slices.Sorted(maps.Keys(s.decks)) {
		snap.Decks = append(snap.Decks, s.decks[id])
	}
	for _, id := range slices.Sorted(maps.Keys(s.notes)) {
		snap.Notes = append(snap.Notes, cloneNote(s.notes[id]))
	}
	for _, id := range slices.Sorted(maps.Keys(s.cards)) {
		snap.Cards = append(snap.Cards, s.cards[id])
	}
	for _, id := range slices.Sorted(maps.Keys(s.revlog)) {
		snap.Revlog = append(snap.Revlog, s.revlog[id])
	}
	for _, name := range slices.Sorted(maps.Keys(s.media)) {
		snap.Media = append(snap.Media, s.media[name])
	}
	return snap
}

// Sort orders every table by its key, as Snapshot does.
func (snap *Snapshot) Sort() {
	slices.SortFunc(snap.Models, func(a, b domain.Model) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.DeckConfigs, func(a, b domain.DeckConfig) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Decks, func(a, b domain.Deck) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Notes, func(a, b domain.Note) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Cards, func(a, b domain.Card) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Revlog, func(a, b domain.Revlog) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Media, func(a, b domain.MediaEntry) int { return strings.Compare(a.Filename, b.Filename) })
}

// Replace installs snap as the whole state of the store. The snapshot is
// checked first; on any problem the store is left untouched.
func (s *Store) Replace(snap Snapshot) error {
	if errs := snap.Check(); len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(snap)
	return nil
}

// Check returns every integrity problem of the current state.
func (s *Store) Check() []error {
	snap := s.Snapshot()
	return snap.Check()
}

// Check returns every integrity problem of snap: dangling references,
// duplicate keys and unsafe media names. Review history may outlive its
// cards and is not checked.
func (snap Snapshot) Check() []error {
	var errs []error

	models := make(map[int64]bool, len(snap.Models))
	for _, m := range snap.Models {
		if models[m.ID] {
			errs = append(errs, domain.NewValidation("model.id", m.ID, "duplicate"))
		}
		models[m.ID] = true
	}
	confs := make(map[int64]bool, len(snap.DeckConfigs))
	for _, c := range snap.DeckConfigs {
		confs[c.ID] = true
	}
	if !confs[domain.DefaultConfID] {
		errs = append(errs, domain.NewNotFound("deck config", domain.DefaultConfID))
	}

	decks := make(map[int64]bool, len(snap.Decks))
	names := make(map[string]int64, len(snap.Decks))
	for _, d := range snap.Decks {
		if decks[d.ID] {
			errs = append(errs, domain.NewValidation("deck.id", d.ID, "duplicate"))
		}
		decks[d.ID] = true
		if other, ok := names[nameKey(d.Name)]; ok {
			errs = append(errs, domain.NewValidation("deck.name", d.Name, "shared by decks "+itoa(other)+" and "+itoa(d.ID)))
		}
		names[nameKey(d.Name)] = d.ID
		if !confs[d.ConfID] {
			errs = append(errs, domain.NewDangling("deck", d.ID, "deck config", d.ConfID))
		}
	}
	if !decks[domain.DefaultDeckID] {
		errs = append(errs, domain.NewNotFound("deck", domain.DefaultDeckID))
	}

	notes := make(map[int64]bool, len(snap.Notes))
	guids := make(map[string]bool, len(snap.Notes))
	for _, n := range snap.Notes {
		notes[n.ID] = true
		if guids[n.GUID] {
			errs = append(errs, domain.NewValidation("note.guid", n.GUID, "duplicate"))
		}
		guids[n.GUID] = true
		if !models[n.ModelID] {
			errs = append(errs, domain.NewDangling("note", n.ID, "model", n.ModelID))
		}
	}
	for _, c := range snap.Cards {
		if !notes[c.NoteID] {
			errs = append(errs, domain.NewDangling("card", c.ID, "note", c.NoteID))
		}
		if !decks[c.DeckID] {
			errs = append(errs, domain.NewDangling("card", c.ID, "deck", c.DeckID))
		}
	}
	for _, m := range snap.Media {
		if err := domain.ValidateMediaName(m.Filename); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Counts returns the number of rows per table, keyed by table name.
func (snap Snapshot) Counts() map[string]int {
	return map[string]int{
		"models": len(snap.Models),
		"dconf":  len(snap.DeckConfigs),
		"decks":  len(snap.Decks),
		"notes":  len(snap.Notes),
		"cards":  len(snap.Cards),
		"revlog": len(snap.Revlog),
		"media":  len(snap.Media),
	}
}
