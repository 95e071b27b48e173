package store

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/conorfennell/ankistore/internal/checksum"
	"github.com/conorfennell/ankistore/internal/domain"
)

// MergeReport summarizes what MergeStore did with the incoming rows.
type MergeReport struct {
	ModelsAdded   int `json:"modelsAdded"`
	ConfigsAdded  int `json:"configsAdded"`
	DecksAdded    int `json:"decksAdded"`
	DecksRemapped int `json:"decksRemapped"`
	NotesAdded    int `json:"notesAdded"`
	NotesUpdated  int `json:"notesUpdated"`
	NotesSkipped  int `json:"notesSkipped"`
	CardsAdded    int `json:"cardsAdded"`
	CardsSkipped  int `json:"cardsSkipped"`
	RevlogAdded   int `json:"revlogAdded"`
	RevlogDropped int `json:"revlogDropped"`
}

// MergeStore combines incoming into existing and returns the result without
// modifying either argument. Rows already present in existing win, except
// that a newer note replaces the content of an older one. Repeating a merge
// with the same incoming rows is a no-op.
//
// The result is checked as a whole; on any dangling reference nothing is
// returned but the error, so callers can apply imports all-or-nothing.
func MergeStore(existing, incoming Snapshot, now time.Time) (Snapshot, MergeReport, error) {
	var rep MergeReport
	out := Snapshot{
		Col:         existing.Col,
		Models:      slices.Clone(existing.Models),
		DeckConfigs: slices.Clone(existing.DeckConfigs),
		Decks:       slices.Clone(existing.Decks),
		Notes:       slices.Clone(existing.Notes),
		Cards:       slices.Clone(existing.Cards),
		Revlog:      slices.Clone(existing.Revlog),
		Media:       slices.Clone(existing.Media),
	}
	lastID := max(out.Col.LastID, incoming.Col.LastID)
	observe := func(id int64) { lastID = max(lastID, id) }

	models := make(map[int64]domain.Model, len(out.Models))
	for _, m := range out.Models {
		models[m.ID] = m
	}
	for _, m := range incoming.Models {
		if _, ok := models[m.ID]; ok {
			continue
		}
		if err := validateModel(m); err != nil {
			return Snapshot{}, rep, err
		}
		m = cloneModel(m)
		models[m.ID] = m
		out.Models = append(out.Models, m)
		observe(m.ID)
		rep.ModelsAdded++
	}

	confs := make(map[int64]bool, len(out.DeckConfigs))
	for _, c := range out.DeckConfigs {
		confs[c.ID] = true
	}
	for _, c := range incoming.DeckConfigs {
		if confs[c.ID] {
			continue
		}
		confs[c.ID] = true
		out.DeckConfigs = append(out.DeckConfigs, cloneDeckConfig(c))
		observe(c.ID)
		rep.ConfigsAdded++
	}

	deckIDs := make(map[int64]bool, len(out.Decks))
	deckByName := make(map[string]int64, len(out.Decks))
	for _, d := range out.Decks {
		deckIDs[d.ID] = true
		deckByName[nameKey(d.Name)] = d.ID
	}
	deckMap := make(map[int64]int64, len(incoming.Decks))
	for _, d := range incoming.Decks {
		d.Name = domain.NormalizeDeckName(d.Name)
		switch {
		case deckIDs[d.ID]:
			deckMap[d.ID] = d.ID
		case d.Name == "":
			deckMap[d.ID] = domain.DefaultDeckID
			rep.DecksRemapped++
		default:
			if id, ok := deckByName[nameKey(d.Name)]; ok {
				deckMap[d.ID] = id
				rep.DecksRemapped++
				continue
			}
			if !confs[d.ConfID] || d.Dyn {
				d.ConfID = domain.DefaultConfID
			}
			d.Dyn = false
			d.NewToday, d.RevToday, d.LrnToday = domain.DayCount{}, domain.DayCount{}, domain.DayCount{}
			deckIDs[d.ID] = true
			deckByName[nameKey(d.Name)] = d.ID
			deckMap[d.ID] = d.ID
			out.Decks = append(out.Decks, d)
			observe(d.ID)
			rep.DecksAdded++
		}
	}
	for _, d := range slices.Clone(out.Decks) {
		for _, ancestor := range domain.AncestorNames(d.Name) {
			if _, ok := deckByName[nameKey(ancestor)]; ok {
				continue
			}
			lastID = max(now.UnixMilli(), lastID+1)
			parent := domain.Deck{ID: lastID, Name: ancestor, ConfID: domain.DefaultConfID, Mod: now.Unix()}
			deckIDs[parent.ID] = true
			deckByName[nameKey(ancestor)] = parent.ID
			out.Decks = append(out.Decks, parent)
			rep.DecksAdded++
		}
	}

	noteIdx := make(map[int64]int, len(out.Notes))
	noteByGUID := make(map[string]int64, len(out.Notes))
	for i, n := range out.Notes {
		noteIdx[n.ID] = i
		noteByGUID[n.GUID] = n.ID
	}
	noteMap := make(map[int64]int64, len(incoming.Notes))
	for _, n := range incoming.Notes {
		target, ok := n.ID, false
		if _, ok = noteIdx[n.ID]; !ok {
			target, ok = noteByGUID[n.GUID]
		}
		if ok {
			noteMap[n.ID] = target
			cur := out.Notes[noteIdx[target]]
			if n.Mod <= cur.Mod || n.ModelID != cur.ModelID {
				rep.NotesSkipped++
				continue
			}
			n = cloneNote(n)
			n.ID, n.GUID = cur.ID, cur.GUID
			if err := deriveNoteFields(&n, models); err != nil {
				return Snapshot{}, rep, err
			}
			out.Notes[noteIdx[target]] = n
			rep.NotesUpdated++
			continue
		}
		if n.GUID == "" {
			return Snapshot{}, rep, domain.NewValidation("note.guid", n.GUID, "must not be empty")
		}
		n = cloneNote(n)
		if err := deriveNoteFields(&n, models); err != nil {
			return Snapshot{}, rep, err
		}
		noteIdx[n.ID] = len(out.Notes)
		noteByGUID[n.GUID] = n.ID
		noteMap[n.ID] = n.ID
		out.Notes = append(out.Notes, n)
		observe(n.ID)
		rep.NotesAdded++
	}

	shift := int64(0)
	if len(existing.Cards) == 0 && len(existing.Revlog) == 0 && incoming.Col.Crt != 0 {
		out.Col.Crt = incoming.Col.Crt
	} else if incoming.Col.Crt != 0 {
		shift = out.Col.Today(now.Unix()) - incoming.Col.Today(now.Unix())
	}
	cardIDs := make(map[int64]bool, len(out.Cards))
	ords := make(map[[2]int64]bool, len(out.Cards))
	for _, c := range out.Cards {
		cardIDs[c.ID] = true
		ords[[2]int64{c.NoteID, int64(c.Ord)}] = true
	}
	for _, c := range incoming.Cards {
		if cardIDs[c.ID] {
			rep.CardsSkipped++
			continue
		}
		nid, ok := noteMap[c.NoteID]
		if !ok {
			return Snapshot{}, rep, domain.NewDangling("card", c.ID, "note", c.NoteID)
		}
		c.NoteID = nid
		if ords[[2]int64{nid, int64(c.Ord)}] {
			rep.CardsSkipped++
			continue
		}
		if c.ODid != 0 {
			c.DeckID, c.Due = c.ODid, c.ODue
			c.ODid, c.ODue = 0, 0
		}
		if did, ok := deckMap[c.DeckID]; ok {
			c.DeckID = did
		} else if !deckIDs[c.DeckID] {
			c.DeckID = domain.DefaultDeckID
		}
		if dayIndexed(c) {
			c.Due += shift
		}
		cardIDs[c.ID] = true
		ords[[2]int64{nid, int64(c.Ord)}] = true
		out.Cards = append(out.Cards, c)
		observe(c.ID)
		rep.CardsAdded++
	}

	revIDs := make(map[int64]bool, len(out.Revlog))
	for _, r := range out.Revlog {
		revIDs[r.ID] = true
	}
	for _, r := range incoming.Revlog {
		if revIDs[r.ID] {
			continue
		}
		if !cardIDs[r.CardID] {
			rep.RevlogDropped++
			continue
		}
		revIDs[r.ID] = true
		out.Revlog = append(out.Revlog, r)
		observe(r.ID)
		rep.RevlogAdded++
	}

	out.Col.LastID = lastID
	out.Col.Mod = now.UnixMilli()
	out.Sort()
	if errs := out.Check(); len(errs) > 0 {
		return Snapshot{}, rep, fmt.Errorf("merged collection is inconsistent: %w", errors.Join(errs...))
	}
	return out, rep, nil
}

// dayIndexed reports whether the card's due value is a day index.
func dayIndexed(c domain.Card) bool {
	switch c.Queue {
	case domain.QueueReview, domain.QueueDayLearn:
		return true
	case domain.QueueNew, domain.QueueLearn:
		return false
	}
	return c.Type == domain.CardTypeReview
}

func deriveNoteFields(n *domain.Note, models map[int64]domain.Model) error {
	m, ok := models[n.ModelID]
	if !ok {
		return domain.NewDangling("note", n.ID, "model", n.ModelID)
	}
	if len(n.Fields) != len(m.Fields) {
		return domain.NewValidation("note.flds", len(n.Fields), "model "+m.Name+" has "+itoa(int64(len(m.Fields)))+" fields")
	}
	n.SortField = checksum.StripHTML(n.Fields[m.SortField])
	n.Checksum = checksum.FieldChecksum(n.Fields[0])
	return nil
}
