package engine

import (
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/conorfennell/ankistore/internal/checksum"
	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/store"
)

var (
	clozeRef = regexp.MustCompile(`\{\{c(\d+)::`)
	fieldRef = regexp.MustCompile(`\{\{([^{}]+)\}\}`)
)

// AddDeck inserts d, allocating an id when d.ID is 0.
func (e *Engine) AddDeck(d domain.Deck) (domain.Deck, error) {
	if err := e.lock(); err != nil {
		return domain.Deck{}, err
	}
	defer e.mu.Unlock()

	if d.ID == 0 {
		if existing, err := e.store.GetDeckByName(d.Name); err == nil {
			return existing, nil
		}
		d.ID = e.store.NextID()
	}
	if d.Mod == 0 {
		d.Mod = e.store.Now().Unix()
	}
	out, err := e.store.AddDeck(d)
	if err != nil {
		return domain.Deck{}, err
	}
	e.flusher.MarkDirty()
	return out, nil
}

// AddNote inserts n, allocating an id when n.ID is 0.
func (e *Engine) AddNote(n domain.Note) (domain.Note, error) {
	if err := e.lock(); err != nil {
		return domain.Note{}, err
	}
	defer e.mu.Unlock()

	if n.ID == 0 {
		n.ID = e.store.NextID()
	}
	out, err := e.store.AddNote(n)
	if err != nil {
		return domain.Note{}, err
	}
	e.flusher.MarkDirty()
	return out, nil
}

// AddCard inserts c, allocating an id when c.ID is 0.
func (e *Engine) AddCard(c domain.Card) (domain.Card, error) {
	if err := e.lock(); err != nil {
		return domain.Card{}, err
	}
	defer e.mu.Unlock()

	if c.ID == 0 {
		c.ID = e.store.NextID()
	}
	out, err := e.store.AddCard(c)
	if err != nil {
		return domain.Card{}, err
	}
	e.flusher.MarkDirty()
	return out, nil
}

// NewNote is the input of CreateNote.
type NewNote struct {
	DeckID int64 `json:"deckId"`
	// ModelID defaults to the Basic model.
	ModelID int64    `json:"modelId"`
	Fields  []string `json:"fields"`
	Tags    []string `json:"tags"`
	// GUID defaults to a random one. A GUID that already exists returns
	// the existing note unchanged.
	GUID string `json:"guid"`
}

// CreateNote adds a note and the new cards its model generates: one per
// template whose front is not empty, or one per cloze number.
func (e *Engine) CreateNote(in NewNote) (domain.Note, []domain.Card, error) {
	if err := e.lock(); err != nil {
		return domain.Note{}, nil, err
	}
	defer e.mu.Unlock()

	if in.GUID != "" {
		if n, err := e.store.GetNoteByGUID(in.GUID); err == nil {
			return n, e.store.CardsOfNote(n.ID), nil
		}
	}
	if in.ModelID == 0 {
		in.ModelID = store.BasicModelID
	}
	model, err := e.store.GetModel(in.ModelID)
	if err != nil {
		return domain.Note{}, nil, err
	}
	deck, err := e.store.GetDeck(in.DeckID)
	if err != nil {
		return domain.Note{}, nil, err
	}
	if deck.Dyn {
		return domain.Note{}, nil, domain.NewValidation("deck.dyn", deck.ID, "cannot add notes to a filtered deck")
	}
	if len(in.Fields) > len(model.Fields) {
		return domain.Note{}, nil, domain.NewValidation("note.flds", len(in.Fields),
			"model "+model.Name+" has "+strconv.Itoa(len(model.Fields))+" fields")
	}
	fields := slices.Clone(in.Fields)
	for len(fields) < len(model.Fields) {
		fields = append(fields, "")
	}
	ords := cardOrds(model, fields)
	if len(ords) == 0 {
		return domain.Note{}, nil, domain.NewValidation("note.flds", fields[0], "would produce no cards")
	}

	guid := in.GUID
	if guid == "" {
		guid = uuid.NewString()
	}
	now := e.store.Now().Unix()
	note, err := e.store.AddNote(domain.Note{
		ID:      e.store.NextID(),
		GUID:    guid,
		ModelID: model.ID,
		Mod:     now,
		Usn:     -1,
		Tags:    in.Tags,
		Fields:  fields,
	})
	if err != nil {
		return domain.Note{}, nil, err
	}

	pos := e.nextPosition()
	cards := make([]domain.Card, 0, len(ords))
	for _, ord := range ords {
		c, err := e.store.AddCard(domain.Card{
			ID:     e.store.NextID(),
			NoteID: note.ID,
			DeckID: deck.ID,
			Ord:    ord,
			Mod:    now,
			Usn:    -1,
			Type:   domain.CardTypeNew,
			Queue:  domain.QueueNew,
			Due:    pos,
		})
		if err != nil {
			return domain.Note{}, nil, err
		}
		cards = append(cards, c)
	}
	e.flusher.MarkDirty()
	e.logger.Debug("created note", "note_id", note.ID, "cards", len(cards))
	return note, cards, nil
}

// nextPosition returns the due position for the next new note.
func (e *Engine) nextPosition() int64 {
	var pos int64
	for _, c := range e.store.Cards() {
		if c.Type == domain.CardTypeNew {
			pos = max(pos, c.Due)
		}
	}
	return pos + 1
}

// cardOrds returns the template ordinals (cloze numbers minus one for cloze
// models) that produce a card for fields.
func cardOrds(m domain.Model, fields []string) []int {
	if m.Type == domain.ModelCloze {
		seen := map[int]bool{}
		for _, f := range fields {
			for _, match := range clozeRef.FindAllStringSubmatch(f, -1) {
				if n, err := strconv.Atoi(match[1]); err == nil && n > 0 {
					seen[n-1] = true
				}
			}
		}
		return slices.Sorted(maps.Keys(seen))
	}

	values := make(map[string]string, len(m.Fields))
	for i, f := range m.Fields {
		if i < len(fields) {
			values[f.Name] = fields[i]
		}
	}
	var ords []int
	for _, t := range m.Templates {
		for _, ref := range fieldRef.FindAllStringSubmatch(t.QFmt, -1) {
			name := strings.TrimSpace(ref[1])
			if name == "" || strings.ContainsAny(name[:1], "#^/!") {
				continue
			}
			if i := strings.LastIndex(name, ":"); i >= 0 {
				name = name[i+1:]
			}
			if strings.TrimSpace(checksum.StripHTML(values[name])) != "" {
				ords = append(ords, t.Ord)
				break
			}
		}
	}
	return ords
}

// DeleteNote removes a note and its cards.
func (e *Engine) DeleteNote(id int64) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.store.DeleteNote(id); err != nil {
		return err
	}
	e.flusher.MarkDirty()
	return nil
}

// NotesWithTag returns the notes carrying tag.
func (e *Engine) NotesWithTag(tag string) []domain.Note {
	var out []domain.Note
	for _, n := range e.store.Notes() {
		if n.HasTag(tag) {
			out = append(out, n)
		}
	}
	return out
}
