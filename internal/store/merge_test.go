package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/ankistore/internal/domain"
)

// incomingStore builds a second collection created days before testNow.
func incomingStore(t *testing.T, daysEarlier int) *Store {
	t.Helper()
	now := testNow.AddDate(0, 0, -daysEarlier).Add(time.Hour)
	return New(WithClock(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}))
}

func TestMergeIntoEmptyAdoptsCreationTime(t *testing.T) {
	existing := newTestStore(t)
	in := incomingStore(t, 30)
	deck, err := in.AddDeck(domain.Deck{ID: in.NextID(), Name: "Spanish::Verbs"})
	require.NoError(t, err)
	_, c := addNote(t, in, deck.ID, "ser")
	c.Type, c.Queue, c.Due, c.Ivl = domain.CardTypeReview, domain.QueueReview, 32, 5
	require.NoError(t, in.UpdateCard(c))

	out, rep, err := MergeStore(existing.Snapshot(), in.Snapshot(), testNow)
	require.NoError(t, err)
	assert.Equal(t, in.GetCol().Crt, out.Col.Crt)
	assert.Equal(t, 1, rep.NotesAdded)
	assert.Equal(t, 1, rep.CardsAdded)
	require.Len(t, out.Cards, 1)
	assert.Equal(t, int64(32), out.Cards[0].Due)

	require.NoError(t, existing.Replace(out))
	got, err := existing.GetDeckByName("Spanish")
	require.NoError(t, err)
	cards, err := existing.GetCardsByDeck(got.ID)
	require.NoError(t, err)
	assert.Len(t, cards, 1)
}

func TestMergeShiftsReviewDues(t *testing.T) {
	existing := newTestStore(t)
	addNote(t, existing, domain.DefaultDeckID, "already here")

	in := incomingStore(t, 10)
	n, c := addNote(t, in, domain.DefaultDeckID, "review")
	c.Type, c.Queue, c.Due = domain.CardTypeReview, domain.QueueReview, 15
	require.NoError(t, in.UpdateCard(c))
	_, fresh := addNote(t, in, domain.DefaultDeckID, "new")

	out, _, err := MergeStore(existing.Snapshot(), in.Snapshot(), testNow)
	require.NoError(t, err)
	assert.Equal(t, existing.GetCol().Crt, out.Col.Crt)

	dues := map[int64]int64{}
	for _, oc := range out.Cards {
		dues[oc.NoteID] = oc.Due
	}
	assert.Equal(t, int64(5), dues[n.ID])
	assert.Equal(t, fresh.Due, dues[fresh.NoteID])
}

func TestMergeIsIdempotent(t *testing.T) {
	existing := newTestStore(t)
	addNote(t, existing, domain.DefaultDeckID, "mine")

	in := incomingStore(t, 3)
	deck, err := in.AddDeck(domain.Deck{ID: in.NextID(), Name: "Geo"})
	require.NoError(t, err)
	_, c := addNote(t, in, deck.ID, "paris")
	_, err = in.AddRevlog(domain.Revlog{ID: in.NextID(), CardID: c.ID, Ease: 3})
	require.NoError(t, err)

	once, _, err := MergeStore(existing.Snapshot(), in.Snapshot(), testNow)
	require.NoError(t, err)
	twice, rep, err := MergeStore(once, in.Snapshot(), testNow)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Zero(t, rep.CardsAdded)
	assert.Zero(t, rep.NotesAdded)
	assert.Zero(t, rep.RevlogAdded)
	assert.Equal(t, 1, rep.CardsSkipped)
}

func TestMergeRemapsDecksByName(t *testing.T) {
	existing := newTestStore(t)
	mine, err := existing.AddDeck(domain.Deck{ID: existing.NextID(), Name: "Spanish"})
	require.NoError(t, err)

	in := incomingStore(t, 0)
	theirs, err := in.AddDeck(domain.Deck{ID: 777, Name: "spanish"})
	require.NoError(t, err)
	addNote(t, in, theirs.ID, "hola")

	out, rep, err := MergeStore(existing.Snapshot(), in.Snapshot(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.DecksRemapped)
	require.Len(t, out.Cards, 1)
	assert.Equal(t, mine.ID, out.Cards[0].DeckID)
	for _, d := range out.Decks {
		assert.NotEqual(t, int64(777), d.ID)
	}
}

func TestMergeMatchesNotesByGUID(t *testing.T) {
	existing := newTestStore(t)
	mine, _ := addNote(t, existing, domain.DefaultDeckID, "gato")

	in := incomingStore(t, 0)
	newer := domain.Note{ID: 42, GUID: mine.GUID, ModelID: BasicModelID, Mod: mine.Mod + 10, Fields: []string{"gato", "cat (updated)"}}
	_, err := in.AddNote(newer)
	require.NoError(t, err)
	_, err = in.AddCard(domain.Card{ID: 43, NoteID: 42, DeckID: domain.DefaultDeckID})
	require.NoError(t, err)

	out, rep, err := MergeStore(existing.Snapshot(), in.Snapshot(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.NotesUpdated)
	assert.Equal(t, 1, rep.CardsSkipped)
	require.Len(t, out.Notes, 1)
	assert.Equal(t, mine.ID, out.Notes[0].ID)
	assert.Equal(t, "cat (updated)", out.Notes[0].Fields[1])

	older := newer
	older.Mod = mine.Mod - 1
	in2 := incomingStore(t, 0)
	_, err = in2.AddNote(older)
	require.NoError(t, err)
	out, rep, err = MergeStore(existing.Snapshot(), in2.Snapshot(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.NotesSkipped)
	assert.Equal(t, "back of gato", out.Notes[0].Fields[1])
}

func TestMergeRejectsDanglingCard(t *testing.T) {
	existing := newTestStore(t)
	in := incomingStore(t, 0)
	addNote(t, in, domain.DefaultDeckID, "ok")
	snap := in.Snapshot()
	snap.Cards = append(snap.Cards, domain.Card{ID: 9, NoteID: 404, DeckID: domain.DefaultDeckID})

	before := existing.Snapshot()
	_, _, err := MergeStore(before, snap, testNow)
	assert.ErrorIs(t, err, domain.ErrReferentialIntegrity)
	assert.Equal(t, before, existing.Snapshot())
}

func TestMergeReturnsFilteredCardsHome(t *testing.T) {
	existing := newTestStore(t)
	in := incomingStore(t, 0)
	home, err := in.AddDeck(domain.Deck{ID: in.NextID(), Name: "Home"})
	require.NoError(t, err)
	filtered, err := in.AddDeck(domain.Deck{ID: in.NextID(), Name: "Cram", Dyn: true})
	require.NoError(t, err)
	_, c := addNote(t, in, filtered.ID, "x")
	c.ODid, c.ODue = home.ID, 7
	require.NoError(t, in.UpdateCard(c))

	out, _, err := MergeStore(existing.Snapshot(), in.Snapshot(), testNow)
	require.NoError(t, err)
	require.Len(t, out.Cards, 1)
	assert.Equal(t, home.ID, out.Cards[0].DeckID)
	assert.Equal(t, int64(7), out.Cards[0].Due)
	assert.Zero(t, out.Cards[0].ODid)
	for _, d := range out.Decks {
		assert.False(t, d.Dyn)
	}
}

func TestMergeDropsOrphanRevlog(t *testing.T) {
	existing := newTestStore(t)
	in := incomingStore(t, 0)
	snap := in.Snapshot()
	snap.Revlog = []domain.Revlog{{ID: 1000, CardID: 55, Ease: 3}}

	out, rep, err := MergeStore(existing.Snapshot(), snap, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RevlogDropped)
	assert.Empty(t, out.Revlog)
}
