package sched

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/store"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st    *store.Store
	sched *Scheduler
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: testNow}
	f.st = store.New(store.WithClock(func() time.Time { return f.now }))
	f.sched = New(f.st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) deck(t *testing.T, name string) domain.Deck {
	t.Helper()
	d, err := f.st.AddDeck(domain.Deck{ID: f.st.NextID(), Name: name})
	require.NoError(t, err)
	return d
}

func (f *fixture) card(t *testing.T, deckID int64, mutate func(*domain.Card)) domain.Card {
	t.Helper()
	n, err := f.st.AddNote(domain.Note{
		ID:      f.st.NextID(),
		GUID:    fmt.Sprintf("g%d", f.st.NextID()),
		ModelID: store.BasicModelID,
		Fields:  []string{"front", "back"},
	})
	require.NoError(t, err)
	c := domain.Card{ID: f.st.NextID(), NoteID: n.ID, DeckID: deckID}
	c.Due = c.ID
	if mutate != nil {
		mutate(&c)
	}
	c, err = f.st.AddCard(c)
	require.NoError(t, err)
	return c
}

func (f *fixture) limitDeck(t *testing.T, deckID int64, newPerDay, revPerDay int) {
	t.Helper()
	conf := domain.DefaultDeckConfig()
	conf.ID = f.st.NextID()
	conf.Name = fmt.Sprintf("limits %d", deckID)
	conf.New.PerDay = newPerDay
	conf.Rev.PerDay = revPerDay
	_, err := f.st.AddDeckConfig(conf)
	require.NoError(t, err)
	d, err := f.st.GetDeck(deckID)
	require.NoError(t, err)
	d.ConfID = conf.ID
	require.NoError(t, f.st.UpdateDeck(d))
}

func asReview(ivl int, due int64) func(*domain.Card) {
	return func(c *domain.Card) {
		c.Type, c.Queue = domain.CardTypeReview, domain.QueueReview
		c.Ivl, c.Factor, c.Due = ivl, 2500, due
	}
}

func TestSpanishDeckScenario(t *testing.T) {
	f := newFixture(t)
	spanish := f.deck(t, "Spanish")
	for range 20 {
		f.card(t, spanish.ID, nil)
	}

	stats, err := f.st.GetStats(spanish.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, stats.New)

	first, ok, err := f.sched.GetNext(spanish.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// easy is the third button on a new card
	answered, rev, err := f.sched.Answer(first.ID, 3, 4000)
	require.NoError(t, err)
	assert.Equal(t, domain.CardTypeReview, answered.Type)
	assert.GreaterOrEqual(t, answered.Ivl, domain.DefaultDeckConfig().New.GraduatingIvl)
	assert.Equal(t, 1, answered.Reps)
	assert.Equal(t, 3, rev.Ease)
	assert.Equal(t, domain.RevlogLearn, rev.Type)

	next, ok, err := f.sched.GetNext(spanish.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestLapseScenario(t *testing.T) {
	f := newFixture(t)
	c := f.card(t, domain.DefaultDeckID, asReview(10, 0))
	before := f.st.RevlogCount()

	got, rev, err := f.sched.Answer(c.ID, 1, 1500)
	require.NoError(t, err)
	assert.Equal(t, c.Lapses+1, got.Lapses)
	assert.Equal(t, domain.CardTypeRelearning, got.Type)
	assert.Equal(t, before+1, f.st.RevlogCount())
	assert.Equal(t, int(Again), rev.Ease)
	assert.Equal(t, 10, rev.LastIvl)
	assert.Equal(t, domain.RevlogReview, rev.Type)

	stored, err := f.st.GetCard(c.ID)
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestAnswerKeepsEaseInBounds(t *testing.T) {
	conf := domain.DefaultDeckConfig()
	states := map[string]func(*domain.Card){
		"new": nil,
		"learning": func(c *domain.Card) {
			c.Type, c.Queue, c.Left, c.Due = domain.CardTypeLearning, domain.QueueLearn, 1, testNow.Unix()
		},
		"relearning": func(c *domain.Card) {
			c.Type, c.Queue, c.Left, c.Ivl, c.Factor = domain.CardTypeRelearning, domain.QueueLearn, 1, 3, conf.MinFactor
		},
		"review at min": func(c *domain.Card) {
			asReview(5, 0)(c)
			c.Factor = conf.MinFactor
		},
		"review at max": func(c *domain.Card) {
			asReview(5, 0)(c)
			c.Factor = conf.MaxFactor
		},
		"review overdue": asReview(400, -300),
	}

	for name, mutate := range states {
		f := newFixture(t)
		proto := f.card(t, domain.DefaultDeckID, mutate)
		for ease := 1; ease <= ButtonCount(proto); ease++ {
			t.Run(fmt.Sprintf("%s/ease %d", name, ease), func(t *testing.T) {
				c := f.card(t, domain.DefaultDeckID, mutate)
				got, rev, err := f.sched.Answer(c.ID, ease, 1000)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, got.Factor, conf.MinFactor)
				assert.LessOrEqual(t, got.Factor, conf.MaxFactor)
				assert.GreaterOrEqual(t, rev.Ivl, 0)
				assert.GreaterOrEqual(t, rev.LastIvl, 0)
				assert.Equal(t, got.Factor, rev.Factor)
			})
		}
	}
}

func TestAnswerRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	fresh := f.card(t, domain.DefaultDeckID, nil)
	review := f.card(t, domain.DefaultDeckID, asReview(3, 0))

	_, _, err := f.sched.Answer(12345, 1, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = f.sched.Answer(fresh.ID, 4, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = f.sched.Answer(review.ID, 5, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = f.sched.Answer(review.ID, 0, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = f.sched.Answer(review.ID, 3, -1)
	assert.ErrorIs(t, err, domain.ErrValidation)

	for _, q := range []domain.Queue{domain.QueueSuspended, domain.QueueSiblingBuried, domain.QueueManuallyBuried} {
		held := f.card(t, domain.DefaultDeckID, func(c *domain.Card) {
			asReview(3, 0)(c)
			c.Queue = q
		})
		_, _, err = f.sched.Answer(held.ID, 3, 0)
		assert.ErrorIs(t, err, domain.ErrValidation, "queue %d", q)
		stored, err := f.st.GetCard(held.ID)
		require.NoError(t, err)
		assert.Equal(t, q, stored.Queue)
	}

	assert.Zero(t, f.st.RevlogCount())
	unchanged, err := f.st.GetCard(review.ID)
	require.NoError(t, err)
	assert.Equal(t, review, unchanged)
}

func TestAnswerClampsResponseTime(t *testing.T) {
	f := newFixture(t)
	c := f.card(t, domain.DefaultDeckID, nil)

	_, rev, err := f.sched.Answer(c.ID, 2, 10*60*1000)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultDeckConfig().MaxTaken*1000, rev.Time)
}

func TestGetNextPriority(t *testing.T) {
	f := newFixture(t)
	newCard := f.card(t, domain.DefaultDeckID, nil)
	review := f.card(t, domain.DefaultDeckID, asReview(3, 0))
	f.card(t, domain.DefaultDeckID, asReview(3, 5)) // not due yet
	learn := f.card(t, domain.DefaultDeckID, func(c *domain.Card) {
		c.Type, c.Queue, c.Left, c.Due = domain.CardTypeLearning, domain.QueueLearn, 1, testNow.Unix()-30
	})
	f.card(t, domain.DefaultDeckID, func(c *domain.Card) {
		c.Type, c.Queue, c.Left, c.Due = domain.CardTypeLearning, domain.QueueLearn, 1, testNow.Unix()+300
	})
	f.card(t, domain.DefaultDeckID, func(c *domain.Card) { c.Queue = domain.QueueSuspended })

	var order []int64
	for range 3 {
		c, ok, err := f.sched.GetNext(0)
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, c.ID)
		_, _, err = f.sched.Answer(c.ID, ButtonCount(c)-1, 1000)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{learn.ID, review.ID, newCard.ID}, order)

	_, ok, err := f.sched.GetNext(0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReviewTiesBrokenByID(t *testing.T) {
	f := newFixture(t)
	a := f.card(t, domain.DefaultDeckID, asReview(3, -1))
	f.card(t, domain.DefaultDeckID, asReview(3, -1))
	f.card(t, domain.DefaultDeckID, asReview(3, -2))

	c, ok, err := f.sched.GetNext(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(-2), c.Due)

	peek, ok, err := f.sched.PeekNext(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, peek.ID)
}

func TestDailyCapGatesNewCards(t *testing.T) {
	f := newFixture(t)
	parent := f.deck(t, "Languages")
	child := f.deck(t, "Languages::Spanish")
	f.limitDeck(t, parent.ID, 2, 200)
	for range 5 {
		f.card(t, child.ID, nil)
	}

	for range 2 {
		c, ok, err := f.sched.GetNext(child.ID)
		require.NoError(t, err)
		require.True(t, ok)
		_, _, err = f.sched.Answer(c.ID, 3, 1000)
		require.NoError(t, err)
	}

	_, ok, err := f.sched.GetNext(child.ID)
	require.NoError(t, err)
	assert.False(t, ok, "parent cap of 2 new cards applies to the child deck")

	d, err := f.st.GetDeck(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, d.NewToday.On(f.st.Today()))

	f.now = f.now.Add(24 * time.Hour)
	c, ok, err := f.sched.GetNext(child.ID)
	require.NoError(t, err)
	require.True(t, ok, "caps reset on the next day")
	assert.Equal(t, domain.QueueNew, c.Queue)
}

func TestDailyCapGatesReviews(t *testing.T) {
	f := newFixture(t)
	f.limitDeck(t, domain.DefaultDeckID, 20, 1)
	first := f.card(t, domain.DefaultDeckID, asReview(3, 0))
	f.card(t, domain.DefaultDeckID, asReview(3, 0))

	_, ok, err := f.sched.PeekNext(0)
	require.NoError(t, err)
	assert.False(t, ok, "peek simulates the first review against the cap")

	_, _, err = f.sched.Answer(first.ID, 3, 1000)
	require.NoError(t, err)
	_, ok, err = f.sched.GetNext(0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPeekNextDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	c1 := f.card(t, domain.DefaultDeckID, nil)
	c2 := f.card(t, domain.DefaultDeckID, nil)
	before := f.st.Snapshot()

	got, ok, err := f.sched.GetNext(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c1.ID, got.ID)

	peek, ok, err := f.sched.PeekNext(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c2.ID, peek.ID)
	assert.Equal(t, before, f.st.Snapshot())

	require.NoError(t, f.st.DeleteNote(c2.NoteID))
	_, ok, err = f.sched.PeekNext(0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetNextUnknownDeck(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.sched.GetNext(999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLeechSuspends(t *testing.T) {
	f := newFixture(t)
	conf, err := f.st.GetDeckConfig(domain.DefaultConfID)
	require.NoError(t, err)
	conf.Lapse.LeechFails = 2
	conf.Lapse.LeechAction = domain.LeechSuspend
	require.NoError(t, f.st.UpdateDeckConfig(conf))

	c := f.card(t, domain.DefaultDeckID, func(c *domain.Card) {
		asReview(10, 0)(c)
		c.Lapses = 1
	})
	got, _, err := f.sched.Answer(c.ID, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueSuspended, got.Queue)

	note, err := f.st.GetNote(c.NoteID)
	require.NoError(t, err)
	assert.True(t, note.HasTag(LeechTag))

	_, ok, err := f.sched.GetNext(0)
	require.NoError(t, err)
	assert.False(t, ok)
}
