// Package sched implements SM-2 style scheduling on top of a store: picking
// the next card to study and applying answers to it.
package sched

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"

	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/store"
)

// LeechTag is added to the note of a card that has lapsed too often.
const LeechTag = "leech"

// Scheduler selects and answers cards of one store.
type Scheduler struct {
	store  *store.Store
	logger *slog.Logger

	// mu serializes Answer's read-modify-write of a card.
	mu sync.Mutex
}

// New returns a scheduler for st.
func New(st *store.Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: st, logger: logger}
}

// usage tracks cap consumption that has been simulated but not written.
type usage map[int64]int

// selector picks cards for one GetNext/PeekNext call. Deck chains and
// configs are cached for the duration of the call.
type selector struct {
	st      *store.Store
	now     int64
	today   int64
	chains  map[int64][]domain.Deck
	configs map[int64]domain.DeckConfig
}

func (s *Scheduler) newSelector() *selector {
	col := s.store.GetCol()
	now := s.store.Now().Unix()
	return &selector{
		st:      s.store,
		now:     now,
		today:   col.Today(now),
		chains:  make(map[int64][]domain.Deck),
		configs: make(map[int64]domain.DeckConfig),
	}
}

func (sel *selector) chain(deckID int64) ([]domain.Deck, error) {
	if ch, ok := sel.chains[deckID]; ok {
		return ch, nil
	}
	ch, err := sel.st.DeckChain(deckID)
	if err != nil {
		return nil, err
	}
	sel.chains[deckID] = ch
	return ch, nil
}

func (sel *selector) config(deckID int64) (domain.DeckConfig, error) {
	if c, ok := sel.configs[deckID]; ok {
		return c, nil
	}
	c, err := sel.st.ConfigFor(deckID)
	if err != nil {
		return domain.DeckConfig{}, err
	}
	sel.configs[deckID] = c
	return c, nil
}

// allowed reports whether c fits under the daily cap of its deck and of
// every ancestor, counting the simulated usage in extra.
func (sel *selector) allowed(c domain.Card, extra usage) (bool, error) {
	ch, err := sel.chain(c.DeckID)
	if err != nil {
		return false, err
	}
	for _, d := range ch {
		conf, err := sel.config(d.ID)
		if err != nil {
			return false, err
		}
		var used, limit int
		if c.Queue == domain.QueueNew {
			used, limit = d.NewToday.On(sel.today), conf.New.PerDay
		} else {
			used, limit = d.RevToday.On(sel.today), conf.Rev.PerDay
		}
		if used+extra[d.ID] >= limit {
			return false, nil
		}
	}
	return true, nil
}

// consume records c against the caps of its deck chain in extra.
func (sel *selector) consume(c domain.Card, newUse, revUse usage) error {
	var u usage
	switch c.Queue {
	case domain.QueueNew:
		u = newUse
	case domain.QueueReview:
		u = revUse
	default:
		return nil
	}
	ch, err := sel.chain(c.DeckID)
	if err != nil {
		return err
	}
	for _, d := range ch {
		u[d.ID]++
	}
	return nil
}

// pick returns the highest-priority due card among cards, skipping the ids
// in exclude: due learning cards, then due reviews, then new cards.
func (sel *selector) pick(cards []domain.Card, exclude map[int64]bool, newUse, revUse usage) (domain.Card, bool, error) {
	var learn, review, fresh []domain.Card
	for _, c := range cards {
		if exclude[c.ID] {
			continue
		}
		switch c.Queue {
		case domain.QueueLearn:
			if c.Due <= sel.now {
				learn = append(learn, c)
			}
		case domain.QueueDayLearn:
			if c.Due <= sel.today {
				learn = append(learn, c)
			}
		case domain.QueueReview:
			if c.Due <= sel.today {
				review = append(review, c)
			}
		case domain.QueueNew:
			fresh = append(fresh, c)
		}
	}

	if len(learn) > 0 {
		slices.SortFunc(learn, func(a, b domain.Card) int {
			// intraday steps come before day-based ones
			if a.Queue != b.Queue {
				return cmp.Compare(a.Queue, b.Queue)
			}
			return byDue(a, b)
		})
		return learn[0], true, nil
	}
	for _, tier := range []struct {
		cards []domain.Card
		used  usage
	}{{review, revUse}, {fresh, newUse}} {
		slices.SortFunc(tier.cards, byDue)
		for _, c := range tier.cards {
			ok, err := sel.allowed(c, tier.used)
			if err != nil {
				return domain.Card{}, false, err
			}
			if ok {
				return c, true, nil
			}
		}
	}
	return domain.Card{}, false, nil
}

func byDue(a, b domain.Card) int {
	if c := cmp.Compare(a.Due, b.Due); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (s *Scheduler) cardsIn(deckID int64) ([]domain.Card, error) {
	if deckID == 0 {
		return s.store.Cards(), nil
	}
	return s.store.GetCardsByDeck(deckID)
}

// GetNext returns the card to study next in deck deckID and its
// descendants, or in the whole collection when deckID is 0. ok is false
// when nothing is due.
func (s *Scheduler) GetNext(deckID int64) (card domain.Card, ok bool, err error) {
	cards, err := s.cardsIn(deckID)
	if err != nil {
		return domain.Card{}, false, err
	}
	sel := s.newSelector()
	return sel.pick(cards, nil, usage{}, usage{})
}

// PeekNext returns the card that would follow the one GetNext returns,
// assuming that card is answered first. ok is false when there is no second
// distinct card.
func (s *Scheduler) PeekNext(deckID int64) (card domain.Card, ok bool, err error) {
	cards, err := s.cardsIn(deckID)
	if err != nil {
		return domain.Card{}, false, err
	}
	sel := s.newSelector()
	newUse, revUse := usage{}, usage{}
	first, ok, err := sel.pick(cards, nil, newUse, revUse)
	if err != nil || !ok {
		return domain.Card{}, false, err
	}
	if err := sel.consume(first, newUse, revUse); err != nil {
		return domain.Card{}, false, err
	}
	return sel.pick(cards, map[int64]bool{first.ID: true}, newUse, revUse)
}

// Answer applies the button ease to card cardID, records the review and
// stores the updated card. responseMs is clamped to the deck's MaxTaken.
// Suspended and buried cards cannot be answered.
func (s *Scheduler) Answer(cardID int64, ease int, responseMs int64) (domain.Card, domain.Revlog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, err := s.store.GetCard(cardID)
	if err != nil {
		return domain.Card{}, domain.Revlog{}, err
	}
	if card.Queue < domain.QueueNew {
		return domain.Card{}, domain.Revlog{}, domain.NewValidation("card.queue", card.Queue, "card is suspended or buried")
	}
	rating, err := Resolve(card, ease)
	if err != nil {
		return domain.Card{}, domain.Revlog{}, err
	}
	if responseMs < 0 {
		return domain.Card{}, domain.Revlog{}, domain.NewValidation("responseMs", responseMs, "must not be negative")
	}
	conf, err := s.store.ConfigFor(card.DeckID)
	if err != nil {
		return domain.Card{}, domain.Revlog{}, err
	}

	now := s.store.Now()
	today := s.store.GetCol().Today(now.Unix())
	out := transition(card, rating, conf, now, today)
	next := out.card

	if out.leech {
		if err := s.markLeech(next.NoteID); err != nil {
			return domain.Card{}, domain.Revlog{}, err
		}
		if conf.Lapse.LeechAction == domain.LeechSuspend {
			next.Queue = domain.QueueSuspended
		}
		s.logger.Info("card became a leech", "card_id", next.ID, "lapses", next.Lapses)
	}

	if err := s.store.UpdateCard(next); err != nil {
		return domain.Card{}, domain.Revlog{}, err
	}
	rev := domain.Revlog{
		ID:      s.store.NextID(),
		CardID:  next.ID,
		Ease:    ease,
		Ivl:     reviewIvl(next),
		LastIvl: reviewIvl(card),
		Factor:  next.Factor,
		Time:    int(min(responseMs, int64(conf.MaxTaken)*1000)),
		Type:    out.kind,
	}
	if _, err := s.store.AddRevlog(rev); err != nil {
		return domain.Card{}, domain.Revlog{}, err
	}
	if err := s.store.BumpCounters(card.DeckID, today, counterKind(card)); err != nil {
		return domain.Card{}, domain.Revlog{}, err
	}

	s.logger.Debug("answered card",
		"card_id", next.ID,
		"rating", rating.String(),
		"type", next.Type.String(),
		"ivl", next.Ivl,
		"factor", next.Factor,
	)
	return next, rev, nil
}

func (s *Scheduler) markLeech(noteID int64) error {
	note, err := s.store.GetNote(noteID)
	if err != nil {
		return err
	}
	if note.HasTag(LeechTag) {
		return nil
	}
	note.Tags = append(note.Tags, LeechTag)
	return s.store.UpdateNote(note)
}

// reviewIvl is the interval in days a card carries in the review queue, or
// 0 while it is (re)learning.
func reviewIvl(c domain.Card) int {
	if c.Type != domain.CardTypeReview {
		return 0
	}
	return max(c.Ivl, 0)
}

func counterKind(c domain.Card) domain.CardType {
	switch c.Type {
	case domain.CardTypeNew, domain.CardTypeReview:
		return c.Type
	default:
		return domain.CardTypeLearning
	}
}
