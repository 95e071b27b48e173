package sched

import (
	"math"
	"time"

	"github.com/conorfennell/ankistore/internal/domain"
)

const secondsPerMinute = 60

// outcome is the result of applying one answer to a card.
type outcome struct {
	card  domain.Card
	kind  domain.RevlogType
	leech bool
}

// transition applies r to c under conf. now is the answer time and today the
// collection day index at that time. c is not modified.
func transition(c domain.Card, r Rating, conf domain.DeckConfig, now time.Time, today int64) outcome {
	out := outcome{kind: revlogKind(c)}
	c.Reps++
	c.Mod = now.Unix()
	c.Left %= 1000
	if c.Factor == 0 {
		c.Factor = conf.New.InitialFactor
	}

	switch c.Type {
	case domain.CardTypeNew:
		c.Type = domain.CardTypeLearning
		c.Left = len(conf.New.Delays)
		c = answerLearning(c, r, conf.New.Delays, conf, now, today)
	case domain.CardTypeLearning:
		c = answerLearning(c, r, conf.New.Delays, conf, now, today)
	case domain.CardTypeRelearning:
		c = answerLearning(c, r, conf.Lapse.Delays, conf, now, today)
	default:
		if r == Again {
			c, out.leech = lapse(c, conf, now, today)
		} else {
			c = answerReview(c, r, conf, today)
		}
	}
	c.Factor = conf.ClampFactor(c.Factor)
	out.card = c
	return out
}

// answerLearning moves a card through its (re)learning steps. Left counts
// the steps still to pass.
func answerLearning(c domain.Card, r Rating, delays []float64, conf domain.DeckConfig, now time.Time, today int64) domain.Card {
	relearning := c.Type == domain.CardTypeRelearning
	switch r {
	case Easy:
		return graduate(c, conf, today, true)
	case Again:
		if len(delays) == 0 {
			if relearning {
				return graduate(c, conf, today, false)
			}
			c.Left = 1
			return toLearnQueue(c, secondsPerMinute, now)
		}
		c.Left = len(delays)
		return toLearnQueue(c, stepSeconds(delays[0]), now)
	default:
		c.Left--
		if c.Left <= 0 || len(delays) == 0 {
			return graduate(c, conf, today, false)
		}
		step := min(len(delays)-c.Left, len(delays)-1)
		return toLearnQueue(c, stepSeconds(delays[step]), now)
	}
}

func toLearnQueue(c domain.Card, secs int64, now time.Time) domain.Card {
	c.Queue = domain.QueueLearn
	c.Due = now.Unix() + secs
	return c
}

func stepSeconds(minutes float64) int64 {
	return max(1, int64(math.Round(minutes*secondsPerMinute)))
}

// graduate turns a (re)learning card into a review card. Relearning cards
// keep the interval assigned at the lapse.
func graduate(c domain.Card, conf domain.DeckConfig, today int64, early bool) domain.Card {
	if c.Type != domain.CardTypeRelearning {
		if early {
			c.Ivl = conf.New.EasyIvl
		} else {
			c.Ivl = conf.New.GraduatingIvl
		}
	}
	c.Ivl = min(max(c.Ivl, 1), conf.Rev.MaxIvl)
	c.Type = domain.CardTypeReview
	c.Queue = domain.QueueReview
	c.Due = today + int64(c.Ivl)
	c.Left = 0
	return c
}

// answerReview schedules a passed review. Each easier button yields at least
// one day more than the harder one.
func answerReview(c domain.Card, r Rating, conf domain.DeckConfig, today int64) domain.Card {
	hard, good, easy := nextIntervals(c, conf, today)
	switch r {
	case Hard:
		c.Ivl = hard
		c.Factor -= 150
	case Good:
		c.Ivl = good
	case Easy:
		c.Ivl = easy
		c.Factor += 150
	}
	c.Queue = domain.QueueReview
	c.Due = today + int64(c.Ivl)
	return c
}

func nextIntervals(c domain.Card, conf domain.DeckConfig, today int64) (hard, good, easy int) {
	fct := float64(c.Factor) / 1000
	delay := max(0, today-c.Due)
	ivl := float64(c.Ivl)

	constrain := func(days float64, prev int) int {
		n := int(math.Round(days * conf.Rev.IvlFct))
		n = max(n, prev+1, 1)
		return min(n, conf.Rev.MaxIvl)
	}
	hard = constrain(ivl*conf.Rev.HardFactor, c.Ivl)
	good = constrain((ivl+float64(delay/2))*fct, hard)
	easy = constrain((ivl+float64(delay))*fct*conf.Rev.EasyBonus, good)
	return hard, good, easy
}

// lapse handles a failed review. It reports whether the card has just become
// a leech.
func lapse(c domain.Card, conf domain.DeckConfig, now time.Time, today int64) (domain.Card, bool) {
	c.Lapses++
	c.Factor -= 200
	c.Ivl = min(max(conf.Lapse.MinInt, int(math.Round(float64(c.Ivl)*conf.Lapse.Mult)), 1), conf.Rev.MaxIvl)

	if len(conf.Lapse.Delays) > 0 {
		c.Type = domain.CardTypeRelearning
		c.Left = len(conf.Lapse.Delays)
		c = toLearnQueue(c, stepSeconds(conf.Lapse.Delays[0]), now)
	} else {
		c.Type = domain.CardTypeReview
		c.Queue = domain.QueueReview
		c.Due = today + int64(c.Ivl)
	}
	return c, isLeech(c.Lapses, conf.Lapse.LeechFails)
}

// isLeech reports whether lapses crosses the leech threshold: at fails and
// again every half of fails after that.
func isLeech(lapses, fails int) bool {
	if fails <= 0 || lapses < fails {
		return false
	}
	return (lapses-fails)%max(fails/2, 1) == 0
}

func revlogKind(c domain.Card) domain.RevlogType {
	switch {
	case c.ODid != 0:
		return domain.RevlogCram
	case c.Type == domain.CardTypeReview:
		return domain.RevlogReview
	case c.Type == domain.CardTypeRelearning:
		return domain.RevlogRelearn
	default:
		return domain.RevlogLearn
	}
}
