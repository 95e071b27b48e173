package sched

import (
	"fmt"

	"github.com/conorfennell/ankistore/internal/domain"
)

// Rating is the user's response to a card review.
type Rating int

const (
	Again Rating = 1
	Hard  Rating = 2
	Good  Rating = 3
	Easy  Rating = 4
)

func (r Rating) String() string {
	switch r {
	case Again:
		return "again"
	case Hard:
		return "hard"
	case Good:
		return "good"
	case Easy:
		return "easy"
	default:
		return fmt.Sprintf("rating(%d)", int(r))
	}
}

// ButtonCount returns how many answer buttons apply to c: three while the
// card is new or stepping through (re)learning, four once it is in review.
func ButtonCount(c domain.Card) int {
	if c.InLearning() {
		return 3
	}
	return 4
}

// Resolve maps the button pressed on c's answer scale to a Rating.
// On the three-button scale 1, 2 and 3 mean again, good and easy.
func Resolve(c domain.Card, ease int) (Rating, error) {
	n := ButtonCount(c)
	if ease < 1 || ease > n {
		return 0, domain.NewValidation("ease", ease, fmt.Sprintf("must be between 1 and %d for a %s card", n, c.Type))
	}
	if n == 3 {
		return [...]Rating{Again, Good, Easy}[ease-1], nil
	}
	return Rating(ease), nil
}
