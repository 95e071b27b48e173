package domain

// RevlogType records which state the card was in when it was answered.
type RevlogType int

const (
	RevlogLearn   RevlogType = 0
	RevlogReview  RevlogType = 1
	RevlogRelearn RevlogType = 2
	RevlogCram    RevlogType = 3
)

// Revlog records a single review event for a card. Rows are append-only.
//
// Ease is the button that was pressed: 1-3 for cards in a learning state,
// 1-4 for review cards. Ivl and LastIvl are in days for rows written by the
// scheduler; imported rows keep Anki's convention of negative seconds for
// learning intervals.
type Revlog struct {
	ID      int64      `json:"id"`
	CardID  int64      `json:"cid"`
	Usn     int        `json:"usn"`
	Ease    int        `json:"ease"`
	Ivl     int        `json:"ivl"`
	LastIvl int        `json:"lastIvl"`
	Factor  int        `json:"factor"`
	Time    int        `json:"time"`
	Type    RevlogType `json:"type"`
}
