package domain

// CardType is the long-term scheduling state of a card.
type CardType int

const (
	CardTypeNew        CardType = 0
	CardTypeLearning   CardType = 1
	CardTypeReview     CardType = 2
	CardTypeRelearning CardType = 3
)

func (t CardType) String() string {
	switch t {
	case CardTypeNew:
		return "new"
	case CardTypeLearning:
		return "learning"
	case CardTypeReview:
		return "review"
	case CardTypeRelearning:
		return "relearning"
	default:
		return "unknown"
	}
}

// Queue is the scheduling bucket a card currently sits in.
// Negative queues are never returned by the scheduler.
type Queue int

const (
	QueueManuallyBuried Queue = -3
	QueueSiblingBuried  Queue = -2
	QueueSuspended      Queue = -1
	QueueNew            Queue = 0
	QueueLearn          Queue = 1
	QueueReview         Queue = 2
	QueueDayLearn       Queue = 3
)

// Card is a single reviewable unit derived from a note.
//
// The unit of Due depends on Queue: a position for new cards, epoch seconds
// for QueueLearn and a day index relative to Collection.Crt for QueueReview
// and QueueDayLearn. Factor is the ease factor in permille (2500 = 2.5).
type Card struct {
	ID     int64    `json:"id"`
	NoteID int64    `json:"nid"`
	DeckID int64    `json:"did"`
	Ord    int      `json:"ord"`
	Mod    int64    `json:"mod"`
	Usn    int      `json:"usn"`
	Type   CardType `json:"type"`
	Queue  Queue    `json:"queue"`
	Due    int64    `json:"due"`
	Ivl    int      `json:"ivl"`
	Factor int      `json:"factor"`
	Reps   int      `json:"reps"`
	Lapses int      `json:"lapses"`
	Left   int      `json:"left"`
	ODue   int64    `json:"odue"`
	ODid   int64    `json:"odid"`
	Flags  int      `json:"flags"`
	Data   string   `json:"data"`
}

// InLearning reports whether the card is in one of the step-based states.
func (c Card) InLearning() bool {
	return c.Type == CardTypeNew || c.Type == CardTypeLearning || c.Type == CardTypeRelearning
}

// Schedulable reports whether the card may be shown at all.
func (c Card) Schedulable() bool {
	return c.Queue >= QueueNew
}
