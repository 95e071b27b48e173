package domain

// LeechAction decides what happens to a card that becomes a leech.
type LeechAction int

const (
	LeechSuspend LeechAction = 0
	LeechTagOnly LeechAction = 1
)

// NewConfig holds the settings for cards that have not graduated yet.
// Delays are learning steps in minutes; an empty list graduates on the
// first passing answer.
type NewConfig struct {
	Delays        []float64 `json:"delays" validate:"dive,gt=0"`
	GraduatingIvl int       `json:"graduatingIvl" validate:"gte=1"`
	EasyIvl       int       `json:"easyIvl" validate:"gte=1"`
	InitialFactor int       `json:"initialFactor" validate:"gte=1300"`
	PerDay        int       `json:"perDay" validate:"gte=0"`
}

// RevConfig holds the settings for review cards.
type RevConfig struct {
	PerDay     int     `json:"perDay" validate:"gte=0"`
	EasyBonus  float64 `json:"ease4" validate:"gte=1"`
	HardFactor float64 `json:"hardFactor" validate:"gt=0"`
	IvlFct     float64 `json:"ivlFct" validate:"gt=0"`
	MaxIvl     int     `json:"maxIvl" validate:"gte=1"`
}

// LapseConfig holds the settings applied when a review card is failed.
// Delays are relearning steps in minutes; an empty list skips relearning.
type LapseConfig struct {
	Delays      []float64   `json:"delays" validate:"dive,gt=0"`
	Mult        float64     `json:"mult" validate:"gte=0,lte=1"`
	MinInt      int         `json:"minInt" validate:"gte=1"`
	LeechFails  int         `json:"leechFails" validate:"gte=0"`
	LeechAction LeechAction `json:"leechAction" validate:"oneof=0 1"`
}

// DeckConfig holds scheduling parameters shared by decks.
// Factors are in permille.
type DeckConfig struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name" validate:"required"`
	Mod       int64       `json:"mod"`
	Usn       int         `json:"usn"`
	New       NewConfig   `json:"new"`
	Rev       RevConfig   `json:"rev"`
	Lapse     LapseConfig `json:"lapse"`
	MinFactor int         `json:"minFactor" validate:"gte=1000"`
	MaxFactor int         `json:"maxFactor" validate:"gtefield=MinFactor"`
	MaxTaken  int         `json:"maxTaken" validate:"gte=1"`
}

// DefaultDeckConfig returns the settings a fresh collection starts with.
func DefaultDeckConfig() DeckConfig {
	return DeckConfig{
		ID:   DefaultConfID,
		Name: "Default",
		New: NewConfig{
			Delays:        []float64{1, 10},
			GraduatingIvl: 1,
			EasyIvl:       4,
			InitialFactor: 2500,
			PerDay:        20,
		},
		Rev: RevConfig{
			PerDay:     200,
			EasyBonus:  1.3,
			HardFactor: 1.2,
			IvlFct:     1,
			MaxIvl:     36500,
		},
		Lapse: LapseConfig{
			Delays:      []float64{10},
			Mult:        0,
			MinInt:      1,
			LeechFails:  8,
			LeechAction: LeechTagOnly,
		},
		MinFactor: 1300,
		MaxFactor: 5000,
		MaxTaken:  60,
	}
}

// ClampFactor bounds factor to the configured ease range.
func (c DeckConfig) ClampFactor(factor int) int {
	return min(max(factor, c.MinFactor), c.MaxFactor)
}
