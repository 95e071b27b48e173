package domain

// ModelType distinguishes standard note types from cloze note types.
type ModelType int

const (
	ModelStandard ModelType = 0
	ModelCloze    ModelType = 1
)

// Field is one named field of a model.
type Field struct {
	Name string `json:"name"`
	Ord  int    `json:"ord"`
}

// Template produces one card per note (per cloze number for cloze models).
type Template struct {
	Name string `json:"name"`
	Ord  int    `json:"ord"`
	QFmt string `json:"qfmt"`
	AFmt string `json:"afmt"`
}

// Model is a note type: the fields a note carries and how cards are built.
type Model struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Type      ModelType  `json:"type"`
	Mod       int64      `json:"mod"`
	Usn       int        `json:"usn"`
	SortField int        `json:"sortf"`
	DeckID    int64      `json:"did"`
	Fields    []Field    `json:"flds"`
	Templates []Template `json:"tmpls"`
	CSS       string     `json:"css"`
}
