package domain

import "strings"

// DeckSeparator separates the components of a hierarchical deck name.
const DeckSeparator = "::"

// DefaultDeckID and DefaultConfID identify the rows every store starts with.
const (
	DefaultDeckID int64 = 1
	DefaultConfID int64 = 1
)

// DayCount is a per-day counter. It is only meaningful when Day is today.
type DayCount struct {
	Day   int64 `json:"day"`
	Count int   `json:"count"`
}

// On returns the count for day, treating a stale counter as zero.
func (d DayCount) On(day int64) int {
	if d.Day != day {
		return 0
	}
	return d.Count
}

// Add increments the counter for day, resetting it first if it is stale.
func (d DayCount) Add(day int64, n int) DayCount {
	if d.Day != day {
		return DayCount{Day: day, Count: n}
	}
	return DayCount{Day: day, Count: d.Count + n}
}

// Deck is a named collection of cards.
type Deck struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	ConfID    int64    `json:"conf"`
	Desc      string   `json:"desc"`
	Mod       int64    `json:"mod"`
	Usn       int      `json:"usn"`
	Dyn       bool     `json:"dyn"`
	Collapsed bool     `json:"collapsed"`
	NewToday  DayCount `json:"newToday"`
	RevToday  DayCount `json:"revToday"`
	LrnToday  DayCount `json:"lrnToday"`
}

// DeckPath splits a deck name into its components.
func DeckPath(name string) []string {
	return strings.Split(name, DeckSeparator)
}

// AncestorNames returns the names of every ancestor of name, root first.
func AncestorNames(name string) []string {
	parts := DeckPath(name)
	out := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		out = append(out, strings.Join(parts[:i], DeckSeparator))
	}
	return out
}

// IsDescendant reports whether name lies strictly below ancestor.
func IsDescendant(name, ancestor string) bool {
	return len(name) > len(ancestor)+len(DeckSeparator) &&
		strings.EqualFold(name[:len(ancestor)], ancestor) &&
		strings.HasPrefix(name[len(ancestor):], DeckSeparator)
}

// NormalizeDeckName trims whitespace around each component and drops empty ones.
func NormalizeDeckName(name string) string {
	parts := DeckPath(name)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, DeckSeparator)
}
