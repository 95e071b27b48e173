package domain

import (
	"slices"
	"strings"
)

// FieldSeparator separates field values in Anki's flds column.
const FieldSeparator = "\x1f"

// Note is a unit of content. Cards are derived from it.
type Note struct {
	ID        int64    `json:"id"`
	GUID      string   `json:"guid"`
	ModelID   int64    `json:"mid"`
	Mod       int64    `json:"mod"`
	Usn       int      `json:"usn"`
	Tags      []string `json:"tags"`
	Fields    []string `json:"flds"`
	SortField string   `json:"sfld"`
	Checksum  int64    `json:"csum"`
	Flags     int      `json:"flags"`
	Data      string   `json:"data"`
}

// HasTag reports whether the note carries tag, compared case-insensitively.
func (n Note) HasTag(tag string) bool {
	return slices.ContainsFunc(n.Tags, func(t string) bool { return strings.EqualFold(t, tag) })
}
