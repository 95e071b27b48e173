package domain

import "strings"

// MediaEntry is a file in the media directory referenced by note content.
//
// RefCount counts explicit registrations. NoteRefs is derived by scanning note
// fields. An entry is eligible for deletion only when both are zero.
type MediaEntry struct {
	Filename  string `json:"fname"`
	RefCount  int    `json:"refs"`
	NoteRefs  int    `json:"noteRefs"`
	Signature string `json:"sig"`
	Size      int64  `json:"size"`
	Added     int64  `json:"added"`
}

// Unreferenced reports whether GC may delete the entry.
func (m MediaEntry) Unreferenced() bool {
	return m.RefCount <= 0 && m.NoteRefs <= 0
}

// ValidateMediaName rejects names that could escape the media directory.
func ValidateMediaName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return NewValidation("media.fname", name, "not a file name")
	case strings.ContainsAny(name, "/\\\x00"):
		return NewValidation("media.fname", name, "contains a path separator or NUL")
	case strings.Contains(name, ".."):
		return NewValidation("media.fname", name, "contains a parent reference")
	case len(name) >= 2 && name[1] == ':':
		return NewValidation("media.fname", name, "contains a drive prefix")
	}
	return nil
}
