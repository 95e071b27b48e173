package media

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/conorfennell/ankistore/internal/domain"
)

// windowsReserved are device names that cannot be used as file names on
// Windows, with or without an extension.
var windowsReserved = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// Sanitize turns name into a flat file name that is safe on every platform.
// Characters that are invalid in file names are dropped, as are leading and
// trailing spaces and dots. The result is empty when nothing usable remains.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(`\/:*?"<>|`, r) {
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	s = strings.Trim(s, " .")

	stem := strings.ToLower(strings.TrimSuffix(s, filepath.Ext(s)))
	if windowsReserved[stem] {
		s = "_" + s
	}
	return s
}

// CheckTraversal rejects a name that tries to leave its directory: one with a
// path separator, a NUL byte or that is a parent reference itself. Other
// invalid characters are left for Sanitize to drop.
func CheckTraversal(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return domain.NewValidation("media.fname", name, "not a file name")
	case strings.ContainsAny(name, "/\\\x00"):
		return domain.NewValidation("media.fname", name, "contains a path separator or NUL")
	}
	return nil
}

// CheckDir rejects a media directory that equals or contains any of the
// protected paths.
func CheckDir(dir string, protected ...string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return domain.NewValidation("media_dir", dir, err.Error())
	}
	for _, p := range protected {
		pabs, err := filepath.Abs(p)
		if err != nil {
			return domain.NewValidation("media_dir", dir, err.Error())
		}
		rel, err := filepath.Rel(abs, pabs)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return domain.NewValidation("media_dir", dir, "must not contain "+p)
		}
	}
	return nil
}

// WithSuffix inserts suffix before the extension of name.
func WithSuffix(name, suffix string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + suffix + ext
}
