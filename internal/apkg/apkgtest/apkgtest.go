// Package apkgtest builds Anki package files for tests.
package apkgtest

import (
	"bytes"
	"cmp"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const fixtureSchema = `
CREATE TABLE col (
	id integer primary key, crt integer not null, mod integer not null,
	scm integer not null, ver integer not null, dty integer not null,
	usn integer not null, ls integer not null, conf text not null,
	models text not null, decks text not null, dconf text not null,
	tags text not null
);
CREATE TABLE notes (
	id integer primary key, guid text not null, mid integer not null,
	mod integer not null, usn integer not null, tags text not null,
	flds text not null, sfld integer not null, csum integer not null,
	flags integer not null, data text not null
);
CREATE TABLE cards (
	id integer primary key, nid integer not null, did integer not null,
	ord integer not null, mod integer not null, usn integer not null,
	type integer not null, queue integer not null, due integer not null,
	ivl integer not null, factor integer not null, reps integer not null,
	lapses integer not null, left integer not null, odue integer not null,
	odid integer not null, flags integer not null, data text not null
);
CREATE TABLE revlog (
	id integer primary key, cid integer not null, usn integer not null,
	ease integer not null, ivl integer not null, lastIvl integer not null,
	factor integer not null, time integer not null, type integer not null
);
CREATE TABLE graves (usn integer not null, oid integer not null, type integer not null);
`

// Archive entry names.
const (
	EntryLegacy     = "collection.anki2"
	EntryModern     = "collection.anki21"
	EntryCompressed = "collection.anki21b"
	EntryManifest   = "media"
)

// Crt is the creation time of every fixture collection.
const Crt = 1700000000

// Ids used by the default fixture.
const (
	ModelID = 1342697561419
	DeckID  = 1342697561420
	ConfID  = 1342697561421
)

// fixtureModels uses the mixed encodings older exports contain: string ids,
// float ords and a null css.
const fixtureModels = `{
	"1342697561419": {
		"id": "1342697561419", "name": "Basic", "type": 0, "mod": 1700000000,
		"usn": -1, "sortf": 0, "did": 1, "css": null,
		"flds": [{"name": "Back", "ord": 1.0}, {"name": "Front", "ord": 0}],
		"tmpls": [{"name": "Card 1", "ord": 0, "qfmt": "{{Front}}", "afmt": "{{Back}}"}]
	}
}`

// Fixture describes a package to build. Rows are column values in table
// order.
type Fixture struct {
	Ver         int
	DeckConfigs string
	// Decks replaces the default decks JSON when set.
	Decks   string
	Notes   [][]any
	Cards   [][]any
	Revlog  [][]any
	Media   map[string][]byte
	Entry   string
	NoMedia bool
}

// Default returns a Basic-model package with two notes, two cards in
// "Spanish::Vocab", one review and two media files.
func Default() Fixture {
	return Fixture{
		Ver: 11,
		DeckConfigs: `{"1342697561421": {"id": 1342697561421, "name": "Spanish", "mod": 0, "usn": 0,
			"new": {"delays": [1, 10], "ints": [2, 5, 7], "initialFactor": 2300, "perDay": 15},
			"rev": {"perDay": 100, "ease4": 1.4, "ivlFct": 1, "maxIvl": 3650},
			"lapse": {"delays": [5], "mult": 0.5, "minInt": 2, "leechFails": 6, "leechAction": 0},
			"maxTaken": 90}}`,
		Notes: [][]any{
			{1000, "guid-hola", ModelID, 1700000100, -1, " spanish  greeting ", "hola\x1fhello <img src=\"a:b.png\">", "hola", 0, 0, ""},
			{1001, "guid-adios", ModelID, 1700000100, -1, "", "adiós\x1f[sound:bye.mp3]", "adiós", 0, 0, ""},
		},
		Cards: [][]any{
			{2000, 1000, DeckID, 0, 1700000100, -1, 2, 2, 15, 10, 2500, 4, 0, 0, 0, 0, 0, ""},
			{2001, 1001, DeckID, 0, 1700000100, -1, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, ""},
		},
		Revlog: [][]any{
			{1700000050000, 2000, -1, 3, 10, 4, 2500, 6000, 1},
		},
		Media: map[string][]byte{
			"a:b.png": []byte("png bytes"),
			"bye.mp3": []byte("mp3 bytes"),
		},
		Entry: EntryModern,
	}
}

// NewCards returns a package with one deck, "Spanish", holding n new Basic
// cards under the default deck options and no media.
func NewCards(n int) Fixture {
	fx := Fixture{
		Ver:         11,
		DeckConfigs: "{}",
		Decks:       fmt.Sprintf(`{"%d": {"id": %d, "name": "Spanish", "conf": 1, "dyn": 0}}`, DeckID, DeckID),
		Entry:       EntryModern,
		NoMedia:     true,
	}
	for i := range n {
		nid, cid := 5000+i, 6000+i
		front := fmt.Sprintf("palabra %d", i)
		fx.Notes = append(fx.Notes, []any{nid, fmt.Sprintf("guid-%d", i), ModelID, 1700000100, -1, "", front + "\x1fword", front, 0, 0, ""})
		fx.Cards = append(fx.Cards, []any{cid, nid, DeckID, 0, 1700000100, -1, 0, 0, i + 1, 0, 0, 0, 0, 0, 0, 0, 0, ""})
	}
	return fx
}

func fixtureDecks() string {
	decks := map[string]any{
		"1": map[string]any{"id": 1, "name": "Default", "conf": 1, "dyn": 0},
		"1342697561420": map[string]any{
			"id": DeckID, "name": "Spanish::Vocab", "conf": ConfID, "dyn": false,
			"newToday": []int{5, 3}, "revToday": []int{5, 10}, "lrnToday": []int{5, 0},
		},
	}
	b, _ := json.Marshal(decks)
	return string(b)
}

// Collection writes a collection database and returns its bytes.
func Collection(t testing.TB, fx Fixture) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collection.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(fixtureSchema)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO col VALUES (1, ?, 1700000200000, 1700000000000, ?, 0, 0, 0, '{}', ?, ?, ?, '{}')`,
		Crt, fx.Ver, fixtureModels, cmp.Or(fx.Decks, fixtureDecks()), fx.DeckConfigs)
	require.NoError(t, err)
	for _, n := range fx.Notes {
		_, err = db.Exec(`INSERT INTO notes VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, n...)
		require.NoError(t, err)
	}
	for _, c := range fx.Cards {
		_, err = db.Exec(`INSERT INTO cards VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, c...)
		require.NoError(t, err)
	}
	for _, r := range fx.Revlog {
		_, err = db.Exec(`INSERT INTO revlog VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, r...)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// Write builds fx as a package file in a temporary directory and returns
// its path.
func Write(t testing.TB, fx Fixture) string {
	t.Helper()
	dbBytes := Collection(t, fx)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name string, data []byte) {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}

	if fx.Entry == EntryCompressed {
		var zbuf bytes.Buffer
		enc, err := zstd.NewWriter(&zbuf)
		require.NoError(t, err)
		_, err = enc.Write(dbBytes)
		require.NoError(t, err)
		require.NoError(t, enc.Close())
		write(EntryCompressed, zbuf.Bytes())
		write(EntryLegacy, Collection(t, Fixture{Ver: 11, DeckConfigs: "{}"}))
	} else {
		write(fx.Entry, dbBytes)
	}

	if !fx.NoMedia {
		manifest := map[string]string{}
		i := 0
		for _, name := range slices.Sorted(maps.Keys(fx.Media)) {
			key := strconv.Itoa(i)
			manifest[key] = name
			write(key, fx.Media[name])
			i++
		}
		b, err := json.Marshal(manifest)
		require.NoError(t, err)
		write(EntryManifest, b)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "deck.apkg")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}
