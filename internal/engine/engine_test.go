package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/ankistore/internal/apkg/apkgtest"
	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/storage"
)

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e, err := New(Options{
		DataDir:      dir,
		Flush:        storage.FlushPolicy{QuietPeriod: time.Hour},
		MediaWorkers: 2,
		Clock: func() time.Time {
			now = now.Add(time.Millisecond)
			return now
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return e
}

func TestLoadWithoutSnapshotIsFresh(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	res, err := e.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Fresh)
	assert.Len(t, e.GetAllDecks(), 1)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := newTestEngine(t, dir)

	deck, err := e.AddDeck(domain.Deck{Name: "Spanish::Verbs"})
	require.NoError(t, err)
	_, cards, err := e.CreateNote(NewNote{DeckID: deck.ID, Fields: []string{"ser", "to be"}, Tags: []string{"verb"}})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	_, _, err = e.Answer(cards[0].ID, 3, 4000)
	require.NoError(t, err)
	require.NoError(t, e.Save(ctx))
	assert.False(t, e.flusher.Pending())

	loaded := newTestEngine(t, dir)
	res, err := loaded.Load(ctx)
	require.NoError(t, err)
	assert.False(t, res.Fresh)
	assert.Equal(t, e.Store().Snapshot(), loaded.Store().Snapshot())
}

func TestNewRejectsMediaDirHoldingSnapshot(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []Options{
		{DataDir: dir, MediaDir: dir},
		{DataDir: filepath.Join(dir, "data"), MediaDir: dir},
		{DataDir: dir, MediaDir: filepath.Join(dir, "snap"), SnapshotPath: filepath.Join(dir, "snap", "col.db")},
	}
	for _, opts := range tests {
		_, err := New(opts, logger)
		assert.ErrorIs(t, err, domain.ErrValidation, "%+v", opts)
	}

	e, err := New(Options{DataDir: dir, MediaDir: filepath.Join(dir, "media")}, logger)
	require.NoError(t, err)
	require.NoError(t, e.Save(context.Background()))
	_, err = e.GC()
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "collection.ankistore"))
	assert.NoError(t, err)
}

func TestLoadCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collection.ankistore"), []byte("not a database at all"), 0o644))

	_, err := newTestEngine(t, dir).Load(context.Background())
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.True(t, domain.IsKind(err, domain.KindCorrupt))
}

func TestImportPackageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, t.TempDir())
	path := apkgtest.Write(t, apkgtest.Default())

	first, err := e.ImportPackage(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, first.NotesAdded)
	assert.Equal(t, 2, first.CardsAdded)
	assert.Equal(t, 1, first.RevlogAdded)
	assert.Equal(t, 2, first.Media)
	assert.True(t, e.flusher.Pending())

	before := e.Store().Snapshot()
	second, err := e.ImportPackage(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, second.NotesAdded)
	assert.Zero(t, second.CardsAdded)
	assert.Zero(t, second.RevlogAdded)

	after := e.Store().Snapshot()
	assert.Equal(t, before.Notes, after.Notes)
	assert.Equal(t, before.Cards, after.Cards)
	assert.Equal(t, before.Decks, after.Decks)
	assert.Equal(t, before.Revlog, after.Revlog)
	assert.Equal(t, before.Media, after.Media)

	deck, err := e.Store().GetDeckByName("Spanish::Vocab")
	require.NoError(t, err)
	stats, err := e.GetStats(deck.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	_, err = e.Store().GetDeckByName("Spanish")
	require.NoError(t, err, "ancestor deck is created")

	for _, name := range []string{"ab.png", "bye.mp3"} {
		_, err := os.Stat(filepath.Join(e.MediaDir(), name))
		require.NoError(t, err, name)
		entry, err := e.Store().GetMedia(name)
		require.NoError(t, err, name)
		assert.Equal(t, 1, entry.NoteRefs, name)
	}
	removed, err := e.GC()
	require.NoError(t, err)
	assert.Empty(t, removed, "imported media is referenced by notes")
}

func TestImportedSpanishDeckScenario(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, t.TempDir())
	_, err := e.Load(ctx)
	require.NoError(t, err)

	res, err := e.ImportPackage(ctx, apkgtest.Write(t, apkgtest.NewCards(20)))
	require.NoError(t, err)
	assert.Equal(t, 20, res.CardsAdded)

	spanish, err := e.Store().GetDeckByName("Spanish")
	require.NoError(t, err)
	stats, err := e.GetStats(spanish.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, stats.New)

	first, ok, err := e.GetNext(spanish.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// easy is the third button on a new card
	answered, _, err := e.Answer(first.ID, 3, 4000)
	require.NoError(t, err)
	assert.Equal(t, domain.CardTypeReview, answered.Type)
	conf, err := e.Store().ConfigFor(spanish.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, answered.Ivl, conf.New.GraduatingIvl)
	assert.Equal(t, 1, answered.Reps)

	next, ok, err := e.GetNext(spanish.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestGetNextWithPeek(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	deck, err := e.AddDeck(domain.Deck{Name: "Peek"})
	require.NoError(t, err)

	next, err := e.GetNextWithPeek(deck.ID)
	require.NoError(t, err)
	assert.Nil(t, next.Card)
	assert.Nil(t, next.Peek)

	_, _, err = e.CreateNote(NewNote{DeckID: deck.ID, Fields: []string{"uno", "one"}})
	require.NoError(t, err)
	next, err = e.GetNextWithPeek(deck.ID)
	require.NoError(t, err)
	require.NotNil(t, next.Card)
	assert.Nil(t, next.Peek, "no second distinct card")

	_, _, err = e.CreateNote(NewNote{DeckID: deck.ID, Fields: []string{"dos", "two"}})
	require.NoError(t, err)
	next, err = e.GetNextWithPeek(deck.ID)
	require.NoError(t, err)
	require.NotNil(t, next.Card)
	require.NotNil(t, next.Peek)
	assert.NotEqual(t, next.Card.ID, next.Peek.ID)
}

func TestImportRejectsBrokenPackage(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, t.TempDir())
	before := e.Store().Snapshot()

	path := filepath.Join(t.TempDir(), "broken.apkg")
	require.NoError(t, os.WriteFile(path, []byte("PK but not really"), 0o644))
	_, err := e.ImportPackage(ctx, path)
	require.ErrorIs(t, err, domain.ErrFormat)

	fx := apkgtest.Default()
	fx.Cards = append(fx.Cards, []any{2002, 4242, apkgtest.DeckID, 0, 0, -1, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 0, ""})
	_, err = e.ImportPackage(ctx, apkgtest.Write(t, fx))
	require.ErrorIs(t, err, domain.ErrFormat)

	assert.Equal(t, before, e.Store().Snapshot())
	assert.False(t, e.flusher.Pending())
	staged, err := os.ReadDir(e.stagingDir())
	if err == nil {
		assert.Empty(t, staged)
	}
	media, err := os.ReadDir(e.MediaDir())
	require.NoError(t, err)
	assert.Empty(t, media)
}

func TestCreateNote(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	note, cards, err := e.CreateNote(NewNote{DeckID: domain.DefaultDeckID, Fields: []string{"hola", "hello"}})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.NotEmpty(t, note.GUID)
	assert.Equal(t, "hola", note.SortField)
	assert.Equal(t, domain.QueueNew, cards[0].Queue)
	assert.Equal(t, int64(1), cards[0].Due)

	_, more, err := e.CreateNote(NewNote{DeckID: domain.DefaultDeckID, Fields: []string{"adiós"}, GUID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), more[0].Due)

	again, same, err := e.CreateNote(NewNote{DeckID: domain.DefaultDeckID, Fields: []string{"changed"}, GUID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "adiós", again.Fields[0])
	assert.Equal(t, more, same)

	_, _, err = e.CreateNote(NewNote{DeckID: domain.DefaultDeckID, Fields: []string{"", "back only"}})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = e.CreateNote(NewNote{DeckID: domain.DefaultDeckID, Fields: []string{"a", "b", "c"}})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = e.CreateNote(NewNote{DeckID: 404, Fields: []string{"a"}})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateClozeNote(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	_, err := e.Store().AddModel(domain.Model{
		ID:        99,
		Name:      "Cloze",
		Type:      domain.ModelCloze,
		Fields:    []domain.Field{{Name: "Text", Ord: 0}, {Name: "Extra", Ord: 1}},
		Templates: []domain.Template{{Name: "Cloze", QFmt: "{{cloze:Text}}", AFmt: "{{cloze:Text}}"}},
	})
	require.NoError(t, err)

	_, cards, err := e.CreateNote(NewNote{
		DeckID:  domain.DefaultDeckID,
		ModelID: 99,
		Fields:  []string{"{{c1::Madrid}} is the capital of {{c3::Spain}}, {{c1::obviously}}"},
	})
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, 0, cards[0].Ord)
	assert.Equal(t, 2, cards[1].Ord)
}

func TestStudyLoop(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	_, cards, err := e.CreateNote(NewNote{DeckID: domain.DefaultDeckID, Fields: []string{"uno", "one"}})
	require.NoError(t, err)
	_, _, err = e.CreateNote(NewNote{DeckID: domain.DefaultDeckID, Fields: []string{"dos", "two"}})
	require.NoError(t, err)

	next, ok, err := e.GetNext(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cards[0].ID, next.ID)

	peek, ok, err := e.PeekNext(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, next.ID, peek.ID)

	card, rev, err := e.Answer(next.ID, 1, 3000)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueLearn, card.Queue)
	assert.Equal(t, 1, rev.Ease)
	assert.True(t, e.flusher.Pending())

	_, _, err = e.Answer(next.ID, 9, 0)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestMediaReferenceCounting(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(e.MediaDir(), "x.jpg"), []byte("jpeg"), 0o644))

	for range 2 {
		_, err := e.RegisterExistingMedia("x.jpg")
		require.NoError(t, err)
	}
	entry, err := e.ReleaseMedia("x.jpg")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.RefCount)

	removed, err := e.GC()
	require.NoError(t, err)
	assert.Empty(t, removed)

	_, err = e.ReleaseMedia("x.jpg")
	require.NoError(t, err)
	removed, err = e.GC()
	require.NoError(t, err)
	assert.Equal(t, []string{"x.jpg"}, removed)

	removed, err = e.GC()
	require.NoError(t, err)
	assert.Empty(t, removed)

	_, err = e.RegisterExistingMedia("../escape.jpg")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCloseFlushesAndRejectsWork(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	_, err := e.AddDeck(domain.Deck{Name: "French"})
	require.NoError(t, err)

	require.NoError(t, e.Close(ctx))
	_, err = os.Stat(filepath.Join(dir, "collection.ankistore"))
	require.NoError(t, err, "pending changes are flushed on close")

	require.ErrorIs(t, e.Save(ctx), ErrClosed)
	_, err = e.AddDeck(domain.Deck{Name: "German"})
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, e.Close(ctx))
}
