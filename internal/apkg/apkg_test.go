package apkg

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/ankistore/internal/apkg/apkgtest"
	"github.com/conorfennell/ankistore/internal/domain"
)

func testReader() *Reader {
	return &Reader{MediaWorkers: 2, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func requireStage(t *testing.T, err error, stage domain.ImportStage) {
	t.Helper()
	require.ErrorIs(t, err, domain.ErrFormat)
	var fe *domain.FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, stage, fe.Stage, err.Error())
}

func TestReadPackage(t *testing.T) {
	path := apkgtest.Write(t, apkgtest.Default())
	staging := t.TempDir()

	pkg, err := testReader().ReadFile(context.Background(), path, staging)
	require.NoError(t, err)
	defer pkg.Discard()

	assert.Equal(t, int64(apkgtest.Crt), pkg.Col.Crt)
	assert.Equal(t, 11, pkg.Col.Ver)

	require.Len(t, pkg.Models, 1)
	m := pkg.Models[0]
	assert.Equal(t, int64(apkgtest.ModelID), m.ID)
	assert.Equal(t, []domain.Field{{Name: "Front", Ord: 0}, {Name: "Back", Ord: 1}}, m.Fields)
	assert.Empty(t, m.CSS)

	require.Len(t, pkg.Decks, 2)
	vocab := pkg.Decks[1]
	assert.Equal(t, "Spanish::Vocab", vocab.Name)
	assert.Equal(t, int64(apkgtest.ConfID), vocab.ConfID)
	assert.Equal(t, domain.DayCount{Day: 5, Count: 10}, vocab.RevToday)

	require.Len(t, pkg.DeckConfigs, 1)
	conf := pkg.DeckConfigs[0]
	assert.Equal(t, "Spanish", conf.Name)
	assert.Equal(t, 2, conf.New.GraduatingIvl)
	assert.Equal(t, 5, conf.New.EasyIvl)
	assert.Equal(t, 2300, conf.New.InitialFactor)
	assert.Equal(t, 1.4, conf.Rev.EasyBonus)
	assert.Equal(t, 1.2, conf.Rev.HardFactor, "absent keys keep their defaults")
	assert.Equal(t, 0.5, conf.Lapse.Mult)
	assert.Equal(t, domain.LeechSuspend, conf.Lapse.LeechAction)
	assert.Equal(t, 90, conf.MaxTaken)

	require.Len(t, pkg.Notes, 2)
	hola := pkg.Notes[0]
	assert.Equal(t, []string{"spanish", "greeting"}, hola.Tags)
	assert.Equal(t, []string{"hola", `hello <img src="ab.png">`}, hola.Fields)
	assert.Empty(t, pkg.Notes[1].Tags)

	require.Len(t, pkg.Cards, 2)
	assert.Equal(t, domain.QueueReview, pkg.Cards[0].Queue)
	assert.Equal(t, int64(15), pkg.Cards[0].Due)
	require.Len(t, pkg.Revlog, 1)
	assert.Equal(t, 6000, pkg.Revlog[0].Time)

	assert.Equal(t, map[string]string{"a:b.png": "ab.png", "bye.mp3": "bye.mp3"}, pkg.Media)
	assert.Empty(t, pkg.Skipped)
	data, err := os.ReadFile(filepath.Join(pkg.staging, "ab.png"))
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))

	snap := pkg.Snapshot()
	assert.Len(t, snap.Notes, 2)
	assert.Empty(t, snap.Media)
}

func TestReadLegacyEntry(t *testing.T) {
	fx := apkgtest.Default()
	fx.Entry = apkgtest.EntryLegacy
	fx.NoMedia = true

	pkg, err := testReader().ReadFile(context.Background(), apkgtest.Write(t, fx), t.TempDir())
	require.NoError(t, err)
	defer pkg.Discard()
	assert.Len(t, pkg.Cards, 2)
	assert.Empty(t, pkg.Media)
}

func TestReadRejectsNonArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deck.apkg")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a zip"), 0o644))

	_, err := testReader().ReadFile(context.Background(), path, t.TempDir())
	requireStage(t, err, domain.StageArchive)
}

func TestReadRejectsMissingCollection(t *testing.T) {
	fx := apkgtest.Default()
	fx.Entry = "notes.txt"

	_, err := testReader().ReadFile(context.Background(), apkgtest.Write(t, fx), t.TempDir())
	requireStage(t, err, domain.StageDatabase)
}

func TestReadRejectsCompressedCollection(t *testing.T) {
	fx := apkgtest.Default()
	fx.Ver = 18
	fx.Entry = apkgtest.EntryCompressed

	_, err := testReader().ReadFile(context.Background(), apkgtest.Write(t, fx), t.TempDir())
	requireStage(t, err, domain.StageSchema)
	assert.Contains(t, err.Error(), "schema 18")
}

func TestReadRejectsNewerSchema(t *testing.T) {
	fx := apkgtest.Default()
	fx.Ver = 12

	_, err := testReader().ReadFile(context.Background(), apkgtest.Write(t, fx), t.TempDir())
	requireStage(t, err, domain.StageSchema)
}

func TestReadRejectsDanglingCard(t *testing.T) {
	fx := apkgtest.Default()
	fx.Cards = append(fx.Cards, []any{2002, 9999, apkgtest.DeckID, 0, 0, -1, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0, ""})

	_, err := testReader().ReadFile(context.Background(), apkgtest.Write(t, fx), t.TempDir())
	requireStage(t, err, domain.StageDecode)
	assert.ErrorIs(t, err, domain.ErrReferentialIntegrity)
}

func TestReadRejectsExtraFields(t *testing.T) {
	fx := apkgtest.Default()
	fx.Notes[1][6] = "a\x1fb\x1fc"

	_, err := testReader().ReadFile(context.Background(), apkgtest.Write(t, fx), t.TempDir())
	requireStage(t, err, domain.StageDecode)
}

func TestReadPadsMissingFields(t *testing.T) {
	fx := apkgtest.Default()
	fx.Notes[1][6] = "solo"

	pkg, err := testReader().ReadFile(context.Background(), apkgtest.Write(t, fx), t.TempDir())
	require.NoError(t, err)
	defer pkg.Discard()
	assert.Equal(t, []string{"solo", ""}, pkg.Notes[1].Fields)
}

func TestReadFallsBackOnInvalidDeckConfig(t *testing.T) {
	fx := apkgtest.Default()
	fx.DeckConfigs = `{"7": {"id": 7, "name": "Broken", "rev": {"maxIvl": 0}, "new": {"perDay": 50}}}`

	pkg, err := testReader().ReadFile(context.Background(), apkgtest.Write(t, fx), t.TempDir())
	require.NoError(t, err)
	defer pkg.Discard()

	require.Len(t, pkg.DeckConfigs, 1)
	conf := pkg.DeckConfigs[0]
	assert.Equal(t, int64(7), conf.ID)
	assert.Equal(t, "Broken", conf.Name)
	assert.Equal(t, domain.DefaultDeckConfig().Rev.MaxIvl, conf.Rev.MaxIvl)
	assert.Equal(t, domain.DefaultDeckConfig().New.PerDay, conf.New.PerDay)
}

func TestReadSkipsUnsafeMedia(t *testing.T) {
	fx := apkgtest.Default()
	fx.Media = map[string][]byte{
		"../escape.png": []byte("evil"),
		"ok.png":        []byte("fine"),
	}
	staging := t.TempDir()

	pkg, err := testReader().ReadFile(context.Background(), apkgtest.Write(t, fx), staging)
	require.NoError(t, err)
	defer pkg.Discard()

	require.Len(t, pkg.Skipped, 1)
	assert.Equal(t, "../escape.png", pkg.Skipped[0].Name)
	assert.Equal(t, map[string]string{"ok.png": "ok.png"}, pkg.Media)
	_, err = os.Stat(filepath.Join(filepath.Dir(staging), "escape.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestReadSanitizesMediaNames(t *testing.T) {
	fx := apkgtest.Default()
	fx.Media = map[string][]byte{
		"C:pic.png": []byte("pic"),
		"a..b.png":  []byte("dots"),
		"bye.mp3":   []byte("mp3 bytes"),
	}

	pkg, err := testReader().ReadFile(context.Background(), apkgtest.Write(t, fx), t.TempDir())
	require.NoError(t, err)
	defer pkg.Discard()

	assert.Empty(t, pkg.Skipped)
	assert.Equal(t, map[string]string{
		"C:pic.png": "Cpic.png",
		"a..b.png":  "a.b.png",
		"bye.mp3":   "bye.mp3",
	}, pkg.Media)
	for _, name := range []string{"Cpic.png", "a.b.png", "bye.mp3"} {
		_, err := os.Stat(filepath.Join(pkg.staging, name))
		assert.NoError(t, err, name)
	}
}

func TestResolveAndCommitMedia(t *testing.T) {
	mediaDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mediaDir, "ab.png"), []byte("other png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(mediaDir, "bye.mp3"), []byte("mp3 bytes"), 0o644))

	pkg, err := testReader().ReadFile(context.Background(), apkgtest.Write(t, apkgtest.Default()), t.TempDir())
	require.NoError(t, err)
	staging := pkg.staging

	require.NoError(t, pkg.ResolveMedia(mediaDir))
	renamed := pkg.Media["a:b.png"]
	assert.NotEqual(t, "ab.png", renamed)
	assert.Regexp(t, `^ab-[0-9a-f]{8}\.png$`, renamed)
	assert.Contains(t, pkg.Notes[0].Fields[1], `src="`+renamed+`"`)

	entries, err := pkg.CommitMedia(mediaDir, 1700000300)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]domain.MediaEntry{}
	for _, e := range entries {
		byName[e.Filename] = e
	}
	assert.Contains(t, byName, renamed)
	assert.Contains(t, byName, "bye.mp3")
	assert.Equal(t, int64(len("mp3 bytes")), byName["bye.mp3"].Size)

	data, err := os.ReadFile(filepath.Join(mediaDir, renamed))
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))
	data, err = os.ReadFile(filepath.Join(mediaDir, "ab.png"))
	require.NoError(t, err)
	assert.Equal(t, "other png", string(data), "existing files are never overwritten")

	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err), "staging directory is removed")
}

func TestCountCards(t *testing.T) {
	n, err := CountCards(context.Background(), apkgtest.Write(t, apkgtest.Default()))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = CountCards(context.Background(), filepath.Join(t.TempDir(), "missing.apkg"))
	requireStage(t, err, domain.StageArchive)
}
