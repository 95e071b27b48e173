package media

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st := store.New()
	m, err := NewManager(t.TempDir(), st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return m, st
}

func writeFile(t *testing.T, m *Manager, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), name), []byte(content), 0o644))
}

func addNoteWithField(t *testing.T, st *store.Store, front string) {
	t.Helper()
	_, err := st.AddNote(domain.Note{
		ID:      st.NextID(),
		GUID:    "g-" + front,
		ModelID: store.BasicModelID,
		Fields:  []string{front, ""},
	})
	require.NoError(t, err)
}

func TestRegisterTwiceThenGC(t *testing.T) {
	m, st := newManager(t)
	writeFile(t, m, "hola.mp3", "audio")

	_, err := m.RegisterExistingMedia("hola.mp3")
	require.NoError(t, err)
	entry, err := m.RegisterExistingMedia("hola.mp3")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.RefCount)
	assert.Equal(t, int64(5), entry.Size)
	assert.NotEmpty(t, entry.Signature)

	_, err = m.Release("hola.mp3")
	require.NoError(t, err)
	removed, err := m.GC()
	require.NoError(t, err)
	assert.Empty(t, removed, "one registration is left")
	assert.FileExists(t, filepath.Join(m.Dir(), "hola.mp3"))

	_, err = m.Release("hola.mp3")
	require.NoError(t, err)
	removed, err = m.GC()
	require.NoError(t, err)
	assert.Equal(t, []string{"hola.mp3"}, removed)
	assert.NoFileExists(t, filepath.Join(m.Dir(), "hola.mp3"))
	_, err = st.GetMedia("hola.mp3")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	removed, err = m.GC()
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestGCKeepsNoteReferences(t *testing.T) {
	m, st := newManager(t)
	writeFile(t, m, "gato.jpg", "jpeg")
	writeFile(t, m, "perro.mp3", "mp3")
	writeFile(t, m, "stray.txt", "junk")
	addNoteWithField(t, st, `el gato <img src="gato.jpg"> [sound:perro.mp3]`)

	removed, err := m.GC()
	require.NoError(t, err)
	assert.Equal(t, []string{"stray.txt"}, removed)
	assert.FileExists(t, filepath.Join(m.Dir(), "gato.jpg"))

	entry, err := st.GetMedia("gato.jpg")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.NoteRefs)
	assert.Zero(t, entry.RefCount)
}

func TestGCToleratesMissingFiles(t *testing.T) {
	m, st := newManager(t)
	_, err := m.RegisterExistingMedia("never-written.png")
	require.NoError(t, err)
	_, err = m.Release("never-written.png")
	require.NoError(t, err)

	removed, err := m.GC()
	require.NoError(t, err)
	assert.Equal(t, []string{"never-written.png"}, removed)
	assert.Empty(t, st.Media())
}

func TestRegisterRejectsUnsafeNames(t *testing.T) {
	m, st := newManager(t)
	for _, name := range []string{"", ".", "..", "../secret", "a/b.png", `a\b.png`, "C:evil.png", "nul\x00byte"} {
		_, err := m.RegisterExistingMedia(name)
		assert.ErrorIs(t, err, domain.ErrValidation, "name %q", name)
	}
	assert.Empty(t, st.Media())
}

func TestRelease(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Release("unknown.png")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = m.RegisterExistingMedia("a.png")
	require.NoError(t, err)
	for range 3 {
		entry, err := m.Release("a.png")
		require.NoError(t, err)
		assert.Zero(t, entry.RefCount)
	}
}

func TestAddMediaDeduplicates(t *testing.T) {
	m, _ := newManager(t)

	first, err := m.AddMedia("x.png", strings.NewReader("content A"))
	require.NoError(t, err)
	assert.Equal(t, "x.png", first.Filename)

	same, err := m.AddMedia("y.png", strings.NewReader("content A"))
	require.NoError(t, err)
	assert.Equal(t, "x.png", same.Filename)
	assert.Equal(t, 2, same.RefCount)

	clash, err := m.AddMedia("x.png", strings.NewReader("content B"))
	require.NoError(t, err)
	assert.Equal(t, "x-"+clash.Signature[:8]+".png", clash.Filename)

	data, err := os.ReadFile(filepath.Join(m.Dir(), clash.Filename))
	require.NoError(t, err)
	assert.Equal(t, "content B", string(data))

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAddMediaSanitizesName(t *testing.T) {
	m, _ := newManager(t)
	entry, err := m.AddMedia(`my:pic?.png`, strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "mypic.png", entry.Filename)

	_, err = m.AddMedia("../", strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}
