// Package media manages the flat directory of files that note fields refer
// to: registration, deduplication, reference scanning and garbage
// collection.
package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/conorfennell/ankistore/internal/checksum"
	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/store"
)

// tempPrefix marks files the manager is still writing. GC leaves them alone.
const tempPrefix = ".incoming-"

// Manager owns the media directory of one store. File names handed to it
// are validated so that no operation can reach outside the directory.
type Manager struct {
	dir    string
	store  *store.Store
	logger *slog.Logger

	mu sync.Mutex
}

// NewManager returns a manager for dir, creating the directory if needed.
func NewManager(dir string, st *store.Store, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &Manager{dir: dir, store: st, logger: logger.With("component", "media")}, nil
}

// Dir returns the media directory.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, name)
}

func fileSignature(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return checksum.Signature(f)
}

// RegisterExistingMedia records one more reference to filename, creating the
// entry if needed. The file does not have to exist yet; when it does, its
// signature and size are recorded.
func (m *Manager) RegisterExistingMedia(filename string) (domain.MediaEntry, error) {
	if err := domain.ValidateMediaName(filename); err != nil {
		return domain.MediaEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.store.GetMedia(filename)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.MediaEntry{}, err
		}
		entry = domain.MediaEntry{Filename: filename, Added: m.store.Now().Unix()}
	}
	sig, size, err := fileSignature(m.path(filename))
	switch {
	case err == nil:
		entry.Signature, entry.Size = sig, size
	case !errors.Is(err, fs.ErrNotExist):
		return domain.MediaEntry{}, fmt.Errorf("failed to read media file %s: %w", filename, err)
	}
	entry.RefCount++
	if err := m.store.PutMedia(entry); err != nil {
		return domain.MediaEntry{}, err
	}
	m.logger.Debug("registered media", "filename", filename, "refs", entry.RefCount)
	return entry, nil
}

// AddMedia writes the content of r under a sanitized form of name and
// registers it. Content identical to an existing entry reuses that entry;
// a name already taken by different content gets a signature suffix.
func (m *Manager) AddMedia(name string, r io.Reader) (domain.MediaEntry, error) {
	name = Sanitize(name)
	if err := domain.ValidateMediaName(name); err != nil {
		return domain.MediaEntry{}, err
	}

	tmp, err := os.CreateTemp(m.dir, tempPrefix+"*")
	if err != nil {
		return domain.MediaEntry{}, fmt.Errorf("failed to create media file: %w", err)
	}
	defer os.Remove(tmp.Name())
	sig, size, err := checksum.Signature(io.TeeReader(r, tmp))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return domain.MediaEntry{}, fmt.Errorf("failed to write media file %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.store.Media() {
		if e.Signature == sig && e.Size == size {
			if _, err := os.Stat(m.path(e.Filename)); err == nil {
				e.RefCount++
				if err := m.store.PutMedia(e); err != nil {
					return domain.MediaEntry{}, err
				}
				m.logger.Debug("reused identical media", "requested", name, "filename", e.Filename)
				return e, nil
			}
		}
	}

	final, err := m.freeName(name, sig)
	if err != nil {
		return domain.MediaEntry{}, err
	}
	if err := os.Rename(tmp.Name(), m.path(final)); err != nil {
		return domain.MediaEntry{}, fmt.Errorf("failed to store media file %s: %w", final, err)
	}
	entry := domain.MediaEntry{
		Filename:  final,
		RefCount:  1,
		Signature: sig,
		Size:      size,
		Added:     m.store.Now().Unix(),
	}
	if err := m.store.PutMedia(entry); err != nil {
		return domain.MediaEntry{}, err
	}
	m.logger.Info("added media", "filename", final, "size", size)
	return entry, nil
}

// freeName returns name, or name with a signature suffix when name is taken
// on disk or in the store by other content.
func (m *Manager) freeName(name, sig string) (string, error) {
	taken := func(n string) (bool, error) {
		if _, err := m.store.GetMedia(n); err == nil {
			return true, nil
		}
		_, err := os.Lstat(m.path(n))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, fs.ErrNotExist):
			return false, nil
		default:
			return false, err
		}
	}
	for _, candidate := range []string{name, WithSuffix(name, sig[:8]), WithSuffix(name, sig)} {
		used, err := taken(candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check media file %s: %w", candidate, err)
		}
		if !used {
			return candidate, nil
		}
	}
	return "", domain.NewValidation("media.fname", name, "no free file name for content "+sig)
}

// Release drops one registration of filename. The count never goes below
// zero; the file stays until GC finds it unreferenced.
func (m *Manager) Release(filename string) (domain.MediaEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.store.GetMedia(filename)
	if err != nil {
		return domain.MediaEntry{}, err
	}
	entry.RefCount = max(entry.RefCount-1, 0)
	if err := m.store.PutMedia(entry); err != nil {
		return domain.MediaEntry{}, err
	}
	return entry, nil
}

// Rescan recounts the note references of every entry. Files that notes
// refer to and that exist on disk but were never registered get an entry
// with no registrations.
func (m *Manager) Rescan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rescan()
}

func (m *Manager) rescan() error {
	counts := make(map[string]int)
	for _, n := range m.store.Notes() {
		for _, field := range n.Fields {
			for _, ref := range References(field) {
				counts[ref]++
			}
		}
	}

	for _, e := range m.store.Media() {
		refs := counts[e.Filename]
		delete(counts, e.Filename)
		if refs == e.NoteRefs {
			continue
		}
		e.NoteRefs = refs
		if err := m.store.PutMedia(e); err != nil {
			return err
		}
	}

	for name, refs := range counts {
		if domain.ValidateMediaName(name) != nil {
			continue
		}
		sig, size, err := fileSignature(m.path(name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read media file %s: %w", name, err)
		}
		entry := domain.MediaEntry{
			Filename:  name,
			NoteRefs:  refs,
			Signature: sig,
			Size:      size,
			Added:     m.store.Now().Unix(),
		}
		if err := m.store.PutMedia(entry); err != nil {
			return err
		}
		m.logger.Debug("tracked referenced media", "filename", name, "note_refs", refs)
	}
	return nil
}

// GC rescans references, then deletes every entry that is neither
// registered nor referenced by a note, together with its file. Files in the
// directory that no entry tracks are deleted as well. It returns the
// removed file names in order; running it again removes nothing.
func (m *Manager) GC() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.rescan(); err != nil {
		return nil, err
	}

	var removed []string
	tracked := make(map[string]bool)
	for _, e := range m.store.Media() {
		if !e.Unreferenced() {
			tracked[e.Filename] = true
			continue
		}
		err := os.Remove(m.path(e.Filename))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to delete media file %s: %w", e.Filename, err)
		}
		m.store.DeleteMedia(e.Filename)
		removed = append(removed, e.Filename)
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return removed, fmt.Errorf("failed to list media directory: %w", err)
	}
	for _, de := range entries {
		name := de.Name()
		if !de.Type().IsRegular() || tracked[name] || strings.HasPrefix(name, ".") {
			continue
		}
		if err := os.Remove(m.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to delete media file %s: %w", name, err)
		}
		removed = append(removed, name)
	}

	slices.Sort(removed)
	removed = slices.Compact(removed)
	if len(removed) > 0 {
		m.logger.Info("media garbage collected", "removed", len(removed))
	}
	return removed, nil
}
