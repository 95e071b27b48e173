// Package sources keeps the collection in step with configured deck
// sources: local directories or git repositories holding .apkg packages
// and markdown decks.
package sources

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/conorfennell/ankistore/internal/checksum"
	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/engine"
	"github.com/conorfennell/ankistore/internal/gitsource"
	"github.com/conorfennell/ankistore/internal/parser"
)

// TagPrefix starts the tag that marks notes created from a markdown source.
const TagPrefix = "ankistore-source::"

// Collection is the part of the engine a sync needs.
type Collection interface {
	ImportPackage(ctx context.Context, path string) (engine.ImportResult, error)
	AddDeck(d domain.Deck) (domain.Deck, error)
	CreateNote(in engine.NewNote) (domain.Note, []domain.Card, error)
	NotesWithTag(tag string) []domain.Note
	DeleteNote(id int64) error
}

// Report summarizes a sync.
type Report struct {
	Sources      int      `json:"sources"`
	Packages     int      `json:"packages"`
	NotesAdded   int      `json:"notesAdded"`
	NotesDeleted int      `json:"notesDeleted"`
	Errors       []string `json:"errors,omitempty"`
}

func (r *Report) fail(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// IsGit reports whether source names a git repository rather than a local
// directory.
func IsGit(source string) bool {
	return strings.HasSuffix(source, ".git") || strings.HasPrefix(source, "git@") ||
		strings.HasPrefix(source, "https://") || strings.HasPrefix(source, "http://")
}

// Sync iterates over all sources and reconciles them. Problems with one
// source or file are recorded in the report and do not stop the others.
func Sync(ctx context.Context, col Collection, sources []string, reposDir string, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var rep Report
	if len(sources) == 0 {
		logger.Info("no sources configured")
		return rep, nil
	}
	if err := os.MkdirAll(reposDir, 0o755); err != nil {
		return rep, fmt.Errorf("failed to create repos directory: %w", err)
	}

	logger.Info("starting sync", "sources", len(sources))
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		path := source
		if IsGit(source) {
			local, err := gitURLToLocalPath(reposDir, source)
			if err != nil {
				logger.Error("error determining local path for git repo", "url", source, "error", err)
				rep.fail(err)
				continue
			}
			if err := gitsource.Sync(ctx, source, local, logger); err != nil {
				logger.Error("error syncing git repo", "url", source, "error", err)
				rep.fail(err)
				continue
			}
			path = local
		}
		reconcile(ctx, col, source, path, &rep, logger)
		rep.Sources++
	}
	logger.Info("sync complete",
		"packages", rep.Packages,
		"notes_added", rep.NotesAdded,
		"notes_deleted", rep.NotesDeleted,
		"errors", len(rep.Errors),
	)
	return rep, nil
}

// SourceTag returns the tag carried by notes created from source.
func SourceTag(source string) string {
	return TagPrefix + checksum.ContentHash(source)[:12]
}

// reconcile imports every package below root and adds the entries of every
// markdown file. Notes from an earlier sync of source whose entry no longer
// exists are deleted.
func reconcile(ctx context.Context, col Collection, source, root string, rep *Report, logger *slog.Logger) {
	tag := SourceTag(source)
	known := make(map[string]bool)
	for _, n := range col.NotesWithTag(tag) {
		known[n.GUID] = true
	}
	found := make(map[string]bool)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(d.Name())) {
		case ".apkg", ".colpkg":
			if _, err := col.ImportPackage(ctx, path); err != nil {
				logger.Warn("failed to import package", "path", path, "error", err)
				rep.fail(fmt.Errorf("importing %s: %w", path, err))
				return nil
			}
			rep.Packages++
		case ".md":
			addMarkdown(col, root, path, tag, known, found, rep, logger)
		}
		return nil
	})
	if walkErr != nil {
		logger.Error("error walking directory", "path", root, "error", walkErr)
		rep.fail(walkErr)
		return
	}

	for _, n := range col.NotesWithTag(tag) {
		if found[n.GUID] {
			continue
		}
		logger.Info("orphaned note, deleting", "guid", n.GUID)
		if err := col.DeleteNote(n.ID); err != nil {
			logger.Warn("failed to delete orphaned note", "guid", n.GUID, "error", err)
			rep.fail(err)
			continue
		}
		rep.NotesDeleted++
	}
}

func addMarkdown(col Collection, root, path, tag string, known, found map[string]bool, rep *Report, logger *slog.Logger) {
	entries, err := parser.ParseFile(path)
	if err != nil {
		rep.fail(fmt.Errorf("parsing %s: %w", path, err))
		return
	}
	if len(entries) == 0 {
		return
	}
	deck, err := col.AddDeck(domain.Deck{Name: deckName(root, path)})
	if err != nil {
		rep.fail(fmt.Errorf("deck for %s: %w", path, err))
		return
	}
	for _, e := range entries {
		guid := checksum.ContentHash(e.Parts()...)
		found[guid] = true
		if known[guid] {
			continue
		}
		back := e.Answer
		if e.Context != "" {
			back += "<br><br><i>" + e.Context + "</i>"
		}
		if _, _, err := col.CreateNote(engine.NewNote{
			DeckID: deck.ID,
			Fields: []string{e.Question, back},
			Tags:   []string{tag},
			GUID:   guid,
		}); err != nil {
			rep.fail(fmt.Errorf("%s:%d: %w", path, e.Line, err))
			continue
		}
		known[guid] = true
		rep.NotesAdded++
		logger.Debug("new note", "path", path, "line", e.Line, "guid", guid)
	}
}

// deckName derives a deck from the file's place below root:
// "spanish/verbs.md" becomes "spanish::verbs".
func deckName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.Join(strings.Split(filepath.ToSlash(rel), "/"), domain.DeckSeparator)
}

func gitURLToLocalPath(baseDir, repoURL string) (string, error) {
	parsedURL, err := url.Parse(repoURL)
	if err != nil || (parsedURL.Scheme != "https" && parsedURL.Scheme != "http") {
		if strings.Contains(repoURL, "@") {
			parts := strings.Split(repoURL, ":")
			if len(parts) == 2 {
				hostAndUser := strings.Split(parts[0], "@")
				if len(hostAndUser) == 2 {
					host := hostAndUser[1]
					repoPath := strings.TrimSuffix(parts[1], ".git")
					return filepath.Join(baseDir, host, repoPath), nil
				}
			}
		}
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}

	sanitizedPath := strings.TrimSuffix(parsedURL.Path, ".git")
	return filepath.Join(baseDir, parsedURL.Host, sanitizedPath), nil
}
