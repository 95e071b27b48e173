package engine

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/conorfennell/ankistore/internal/apkg"
	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/store"
)

// ImportResult summarizes an import.
type ImportResult struct {
	store.MergeReport
	Media   int                 `json:"media"`
	Skipped []apkg.SkippedMedia `json:"skippedMedia,omitempty"`
}

func (e *Engine) stagingDir() string {
	return filepath.Join(e.opts.DataDir, ".staging")
}

// ImportPackage merges the package at path into the collection. The import
// is all-or-nothing: the collection is replaced only after the merged result
// checks out and the media files are in place. Importing the same package
// twice changes nothing the second time.
func (e *Engine) ImportPackage(ctx context.Context, path string) (ImportResult, error) {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	e.logger.Info("importing package", "path", path)
	pkg, err := e.reader.ReadFile(ctx, path, e.stagingDir())
	if err != nil {
		return ImportResult{}, err
	}
	defer pkg.Discard()

	if err := e.lock(); err != nil {
		return ImportResult{}, err
	}
	defer e.mu.Unlock()

	if err := pkg.ResolveMedia(e.media.Dir()); err != nil {
		return ImportResult{}, err
	}
	now := e.store.Now()
	merged, report, err := store.MergeStore(e.store.Snapshot(), pkg.Snapshot(), now)
	if err != nil {
		return ImportResult{}, &domain.FormatError{Stage: domain.StageMerge, Err: err}
	}
	entries, err := pkg.CommitMedia(e.media.Dir(), now.Unix())
	if err != nil {
		return ImportResult{}, &domain.FormatError{Stage: domain.StageMedia, Err: err}
	}
	merged.Media = mergeMedia(merged.Media, entries)
	if err := e.store.Replace(merged); err != nil {
		return ImportResult{}, &domain.FormatError{Stage: domain.StageMerge, Err: err}
	}
	if err := e.media.Rescan(); err != nil {
		return ImportResult{}, fmt.Errorf("failed to rescan media after import: %w", err)
	}
	e.flusher.MarkDirty()

	result := ImportResult{MergeReport: report, Media: len(entries), Skipped: pkg.Skipped}
	e.logger.Info("imported package",
		"path", path,
		"notes_added", report.NotesAdded,
		"notes_updated", report.NotesUpdated,
		"cards_added", report.CardsAdded,
		"revlog_added", report.RevlogAdded,
		"media", result.Media,
		"skipped_media", len(result.Skipped),
	)
	return result, nil
}

// mergeMedia adds incoming entries that are not tracked yet. Tracked
// entries keep their registrations.
func mergeMedia(existing, incoming []domain.MediaEntry) []domain.MediaEntry {
	out := slices.Clone(existing)
	idx := make(map[string]int, len(out))
	for i, m := range out {
		idx[m.Filename] = i
	}
	for _, m := range incoming {
		if i, ok := idx[m.Filename]; ok {
			if out[i].Signature == "" {
				out[i].Signature, out[i].Size = m.Signature, m.Size
			}
			continue
		}
		idx[m.Filename] = len(out)
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b domain.MediaEntry) int { return cmp.Compare(a.Filename, b.Filename) })
	return out
}
