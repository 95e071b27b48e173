package apkg

import (
	"os"
	"slices"

	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/media"
	"github.com/conorfennell/ankistore/internal/store"
)

// Package is a decoded package. Its rows keep the ids of the source
// collection; MergeStore maps them onto the target.
type Package struct {
	Col         domain.Collection
	Models      []domain.Model
	DeckConfigs []domain.DeckConfig
	Decks       []domain.Deck
	Notes       []domain.Note
	Cards       []domain.Card
	Revlog      []domain.Revlog

	// Media maps manifest names to the names the files will have in the
	// media directory.
	Media   map[string]string
	Skipped []SkippedMedia

	staging string
	staged  []stagedFile
}

// Snapshot returns the package rows as a snapshot suitable for MergeStore.
// Media entries are not included; CommitMedia returns them.
func (p *Package) Snapshot() store.Snapshot {
	snap := store.Snapshot{
		Col:         p.Col,
		Models:      slices.Clone(p.Models),
		DeckConfigs: slices.Clone(p.DeckConfigs),
		Decks:       slices.Clone(p.Decks),
		Notes:       slices.Clone(p.Notes),
		Cards:       slices.Clone(p.Cards),
		Revlog:      slices.Clone(p.Revlog),
	}
	snap.Sort()
	return snap
}

// Discard removes the staging directory.
func (p *Package) Discard() error {
	if p.staging == "" {
		return nil
	}
	err := os.RemoveAll(p.staging)
	p.staging = ""
	return err
}

func (p *Package) rewriteNotes(renamed map[string]string) {
	if len(renamed) == 0 {
		return
	}
	for i := range p.Notes {
		fields := slices.Clone(p.Notes[i].Fields)
		for j, f := range fields {
			fields[j] = media.RewriteReferences(f, renamed)
		}
		p.Notes[i].Fields = fields
	}
}
