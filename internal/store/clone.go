package store

import (
	"slices"

	"github.com/conorfennell/ankistore/internal/domain"
)

func cloneModel(m domain.Model) domain.Model {
	m.Fields = slices.Clone(m.Fields)
	m.Templates = slices.Clone(m.Templates)
	return m
}

func cloneDeckConfig(c domain.DeckConfig) domain.DeckConfig {
	c.New.Delays = slices.Clone(c.New.Delays)
	c.Lapse.Delays = slices.Clone(c.Lapse.Delays)
	return c
}

func cloneNote(n domain.Note) domain.Note {
	n.Tags = slices.Clone(n.Tags)
	n.Fields = slices.Clone(n.Fields)
	return n
}
