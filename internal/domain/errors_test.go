package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"not found", NewNotFound("card", int64(7)), ErrNotFound},
		{"dangling", NewDangling("card", 1, "deck", 2), ErrReferentialIntegrity},
		{"validation", NewValidation("ease", 9, "out of range"), ErrValidation},
		{"format", &FormatError{Stage: StageArchive, Err: errors.New("bad zip")}, ErrFormat},
		{"persistence", &PersistenceError{Kind: KindCorrupt, Path: "x", Err: errors.New("boom")}, ErrPersistence},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.sentinel)
			for _, other := range []error{ErrNotFound, ErrReferentialIntegrity, ErrValidation, ErrFormat, ErrPersistence} {
				if other != tc.sentinel {
					assert.NotErrorIs(t, wrapped, other)
				}
			}
		})
	}
}

func TestNoSnapshotIsNotPersistenceFailure(t *testing.T) {
	assert.NotErrorIs(t, ErrNoSnapshot, ErrPersistence)
}

func TestPersistenceKind(t *testing.T) {
	err := fmt.Errorf("load: %w", &PersistenceError{Kind: KindVersionMismatch, Path: "snap.db"})
	assert.True(t, IsKind(err, KindVersionMismatch))
	assert.False(t, IsKind(err, KindCorrupt))
}

func TestFormatErrorUnwrap(t *testing.T) {
	inner := errors.New("missing table notes")
	err := &FormatError{Stage: StageSchema, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "schema")
}

func TestDeckNames(t *testing.T) {
	assert.Equal(t, []string{"A", "A::B"}, AncestorNames("A::B::C"))
	assert.Empty(t, AncestorNames("A"))
	assert.True(t, IsDescendant("Spanish::Verbs", "Spanish"))
	assert.True(t, IsDescendant("spanish::Verbs", "Spanish"))
	assert.False(t, IsDescendant("Spanish", "Spanish"))
	assert.False(t, IsDescendant("SpanishX::Verbs", "Spanish"))
	assert.Equal(t, "A::B", NormalizeDeckName(" A :: :: B "))
}

func TestDayCount(t *testing.T) {
	var c DayCount
	c = c.Add(3, 1)
	c = c.Add(3, 1)
	assert.Equal(t, 2, c.On(3))
	assert.Equal(t, 0, c.On(4))
	c = c.Add(4, 1)
	assert.Equal(t, 1, c.On(4))
}

func TestClampFactor(t *testing.T) {
	conf := DefaultDeckConfig()
	assert.Equal(t, 1300, conf.ClampFactor(900))
	assert.Equal(t, 5000, conf.ClampFactor(9000))
	assert.Equal(t, 2500, conf.ClampFactor(2500))
}
