package store

import (
	"fmt"
	"maps"
	"slices"

	"github.com/conorfennell/ankistore/internal/domain"
)

// AddModel inserts m. If a model with the same id exists it wins and is
// returned unchanged.
func (s *Store) AddModel(m domain.Model) (domain.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.models[m.ID]; ok {
		return cloneModel(existing), nil
	}
	if err := validateModel(m); err != nil {
		return domain.Model{}, err
	}
	s.models[m.ID] = cloneModel(m)
	s.observeID(m.ID)
	s.touch()
	return cloneModel(m), nil
}

func validateModel(m domain.Model) error {
	switch {
	case m.ID == 0:
		return domain.NewValidation("model.id", m.ID, "must be non-zero")
	case m.Name == "":
		return domain.NewValidation("model.name", m.Name, "must not be empty")
	case len(m.Fields) == 0:
		return domain.NewValidation("model.flds", len(m.Fields), "must have at least one field")
	case len(m.Templates) == 0:
		return domain.NewValidation("model.tmpls", len(m.Templates), "must have at least one template")
	case m.SortField < 0 || m.SortField >= len(m.Fields):
		return domain.NewValidation("model.sortf", m.SortField, "out of range")
	}
	return nil
}

// GetModel returns the model with the given id.
func (s *Store) GetModel(id int64) (domain.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return domain.Model{}, domain.NewNotFound("model", id)
	}
	return cloneModel(m), nil
}

// Models returns every model ordered by id.
func (s *Store) Models() []domain.Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Model, 0, len(s.models))
	for _, id := range slices.Sorted(maps.Keys(s.models)) {
		out = append(out, cloneModel(s.models[id]))
	}
	return out
}

// AddDeckConfig inserts c. If a config with the same id exists it wins and
// is returned unchanged.
func (s *Store) AddDeckConfig(c domain.DeckConfig) (domain.DeckConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.confs[c.ID]; ok {
		return cloneDeckConfig(existing), nil
	}
	if err := s.validateDeckConfig(c); err != nil {
		return domain.DeckConfig{}, err
	}
	s.confs[c.ID] = cloneDeckConfig(c)
	s.observeID(c.ID)
	s.touch()
	return cloneDeckConfig(c), nil
}

// UpdateDeckConfig replaces an existing config.
func (s *Store) UpdateDeckConfig(c domain.DeckConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.confs[c.ID]; !ok {
		return domain.NewNotFound("deck config", c.ID)
	}
	if err := s.validateDeckConfig(c); err != nil {
		return err
	}
	c.Mod = s.clock().Unix()
	s.confs[c.ID] = cloneDeckConfig(c)
	s.touch()
	return nil
}

func (s *Store) validateDeckConfig(c domain.DeckConfig) error {
	if c.ID == 0 {
		return domain.NewValidation("dconf.id", c.ID, "must be non-zero")
	}
	if err := s.validate.Struct(c); err != nil {
		return domain.NewValidation("dconf", c.ID, err.Error())
	}
	return nil
}

// GetDeckConfig returns the config with the given id.
func (s *Store) GetDeckConfig(id int64) (domain.DeckConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.confs[id]
	if !ok {
		return domain.DeckConfig{}, domain.NewNotFound("deck config", id)
	}
	return cloneDeckConfig(c), nil
}

// DeckConfigs returns every deck config ordered by id.
func (s *Store) DeckConfigs() []domain.DeckConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeckConfig, 0, len(s.confs))
	for _, id := range slices.Sorted(maps.Keys(s.confs)) {
		out = append(out, cloneDeckConfig(s.confs[id]))
	}
	return out
}

// DeleteDeckConfig removes a config. Decks using it fall back to the default
// config, which itself cannot be deleted.
func (s *Store) DeleteDeckConfig(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == domain.DefaultConfID {
		return domain.NewValidation("dconf.id", id, "default config cannot be deleted")
	}
	if _, ok := s.confs[id]; !ok {
		return domain.NewNotFound("deck config", id)
	}
	for did, d := range s.decks {
		if d.ConfID == id {
			d.ConfID = domain.DefaultConfID
			d.Mod = s.clock().Unix()
			s.decks[did] = d
		}
	}
	delete(s.confs, id)
	s.touch()
	return nil
}

// ConfigFor returns the config that governs deck id.
func (s *Store) ConfigFor(deckID int64) (domain.DeckConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configFor(deckID)
}

func (s *Store) configFor(deckID int64) (domain.DeckConfig, error) {
	d, ok := s.decks[deckID]
	if !ok {
		return domain.DeckConfig{}, domain.NewNotFound("deck", deckID)
	}
	c, ok := s.confs[d.ConfID]
	if !ok {
		return domain.DeckConfig{}, fmt.Errorf("deck %d: %w", deckID, domain.NewDangling("deck", deckID, "deck config", d.ConfID))
	}
	return cloneDeckConfig(c), nil
}
