package apkg

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/ankistore/internal/domain"
)

var validate = validator.New()

// colRow is the single row of the col table. The model, deck and deck
// config maps are JSON documents.
type colRow struct {
	col                   domain.Collection
	models, decks, dconfs string
}

func readCol(ctx context.Context, db *sql.DB) (colRow, error) {
	var r colRow
	err := db.QueryRowContext(ctx, `
		SELECT crt, mod, scm, ver, dty, usn, ls, conf, models, decks, dconf, tags FROM col LIMIT 1
	`).Scan(&r.col.Crt, &r.col.Mod, &r.col.Scm, &r.col.Ver, &r.col.Dty, &r.col.Usn, &r.col.Ls,
		&r.col.Conf, &r.models, &r.decks, &r.dconfs, &r.col.Tags)
	if err != nil {
		return colRow{}, fmt.Errorf("failed to read col: %w", err)
	}
	return r, nil
}

func decodeMap[T any](doc, what string) ([]T, error) {
	var m map[string]T
	if strings.TrimSpace(doc) == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out, nil
}

func decodeModels(doc string) ([]domain.Model, error) {
	raws, err := decodeMap[rawModel](doc, "models")
	if err != nil {
		return nil, err
	}
	models := make([]domain.Model, 0, len(raws))
	for _, r := range raws {
		m := domain.Model{
			ID:        int64(r.ID),
			Name:      r.Name,
			Type:      domain.ModelType(r.Type),
			Mod:       int64(r.Mod),
			Usn:       int(r.Usn),
			SortField: int(r.SortField),
			DeckID:    int64(r.DeckID),
			CSS:       r.CSS,
		}
		for _, f := range r.Fields {
			m.Fields = append(m.Fields, domain.Field{Name: f.Name, Ord: int(f.Ord)})
		}
		for _, t := range r.Templates {
			m.Templates = append(m.Templates, domain.Template{Name: t.Name, Ord: int(t.Ord), QFmt: t.QFmt, AFmt: t.AFmt})
		}
		slices.SortFunc(m.Fields, func(a, b domain.Field) int { return cmp.Compare(a.Ord, b.Ord) })
		slices.SortFunc(m.Templates, func(a, b domain.Template) int { return cmp.Compare(a.Ord, b.Ord) })
		if m.ID == 0 || len(m.Fields) == 0 || len(m.Templates) == 0 {
			return nil, fmt.Errorf("model %q (%d) has no id, fields or templates", m.Name, m.ID)
		}
		if m.SortField < 0 || m.SortField >= len(m.Fields) {
			m.SortField = 0
		}
		models = append(models, m)
	}
	slices.SortFunc(models, func(a, b domain.Model) int { return cmp.Compare(a.ID, b.ID) })
	return models, nil
}

func decodeDecks(doc string) ([]domain.Deck, error) {
	raws, err := decodeMap[rawDeck](doc, "decks")
	if err != nil {
		return nil, err
	}
	decks := make([]domain.Deck, 0, len(raws))
	for _, r := range raws {
		decks = append(decks, domain.Deck{
			ID:        int64(r.ID),
			Name:      r.Name,
			ConfID:    int64(r.Conf),
			Desc:      r.Desc,
			Mod:       int64(r.Mod),
			Usn:       int(r.Usn),
			Dyn:       bool(r.Dyn),
			Collapsed: bool(r.Collapsed),
			NewToday:  domain.DayCount{Day: int64(r.NewToday[0]), Count: int(r.NewToday[1])},
			RevToday:  domain.DayCount{Day: int64(r.RevToday[0]), Count: int(r.RevToday[1])},
			LrnToday:  domain.DayCount{Day: int64(r.LrnToday[0]), Count: int(r.LrnToday[1])},
		})
	}
	slices.SortFunc(decks, func(a, b domain.Deck) int { return cmp.Compare(a.ID, b.ID) })
	return decks, nil
}

// decodeDeckConfigs overlays each config on the defaults. A config that does
// not validate falls back to the defaults entirely, keeping its id and name.
func decodeDeckConfigs(doc string, logger *slog.Logger) ([]domain.DeckConfig, error) {
	raws, err := decodeMap[rawDeckConfig](doc, "deck configs")
	if err != nil {
		return nil, err
	}
	confs := make([]domain.DeckConfig, 0, len(raws))
	for _, r := range raws {
		if r.Dyn {
			continue
		}
		c := domain.DefaultDeckConfig()
		c.ID, c.Name, c.Mod, c.Usn = int64(r.ID), r.Name, int64(r.Mod), int(r.Usn)
		if c.Name == "" {
			c.Name = fmt.Sprintf("Options %d", c.ID)
		}
		fallback := c

		if n := r.New; n != nil {
			if n.Delays != nil {
				c.New.Delays = floats(n.Delays)
			}
			if len(n.Ints) > 0 {
				c.New.GraduatingIvl = int(n.Ints[0])
			}
			if len(n.Ints) > 1 {
				c.New.EasyIvl = int(n.Ints[1])
			}
			if n.InitialFactor != nil {
				c.New.InitialFactor = int(*n.InitialFactor)
			}
			if n.PerDay != nil {
				c.New.PerDay = int(*n.PerDay)
			}
		}
		if rv := r.Rev; rv != nil {
			if rv.PerDay != nil {
				c.Rev.PerDay = int(*rv.PerDay)
			}
			if rv.Ease4 != nil {
				c.Rev.EasyBonus = float64(*rv.Ease4)
			}
			if rv.HardFactor != nil {
				c.Rev.HardFactor = float64(*rv.HardFactor)
			}
			if rv.IvlFct != nil {
				c.Rev.IvlFct = float64(*rv.IvlFct)
			}
			if rv.MaxIvl != nil {
				c.Rev.MaxIvl = int(*rv.MaxIvl)
			}
		}
		if l := r.Lapse; l != nil {
			if l.Delays != nil {
				c.Lapse.Delays = floats(l.Delays)
			}
			if l.Mult != nil {
				c.Lapse.Mult = float64(*l.Mult)
			}
			if l.MinInt != nil {
				c.Lapse.MinInt = int(*l.MinInt)
			}
			if l.LeechFails != nil {
				c.Lapse.LeechFails = int(*l.LeechFails)
			}
			if l.LeechAction != nil {
				c.Lapse.LeechAction = domain.LeechAction(*l.LeechAction)
			}
		}
		if r.MaxTaken != nil {
			c.MaxTaken = int(*r.MaxTaken)
		}

		if err := validate.Struct(c); err != nil {
			logger.Warn("deck config out of range, using defaults", "dconf_id", c.ID, "name", c.Name, "error", err)
			c = fallback
		}
		confs = append(confs, c)
	}
	slices.SortFunc(confs, func(a, b domain.DeckConfig) int { return cmp.Compare(a.ID, b.ID) })
	return confs, nil
}

// readNotes decodes the notes table. Notes with fewer fields than their
// model are padded; sort field and checksum are recomputed on merge.
func readNotes(ctx context.Context, db *sql.DB, models map[int64]domain.Model) ([]domain.Note, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, guid, mid, mod, usn, tags, flds, flags, data FROM notes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		var n domain.Note
		var tags, flds string
		if err := rows.Scan(&n.ID, &n.GUID, &n.ModelID, &n.Mod, &n.Usn, &tags, &flds, &n.Flags, &n.Data); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		m, ok := models[n.ModelID]
		if !ok {
			return nil, domain.NewDangling("note", n.ID, "model", n.ModelID)
		}
		n.Tags = strings.Fields(tags)
		n.Fields = strings.Split(flds, domain.FieldSeparator)
		if len(n.Fields) > len(m.Fields) {
			return nil, fmt.Errorf("note %d has %d fields but model %q has %d", n.ID, len(n.Fields), m.Name, len(m.Fields))
		}
		for len(n.Fields) < len(m.Fields) {
			n.Fields = append(n.Fields, "")
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read notes: %w", err)
	}
	return notes, nil
}

func readCards(ctx context.Context, db *sql.DB, notes map[int64]bool) ([]domain.Card, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, nid, did, ord, mod, usn, type, queue, due, ivl, factor,
			reps, lapses, left, odue, odid, flags, data
		FROM cards ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		var c domain.Card
		if err := rows.Scan(&c.ID, &c.NoteID, &c.DeckID, &c.Ord, &c.Mod, &c.Usn, &c.Type, &c.Queue, &c.Due,
			&c.Ivl, &c.Factor, &c.Reps, &c.Lapses, &c.Left, &c.ODue, &c.ODid, &c.Flags, &c.Data); err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		if !notes[c.NoteID] {
			return nil, domain.NewDangling("card", c.ID, "note", c.NoteID)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cards: %w", err)
	}
	return cards, nil
}

func readRevlog(ctx context.Context, db *sql.DB) ([]domain.Revlog, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, cid, usn, ease, ivl, lastIvl, factor, time, type FROM revlog ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query revlog: %w", err)
	}
	defer rows.Close()

	var revlog []domain.Revlog
	for rows.Next() {
		var r domain.Revlog
		if err := rows.Scan(&r.ID, &r.CardID, &r.Usn, &r.Ease, &r.Ivl, &r.LastIvl, &r.Factor, &r.Time, &r.Type); err != nil {
			return nil, fmt.Errorf("failed to scan revlog: %w", err)
		}
		revlog = append(revlog, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read revlog: %w", err)
	}
	return revlog, nil
}

// decode fills pkg from the collection database.
func decode(ctx context.Context, db *sql.DB, pkg *Package, logger *slog.Logger) error {
	col, err := readCol(ctx, db)
	if err != nil {
		return err
	}
	pkg.Col = col.col

	if pkg.Models, err = decodeModels(col.models); err != nil {
		return err
	}
	if pkg.Decks, err = decodeDecks(col.decks); err != nil {
		return err
	}
	if pkg.DeckConfigs, err = decodeDeckConfigs(col.dconfs, logger); err != nil {
		return err
	}

	models := make(map[int64]domain.Model, len(pkg.Models))
	for _, m := range pkg.Models {
		models[m.ID] = m
	}
	if pkg.Notes, err = readNotes(ctx, db, models); err != nil {
		return err
	}
	noteIDs := make(map[int64]bool, len(pkg.Notes))
	for _, n := range pkg.Notes {
		noteIDs[n.ID] = true
	}
	if pkg.Cards, err = readCards(ctx, db, noteIDs); err != nil {
		return err
	}
	if pkg.Revlog, err = readRevlog(ctx, db); err != nil {
		return err
	}
	return nil
}
