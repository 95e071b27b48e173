package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // Registers the sqlite driver

	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/store"
)

// SnapshotFormat identifies databases written by this package.
const SnapshotFormat = "ankistore-snapshot"

// DB represents a wrapper around a snapshot database connection.
type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps pragmas and transactions on the same handle
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Format returns the value of the meta "format" key.
func (db *DB) Format(ctx context.Context) (string, error) {
	var format string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'format'`).Scan(&format)
	if err != nil {
		return "", fmt.Errorf("failed to read snapshot format: %w", err)
	}
	return format, nil
}

// WriteSnapshot inserts every table of snap in a single transaction. The
// database must be freshly migrated and empty.
func (db *DB) WriteSnapshot(ctx context.Context, snap store.Snapshot, savedAt int64) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('format', ?), ('saved_at', ?)`,
		SnapshotFormat, fmt.Sprint(savedAt)); err != nil {
		return fmt.Errorf("failed to insert meta: %w", err)
	}
	if err := insertCol(ctx, tx, snap.Col); err != nil {
		return err
	}
	if err := insertModels(ctx, tx, snap.Models); err != nil {
		return err
	}
	if err := insertDeckConfigs(ctx, tx, snap.DeckConfigs); err != nil {
		return err
	}
	if err := insertDecks(ctx, tx, snap.Decks); err != nil {
		return err
	}
	if err := insertNotes(ctx, tx, snap.Notes); err != nil {
		return err
	}
	if err := insertCards(ctx, tx, snap.Cards); err != nil {
		return err
	}
	if err := insertRevlog(ctx, tx, snap.Revlog); err != nil {
		return err
	}
	if err := insertMedia(ctx, tx, snap.Media); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

func insertCol(ctx context.Context, tx *sql.Tx, c domain.Collection) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO col (id, crt, mod, scm, ver, dty, usn, ls, last_id, conf, tags)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Crt, c.Mod, c.Scm, c.Ver, c.Dty, c.Usn, c.Ls, c.LastID, c.Conf, c.Tags)
	if err != nil {
		return fmt.Errorf("failed to insert collection: %w", err)
	}
	return nil
}

// insertEach prepares query once and executes it with the args of every row.
func insertEach[T any](ctx context.Context, tx *sql.Tx, table, query string, rows []T, args func(T) ([]any, error)) error {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert into %s: %w", table, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		a, err := args(row)
		if err != nil {
			return fmt.Errorf("failed to encode %s row: %w", table, err)
		}
		if _, err := stmt.ExecContext(ctx, a...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}
	return nil
}

func insertModels(ctx context.Context, tx *sql.Tx, models []domain.Model) error {
	return insertEach(ctx, tx, "models", `INSERT INTO models (id, name, data) VALUES (?, ?, ?)`, models,
		func(m domain.Model) ([]any, error) {
			data, err := json.Marshal(m)
			return []any{m.ID, m.Name, string(data)}, err
		})
}

func insertDeckConfigs(ctx context.Context, tx *sql.Tx, confs []domain.DeckConfig) error {
	return insertEach(ctx, tx, "deck_configs", `INSERT INTO deck_configs (id, name, data) VALUES (?, ?, ?)`, confs,
		func(c domain.DeckConfig) ([]any, error) {
			data, err := json.Marshal(c)
			return []any{c.ID, c.Name, string(data)}, err
		})
}

func insertDecks(ctx context.Context, tx *sql.Tx, decks []domain.Deck) error {
	return insertEach(ctx, tx, "decks", `
		INSERT INTO decks (id, name, conf_id, descr, mod, usn, dyn, collapsed,
			new_day, new_count, rev_day, rev_count, lrn_day, lrn_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, decks, func(d domain.Deck) ([]any, error) {
		return []any{
			d.ID, d.Name, d.ConfID, d.Desc, d.Mod, d.Usn, d.Dyn, d.Collapsed,
			d.NewToday.Day, d.NewToday.Count, d.RevToday.Day, d.RevToday.Count, d.LrnToday.Day, d.LrnToday.Count,
		}, nil
	})
}

func insertNotes(ctx context.Context, tx *sql.Tx, notes []domain.Note) error {
	return insertEach(ctx, tx, "notes", `
		INSERT INTO notes (id, guid, mid, mod, usn, tags, flds, sfld, csum, flags, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, notes, func(n domain.Note) ([]any, error) {
		tags, err := json.Marshal(n.Tags)
		return []any{
			n.ID, n.GUID, n.ModelID, n.Mod, n.Usn, string(tags),
			strings.Join(n.Fields, domain.FieldSeparator), n.SortField, n.Checksum, n.Flags, n.Data,
		}, err
	})
}

func insertCards(ctx context.Context, tx *sql.Tx, cards []domain.Card) error {
	return insertEach(ctx, tx, "cards", `
		INSERT INTO cards (id, nid, did, ord, mod, usn, type, queue, due, ivl, factor,
			reps, lapses, left, odue, odid, flags, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cards, func(c domain.Card) ([]any, error) {
		return []any{
			c.ID, c.NoteID, c.DeckID, c.Ord, c.Mod, c.Usn, int(c.Type), int(c.Queue), c.Due, c.Ivl, c.Factor,
			c.Reps, c.Lapses, c.Left, c.ODue, c.ODid, c.Flags, c.Data,
		}, nil
	})
}

func insertRevlog(ctx context.Context, tx *sql.Tx, revlog []domain.Revlog) error {
	return insertEach(ctx, tx, "revlog", `
		INSERT INTO revlog (id, cid, usn, ease, ivl, lastIvl, factor, time, type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, revlog, func(r domain.Revlog) ([]any, error) {
		return []any{r.ID, r.CardID, r.Usn, r.Ease, r.Ivl, r.LastIvl, r.Factor, r.Time, int(r.Type)}, nil
	})
}

func insertMedia(ctx context.Context, tx *sql.Tx, media []domain.MediaEntry) error {
	return insertEach(ctx, tx, "media", `
		INSERT INTO media (fname, refs, note_refs, sig, size, added)
		VALUES (?, ?, ?, ?, ?, ?)
	`, media, func(m domain.MediaEntry) ([]any, error) {
		return []any{m.Filename, m.RefCount, m.NoteRefs, m.Signature, m.Size, m.Added}, nil
	})
}

// ReadSnapshot reads every table into a snapshot ordered by key.
func (db *DB) ReadSnapshot(ctx context.Context) (store.Snapshot, error) {
	var snap store.Snapshot

	err := db.conn.QueryRowContext(ctx, `
		SELECT crt, mod, scm, ver, dty, usn, ls, last_id, conf, tags FROM col WHERE id = 1
	`).Scan(&snap.Col.Crt, &snap.Col.Mod, &snap.Col.Scm, &snap.Col.Ver, &snap.Col.Dty,
		&snap.Col.Usn, &snap.Col.Ls, &snap.Col.LastID, &snap.Col.Conf, &snap.Col.Tags)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to read collection: %w", err)
	}

	if snap.Models, err = readAll(ctx, db.conn, "models", `SELECT data FROM models ORDER BY id`,
		func(rows *sql.Rows) (domain.Model, error) {
			var m domain.Model
			return m, scanJSON(rows, &m)
		}); err != nil {
		return store.Snapshot{}, err
	}

	if snap.DeckConfigs, err = readAll(ctx, db.conn, "deck_configs", `SELECT data FROM deck_configs ORDER BY id`,
		func(rows *sql.Rows) (domain.DeckConfig, error) {
			var c domain.DeckConfig
			return c, scanJSON(rows, &c)
		}); err != nil {
		return store.Snapshot{}, err
	}

	if snap.Decks, err = readAll(ctx, db.conn, "decks", `
		SELECT id, name, conf_id, descr, mod, usn, dyn, collapsed,
			new_day, new_count, rev_day, rev_count, lrn_day, lrn_count
		FROM decks ORDER BY id
	`, func(rows *sql.Rows) (domain.Deck, error) {
		var d domain.Deck
		err := rows.Scan(&d.ID, &d.Name, &d.ConfID, &d.Desc, &d.Mod, &d.Usn, &d.Dyn, &d.Collapsed,
			&d.NewToday.Day, &d.NewToday.Count, &d.RevToday.Day, &d.RevToday.Count, &d.LrnToday.Day, &d.LrnToday.Count)
		return d, err
	}); err != nil {
		return store.Snapshot{}, err
	}

	if snap.Notes, err = readAll(ctx, db.conn, "notes", `
		SELECT id, guid, mid, mod, usn, tags, flds, sfld, csum, flags, data FROM notes ORDER BY id
	`, func(rows *sql.Rows) (domain.Note, error) {
		var n domain.Note
		var tags, flds string
		if err := rows.Scan(&n.ID, &n.GUID, &n.ModelID, &n.Mod, &n.Usn, &tags, &flds,
			&n.SortField, &n.Checksum, &n.Flags, &n.Data); err != nil {
			return n, err
		}
		if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
			return n, fmt.Errorf("note %d tags: %w", n.ID, err)
		}
		n.Fields = strings.Split(flds, domain.FieldSeparator)
		return n, nil
	}); err != nil {
		return store.Snapshot{}, err
	}

	if snap.Cards, err = readAll(ctx, db.conn, "cards", `
		SELECT id, nid, did, ord, mod, usn, type, queue, due, ivl, factor,
			reps, lapses, left, odue, odid, flags, data
		FROM cards ORDER BY id
	`, func(rows *sql.Rows) (domain.Card, error) {
		var c domain.Card
		err := rows.Scan(&c.ID, &c.NoteID, &c.DeckID, &c.Ord, &c.Mod, &c.Usn, &c.Type, &c.Queue, &c.Due,
			&c.Ivl, &c.Factor, &c.Reps, &c.Lapses, &c.Left, &c.ODue, &c.ODid, &c.Flags, &c.Data)
		return c, err
	}); err != nil {
		return store.Snapshot{}, err
	}

	if snap.Revlog, err = readAll(ctx, db.conn, "revlog", `
		SELECT id, cid, usn, ease, ivl, lastIvl, factor, time, type FROM revlog ORDER BY id
	`, func(rows *sql.Rows) (domain.Revlog, error) {
		var r domain.Revlog
		err := rows.Scan(&r.ID, &r.CardID, &r.Usn, &r.Ease, &r.Ivl, &r.LastIvl, &r.Factor, &r.Time, &r.Type)
		return r, err
	}); err != nil {
		return store.Snapshot{}, err
	}

	if snap.Media, err = readAll(ctx, db.conn, "media", `
		SELECT fname, refs, note_refs, sig, size, added FROM media ORDER BY fname
	`, func(rows *sql.Rows) (domain.MediaEntry, error) {
		var m domain.MediaEntry
		err := rows.Scan(&m.Filename, &m.RefCount, &m.NoteRefs, &m.Signature, &m.Size, &m.Added)
		return m, err
	}); err != nil {
		return store.Snapshot{}, err
	}

	return snap, nil
}

func readAll[T any](ctx context.Context, conn *sql.DB, table, query string, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	return out, nil
}

func scanJSON(rows *sql.Rows, v any) error {
	var data string
	if err := rows.Scan(&data); err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), v)
}
