// Package sqlite is the durable mirror of chat transcripts and hub events.
// The registry owns drone identity; this store keeps the per-chat turn
// history and the lifecycle event log queryable across hub restarts.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nerfZael/dronehub/model"
)

// Store manages chat, turn, and event persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			drone_id   TEXT NOT NULL,
			chat       TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (drone_id, chat)
		);

		CREATE TABLE IF NOT EXISTS turns (
			drone_id     TEXT NOT NULL,
			chat         TEXT NOT NULL,
			turn         INTEGER NOT NULL,
			prompt_id    TEXT NOT NULL DEFAULT '',
			prompt       TEXT NOT NULL DEFAULT '',
			session      TEXT NOT NULL DEFAULT '',
			log_path     TEXT NOT NULL DEFAULT '',
			ok           INTEGER NOT NULL DEFAULT 1,
			error        TEXT NOT NULL DEFAULT '',
			output       TEXT NOT NULL DEFAULT '',
			prompt_at    DATETIME NOT NULL,
			completed_at DATETIME,
			PRIMARY KEY (drone_id, chat, turn)
		);

		CREATE TABLE IF NOT EXISTS hub_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			drone_id   TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_hub_events_drone
			ON hub_events(drone_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- chats ---

// EnsureChat records that a chat exists for a drone. Idempotent.
func (s *Store) EnsureChat(droneID, chat string) error {
	_, err := s.db.Exec(
		`INSERT INTO chats (drone_id, chat) VALUES (?, ?)
		 ON CONFLICT (drone_id, chat) DO NOTHING`,
		droneID, chat,
	)
	return err
}

// ListChats returns a drone's chat names, oldest first.
func (s *Store) ListChats(droneID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT chat FROM chats WHERE drone_id = ? ORDER BY created_at ASC, chat ASC`,
		droneID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// --- turns ---

// UpsertTurn inserts or replaces one transcript turn. The reconciler calls
// this for every turn it observes, so replays of the same turn are routine.
func (s *Store) UpsertTurn(droneID, chat string, t model.TranscriptItem) error {
	var completed any
	if t.CompletedAt != nil {
		completed = t.CompletedAt.UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO turns
			(drone_id, chat, turn, prompt_id, prompt, session, log_path, ok, error, output, prompt_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (drone_id, chat, turn) DO UPDATE SET
			prompt_id = excluded.prompt_id,
			prompt = excluded.prompt,
			session = excluded.session,
			log_path = excluded.log_path,
			ok = excluded.ok,
			error = excluded.error,
			output = excluded.output,
			prompt_at = excluded.prompt_at,
			completed_at = excluded.completed_at`,
		droneID, chat, t.Turn, t.ID, t.Prompt, t.Session, t.LogPath,
		boolToInt(t.Ok), t.Error, t.Output, t.PromptAt.UTC(), completed,
	)
	return err
}

// Turns returns a chat's transcript in turn order.
func (s *Store) Turns(droneID, chat string) ([]model.TranscriptItem, error) {
	rows, err := s.db.Query(
		`SELECT turn, prompt_id, prompt, session, log_path, ok, error, output, prompt_at, completed_at
		 FROM turns
		 WHERE drone_id = ? AND chat = ?
		 ORDER BY turn ASC`,
		droneID, chat,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []model.TranscriptItem
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Turn returns a single transcript turn.
func (s *Store) Turn(droneID, chat string, turn int) (model.TranscriptItem, error) {
	row := s.db.QueryRow(
		`SELECT turn, prompt_id, prompt, session, log_path, ok, error, output, prompt_at, completed_at
		 FROM turns
		 WHERE drone_id = ? AND chat = ? AND turn = ?`,
		droneID, chat, turn,
	)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TranscriptItem{}, model.E(model.CodeNotFound, "turn %d not found in chat %s", turn, chat)
	}
	return t, err
}

// MaxTurn returns the highest recorded turn number for a chat, 0 when none.
func (s *Store) MaxTurn(droneID, chat string) (int, error) {
	var max int
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(turn), 0) FROM turns WHERE drone_id = ? AND chat = ?`,
		droneID, chat,
	).Scan(&max)
	return max, err
}

// --- events ---

// Event is one persisted hub lifecycle event.
type Event struct {
	ID      int64     `json:"id"`
	DroneID string    `json:"droneId"`
	Type    string    `json:"type"`
	Data    string    `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// AddEvent inserts a new event and fills in its ID.
func (s *Store) AddEvent(event *Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	result, err := s.db.Exec(
		`INSERT INTO hub_events (drone_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.DroneID, event.Type, event.Data, event.At.UTC(),
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// Events returns events for a drone, optionally after a given event ID.
func (s *Store) Events(droneID string, afterID int64) ([]*Event, error) {
	rows, err := s.db.Query(
		`SELECT id, drone_id, type, data, created_at
		 FROM hub_events
		 WHERE drone_id = ? AND id > ?
		 ORDER BY id ASC`,
		droneID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.DroneID, &e.Type, &e.Data, &e.At); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- drone lifecycle ---

// CopyDrone duplicates one drone's chat and turn rows under a new drone id.
// Used when cloning a drone with its chat history.
func (s *Store) CopyDrone(srcID, dstID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO chats (drone_id, chat, created_at)
		 SELECT ?, chat, created_at FROM chats WHERE drone_id = ?
		 ON CONFLICT (drone_id, chat) DO NOTHING`,
		dstID, srcID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO turns
			(drone_id, chat, turn, prompt_id, prompt, session, log_path, ok, error, output, prompt_at, completed_at)
		 SELECT ?, chat, turn, prompt_id, prompt, session, log_path, ok, error, output, prompt_at, completed_at
		 FROM turns WHERE drone_id = ?`,
		dstID, srcID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteDrone removes all rows for a drone. Event history is kept; deleted
// drones still show up in audit queries.
func (s *Store) DeleteDrone(droneID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM turns WHERE drone_id = ?`, droneID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chats WHERE drone_id = ?`, droneID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanTurn(row scannable) (model.TranscriptItem, error) {
	var t model.TranscriptItem
	var ok int
	var completed sql.NullTime
	err := row.Scan(
		&t.Turn, &t.ID, &t.Prompt, &t.Session, &t.LogPath,
		&ok, &t.Error, &t.Output, &t.PromptAt, &completed,
	)
	if err != nil {
		return model.TranscriptItem{}, err
	}
	t.Ok = ok != 0
	if completed.Valid {
		at := completed.Time
		t.CompletedAt = &at
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
