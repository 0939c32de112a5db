// Package database exports the live dashboard state to SQLite so that other
// processes (rtenergy status) can read it. Only current values are kept: every
// update overwrites the category's row and the session end clears the tables.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jgoulah/rtenergy/internal/reconciler"
	"github.com/jgoulah/rtenergy/internal/scheduler"
	"github.com/jgoulah/rtenergy/pkg/models"
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Session describes the watch process that owns the live state
type Session struct {
	ID        string
	StartedAt time.Time
	UpdatedAt time.Time
	Connected bool
}

// CategoryState is the stored current value of one category
type CategoryState struct {
	Category  models.Category
	Seq       uint64
	UpdatedAt time.Time
	Payload   json.RawMessage
}

// LiveState is everything a running session has exported
type LiveState struct {
	Session    *Session // nil if no session is running
	Categories []CategoryState
}

var _ scheduler.Sink = (*DB)(nil)

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Writes only ever come from the scheduler loop
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, now: time.Now}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		session_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		connected INTEGER NOT NULL DEFAULT 1
	);
	CREATE TABLE IF NOT EXISTS live_state (
		category TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// BeginSession drops whatever a previous session left behind and records the new one
func (db *DB) BeginSession(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM live_state`); err != nil {
		return fmt.Errorf("clearing live state: %w", err)
	}
	now := db.now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`
	INSERT OR REPLACE INTO session (id, session_id, started_at, updated_at, connected)
	VALUES (1, ?, ?, ?, 1)
	`, id, now, now); err != nil {
		return fmt.Errorf("recording session: %w", err)
	}

	return tx.Commit()
}

// Clear removes the session and every stored value
func (db *DB) Clear() error {
	if _, err := db.conn.Exec(`DELETE FROM live_state; DELETE FROM session;`); err != nil {
		return fmt.Errorf("clearing live state: %w", err)
	}
	return nil
}

func (db *DB) Name() string { return "sqlite" }

// Write stores the value of the updated category and the connectivity flag
func (db *DB) Write(u scheduler.Update) error {
	now := db.now().UTC().Format(time.RFC3339Nano)

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if u.Category != "" {
		payload, err := categoryPayload(u.Category, u.Snapshot)
		if err != nil {
			return err
		}
		st := u.Snapshot.StatusOf(u.Category)
		updatedAt := st.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = db.now()
		}

		_, err = tx.Exec(`
		INSERT INTO live_state (category, seq, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(category) DO UPDATE SET
			seq = excluded.seq,
			payload = excluded.payload,
			updated_at = excluded.updated_at
		`, string(u.Category), int64(st.ValueSeq), string(payload), updatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("storing %s: %w", u.Category, err)
		}
	}

	if _, err := tx.Exec(`UPDATE session SET connected = ?, updated_at = ? WHERE id = 1`, boolToInt(u.Snapshot.Connected), now); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	return tx.Commit()
}

// Load reads the exported state
func (db *DB) Load() (*LiveState, error) {
	state := &LiveState{}

	var s Session
	var startedAt, updatedAt string
	var connected int
	err := db.conn.QueryRow(`SELECT session_id, started_at, updated_at, connected FROM session WHERE id = 1`).
		Scan(&s.ID, &startedAt, &updatedAt, &connected)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("querying session: %w", err)
	default:
		if s.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		s.Connected = connected != 0
		state.Session = &s
	}

	rows, err := db.conn.Query(`SELECT category, seq, payload, updated_at FROM live_state ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("querying live state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cs CategoryState
		var category, payload, at string
		var seq int64
		if err := rows.Scan(&category, &seq, &payload, &at); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		cs.Category = models.Category(category)
		cs.Seq = uint64(seq)
		cs.Payload = json.RawMessage(payload)
		if cs.UpdatedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		state.Categories = append(state.Categories, cs)
	}

	return state, rows.Err()
}

// Get returns the stored row for category, or nil if there is none
func (s *LiveState) Get(category models.Category) *CategoryState {
	for i := range s.Categories {
		if s.Categories[i].Category == category {
			return &s.Categories[i]
		}
	}
	return nil
}

// Decode unmarshals the stored payload into v
func (cs *CategoryState) Decode(v any) error {
	if err := json.Unmarshal(cs.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", cs.Category, err)
	}
	return nil
}

func categoryPayload(category models.Category, snap reconciler.Snapshot) ([]byte, error) {
	var v any
	switch category {
	case models.CategorySeries:
		v = snap.Series
	case models.CategoryRMS:
		v = snap.RMS
	case models.CategorySpectrum:
		v = snap.Spectrum
	case models.CategoryClassification:
		v = snap.Classification
	default:
		return nil, fmt.Errorf("unknown category %q", category)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", category, err)
	}
	return payload, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Snapshot rebuilds a reconciler snapshot from the stored rows so it can be
// rendered like the live dashboard
func (s *LiveState) Snapshot() (reconciler.Snapshot, error) {
	snap := reconciler.Snapshot{
		Status:    make(map[models.Category]reconciler.CategoryStatus, len(s.Categories)),
		Connected: s.Session != nil && s.Session.Connected,
	}

	for i := range s.Categories {
		cs := &s.Categories[i]
		var err error
		switch cs.Category {
		case models.CategorySeries:
			err = cs.Decode(&snap.Series)
		case models.CategoryRMS:
			err = cs.Decode(&snap.RMS)
		case models.CategorySpectrum:
			err = cs.Decode(&snap.Spectrum)
		case models.CategoryClassification:
			err = cs.Decode(&snap.Classification)
		default:
			continue
		}
		if err != nil {
			return reconciler.Snapshot{}, err
		}
		snap.Status[cs.Category] = reconciler.CategoryStatus{
			Present:   true,
			ValueSeq:  cs.Seq,
			UpdatedAt: cs.UpdatedAt,
		}
	}

	return snap, nil
}
