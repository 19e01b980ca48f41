// Package storage persists per-half recording metadata in SQLite and pairs
// the two halves of a conversation for the sessions listing.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Half is the stored metadata for one side of a recorded conversation.
type Half struct {
	ID            string  `json:"id"`         // full id with _client_x suffix
	SessionID     string  `json:"session_id"` // base token shared by both halves
	Suffix        string  `json:"suffix"`     // "a" or "b"
	Age           string  `json:"age,omitempty"`
	Gender        string  `json:"gender,omitempty"`
	Reference     string  `json:"reference,omitempty"`
	Duration      float64 `json:"duration_seconds"`
	SampleRate    int     `json:"sample_rate"`
	ChunkCount    int     `json:"chunk_count"`
	MissingChunks []int   `json:"missing_chunks,omitempty"`
	Combined      bool    `json:"combined"`
	CreatedAt     int64   `json:"created_at"`
}

// Session pairs the halves sharing one base id.
type Session struct {
	SessionID string `json:"session_id"`
	ClientA   *Half  `json:"client_a,omitempty"`
	ClientB   *Half  `json:"client_b,omitempty"`
}

// Complete reports whether both halves exist and are combined.
func (s Session) Complete() bool {
	return s.ClientA != nil && s.ClientA.Combined && s.ClientB != nil && s.ClientB.Combined
}

// DB wraps the SQLite metadata database.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS recordings (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			suffix         TEXT NOT NULL,
			age            TEXT NOT NULL DEFAULT '',
			gender         TEXT NOT NULL DEFAULT '',
			reference      TEXT NOT NULL DEFAULT '',
			duration       REAL NOT NULL DEFAULT 0,
			sample_rate    INTEGER NOT NULL DEFAULT 0,
			chunk_count    INTEGER NOT NULL DEFAULT 0,
			missing_chunks TEXT NOT NULL DEFAULT '[]',
			combined       INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_recordings_session ON recordings(session_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// SplitID separates a full half id into its base session id and suffix.
// Ids without a recognized suffix keep the full id as base and suffix "".
func SplitID(id string) (sessionID, suffix string) {
	switch {
	case strings.HasSuffix(id, "_client_a"):
		return strings.TrimSuffix(id, "_client_a"), "a"
	case strings.HasSuffix(id, "_client_b"):
		return strings.TrimSuffix(id, "_client_b"), "b"
	}
	return id, ""
}

// UpsertHalf creates or updates the metadata row for one half.
func (d *DB) UpsertHalf(h Half) error {
	if h.SessionID == "" || h.Suffix == "" {
		h.SessionID, h.Suffix = SplitID(h.ID)
	}
	if h.CreatedAt == 0 {
		h.CreatedAt = time.Now().Unix()
	}
	missing, _ := json.Marshal(h.MissingChunks)

	_, err := d.db.Exec(`
		INSERT INTO recordings
			(id, session_id, suffix, age, gender, reference, duration, sample_rate, chunk_count, missing_chunks, combined, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			age = excluded.age,
			gender = excluded.gender,
			reference = excluded.reference,
			duration = excluded.duration,
			sample_rate = excluded.sample_rate,
			chunk_count = excluded.chunk_count
	`, h.ID, h.SessionID, h.Suffix, h.Age, h.Gender, h.Reference,
		h.Duration, h.SampleRate, h.ChunkCount, string(missing), boolInt(h.Combined), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert half %s: %w", h.ID, err)
	}
	return nil
}

// AnnotateMissing records the sequence numbers absent from the persisted half.
func (d *DB) AnnotateMissing(id string, missing []int) error {
	if missing == nil {
		missing = []int{}
	}
	data, _ := json.Marshal(missing)
	return d.touch(id, `UPDATE recordings SET missing_chunks = ? WHERE id = ?`, string(data), id)
}

// MarkCombined flags a half as successfully reassembled.
func (d *DB) MarkCombined(id string) error {
	return d.touch(id, `UPDATE recordings SET combined = 1 WHERE id = ?`, id)
}

func (d *DB) touch(id, query string, args ...any) error {
	res, err := d.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// half uploaded without metadata: create a bare row first
		sessionID, suffix := SplitID(id)
		if _, err := d.db.Exec(`
			INSERT OR IGNORE INTO recordings (id, session_id, suffix, created_at)
			VALUES (?, ?, ?, ?)`, id, sessionID, suffix, time.Now().Unix()); err != nil {
			return fmt.Errorf("insert bare row %s: %w", id, err)
		}
		if _, err := d.db.Exec(query, args...); err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
	}
	return nil
}

// Half returns one half's metadata.
func (d *DB) Half(id string) (Half, bool, error) {
	row := d.db.QueryRow(`
		SELECT id, session_id, suffix, age, gender, reference, duration,
		       sample_rate, chunk_count, missing_chunks, combined, created_at
		FROM recordings WHERE id = ?`, id)
	h, err := scanHalf(row)
	if err == sql.ErrNoRows {
		return Half{}, false, nil
	}
	if err != nil {
		return Half{}, false, err
	}
	return h, true, nil
}

// Sessions lists recorded conversations, newest first. With partial=false only
// sessions whose both halves are combined are returned.
func (d *DB) Sessions(partial bool) ([]Session, error) {
	rows, err := d.db.Query(`
		SELECT id, session_id, suffix, age, gender, reference, duration,
		       sample_rate, chunk_count, missing_chunks, combined, created_at
		FROM recordings ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Session)
	order := make([]string, 0, 16)
	for rows.Next() {
		h, err := scanHalf(rows)
		if err != nil {
			return nil, err
		}
		sess, ok := byID[h.SessionID]
		if !ok {
			sess = &Session{SessionID: h.SessionID}
			byID[h.SessionID] = sess
			order = append(order, h.SessionID)
		}
		half := h
		if h.Suffix == "b" {
			sess.ClientB = &half
		} else {
			sess.ClientA = &half
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(order))
	for _, id := range order {
		sess := byID[id]
		if !partial && !sess.Complete() {
			continue
		}
		out = append(out, *sess)
	}
	return out, nil
}

// Delete removes one half's metadata. Returns true if a row was removed.
func (d *DB) Delete(id string) (bool, error) {
	res, err := d.db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanHalf(s scanner) (Half, error) {
	var h Half
	var missing string
	var combined int
	err := s.Scan(&h.ID, &h.SessionID, &h.Suffix, &h.Age, &h.Gender, &h.Reference,
		&h.Duration, &h.SampleRate, &h.ChunkCount, &missing, &combined, &h.CreatedAt)
	if err != nil {
		return Half{}, err
	}
	_ = json.Unmarshal([]byte(missing), &h.MissingChunks)
	h.Combined = combined != 0
	return h, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
