// Package store provides a SQLite-backed append log of completed DFU
// sessions, for operator visibility across process restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agsys/dfu-agent/internal/session"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the session history SQLite connection.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the session history database at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate session store: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		device_label TEXT NOT NULL,
		from_version TEXT,
		to_version TEXT,
		outcome TEXT NOT NULL,
		chunks_written INTEGER DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_label);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SessionRecord is one row in the session history table.
type SessionRecord struct {
	ID            string
	DeviceLabel   string
	FromVersion   string
	ToVersion     string
	Outcome       string
	ChunksWritten int
	StartedAt     time.Time
	FinishedAt    time.Time
	ErrorMessage  string
}

// InsertSession appends one completed session to the history log. When
// rec.ID is empty a fresh uuid is assigned, matching the teacher's use of
// github.com/google/uuid for entity identifiers; a non-empty rec.ID is kept.
func (db *DB) InsertSession(rec SessionRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := `
		INSERT INTO sessions (id, device_label, from_version, to_version, outcome,
			chunks_written, started_at, finished_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.conn.Exec(query, id, rec.DeviceLabel, rec.FromVersion, rec.ToVersion,
		rec.Outcome, rec.ChunksWritten, rec.StartedAt, rec.FinishedAt, rec.ErrorMessage)
	if err != nil {
		return "", fmt.Errorf("insert session record: %w", err)
	}
	return id, nil
}

// GetRecentSessions returns the most recently finished sessions, most
// recent first, bounded by limit.
func (db *DB) GetRecentSessions(limit int) ([]*SessionRecord, error) {
	query := `SELECT id, device_label, from_version, to_version, outcome,
		chunks_written, started_at, finished_at, error_message
		FROM sessions ORDER BY finished_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("query session records: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

// Record implements session.Recorder, letting a DB be plugged straight into
// a Driver as its Recorder.
func (db *DB) Record(ctx context.Context, rec session.Record) error {
	_, err := db.InsertSession(SessionRecord{
		DeviceLabel:   rec.DeviceLabel,
		FromVersion:   rec.FromVersion,
		ToVersion:     rec.ToVersion,
		Outcome:       rec.Outcome,
		ChunksWritten: rec.ChunksWritten,
		StartedAt:     rec.StartedAt,
		FinishedAt:    rec.FinishedAt,
		ErrorMessage:  rec.ErrorMessage,
	})
	return err
}

// GetSessionsForDevice returns the most recent sessions for one device label.
func (db *DB) GetSessionsForDevice(deviceLabel string, limit int) ([]*SessionRecord, error) {
	query := `SELECT id, device_label, from_version, to_version, outcome,
		chunks_written, started_at, finished_at, error_message
		FROM sessions WHERE device_label = ? ORDER BY finished_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, deviceLabel, limit)
	if err != nil {
		return nil, fmt.Errorf("query session records: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

// scanSessionRows drains rows into SessionRecords, shared by every query
// that selects the full sessions column list.
func scanSessionRows(rows *sql.Rows) ([]*SessionRecord, error) {
	var out []*SessionRecord
	for rows.Next() {
		r := &SessionRecord{}
		var fromVer, toVer, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.DeviceLabel, &fromVer, &toVer, &r.Outcome,
			&r.ChunksWritten, &r.StartedAt, &r.FinishedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		r.FromVersion = fromVer.String
		r.ToVersion = toVer.String
		r.ErrorMessage = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}
