// Package main - store.go
//
// Encounter history in SQLite (modernc.org/sqlite, pure Go, no cgo).
//
// Tables:
//   - sessions: one row per bot run (uuid, start/end, final counters)
//   - encounters: one row per resolved battle, linked to its session
//
// The store implements EncounterRecorder. RecordEncounter is called from the
// decision thread; a failed insert is logged and never stops the bot.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const encounterSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	battles     INTEGER NOT NULL DEFAULT 0,
	skins_found INTEGER NOT NULL DEFAULT 0,
	flees       INTEGER NOT NULL DEFAULT 0,
	errors      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS encounters (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL REFERENCES sessions(id),
	started_at     INTEGER NOT NULL,
	ended_at       INTEGER NOT NULL,
	creature       TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	ocr_confidence REAL NOT NULL,
	hash_distance  REAL,
	ssim           REAL,
	errors         INTEGER NOT NULL,
	archive_path   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_encounters_session ON encounters(session_id);
`

// EncounterRow is one stored encounter
type EncounterRow struct {
	SessionID string
	Encounter
}

// EncounterStore persists sessions and encounters.
type EncounterStore struct {
	db        *sql.DB
	sessionID string
}

// openSQLite opens a SQLite database with the standard pragmas
func openSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OpenEncounterStore opens (or creates) the database at path. It does not
// start a session; read-only callers such as -history use it as is.
func OpenEncounterStore(path string) (*EncounterStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(encounterSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &EncounterStore{db: db}, nil
}

// BeginSession starts a new session and returns its id
func (s *EncounterStore) BeginSession(at time.Time) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.Exec(`INSERT INTO sessions (id, started_at) VALUES (?, ?)`, id, at.UnixMilli()); err != nil {
		return "", fmt.Errorf("begin session: %w", err)
	}
	s.sessionID = id
	LogInfo("Encounter session %s started", id)
	return id, nil
}

// SessionID returns the current session id ("" before BeginSession)
func (s *EncounterStore) SessionID() string {
	return s.sessionID
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// RecordEncounter inserts one encounter into the current session
func (s *EncounterStore) RecordEncounter(e Encounter) {
	if s.sessionID == "" {
		LogWarn("Encounter dropped: no session started")
		return
	}
	_, err := s.db.Exec(`INSERT INTO encounters
		(session_id, started_at, ended_at, creature, outcome, ocr_confidence, hash_distance, ssim, errors, archive_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.sessionID, e.StartedAt.UnixMilli(), e.EndedAt.UnixMilli(), e.Creature, e.Outcome.String(),
		e.OCRConfidence, nullableFloat(e.HashDistance), nullableFloat(e.SSIM), e.Errors, e.ArchivePath)
	if err != nil {
		LogError("Failed to record encounter: %v", err)
		return
	}
	LogDebug("Encounter recorded: %s %s", e.Creature, e.Outcome)
}

// EndSession stores the final counters of the current session
func (s *EncounterStore) EndSession(stats Stats) error {
	if s.sessionID == "" {
		return nil
	}
	end := stats.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	_, err := s.db.Exec(`UPDATE sessions SET ended_at = ?, battles = ?, skins_found = ?, flees = ?, errors = ? WHERE id = ?`,
		end.UnixMilli(), stats.Battles, stats.SkinsFound, stats.FleesPerformed, stats.Errors, s.sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func parseOutcome(s string) EncounterOutcome {
	for o := OutcomeSkin; o <= OutcomeInterrupted; o++ {
		if o.String() == s {
			return o
		}
	}
	return OutcomeEnded
}

// Recent returns the last n encounters of every session, newest first
func (s *EncounterStore) Recent(n int) ([]EncounterRow, error) {
	rows, err := s.db.Query(`SELECT session_id, started_at, ended_at, creature, outcome, ocr_confidence, hash_distance, ssim, errors, archive_path
		FROM encounters ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query encounters: %w", err)
	}
	defer rows.Close()

	var out []EncounterRow
	for rows.Next() {
		var (
			row            EncounterRow
			started, ended int64
			outcome        string
			distance, ssim sql.NullFloat64
		)
		if err := rows.Scan(&row.SessionID, &started, &ended, &row.Creature, &outcome,
			&row.OCRConfidence, &distance, &ssim, &row.Errors, &row.ArchivePath); err != nil {
			return nil, err
		}
		row.StartedAt = time.UnixMilli(started)
		row.EndedAt = time.UnixMilli(ended)
		row.Outcome = parseOutcome(outcome)
		if distance.Valid {
			d := distance.Float64
			row.HashDistance = &d
		}
		if ssim.Valid {
			v := ssim.Float64
			row.SSIM = &v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// String renders the row for the -history listing
func (r EncounterRow) String() string {
	return fmt.Sprintf("%s | %-12s | %-12s | dist=%s | errors=%d %s",
		r.StartedAt.Format("2006-01-02 15:04:05"), r.Creature, r.Outcome, formatDistance(r.HashDistance), r.Errors, r.ArchivePath)
}

// Close closes the database
func (s *EncounterStore) Close() error {
	return s.db.Close()
}
