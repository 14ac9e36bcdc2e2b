package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/zsprackett/agent-mascot/internal/mascot"
	_ "modernc.org/sqlite"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS mascot_sessions (
			id           INTEGER PRIMARY KEY,
			token        TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			state        TEXT NOT NULL DEFAULT 'sleeping',
			last_seen_at INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create mascot_sessions: %w", err)
	}

	if _, err := d.sql.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_mascot_sessions_token ON mascot_sessions(token)`); err != nil {
		return fmt.Errorf("index mascot_sessions: %w", err)
	}

	// Add legacy column to existing DBs; ignore "duplicate column" errors.
	if _, alterErr := d.sql.Exec(`ALTER TABLE mascot_sessions ADD COLUMN legacy INTEGER NOT NULL DEFAULT 0`); alterErr != nil {
		if !isDuplicateColumnError(alterErr) {
			return fmt.Errorf("alter mascot_sessions add legacy: %w", alterErr)
		}
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS tracked_processes (
			session_id INTEGER NOT NULL REFERENCES mascot_sessions(id) ON DELETE CASCADE,
			pid        INTEGER NOT NULL,
			added_at   INTEGER NOT NULL,
			PRIMARY KEY (session_id, pid)
		)
	`)
	if err != nil {
		return fmt.Errorf("create tracked_processes: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			id         INTEGER PRIMARY KEY,
			session_id INTEGER NOT NULL REFERENCES mascot_sessions(id) ON DELETE CASCADE,
			ts         INTEGER NOT NULL,
			event      TEXT NOT NULL,
			tool       TEXT NOT NULL DEFAULT '',
			state      TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create session_events: %w", err)
	}

	if _, alterErr := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id, ts DESC)`); alterErr != nil {
		return fmt.Errorf("index session_events: %w", alterErr)
	}

	return nil
}

const sessionColumns = `id, token, name, state, last_seen_at, created_at, updated_at, legacy`

// CreateSession inserts s and fills in its ID.
func (d *DB) CreateSession(s *Session) error {
	res, err := d.sql.Exec(`
		INSERT INTO mascot_sessions (token, name, state, last_seen_at, created_at, updated_at, legacy)
		VALUES (?,?,?,?,?,?,?)`,
		s.Token, s.Name, string(s.State),
		unixMilliOrZero(s.LastSeenAt), s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli(),
		boolToInt(s.Legacy),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = id
	return nil
}

// GetSessionByToken matches the token exactly. A missing row surfaces as
// sql.ErrNoRows.
func (d *DB) GetSessionByToken(token string) (*Session, error) {
	row := d.sql.QueryRow(`SELECT `+sessionColumns+` FROM mascot_sessions WHERE token = ?`, token)
	return scanSession(row)
}

// GetLegacySession returns the single-tenant session row. A missing row
// surfaces as sql.ErrNoRows.
func (d *DB) GetLegacySession() (*Session, error) {
	row := d.sql.QueryRow(`SELECT ` + sessionColumns + ` FROM mascot_sessions WHERE legacy = 1 ORDER BY id LIMIT 1`)
	return scanSession(row)
}

func (d *DB) LoadSessions() ([]*Session, error) {
	rows, err := d.sql.Query(`SELECT ` + sessionColumns + ` FROM mascot_sessions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// MonitoredSessions returns every session the liveness monitor must look at:
// those with tracked processes and those still awake.
func (d *DB) MonitoredSessions() ([]*Session, error) {
	rows, err := d.sql.Query(`
		SELECT `+sessionColumns+` FROM mascot_sessions
		WHERE state != ? OR id IN (SELECT DISTINCT session_id FROM tracked_processes)
		ORDER BY id`, string(mascot.StateSleeping))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// The Update* helpers below return the number of rows they touched so that
// callers can tell an unknown token apart from a no-op write.

func (d *DB) UpdateSessionName(token, name string, at time.Time) (int64, error) {
	return d.execCount("UPDATE mascot_sessions SET name = ?, updated_at = ? WHERE token = ?",
		name, at.UnixMilli(), token)
}

// ReplaceToken swaps oldToken for newToken in a single statement so that no
// reader ever sees both or neither.
func (d *DB) ReplaceToken(oldToken, newToken string, at time.Time) (int64, error) {
	return d.execCount("UPDATE mascot_sessions SET token = ?, updated_at = ? WHERE token = ?",
		newToken, at.UnixMilli(), oldToken)
}

func (d *DB) TouchSession(token string, at time.Time) (int64, error) {
	return d.execCount("UPDATE mascot_sessions SET last_seen_at = ? WHERE token = ?",
		at.UnixMilli(), token)
}

// StateChange is one inbound event's effect on a session.
type StateChange struct {
	State mascot.State
	// PID is added to the tracked set when positive.
	PID int
	// ClearTracked empties the tracked set instead of adding PID.
	ClearTracked bool
}

// ApplyStateChange updates the tracked set and writes the state of the
// session identified by token in one transaction. An unknown token surfaces
// as sql.ErrNoRows and leaves every table untouched.
func (d *DB) ApplyStateChange(token string, c StateChange, at time.Time) (int64, error) {
	tx, err := d.sql.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRow("SELECT id FROM mascot_sessions WHERE token = ?", token).Scan(&id); err != nil {
		return 0, err
	}
	if c.ClearTracked {
		if _, err := tx.Exec("DELETE FROM tracked_processes WHERE session_id = ?", id); err != nil {
			return 0, err
		}
	} else if c.PID > 0 {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO tracked_processes (session_id, pid, added_at) VALUES (?,?,?)",
			id, c.PID, at.UnixMilli(),
		); err != nil {
			return 0, err
		}
	}
	if _, err := tx.Exec("UPDATE mascot_sessions SET state = ?, last_seen_at = ?, updated_at = ? WHERE id = ?",
		string(c.State), at.UnixMilli(), at.UnixMilli(), id); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// RetireProcesses drops pids from the session's tracked set and, if the set
// is then empty and the session is awake, moves it to sleeping. Both happen
// in one transaction: a failed sleep keeps the pids so the next pass retries,
// and a process tracked concurrently keeps the session awake.
func (d *DB) RetireProcesses(sessionID int64, pids []int, at time.Time) (bool, error) {
	tx, err := d.sql.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	for _, pid := range pids {
		if _, err := tx.Exec("DELETE FROM tracked_processes WHERE session_id = ? AND pid = ?", sessionID, pid); err != nil {
			return false, err
		}
	}
	res, err := tx.Exec(`
		UPDATE mascot_sessions SET state = ?, updated_at = ?
		WHERE id = ? AND state != ?
		AND NOT EXISTS (SELECT 1 FROM tracked_processes WHERE session_id = ?)`,
		string(mascot.StateSleeping), at.UnixMilli(), sessionID, string(mascot.StateSleeping), sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, tx.Commit()
}

func (d *DB) execCount(query string, args ...any) (int64, error) {
	res, err := d.sql.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) TrackedProcesses(sessionID int64) ([]int, error) {
	rows, err := d.sql.Query("SELECT pid FROM tracked_processes WHERE session_id = ? ORDER BY pid", sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pids []int
	for rows.Next() {
		var pid int
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		pids = append(pids, pid)
	}
	return pids, rows.Err()
}

// rowScanner is implemented by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var state string
	var lastSeen, createdAt, updatedAt int64
	var legacy int
	err := row.Scan(&s.ID, &s.Token, &s.Name, &state, &lastSeen, &createdAt, &updatedAt, &legacy)
	if err != nil {
		return nil, err
	}
	s.State = mascot.ParseState(state)
	if lastSeen > 0 {
		s.LastSeenAt = time.UnixMilli(lastSeen)
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.UpdatedAt = time.UnixMilli(updatedAt)
	s.Legacy = legacy == 1
	return &s, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

func (d *DB) InsertSessionEvent(e SessionEvent) error {
	_, err := d.sql.Exec(
		`INSERT INTO session_events (session_id, ts, event, tool, state) VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, e.Ts.UnixMilli(), e.Event, e.Tool, string(e.State),
	)
	return err
}

func (d *DB) GetSessionEvents(sessionID int64, limit int) ([]SessionEvent, error) {
	rows, err := d.sql.Query(
		`SELECT id, session_id, ts, event, tool, state
		 FROM session_events
		 WHERE session_id = ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var ts int64
		var state string
		if err := rows.Scan(&e.ID, &e.SessionID, &ts, &e.Event, &e.Tool, &state); err != nil {
			return nil, err
		}
		e.Ts = time.UnixMilli(ts)
		e.State = mascot.ParseState(state)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneSessionEvents deletes event log rows older than before.
func (d *DB) PruneSessionEvents(before time.Time) (int64, error) {
	return d.execCount(`DELETE FROM session_events WHERE ts < ?`, before.UnixMilli())
}
