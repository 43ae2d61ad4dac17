package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the session journal: every delivered process creation and every
// rule that matched one. It lives in memory and is gone when the host
// exits.
type DB struct {
	Db         *sql.DB
	maxEntries int
}

// EventRecord is one delivered process creation.
type EventRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Target    string    `json:"target"`
	PID       uint32    `json:"pid"`
	PPID      uint32    `json:"ppid"`
	Name      string    `json:"process_name"`
	ExePath   string    `json:"exe_path,omitempty"`
	CmdLine   string    `json:"cmdline,omitempty"`
	Username  string    `json:"username,omitempty"`
	ParentExe string    `json:"parent_exe,omitempty"`
}

// MatchRecord is one sigma rule that matched a delivered event.
type MatchRecord struct {
	ID        int64     `json:"id"`
	EventID   int64     `json:"event_id"`
	RuleID    string    `json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	Severity  string    `json:"severity"`
	PID       uint32    `json:"pid"`
	Name      string    `json:"process_name"`
	Timestamp time.Time `json:"timestamp"`
}

// Open creates an empty in-memory journal that keeps at most maxEntries
// events; older events and their matches are pruned. A maxEntries of zero
// or less keeps everything.
func Open(maxEntries int) (*DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every pooled connection to :memory: would see its own empty database.
	db.SetMaxOpenConns(1)

	if err := initEventSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}
	if err := initMatchSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize match schema: %w", err)
	}

	return &DB{Db: db, maxEntries: maxEntries}, nil
}

func initEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp    DATETIME NOT NULL,
		target       TEXT NOT NULL,
		pid          INTEGER NOT NULL,
		ppid         INTEGER,
		process_name TEXT NOT NULL,
		exe_path     TEXT,
		cmdline      TEXT,
		username     TEXT,
		parent_exe   TEXT
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_events_name ON events(process_name);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func initMatchSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rule_matches (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id     INTEGER NOT NULL,
		rule_id      TEXT NOT NULL,
		rule_name    TEXT NOT NULL,
		severity     TEXT NOT NULL,
		pid          INTEGER,
		process_name TEXT,
		timestamp    DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rule_matches_rule_id ON rule_matches(rule_id);
	CREATE INDEX IF NOT EXISTS idx_rule_matches_event_id ON rule_matches(event_id);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create rule_matches table: %w", err)
	}
	return nil
}

// InsertEvent journals a delivered event and returns its ID.
func (db *DB) InsertEvent(record *EventRecord) (int64, error) {
	query := `
	INSERT INTO events (
		timestamp, target, pid, ppid, process_name,
		exe_path, cmdline, username, parent_exe
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := db.Db.Exec(query,
		record.Timestamp,
		record.Target,
		record.PID,
		record.PPID,
		record.Name,
		record.ExePath,
		record.CmdLine,
		record.Username,
		record.ParentExe,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}
	record.ID = id

	if err := db.prune(id); err != nil {
		return id, err
	}
	return id, nil
}

func (db *DB) prune(lastID int64) error {
	if db.maxEntries <= 0 || lastID <= int64(db.maxEntries) {
		return nil
	}
	cutoff := lastID - int64(db.maxEntries)
	if _, err := db.Db.Exec("DELETE FROM rule_matches WHERE event_id <= ?", cutoff); err != nil {
		return fmt.Errorf("failed to prune rule matches: %w", err)
	}
	if _, err := db.Db.Exec("DELETE FROM events WHERE id <= ?", cutoff); err != nil {
		return fmt.Errorf("failed to prune events: %w", err)
	}
	return nil
}

// InsertMatch journals a rule match.
func (db *DB) InsertMatch(record *MatchRecord) error {
	query := `
	INSERT INTO rule_matches (
		event_id, rule_id, rule_name, severity, pid, process_name, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?)`

	res, err := db.Db.Exec(query,
		record.EventID,
		record.RuleID,
		record.RuleName,
		record.Severity,
		record.PID,
		record.Name,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule match: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// RecentEvents returns up to limit of the newest events, oldest first.
func (db *DB) RecentEvents(limit int) ([]EventRecord, error) {
	query := `
	SELECT id, timestamp, target, pid, ppid, process_name,
		exe_path, cmdline, username, parent_exe
	FROM (SELECT * FROM events ORDER BY id DESC LIMIT ?)
	ORDER BY id ASC`

	rows, err := db.Db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	records := []EventRecord{}
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(
			&r.ID, &r.Timestamp, &r.Target, &r.PID, &r.PPID, &r.Name,
			&r.ExePath, &r.CmdLine, &r.Username, &r.ParentExe,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecentMatches returns up to limit of the newest rule matches, oldest
// first.
func (db *DB) RecentMatches(limit int) ([]MatchRecord, error) {
	query := `
	SELECT id, event_id, rule_id, rule_name, severity, pid, process_name, timestamp
	FROM (SELECT * FROM rule_matches ORDER BY id DESC LIMIT ?)
	ORDER BY id ASC`

	rows, err := db.Db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule matches: %w", err)
	}
	defer rows.Close()

	records := []MatchRecord{}
	for rows.Next() {
		var r MatchRecord
		if err := rows.Scan(
			&r.ID, &r.EventID, &r.RuleID, &r.RuleName, &r.Severity,
			&r.PID, &r.Name, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule match: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// EventCount returns the number of journaled events.
func (db *DB) EventCount() (int, error) {
	var n int
	if err := db.Db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Db.Close()
}
