package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Cycle is one persisted record/reply exchange.
type Cycle struct {
	ID            string    `json:"id"`
	Seq           uint64    `json:"seq"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Outcome       string    `json:"outcome"`
	Transcript    string    `json:"transcript"`
	Reply         string    `json:"reply"`
	Fallback      bool      `json:"fallback"`
	RecordingPath string    `json:"recording_path"`
	ArchiveURI    string    `json:"archive_uri"`
	Error         string    `json:"error,omitempty"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "ghost-voice.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cycles (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			outcome TEXT NOT NULL,
			transcript TEXT NOT NULL DEFAULT '',
			reply TEXT NOT NULL DEFAULT '',
			fallback INTEGER NOT NULL DEFAULT 0,
			recording_path TEXT NOT NULL DEFAULT '',
			archive_uri TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return fmt.Errorf("create cycles table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at)"); err != nil {
		return fmt.Errorf("create cycles index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) InsertCycle(c Cycle) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("cycle id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO cycles(id, seq, started_at, ended_at, outcome, transcript, reply, fallback, recording_path, archive_uri, error)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		int64(c.Seq),
		c.StartedAt.UTC().Format(time.RFC3339Nano),
		c.EndedAt.UTC().Format(time.RFC3339Nano),
		c.Outcome,
		strings.TrimSpace(c.Transcript),
		strings.TrimSpace(c.Reply),
		c.Fallback,
		c.RecordingPath,
		c.ArchiveURI,
		c.Error,
	)
	if err != nil {
		return fmt.Errorf("insert cycle %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SetArchiveURI(id, uri string) error {
	res, err := s.db.Exec(`UPDATE cycles SET archive_uri = ? WHERE id = ?`, uri, id)
	if err != nil {
		return fmt.Errorf("set archive uri for cycle %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set archive uri rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const cycleColumns = `id, seq, started_at, ended_at, outcome, transcript, reply, fallback, recording_path, archive_uri, error`

// ListCycles returns the cycles started on date (YYYY-MM-DD, UTC), newest first.
func (s *SQLiteStore) ListCycles(date string) ([]Cycle, error) {
	rows, err := s.db.Query(
		`SELECT `+cycleColumns+`
		 FROM cycles
		 WHERE substr(started_at, 1, 10) = ?
		 ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query cycles by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	cycles := make([]Cycle, 0, 16)
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle rows: %w", err)
	}
	return cycles, nil
}

func (s *SQLiteStore) GetCycle(id string) (Cycle, error) {
	row := s.db.QueryRow(`SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id)
	c, err := scanCycle(row)
	if err != nil {
		return Cycle{}, fmt.Errorf("query cycle %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) ListDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM cycles ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (Cycle, error) {
	var (
		c         Cycle
		seq       int64
		startedAt string
		endedAt   string
	)
	if err := row.Scan(&c.ID, &seq, &startedAt, &endedAt, &c.Outcome, &c.Transcript, &c.Reply, &c.Fallback, &c.RecordingPath, &c.ArchiveURI, &c.Error); err != nil {
		return Cycle{}, err
	}
	c.Seq = uint64(seq)

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Cycle{}, fmt.Errorf("parse started_at: %w", err)
	}
	c.StartedAt = parsedStart

	parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt)
	if err != nil {
		return Cycle{}, fmt.Errorf("parse ended_at: %w", err)
	}
	c.EndedAt = parsedEnd

	return c, nil
}
