// Package sqlite provides an embedded results store backed by a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cory-johannsen/jigsaw/internal/game/result"
)

// ErrRecordNotFound is returned when a record lookup yields no results.
var ErrRecordNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS results (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	username    TEXT    NOT NULL,
	finished_at TEXT    NOT NULL,
	score       INTEGER NOT NULL,
	duration    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_leaderboard
	ON results (score DESC, duration ASC, finished_at DESC);
`

// timeLayout is fixed width, so finished_at orders as text the way it orders as time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrTimeOutOfRange is returned for finish times that timeLayout cannot hold.
var ErrTimeOutOfRange = errors.New("finish time out of range")

// ResultsStore persists finished-game records in an SQLite database.
// finished_at is stored as UTC text in timeLayout.
type ResultsStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, enables WAL mode and
// creates the results schema.
//
// Precondition: path must be a writable file path, or ":memory:".
// Postcondition: Returns a ready store or a non-nil error.
func Open(ctx context.Context, path string) (*ResultsStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &ResultsStore{db: db}, nil
}

func formatTime(t time.Time) (string, error) {
	t = t.UTC()
	if y := t.Year(); y < 1 || y > 9999 {
		return "", fmt.Errorf("%s: %w", t, ErrTimeOutOfRange)
	}
	return t.Format(timeLayout), nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse finished_at %q: %w", s, err)
	}
	return t, nil
}

// AddRecord inserts e and returns the generated id.
//
// Postcondition: Returns ErrTimeOutOfRange for a FinishedAt outside years 1..9999.
func (s *ResultsStore) AddRecord(ctx context.Context, e result.Entry) (int64, error) {
	finishedAt, err := formatTime(e.FinishedAt)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO results (username, finished_at, score, duration)
		 VALUES (?, ?, ?, ?)`,
		e.Username, finishedAt, e.Score, e.Duration,
	)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get record id: %w", err)
	}
	return id, nil
}

// Record retrieves a record by id, or ErrRecordNotFound.
func (s *ResultsStore) Record(ctx context.Context, id int64) (result.Entry, error) {
	var (
		e          result.Entry
		finishedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT username, finished_at, score, duration FROM results WHERE id = ?`, id,
	).Scan(&e.Username, &finishedAt, &e.Score, &e.Duration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result.Entry{}, ErrRecordNotFound
		}
		return result.Entry{}, fmt.Errorf("get record %d: %w", id, err)
	}
	if e.FinishedAt, err = parseTime(finishedAt); err != nil {
		return result.Entry{}, err
	}
	return e, nil
}

// TopRecords returns at most result.TopLimit records in leaderboard order.
// SQLite compares TEXT with the BINARY collation, so duration labels order as text.
func (s *ResultsStore) TopRecords(ctx context.Context) ([]result.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, finished_at, score, duration
		 FROM results
		 ORDER BY score DESC, duration ASC, finished_at DESC
		 LIMIT ?`, result.TopLimit)
	if err != nil {
		return nil, fmt.Errorf("list top records: %w", err)
	}
	defer rows.Close()

	records := []result.Entry{}
	for rows.Next() {
		var (
			e          result.Entry
			finishedAt string
			err        error
		)
		if err = rows.Scan(&e.Username, &finishedAt, &e.Score, &e.Duration); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if e.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		records = append(records, e)
	}
	return records, rows.Err()
}

// Check pings the database.
func (s *ResultsStore) Check(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *ResultsStore) Close() error {
	return s.db.Close()
}
