package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/jigsaw/internal/game/result"
)

// ErrRecordNotFound is returned when a record lookup yields no results.
var ErrRecordNotFound = errors.New("record not found")

// ResultsRepository persists finished-game records in the results table.
type ResultsRepository struct {
	db    *pgxpool.Pool
	owner *Pool
}

// NewResultsRepository creates a ResultsRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewResultsRepository(db *pgxpool.Pool) *ResultsRepository {
	return &ResultsRepository{db: db}
}

// NewResultsStore creates a ResultsRepository that owns p: closing the
// repository closes the pool.
//
// Precondition: p must be a connected Pool.
func NewResultsStore(p *Pool) *ResultsRepository {
	return &ResultsRepository{db: p.DB(), owner: p}
}

// AddRecord inserts e and returns the generated id.
//
// Precondition: e.Username must be non-empty.
// Postcondition: Returns a positive id or a non-nil error.
func (r *ResultsRepository) AddRecord(ctx context.Context, e result.Entry) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO results (username, finished_at, score, duration)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		e.Username, e.FinishedAt, e.Score, e.Duration,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting record: %w", err)
	}
	return id, nil
}

// Record retrieves a record by id.
//
// Postcondition: Returns the Entry or ErrRecordNotFound.
func (r *ResultsRepository) Record(ctx context.Context, id int64) (result.Entry, error) {
	var e result.Entry
	err := r.db.QueryRow(ctx,
		`SELECT username, finished_at, score, duration
		 FROM results WHERE id = $1`,
		id,
	).Scan(&e.Username, &e.FinishedAt, &e.Score, &e.Duration)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return result.Entry{}, ErrRecordNotFound
		}
		return result.Entry{}, fmt.Errorf("querying record %d: %w", id, err)
	}
	return e, nil
}

// TopRecords returns at most result.TopLimit records ordered by score
// descending, duration label ascending and finish time descending.
//
// Postcondition: Returns a non-nil slice or a non-nil error.
func (r *ResultsRepository) TopRecords(ctx context.Context) ([]result.Entry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT username, finished_at, score, duration
		 FROM results
		 ORDER BY score DESC, duration COLLATE "C" ASC, finished_at DESC
		 LIMIT $1`,
		result.TopLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying top records: %w", err)
	}
	defer rows.Close()

	records := []result.Entry{}
	for rows.Next() {
		var e result.Entry
		if err := rows.Scan(&e.Username, &e.FinishedAt, &e.Score, &e.Duration); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

// Check reports whether the database is reachable. An owned pool logs the
// transitions it observes.
func (r *ResultsRepository) Check(ctx context.Context) error {
	if r.owner != nil {
		return r.owner.Check(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()
	return r.db.Ping(ctx)
}

// Close releases the owned pool, if any.
//
// Postcondition: The repository is no longer usable when it owns its pool.
func (r *ResultsRepository) Close() error {
	if r.owner != nil {
		r.owner.Close()
	}
	return nil
}
