package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// JobRow is one job run in the results store.
type JobRow struct {
	RunID     string
	Name      string
	Status    string
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	StartedAt time.Time
	StoppedAt time.Time
}

// StepRow is one pipeline step of a job run.
type StepRow struct {
	RunID    string
	Ordinal  int
	Name     string
	ExitCode int
	Stderr   string
	Runtime  float64
}

// TestRow is one test verdict of a job run.
type TestRow struct {
	ID      int
	RunID   string
	Target  string
	Name    string
	Runtime float64
	Status  string
	Message string
}

// ResultStore is the queryable results database.
type ResultStore interface {
	LastJob(ctx context.Context, name string) (*JobRow, error)

	Begin() (Transactor, error)
	Close() error
}

// Transactor scopes inserts to a single transaction. Implementations must
// be safe for concurrent use.
type Transactor interface {
	InsertJob(ctx context.Context, j JobRow) error
	InsertStep(ctx context.Context, s StepRow) error
	InsertTestResult(ctx context.Context, tr TestRow) (int, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
}

type PGXResultStore struct {
	conn *pgxpool.Pool
}

// NewResultStore connects to the Postgres results database.
func NewResultStore(ctx context.Context, uri string) (*PGXResultStore, error) {
	conn, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}

	return &PGXResultStore{conn: conn}, nil
}

// LastJob returns the most recent run of the named job, or nil when the job
// has never run.
func (p *PGXResultStore) LastJob(ctx context.Context, name string) (*JobRow, error) {
	sql := `
SELECT run_id, name, status, total, passed, failed, skipped, started_at, stopped_at
FROM jobs WHERE name = $1 ORDER BY started_at DESC LIMIT 1
`

	row := p.conn.QueryRow(ctx, sql, name)
	var j JobRow
	if err := row.Scan(&j.RunID, &j.Name, &j.Status, &j.Total, &j.Passed, &j.Failed, &j.Skipped, &j.StartedAt, &j.StoppedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get last job: %w", err)
	}
	return &j, nil
}

func (p *PGXResultStore) Begin() (Transactor, error) {
	tx, err := p.conn.Begin(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &PGXTransactor{tx: tx}, nil
}

func (p *PGXResultStore) Close() error {
	p.conn.Close()
	return nil
}

type PGXTransactor struct {
	tx  pgx.Tx
	mtx sync.Mutex
}

// InsertJob replaces any previous rows for the run before inserting the job,
// so re-publishing the same run is idempotent.
func (p *PGXTransactor) InsertJob(ctx context.Context, j JobRow) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	type queryPkg struct {
		query string
		args  []any
	}

	queries := []queryPkg{
		{
			"DELETE FROM test_results WHERE run_id = $1",
			[]any{j.RunID},
		},
		{
			"DELETE FROM steps WHERE run_id = $1",
			[]any{j.RunID},
		},
		{
			`INSERT INTO jobs (run_id, name, status, total, passed, failed, skipped, started_at, stopped_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT DO NOTHING`,
			[]any{
				j.RunID,
				j.Name,
				j.Status,
				j.Total,
				j.Passed,
				j.Failed,
				j.Skipped,
				j.StartedAt,
				j.StoppedAt,
			},
		},
	}

	for i, q := range queries {
		if _, err := p.tx.Exec(ctx,
			q.query,
			q.args...,
		); err != nil {
			return fmt.Errorf("failed to insert job: query %d: %w", i, err)
		}
	}

	return nil
}

func (p *PGXTransactor) InsertStep(ctx context.Context, s StepRow) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	sql := `
INSERT INTO steps (run_id, ordinal, name, exit_code, stderr, runtime)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING
`

	if _, err := p.tx.Exec(ctx,
		sql,
		s.RunID,
		s.Ordinal,
		s.Name,
		s.ExitCode,
		s.Stderr,
		s.Runtime,
	); err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

func (p *PGXTransactor) InsertTestResult(ctx context.Context, tr TestRow) (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	sql := `
INSERT INTO test_results (run_id, target, name, runtime, status, message)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
`

	row := p.tx.QueryRow(ctx,
		sql,
		tr.RunID,
		tr.Target,
		tr.Name,
		tr.Runtime,
		tr.Status,
		tr.Message,
	)
	var id int
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert test result: %w", err)
	}
	return id, nil
}

func (p *PGXTransactor) Commit(ctx context.Context) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.tx.Commit(ctx)
}

func (p *PGXTransactor) Rollback(ctx context.Context) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if err := p.tx.Rollback(context.Background()); err != nil {
		zap.S().Errorw("Error rolling back transaction", "error", err)
	}
}
