package callstore

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists call records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Start(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	if record.Outcome == "" {
		record.Outcome = OutcomeActive
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_records (id, mode, call_sid, stream_sid, upstream_call_id, outcome, detail, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		record.ID,
		record.Mode,
		record.CallSID,
		record.StreamSID,
		record.UpstreamCallID,
		record.Outcome,
		record.Detail,
		record.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("start call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Finish(ctx context.Context, id, outcome, detail string, endedAt time.Time) error {
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_records SET outcome=$2, detail=$3, ended_at=$4 WHERE id=$1`,
		id, outcome, detail, endedAt,
	)
	if err != nil {
		return fmt.Errorf("finish call record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, mode, call_sid, stream_sid, upstream_call_id, outcome, detail, started_at, ended_at
		 FROM call_records ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Mode, &r.CallSID, &r.StreamSID, &r.UpstreamCallID, &r.Outcome, &r.Detail, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
