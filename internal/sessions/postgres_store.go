package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/sentinel/internal/pagination"
)

// PostgresStore persists session records in PostgreSQL.
// The caller owns db; Close does not close it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the correlation_sessions table if it doesn't exist.
// Mirrors the goose migrations under migrations/.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS correlation_sessions (
			token           TEXT PRIMARY KEY,
			start_time      TIMESTAMPTZ NOT NULL,
			source_address  TEXT NOT NULL DEFAULT '',
			user_agent      TEXT NOT NULL DEFAULT '',
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_correlation_sessions_start
			ON correlation_sessions (start_time DESC, token DESC);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO correlation_sessions (token, start_time, source_address, user_agent, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (token) DO UPDATE SET
			start_time     = EXCLUDED.start_time,
			source_address = EXCLUDED.source_address,
			user_agent     = EXCLUDED.user_agent,
			updated_at     = NOW()`,
		rec.Token, rec.StartTime, rec.SourceAddress, rec.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, token string) (*Record, error) {
	rec := &Record{Token: token}
	err := s.db.QueryRowContext(ctx, `
		SELECT start_time, source_address, user_agent
		FROM correlation_sessions WHERE token = $1`, token,
	).Scan(&rec.StartTime, &rec.SourceAddress, &rec.UserAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, after *pagination.Cursor, limit int) ([]Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT token, start_time, source_address, user_agent
			FROM correlation_sessions
			ORDER BY start_time DESC, token DESC
			LIMIT $1`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT token, start_time, source_address, user_agent
			FROM correlation_sessions
			WHERE (start_time, token) < ($1, $2)
			ORDER BY start_time DESC, token DESC
			LIMIT $3`, after.At, after.Key, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Token, &rec.StartTime, &rec.SourceAddress, &rec.UserAgent); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM correlation_sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error { return nil }
