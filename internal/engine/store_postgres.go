package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSessionStore(ctx context.Context, databaseURL string) (*PostgresSessionStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresSessionStore{pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS routine_sessions (
			id TEXT PRIMARY KEY,
			routine_id TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NULL,
			current_index INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_routine_sessions_routine_status ON routine_sessions (routine_id, status);`,
		`CREATE TABLE IF NOT EXISTS session_completions (
			session_id TEXT NOT NULL REFERENCES routine_sessions(id) ON DELETE CASCADE,
			activity_index INTEGER NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			skipped BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (session_id, activity_index)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresSessionStore) SaveSession(ctx context.Context, sess Session) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO routine_sessions (id, routine_id, status, start_time, end_time, current_index, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			end_time=EXCLUDED.end_time,
			current_index=EXCLUDED.current_index,
			updated_at=EXCLUDED.updated_at`,
		sess.ID,
		sess.RoutineID,
		string(sess.Status),
		sess.StartTime,
		sess.EndTime,
		sess.CurrentIndex,
		sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM session_completions WHERE session_id=$1`, sess.ID); err != nil {
		return fmt.Errorf("delete prior completions: %w", err)
	}
	for idx, at := range sess.CompletedAt {
		_, err := tx.Exec(ctx,
			`INSERT INTO session_completions (session_id, activity_index, completed_at, skipped)
			 VALUES ($1,$2,$3,$4)`,
			sess.ID, idx, at, sess.Skipped[idx],
		)
		if err != nil {
			return fmt.Errorf("insert completion: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, routine_id, status, start_time, end_time, current_index, updated_at
		   FROM routine_sessions WHERE id=$1`,
		sessionID,
	)
	sess, err := scanSessionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Session{}, ErrStoreNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if err := s.loadCompletions(ctx, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *PostgresSessionStore) ListOpenSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, routine_id, status, start_time, end_time, current_index, updated_at
		   FROM routine_sessions WHERE status=$1 ORDER BY start_time ASC`,
		string(StatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0, 4)
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	for i := range out {
		if err := s.loadCompletions(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresSessionStore) loadCompletions(ctx context.Context, sess *Session) error {
	rows, err := s.pool.Query(ctx,
		`SELECT activity_index, completed_at, skipped
		   FROM session_completions WHERE session_id=$1 ORDER BY activity_index ASC`,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("list completions: %w", err)
	}
	defer rows.Close()

	sess.CompletedAt = make(map[int]time.Time)
	sess.Skipped = make(map[int]bool)
	for rows.Next() {
		var (
			idx     int
			at      time.Time
			skipped bool
		)
		if err := rows.Scan(&idx, &at, &skipped); err != nil {
			return fmt.Errorf("scan completion row: %w", err)
		}
		sess.CompletedAt[idx] = at
		if skipped {
			sess.Skipped[idx] = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate completion rows: %w", err)
	}
	return nil
}

func scanSessionRow(row pgx.Row) (Session, error) {
	var (
		sess        Session
		status      string
		endNullable *time.Time
	)
	if err := row.Scan(
		&sess.ID,
		&sess.RoutineID,
		&status,
		&sess.StartTime,
		&endNullable,
		&sess.CurrentIndex,
		&sess.UpdatedAt,
	); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	sess.EndTime = endNullable
	return sess, nil
}

func (s *PostgresSessionStore) Close() error {
	s.pool.Close()
	return nil
}
