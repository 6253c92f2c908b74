package routine

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initRoutineSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initRoutineSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS routines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS routine_activities (
			id TEXT PRIMARY KEY,
			routine_id TEXT NOT NULL REFERENCES routines(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			sort_index INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_routine_activities_routine_sort ON routine_activities (routine_id, sort_index);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init routine schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveRoutine(ctx context.Context, r Routine) error {
	if err := r.Validate(); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO routines (id, name, created_at, updated_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			updated_at=EXCLUDED.updated_at`,
		r.ID, r.Name, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert routine: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM routine_activities WHERE routine_id=$1`, r.ID); err != nil {
		return fmt.Errorf("delete prior activities: %w", err)
	}

	for _, a := range r.Activities {
		_, err := tx.Exec(ctx,
			`INSERT INTO routine_activities (id, routine_id, name, duration_minutes, sort_index)
			 VALUES ($1,$2,$3,$4,$5)`,
			a.ID, r.ID, a.Name, a.DurationMinutes, a.SortIndex,
		)
		if err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRoutine(ctx context.Context, routineID string) (Routine, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM routines WHERE id=$1`,
		routineID,
	)
	var r Routine
	if err := row.Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return Routine{}, ErrStoreNotFound
		}
		return Routine{}, fmt.Errorf("get routine: %w", err)
	}
	activities, err := s.loadActivities(ctx, r.ID)
	if err != nil {
		return Routine{}, err
	}
	r.Activities = activities
	return r, nil
}

func (s *PostgresStore) ListRoutines(ctx context.Context, limit int) ([]Routine, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_at, updated_at FROM routines ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	defer rows.Close()

	out := make([]Routine, 0, limit)
	for rows.Next() {
		var r Routine
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan routine row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routine rows: %w", err)
	}
	for i := range out {
		activities, err := s.loadActivities(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Activities = activities
	}
	return out, nil
}

func (s *PostgresStore) DeleteRoutine(ctx context.Context, routineID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM routines WHERE id=$1`, routineID)
	if err != nil {
		return fmt.Errorf("delete routine: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) loadActivities(ctx context.Context, routineID string) ([]Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, duration_minutes, sort_index
		   FROM routine_activities WHERE routine_id=$1 ORDER BY sort_index ASC`,
		routineID,
	)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	activities := make([]Activity, 0, 8)
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.Name, &a.DurationMinutes, &a.SortIndex); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity rows: %w", err)
	}
	return activities, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
