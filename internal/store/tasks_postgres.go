package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/loanpay/internal/domain"
)

type TaskStore struct {
	db *pgxpool.Pool
}

func NewTaskStore(db *pgxpool.Pool) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) Load(ctx context.Context, id string) (domain.ScheduledTask, bool, error) {
	var t domain.ScheduledTask
	err := s.db.QueryRow(ctx, `
		SELECT id, name, interval_minutes, enabled, retry_count, max_retries, last_run, next_run, last_error
		FROM scheduled_tasks WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.IntervalMinutes, &t.Enabled, &t.RetryCount, &t.MaxRetries, &t.LastRun, &t.NextRun, &t.LastError)
	if isNoRows(err) {
		return domain.ScheduledTask{}, false, nil
	}
	if err != nil {
		return domain.ScheduledTask{}, false, fmt.Errorf("load task %s: %w", id, err)
	}
	return t, true, nil
}

func (s *TaskStore) Save(ctx context.Context, t domain.ScheduledTask) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO scheduled_tasks (id, name, interval_minutes, enabled, retry_count, max_retries, last_run, next_run, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name             = excluded.name,
			interval_minutes = excluded.interval_minutes,
			enabled          = excluded.enabled,
			retry_count      = excluded.retry_count,
			max_retries      = excluded.max_retries,
			last_run         = excluded.last_run,
			next_run         = excluded.next_run,
			last_error       = excluded.last_error`,
		t.ID, t.Name, t.IntervalMinutes, t.Enabled, t.RetryCount, t.MaxRetries, t.LastRun, t.NextRun, t.LastError)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}
