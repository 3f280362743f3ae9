package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EffectStore records which settlement side effects have run, so a replayed
// webhook never repeats a completed one.
type EffectStore struct {
	db *pgxpool.Pool
}

func NewEffectStore(db *pgxpool.Pool) *EffectStore {
	return &EffectStore{db: db}
}

// Claim reserves key for the caller. It returns false when the effect already
// completed or another worker claimed it less than staleAfter ago.
func (s *EffectStore) Claim(ctx context.Context, key string, staleAfter time.Duration) (bool, error) {
	var claimed string
	err := s.db.QueryRow(ctx, `
		INSERT INTO webhook_effects (key, status, started_at)
		VALUES ($1, 'in_progress', now())
		ON CONFLICT (key) DO UPDATE SET started_at = now()
		WHERE webhook_effects.status = 'in_progress'
		  AND webhook_effects.started_at < now() - make_interval(secs => $2)
		RETURNING key`, key, staleAfter.Seconds()).Scan(&claimed)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim effect %s: %w", key, err)
	}
	return true, nil
}

func (s *EffectStore) Complete(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx,
		"UPDATE webhook_effects SET status = 'completed', completed_at = now() WHERE key = $1", key)
	if err != nil {
		return fmt.Errorf("complete effect %s: %w", key, err)
	}
	return nil
}

// Release drops a claim whose handler failed so the next delivery retries it.
func (s *EffectStore) Release(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx,
		"DELETE FROM webhook_effects WHERE key = $1 AND status = 'in_progress'", key)
	if err != nil {
		return fmt.Errorf("release effect %s: %w", key, err)
	}
	return nil
}
