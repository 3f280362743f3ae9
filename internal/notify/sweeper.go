package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/loanpay/internal/domain"
)

// DueSource yields unpaid installments joined with their borrowers.
type DueSource interface {
	DueBetween(ctx context.Context, from, to time.Time) ([]domain.DueItem, error)
	OverdueSince(ctx context.Context, asOf time.Time, minDays int) ([]domain.DueItem, error)
}

// PendingSource finds events that never reached a final status.
type PendingSource interface {
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.NotificationEvent, error)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Escalated int `json:"escalated"`
	Skipped   int `json:"skipped"`
}

func (r *SweepResult) add(ev domain.NotificationEvent, created bool) {
	if !created {
		r.Skipped++
		return
	}
	switch ev.Status {
	case domain.NotificationSent:
		r.Sent++
	case domain.NotificationEscalatedToHuman:
		r.Escalated++
	default:
		r.Failed++
	}
}

type SweeperConfig struct {
	Concurrency   int
	RecoveryAfter time.Duration
	RecoveryBatch int
}

// Sweeper runs the scheduled notification jobs.
type Sweeper struct {
	source     DueSource
	pending    PendingSource
	composer   *Composer
	dispatcher *Dispatcher
	cfg        SweeperConfig
	logger     *slog.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func NewSweeper(source DueSource, pending PendingSource, composer *Composer, dispatcher *Dispatcher, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.RecoveryAfter <= 0 {
		cfg.RecoveryAfter = 15 * time.Minute
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		source:     source,
		pending:    pending,
		composer:   composer,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("module", "notify"),
		Now:        time.Now,
	}
}

// ReminderSweep sends reminders for installments due within the largest
// reminder offset.
func (s *Sweeper) ReminderSweep(ctx context.Context) (SweepResult, error) {
	today := calendarDay(s.Now())
	horizon := 0
	for off := range s.composer.offsets {
		horizon = max(horizon, off)
	}
	items, err := s.source.DueBetween(ctx, today, today.AddDate(0, 0, horizon))
	if err != nil {
		return SweepResult{}, fmt.Errorf("load due installments: %w", err)
	}
	return s.run(ctx, "reminder_sweep", today, items, domain.NotificationReminder), nil
}

// EscalationSweep escalates installments at least the threshold overdue.
func (s *Sweeper) EscalationSweep(ctx context.Context) (SweepResult, error) {
	today := calendarDay(s.Now())
	items, err := s.source.OverdueSince(ctx, today, s.composer.cfg.EscalationThresholdDays)
	if err != nil {
		return SweepResult{}, fmt.Errorf("load overdue installments: %w", err)
	}
	return s.run(ctx, "escalation_sweep", today, items, domain.NotificationEscalation), nil
}

// RecoverySweep redelivers events left Pending for longer than RecoveryAfter.
func (s *Sweeper) RecoverySweep(ctx context.Context) (SweepResult, error) {
	cutoff := s.Now().Add(-s.cfg.RecoveryAfter)
	stuck, err := s.pending.PendingBefore(ctx, cutoff, s.cfg.RecoveryBatch)
	if err != nil {
		return SweepResult{}, fmt.Errorf("load pending notifications: %w", err)
	}

	var (
		mu  sync.Mutex
		res = SweepResult{Scanned: len(stuck)}
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, ev := range stuck {
		g.Go(func() error {
			out := s.dispatcher.Redeliver(ctx, ev)
			mu.Lock()
			res.add(out, true)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	s.logResult(ctx, "recovery_sweep", res)
	return res, nil
}

func (s *Sweeper) run(ctx context.Context, op string, today time.Time, items []domain.DueItem, want domain.NotificationKind) SweepResult {
	var (
		mu  sync.Mutex
		res = SweepResult{Scanned: len(items)}
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, item := range items {
		ev, ok := s.composer.Compose(item.Installment, item.Client, today)
		if !ok || ev.Kind != want {
			mu.Lock()
			res.Skipped++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			out, attempted := s.dispatcher.dispatch(ctx, ev)
			mu.Lock()
			res.add(out, attempted)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	s.logResult(ctx, op, res)
	return res
}

func (s *Sweeper) logResult(ctx context.Context, op string, res SweepResult) {
	s.logger.InfoContext(ctx, "sweep finished",
		"operation", op,
		"scanned", res.Scanned,
		"sent", res.Sent,
		"failed", res.Failed,
		"escalated", res.Escalated,
		"skipped", res.Skipped)
}
