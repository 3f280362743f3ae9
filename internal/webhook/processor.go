package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/metrics"
)

// RejectReason explains why a delivery was not applied.
type RejectReason string

const (
	InvalidSignature   RejectReason = "invalid_signature"
	Malformed          RejectReason = "malformed"
	UnknownTransaction RejectReason = "unknown_transaction"
)

// Rejection is returned by Handle for deliveries that are refused.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "webhook rejected: " + string(r.Reason)
	}
	return fmt.Sprintf("webhook rejected: %s: %s", r.Reason, r.Detail)
}

// Ack describes an applied delivery.
type Ack struct {
	Event       Event
	Transaction domain.Transaction
	Changed     bool
}

// Ledger is where events are applied.
type Ledger interface {
	ApplyEvent(ctx context.Context, ev domain.StatusEvent) (domain.Transition, error)
}

// EffectLog makes side effects run to completion at most once per key.
type EffectLog interface {
	Claim(ctx context.Context, key string, staleAfter time.Duration) (bool, error)
	Complete(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// SideEffect reacts to a settled transaction, e.g. by telling the loan book
// a disbursement went through.
type SideEffect interface {
	Apply(ctx context.Context, ev Event, tx domain.Transaction) error
}

type SideEffectFunc func(ctx context.Context, ev Event, tx domain.Transaction) error

func (f SideEffectFunc) Apply(ctx context.Context, ev Event, tx domain.Transaction) error {
	return f(ctx, ev, tx)
}

const defaultStaleClaim = 5 * time.Minute

// Processor verifies, validates and applies gateway callbacks.
type Processor struct {
	secret     []byte
	ledger     Ledger
	effects    EffectLog
	staleAfter time.Duration
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]SideEffect
}

func NewProcessor(secret string, ledger Ledger, effects EffectLog, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		secret:     []byte(secret),
		ledger:     ledger,
		effects:    effects,
		staleAfter: defaultStaleClaim,
		logger:     logger.With("module", "webhook"),
		handlers:   make(map[string][]SideEffect),
	}
}

// On registers a side effect for an event type.
func (p *Processor) On(eventType string, fx SideEffect) {
	p.mu.Lock()
	p.handlers[eventType] = append(p.handlers[eventType], fx)
	p.mu.Unlock()
}

// Handle applies one delivery. Rejections come back as *Rejection; any other
// error means the ledger could not be written and the gateway should retry.
// Side-effect failures are logged and never returned.
func (p *Processor) Handle(ctx context.Context, raw []byte, signature string) (Ack, error) {
	logger := p.logger.With("operation", "handle_webhook", "payload_bytes", len(raw))

	if !Verify(p.secret, raw, signature) {
		return Ack{}, p.reject(ctx, logger.With("signature_prefix", signaturePrefix(signature)), InvalidSignature, "signature mismatch")
	}

	ev, err := parseEvent(raw)
	if err != nil {
		return Ack{}, p.reject(ctx, logger, Malformed, err.Error())
	}
	logger = logger.With("event_type", ev.Type, "transaction_id", ev.TransactionID, "reference", ev.Reference)

	tr, err := p.ledger.ApplyEvent(ctx, domain.StatusEvent{
		TransactionID: ev.TransactionID,
		Reference:     ev.Reference,
		Kind:          ev.Kind,
		Status:        ev.Status,
		Payload:       ev.Raw,
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return Ack{}, p.reject(ctx, logger, UnknownTransaction, "no ledger row for transaction id or reference")
	case errors.Is(err, domain.ErrReferenceMismatch), errors.Is(err, domain.ErrKindMismatch):
		return Ack{}, p.reject(ctx, logger, Malformed, err.Error())
	case err != nil:
		metrics.WebhookEvents.WithLabelValues("error").Inc()
		logger.ErrorContext(ctx, "ledger update failed", "outcome", "error", "error", err)
		return Ack{}, fmt.Errorf("apply webhook event: %w", err)
	}

	tx := tr.Transaction
	if ev.Amount != nil && !ev.Amount.Equal(tx.Amount) {
		logger.WarnContext(ctx, "webhook amount differs from ledger",
			"event_amount", ev.Amount.String(),
			"ledger_amount", tx.Amount.String())
	}

	outcome := "applied"
	if !tr.Changed {
		outcome = "duplicate"
	}
	metrics.WebhookEvents.WithLabelValues(outcome).Inc()
	logger.InfoContext(ctx, "webhook applied",
		"outcome", outcome,
		"from", tr.Previous,
		"to", tx.Status)

	// A late event that disagrees with the settled status triggers nothing.
	if settles(ev, tx) {
		p.runSideEffects(ctx, logger, ev, tx, tr.Changed)
	}
	return Ack{Event: ev, Transaction: tx, Changed: tr.Changed}, nil
}

// settles reports whether the row now holds the outcome ev.Type announces.
func settles(ev Event, tx domain.Transaction) bool {
	want := eventStatus[ev.Type]
	return tx.Status == want && ev.Status == want
}

func (p *Processor) reject(ctx context.Context, logger *slog.Logger, reason RejectReason, detail string) *Rejection {
	metrics.WebhookEvents.WithLabelValues(string(reason)).Inc()
	logger.WarnContext(ctx, "webhook rejected", "outcome", "rejected", "reason", reason, "detail", detail)
	return &Rejection{Reason: reason, Detail: detail}
}

// runSideEffects runs the handlers for ev.Type. With an effect log each
// handler completes at most once per (event type, reference), including across
// replays after a crash; without one, handlers run only on a status change.
func (p *Processor) runSideEffects(ctx context.Context, logger *slog.Logger, ev Event, tx domain.Transaction, changed bool) {
	p.mu.RLock()
	handlers := p.handlers[ev.Type]
	p.mu.RUnlock()

	if p.effects == nil && !changed {
		return
	}
	for i, fx := range handlers {
		key := fmt.Sprintf("%s:%s:%d", ev.Type, tx.Reference, i)
		if p.effects != nil {
			ok, err := p.effects.Claim(ctx, key, p.staleAfter)
			if err != nil {
				logger.ErrorContext(ctx, "effect claim failed", "effect_key", key, "error", err)
				continue
			}
			if !ok {
				metrics.SideEffects.WithLabelValues(ev.Type, "skipped").Inc()
				continue
			}
		}

		if err := p.apply(ctx, fx, ev, tx); err != nil {
			metrics.SideEffects.WithLabelValues(ev.Type, "error").Inc()
			logger.ErrorContext(ctx, "side effect failed", "effect_key", key, "outcome", "error", "error", err)
			if p.effects != nil {
				if rerr := p.effects.Release(ctx, key); rerr != nil {
					logger.ErrorContext(ctx, "effect release failed", "effect_key", key, "error", rerr)
				}
			}
			continue
		}

		metrics.SideEffects.WithLabelValues(ev.Type, "ok").Inc()
		if p.effects != nil {
			if err := p.effects.Complete(ctx, key); err != nil {
				logger.ErrorContext(ctx, "effect completion not recorded", "effect_key", key, "error", err)
			}
		}
	}
}

func (p *Processor) apply(ctx context.Context, fx SideEffect, ev Event, tx domain.Transaction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fx.Apply(ctx, ev, tx)
}
