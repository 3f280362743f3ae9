package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/metrics"
)

// Message is what a provider delivers.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Provider delivers over one channel and returns the provider's message id.
type Provider interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// DeliveryError is one channel's failure.
type DeliveryError struct {
	Channel domain.Channel
	Err     error
}

func (e *DeliveryError) Error() string { return fmt.Sprintf("%s: %v", e.Channel, e.Err) }

func (e *DeliveryError) Unwrap() error { return e.Err }

var (
	errNoProvider = errors.New("channel not configured")
	errNoAddress  = errors.New("no contact address")
)

// EventLog is the notification history.
type EventLog interface {
	Create(ctx context.Context, ev domain.NotificationEvent) (domain.NotificationEvent, bool, error)
	Finish(ctx context.Context, ev domain.NotificationEvent) error
}

// Dispatcher delivers composed notifications and records the outcome.
type Dispatcher struct {
	log         EventLog
	providers   map[domain.Channel]Provider
	handoffDays int
	logger      *slog.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// NewDispatcher wires the channel providers. A nil provider leaves that
// channel unavailable. Escalations at least handoffDays overdue are handed
// to a human instead of being sent; zero disables the hand-off.
func NewDispatcher(log EventLog, sms, email Provider, handoffDays int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	providers := make(map[domain.Channel]Provider, 2)
	if sms != nil {
		providers[domain.ChannelSMS] = sms
	}
	if email != nil {
		providers[domain.ChannelEmail] = email
	}
	return &Dispatcher{
		log:         log,
		providers:   providers,
		handoffDays: handoffDays,
		logger:      logger.With("module", "notify"),
		Now:         time.Now,
	}
}

// Dispatch records ev as Pending, delivers it and records the final status.
// An event already recorded (same installment, kind and day) is returned as
// stored and not sent again. Dispatch never fails: every problem ends up in
// the returned event's status and error message.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.NotificationEvent) domain.NotificationEvent {
	out, _ := d.dispatch(ctx, ev)
	return out
}

// dispatch also reports whether ev was new, i.e. whether a delivery was
// attempted.
func (d *Dispatcher) dispatch(ctx context.Context, ev domain.NotificationEvent) (domain.NotificationEvent, bool) {
	logger := d.logger.With("operation", "dispatch", "notification_id", ev.ID, "installment_id", ev.InstallmentID, "kind", ev.Kind)

	ev.Status = domain.NotificationPending
	ev.SentAt = nil
	ev.DeliveryReference = ""
	ev.ErrorMessage = ""
	stored, created, err := d.log.Create(ctx, ev)
	if err != nil {
		logger.ErrorContext(ctx, "could not record notification, not sending", "outcome", "error", "error", err)
		ev.Status = domain.NotificationFailed
		ev.ErrorMessage = "record: " + err.Error()
		return ev, true
	}
	if !created {
		logger.DebugContext(ctx, "notification already recorded today", "outcome", "skipped", "status", stored.Status)
		return stored, false
	}
	return d.deliver(ctx, logger, stored), true
}

// Redeliver finishes an event that was left Pending, e.g. by a crash between
// recording and sending.
func (d *Dispatcher) Redeliver(ctx context.Context, ev domain.NotificationEvent) domain.NotificationEvent {
	if ev.Status != domain.NotificationPending {
		return ev
	}
	logger := d.logger.With("operation", "redeliver", "notification_id", ev.ID, "installment_id", ev.InstallmentID, "kind", ev.Kind)
	return d.deliver(ctx, logger, ev)
}

func (d *Dispatcher) deliver(ctx context.Context, logger *slog.Logger, ev domain.NotificationEvent) domain.NotificationEvent {
	if ev.Kind == domain.NotificationEscalation && d.handoffDays > 0 && ev.DaysPastDue >= d.handoffDays {
		ev.Status = domain.NotificationEscalatedToHuman
		d.finish(ctx, logger, ev)
		logger.InfoContext(ctx, "escalation handed to a loan officer", "outcome", "escalated", "days_past_due", ev.DaysPastDue)
		return ev
	}

	var refs, failures []string
	for _, ch := range ev.Channel.Targets() {
		id, err := d.send(ctx, ch, ev)
		if err != nil {
			metrics.Notifications.WithLabelValues(string(ch), "error").Inc()
			derr := &DeliveryError{Channel: ch, Err: err}
			failures = append(failures, derr.Error())
			logger.WarnContext(ctx, "channel delivery failed", "channel", ch, "error", err)
			continue
		}
		metrics.Notifications.WithLabelValues(string(ch), "ok").Inc()
		if id == "" {
			id = "accepted"
		}
		refs = append(refs, string(ch)+":"+id)
	}

	ev.ErrorMessage = strings.Join(failures, "; ")
	if len(refs) > 0 {
		now := d.Now().UTC()
		ev.Status = domain.NotificationSent
		ev.SentAt = &now
		ev.DeliveryReference = strings.Join(refs, ",")
	} else {
		ev.Status = domain.NotificationFailed
		if ev.ErrorMessage == "" {
			ev.ErrorMessage = "no delivery channel"
		}
	}
	d.finish(ctx, logger, ev)
	logger.InfoContext(ctx, "notification dispatched", "outcome", ev.Status, "channel", ev.Channel, "delivery_reference", ev.DeliveryReference)
	return ev
}

func (d *Dispatcher) send(ctx context.Context, ch domain.Channel, ev domain.NotificationEvent) (id string, err error) {
	p, ok := d.providers[ch]
	if !ok {
		return "", errNoProvider
	}
	to := ev.Phone
	if ch == domain.ChannelEmail {
		to = ev.Email
	}
	if strings.TrimSpace(to) == "" {
		return "", errNoAddress
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return p.Send(ctx, Message{To: to, Subject: ev.Subject, Body: ev.Message})
}

// finish records the outcome detached from ctx: a cancelled sweep must not
// leave a delivered message recorded as Pending.
func (d *Dispatcher) finish(ctx context.Context, logger *slog.Logger, ev domain.NotificationEvent) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.log.Finish(fctx, ev); err != nil {
		logger.ErrorContext(ctx, "could not record delivery outcome", "outcome", "error", "error", err)
	}
}
