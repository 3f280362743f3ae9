package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/loanpay/internal/domain"
)

type NotificationStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewNotificationStore(db *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{db: db, now: time.Now}
}

const notificationColumns = `id::text, client_id, loan_id, installment_id, kind, channel, tone, subject, message,
	risk_level, days_past_due, phone, email, status, scheduled_for, sent_at, delivery_reference,
	error_message, created_at, updated_at`

func scanNotification(row pgx.Row) (domain.NotificationEvent, error) {
	var ev domain.NotificationEvent
	err := row.Scan(&ev.ID, &ev.ClientID, &ev.LoanID, &ev.InstallmentID, &ev.Kind, &ev.Channel, &ev.Tone,
		&ev.Subject, &ev.Message, &ev.RiskLevel, &ev.DaysPastDue, &ev.Phone, &ev.Email, &ev.Status,
		&ev.ScheduledFor, &ev.SentAt, &ev.DeliveryReference, &ev.ErrorMessage, &ev.CreatedAt, &ev.UpdatedAt)
	return ev, err
}

// Create persists ev unless an event with the same id already exists, in
// which case the stored event is returned and created is false.
func (s *NotificationStore) Create(ctx context.Context, ev domain.NotificationEvent) (domain.NotificationEvent, bool, error) {
	now := s.now().UTC()
	stored, err := scanNotification(s.db.QueryRow(ctx, `
		INSERT INTO notification_events
			(id, client_id, loan_id, installment_id, kind, channel, tone, subject, message, risk_level,
			 days_past_due, phone, email, status, scheduled_for, sent_at, delivery_reference, error_message,
			 created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+notificationColumns,
		ev.ID, ev.ClientID, ev.LoanID, ev.InstallmentID, ev.Kind, ev.Channel, ev.Tone, ev.Subject, ev.Message,
		ev.RiskLevel, ev.DaysPastDue, ev.Phone, ev.Email, ev.Status, ev.ScheduledFor, ev.SentAt,
		ev.DeliveryReference, ev.ErrorMessage, now))
	if err == nil {
		return stored, true, nil
	}
	if !isNoRows(err) {
		return domain.NotificationEvent{}, false, fmt.Errorf("insert notification: %w", err)
	}
	existing, err := s.Get(ctx, ev.ID)
	if err != nil {
		return domain.NotificationEvent{}, false, err
	}
	return existing, false, nil
}

// Finish records the delivery outcome. Events that already reached a final
// status are left untouched.
func (s *NotificationStore) Finish(ctx context.Context, ev domain.NotificationEvent) error {
	_, err := s.db.Exec(ctx, `
		UPDATE notification_events
		SET status = $2, sent_at = $3, delivery_reference = $4, error_message = $5, updated_at = $6
		WHERE id = $1::uuid AND status = 'pending'`,
		ev.ID, ev.Status, ev.SentAt, ev.DeliveryReference, ev.ErrorMessage, s.now().UTC())
	if err != nil {
		return fmt.Errorf("finish notification %s: %w", ev.ID, err)
	}
	return nil
}

func (s *NotificationStore) Get(ctx context.Context, id string) (domain.NotificationEvent, error) {
	ev, err := scanNotification(s.db.QueryRow(ctx,
		"SELECT "+notificationColumns+" FROM notification_events WHERE id = $1::uuid", id))
	if isNoRows(err) {
		return domain.NotificationEvent{}, domain.ErrNotFound
	}
	return ev, err
}

// PendingBefore returns events still pending that were created before cutoff.
func (s *NotificationStore) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.NotificationEvent, error) {
	return s.list(ctx, `SELECT `+notificationColumns+` FROM notification_events
		WHERE status = 'pending' AND created_at < $1 ORDER BY created_at LIMIT $2`, cutoff, limit)
}

// ListByClient returns the most recent events for a client.
func (s *NotificationStore) ListByClient(ctx context.Context, clientID string, limit int) ([]domain.NotificationEvent, error) {
	return s.list(ctx, `SELECT `+notificationColumns+` FROM notification_events
		WHERE client_id = $1 ORDER BY created_at DESC LIMIT $2`, clientID, limit)
}

func (s *NotificationStore) list(ctx context.Context, query string, args ...any) ([]domain.NotificationEvent, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NotificationEvent
	for rows.Next() {
		ev, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
