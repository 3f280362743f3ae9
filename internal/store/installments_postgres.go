package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/loanpay/internal/domain"
)

// InstallmentStore reads unpaid installments from the back-office loan book.
type InstallmentStore struct {
	db *pgxpool.Pool
}

func NewInstallmentStore(db *pgxpool.Pool) *InstallmentStore {
	return &InstallmentStore{db: db}
}

// The on-time rate counts installments that are paid or already past due;
// a client without any such history is treated as 100% on time.
const dueItemQuery = `
	WITH history AS (
		SELECT l.client_id,
		       COUNT(*) FILTER (WHERE i.paid_at IS NOT NULL OR i.due_date < $3) AS counted,
		       COUNT(*) FILTER (WHERE i.paid_at IS NOT NULL AND i.paid_at::date <= i.due_date) AS on_time
		FROM installments i
		JOIN loans l ON l.id = i.loan_id
		GROUP BY l.client_id
	)
	SELECT i.id, i.loan_id, l.client_id, i.number, i.due_date, i.amount::text, i.currency,
	       c.name, c.phone, c.email,
	       COALESCE(100.0 * h.on_time / NULLIF(h.counted, 0), 100)::float8
	FROM installments i
	JOIN loans l ON l.id = i.loan_id
	JOIN clients c ON c.id = l.client_id
	LEFT JOIN history h ON h.client_id = l.client_id
	WHERE i.paid_at IS NULL
	  AND l.status = 'active'
	  AND i.due_date BETWEEN $1 AND $2
	ORDER BY i.due_date, i.id`

// DueBetween returns unpaid installments due in [from, to] (calendar dates).
func (s *InstallmentStore) DueBetween(ctx context.Context, from, to time.Time) ([]domain.DueItem, error) {
	return s.query(ctx, dateOnly(from), dateOnly(to), dateOnly(from))
}

// OverdueSince returns unpaid installments at least minDays past due as of asOf.
func (s *InstallmentStore) OverdueSince(ctx context.Context, asOf time.Time, minDays int) ([]domain.DueItem, error) {
	asOf = dateOnly(asOf)
	latest := asOf.AddDate(0, 0, -minDays)
	return s.query(ctx, time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), latest, asOf)
}

func (s *InstallmentStore) query(ctx context.Context, from, to, asOf time.Time) ([]domain.DueItem, error) {
	rows, err := s.db.Query(ctx, dueItemQuery, from, to, asOf)
	if err != nil {
		return nil, fmt.Errorf("query installments: %w", err)
	}
	defer rows.Close()

	var out []domain.DueItem
	for rows.Next() {
		item, err := scanDueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanDueItem(row pgx.Row) (domain.DueItem, error) {
	var (
		it     domain.DueItem
		amount string
	)
	err := row.Scan(&it.Installment.ID, &it.Installment.LoanID, &it.Installment.ClientID, &it.Installment.Number,
		&it.Installment.DueDate, &amount, &it.Installment.Currency,
		&it.Client.Name, &it.Client.Phone, &it.Client.Email, &it.Client.OnTimeRate)
	if err != nil {
		return domain.DueItem{}, err
	}
	it.Client.ID = it.Installment.ClientID
	it.Installment.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return domain.DueItem{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return it, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
