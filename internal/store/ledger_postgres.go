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

// LedgerStore is the Postgres transaction ledger. Every write locks the row
// with SELECT ... FOR UPDATE so the synchronous gateway response and a
// concurrent webhook for the same transaction are applied one after the other.
type LedgerStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewLedgerStore(db *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{db: db, now: time.Now}
}

const ledgerColumns = `transaction_id, reference, kind, amount::text, currency, counterparty_phone,
	status, created_at, updated_at, last_event_payload`

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var (
		t       domain.Transaction
		txID    *string
		amount  string
		payload []byte
	)
	err := row.Scan(&txID, &t.Reference, &t.Kind, &amount, &t.Currency, &t.CounterpartyPhone,
		&t.Status, &t.CreatedAt, &t.UpdatedAt, &payload)
	if err != nil {
		return domain.Transaction{}, err
	}
	if txID != nil {
		t.TransactionID = *txID
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	t.LastEventPayload = payload
	return t, nil
}

// UpsertByReference inserts the row if the reference is new, otherwise merges
// the write into the existing row under the monotonic status rule.
func (s *LedgerStore) UpsertByReference(ctx context.Context, in domain.Transaction) (domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	current, err := scanTransaction(tx.QueryRow(ctx,
		"SELECT "+ledgerColumns+" FROM gateway_transactions WHERE reference = $1 FOR UPDATE", in.Reference))
	if isNoRows(err) {
		if in.Status == "" {
			in.Status = domain.StatusPending
		}
		inserted, insErr := scanTransaction(tx.QueryRow(ctx, `
			INSERT INTO gateway_transactions
				(transaction_id, reference, kind, amount, currency, counterparty_phone, status, created_at, updated_at, last_event_payload)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $8, $9)
			ON CONFLICT (reference) DO NOTHING
			RETURNING `+ledgerColumns,
			nullString(in.TransactionID), in.Reference, in.Kind, in.Amount.String(), in.Currency,
			in.CounterpartyPhone, in.Status, now, nullJSON(in.LastEventPayload)))
		switch {
		case insErr == nil:
			if err := tx.Commit(ctx); err != nil {
				return domain.Transaction{}, fmt.Errorf("tx commit failed: %w", err)
			}
			return inserted, nil
		case isUniqueViolation(insErr):
			return domain.Transaction{}, fmt.Errorf("transaction id %s already recorded: %w", in.TransactionID, domain.ErrReferenceMismatch)
		case !isNoRows(insErr):
			return domain.Transaction{}, fmt.Errorf("ledger insert failed: %w", insErr)
		}
		// Lost the insert race; lock the winner's row and merge into it.
		current, err = scanTransaction(tx.QueryRow(ctx,
			"SELECT "+ledgerColumns+" FROM gateway_transactions WHERE reference = $1 FOR UPDATE", in.Reference))
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("ledger lock failed: %w", err)
	}

	if !current.SameOperation(in) {
		return domain.Transaction{}, domain.ErrReferenceMismatch
	}
	merged, _ := current.Merge(in, now)
	if err := s.update(ctx, tx, merged); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Transaction{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return merged, nil
}

// ApplyEvent resolves the row by gateway transaction id, falling back to the
// reference, and applies the event's status. A terminal row keeps its status
// but records the payload.
func (s *LedgerStore) ApplyEvent(ctx context.Context, ev domain.StatusEvent) (domain.Transition, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Transition{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	err = pgx.ErrNoRows
	var current domain.Transaction
	if ev.TransactionID != "" {
		current, err = scanTransaction(tx.QueryRow(ctx,
			"SELECT "+ledgerColumns+" FROM gateway_transactions WHERE transaction_id = $1 FOR UPDATE", ev.TransactionID))
	}
	if isNoRows(err) && ev.Reference != "" {
		current, err = scanTransaction(tx.QueryRow(ctx,
			"SELECT "+ledgerColumns+" FROM gateway_transactions WHERE reference = $1 FOR UPDATE", ev.Reference))
		// The reference belongs to a row already bound to another gateway id.
		if err == nil && conflictingID(current, ev) {
			err = pgx.ErrNoRows
		}
	}
	if isNoRows(err) {
		return domain.Transition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Transition{}, fmt.Errorf("ledger lock failed: %w", err)
	}
	if !ev.Accepts(current) {
		return domain.Transition{}, fmt.Errorf("%s row %s: %w", current.Kind, current.Reference, domain.ErrKindMismatch)
	}

	merged, changed := current.Merge(domain.Transaction{
		TransactionID:    ev.TransactionID,
		Status:           ev.Status,
		LastEventPayload: ev.Payload,
	}, s.now().UTC())
	if err := s.update(ctx, tx, merged); err != nil {
		return domain.Transition{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Transition{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return domain.Transition{Transaction: merged, Previous: current.Status, Changed: changed}, nil
}

func (s *LedgerStore) update(ctx context.Context, tx pgx.Tx, t domain.Transaction) error {
	_, err := tx.Exec(ctx, `
		UPDATE gateway_transactions
		SET transaction_id = $2, status = $3, updated_at = $4, last_event_payload = $5
		WHERE reference = $1`,
		t.Reference, nullString(t.TransactionID), t.Status, t.UpdatedAt, nullJSON(t.LastEventPayload))
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction id %s already recorded: %w", t.TransactionID, domain.ErrReferenceMismatch)
	}
	if err != nil {
		return fmt.Errorf("ledger update failed: %w", err)
	}
	return nil
}

// Get looks a row up by reference, then by gateway transaction id.
func (s *LedgerStore) Get(ctx context.Context, key string) (domain.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx,
		"SELECT "+ledgerColumns+" FROM gateway_transactions WHERE reference = $1 OR transaction_id = $1 ORDER BY (reference = $1) DESC LIMIT 1", key))
	if isNoRows(err) {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return t, err
}

func conflictingID(row domain.Transaction, ev domain.StatusEvent) bool {
	return row.TransactionID != "" && ev.TransactionID != "" && row.TransactionID != ev.TransactionID
}
