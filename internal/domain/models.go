package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Credential is a bearer token issued by the payment gateway.
// ExpiresAt already has the refresh safety margin subtracted.
type Credential struct {
	Token     string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FreshAt reports whether the credential may still be handed out at t.
func (c Credential) FreshAt(t time.Time) bool {
	return c.Token != "" && t.Before(c.ExpiresAt)
}

// TransactionKind separates money going out (payout) from money coming in (collection).
type TransactionKind string

const (
	KindPayout     TransactionKind = "payout"
	KindCollection TransactionKind = "collection"
)

// TransactionStatus is the ledger lifecycle state of a gateway transaction.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
)

func (s TransactionStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transition is allowed out of s.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Advance applies the monotonic lifecycle rule Pending -> Processing -> {Completed|Failed}.
// A terminal status is never left and a status never moves backwards.
func Advance(current, proposed TransactionStatus) (TransactionStatus, bool) {
	if !proposed.Valid() || current.Terminal() {
		return current, false
	}
	if !current.Valid() {
		return proposed, true
	}
	if proposed.rank() <= current.rank() {
		return current, false
	}
	return proposed, true
}

// ParseGatewayStatus maps the status vocabulary used by the gateway onto ledger statuses.
func ParseGatewayStatus(raw string) (TransactionStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued", "initiated", "submitted":
		return StatusPending, true
	case "processing", "in_progress", "sent":
		return StatusProcessing, true
	case "completed", "successful", "success", "succeeded", "paid":
		return StatusCompleted, true
	case "failed", "failure", "rejected", "cancelled", "canceled", "reversed", "expired":
		return StatusFailed, true
	}
	return "", false
}

// Transaction is one ledger row: the local audit record of a gateway operation.
// Reference is caller assigned, immutable and unique; TransactionID is assigned
// by the gateway and may be empty until its first response.
type Transaction struct {
	TransactionID     string            `json:"transaction_id,omitempty"`
	Reference         string            `json:"reference"`
	Kind              TransactionKind   `json:"kind"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	CounterpartyPhone string            `json:"counterparty_phone"`
	Status            TransactionStatus `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	LastEventPayload  json.RawMessage   `json:"last_event_payload,omitempty"`
}

// SameOperation reports whether other describes the same business operation,
// i.e. whether reusing the reference for it is a legitimate retry.
func (t Transaction) SameOperation(other Transaction) bool {
	return t.Kind == other.Kind &&
		t.Amount.Equal(other.Amount) &&
		strings.EqualFold(t.Currency, other.Currency) &&
		t.CounterpartyPhone == other.CounterpartyPhone
}

// Merge folds an incoming write for the same reference into the stored row.
// Identity fields are kept, the gateway id is attached once, and the status
// follows Advance. The payload is always recorded for audit.
func (t Transaction) Merge(in Transaction, now time.Time) (Transaction, bool) {
	out := t
	changed := false
	if out.TransactionID == "" && in.TransactionID != "" {
		out.TransactionID = in.TransactionID
		changed = true
	}
	if next, ok := Advance(out.Status, in.Status); ok {
		out.Status = next
		changed = true
	}
	if len(in.LastEventPayload) > 0 {
		out.LastEventPayload = in.LastEventPayload
	}
	out.UpdatedAt = now
	return out, changed
}

// StatusEvent is an asynchronous status change reported for a transaction.
// An empty Kind matches any row.
type StatusEvent struct {
	TransactionID string
	Reference     string
	Kind          TransactionKind
	Status        TransactionStatus
	Payload       json.RawMessage
}

// Accepts reports whether ev may be applied to row.
func (ev StatusEvent) Accepts(row Transaction) bool {
	return ev.Kind == "" || ev.Kind == row.Kind
}

// Transition is the outcome of applying a StatusEvent.
type Transition struct {
	Transaction Transaction
	Previous    TransactionStatus
	Changed     bool
}

// PayoutRequest asks the gateway to send money to a counterparty.
type PayoutRequest struct {
	Reference   string          `json:"reference"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PhoneNumber string          `json:"phone_number"`
	Narration   string          `json:"narration,omitempty"`
	LoanID      string          `json:"loan_id,omitempty"`
}

// CollectionRequest asks the gateway to pull money from a counterparty.
type CollectionRequest struct {
	Reference   string          `json:"reference"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PhoneNumber string          `json:"phone_number"`
	Narration   string          `json:"narration,omitempty"`
	LoanID      string          `json:"loan_id,omitempty"`
}

// MaxAmountScale is the number of decimal places the gateway accepts.
const MaxAmountScale = 2

// validateMovement checks the fields every money movement needs.
func validateMovement(reference string, amount decimal.Decimal, currency, phone string) error {
	if strings.TrimSpace(reference) == "" {
		return ErrInvalidRequest
	}
	if !amount.IsPositive() {
		return ErrInvalidRequest
	}
	// The gateway takes minor units; finer amounts would be rounded in flight.
	if !amount.Equal(amount.Truncate(MaxAmountScale)) {
		return ErrInvalidRequest
	}
	if len(strings.TrimSpace(currency)) != 3 {
		return ErrInvalidRequest
	}
	if strings.TrimSpace(phone) == "" {
		return ErrInvalidRequest
	}
	return nil
}

func (r PayoutRequest) Validate() error {
	return validateMovement(r.Reference, r.Amount, r.Currency, r.PhoneNumber)
}

func (r CollectionRequest) Validate() error {
	return validateMovement(r.Reference, r.Amount, r.Currency, r.PhoneNumber)
}

// HistoryFilter narrows a gateway transaction history query.
type HistoryFilter struct {
	Status TransactionStatus
	Kind   TransactionKind
	From   time.Time
	To     time.Time
	Page   int
	Limit  int
}
