package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/loanpay/internal/domain"
)

// TokenResponse is the gateway's answer to a client-credentials grant.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// MovementRequest is the body of POST /api/v1/payouts and POST /api/v1/payments.
type MovementRequest struct {
	Reference   string      `json:"reference"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	PhoneNumber string      `json:"phone_number"`
	Narration   string      `json:"narration,omitempty"`
	Metadata    Metadata    `json:"metadata,omitempty"`
}

type Metadata struct {
	LoanID string `json:"loan_id,omitempty"`
}

// GatewayTransaction is the gateway's representation of a transaction.
type GatewayTransaction struct {
	TransactionID string          `json:"transaction_id"`
	Reference     string          `json:"reference"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PhoneNumber   string          `json:"phone_number"`
	Status        string          `json:"status"`
	Message       string          `json:"message,omitempty"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty"`
}

// HistoryResponse is the body of GET /api/v1/transactions.
type HistoryResponse struct {
	Data  []GatewayTransaction `json:"data"`
	Page  int                  `json:"page"`
	Total int                  `json:"total"`
}

// WebhookPayload is the strict shape of an inbound gateway callback.
type WebhookPayload struct {
	EventType     string           `json:"event_type"`
	TransactionID string           `json:"transaction_id"`
	Status        string           `json:"status"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Currency      string           `json:"currency"`
	Reference     string           `json:"reference"`
	Timestamp     string           `json:"timestamp"`
	Data          json.RawMessage  `json:"data,omitempty"`
}

// WebhookAck is returned to the gateway for every webhook delivery.
type WebhookAck struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// BulkPayoutRequest is the body of POST /api/v1/payouts/bulk.
type BulkPayoutRequest struct {
	Payouts []domain.PayoutRequest `json:"payouts"`
}

// BulkPayoutItem reports the independent outcome of one bulk item.
type BulkPayoutItem struct {
	Reference   string              `json:"reference"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// TaskActionResponse is returned by the scheduler operations endpoints.
type TaskActionResponse struct {
	Task  domain.ScheduledTask `json:"task"`
	Error string               `json:"error,omitempty"`
}

// TransactionList is the body of GET /api/v1/transactions.
type TransactionList struct {
	Data []domain.Transaction `json:"data"`
	Page int                  `json:"page"`
}

// BulkPayoutResponse is the body returned by POST /api/v1/payouts/bulk.
type BulkPayoutResponse struct {
	Results   []BulkPayoutItem `json:"results"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// NotificationList is the body of GET /api/v1/notifications.
type NotificationList struct {
	Data []domain.NotificationEvent `json:"data"`
}
