package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/events"
	"github.com/punchamoorthee/loanpay/internal/webhook"
)

var ErrUnhandledEvent = errors.New("no settlement mapping for event type")

// settlementFor maps gateway callbacks onto loan-book events.
var settlementFor = map[string]string{
	webhook.PayoutCompleted:  events.DisbursementConfirmed,
	webhook.PayoutFailed:     events.DisbursementFailed,
	webhook.PaymentCompleted: events.RepaymentReceived,
	webhook.PaymentFailed:    events.RepaymentFailed,
}

// SettlementService tells the loan book that a disbursement or repayment
// settled. It runs as a webhook side effect, after the ledger commit.
type SettlementService struct {
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewSettlementService(publisher events.Publisher, logger *slog.Logger) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{
		publisher: publisher,
		logger:    logger.With("module", "settlement"),
		now:       time.Now,
	}
}

// Register subscribes the service to every settling event type.
func (s *SettlementService) Register(p *webhook.Processor) {
	for eventType := range settlementFor {
		p.On(eventType, webhook.SideEffectFunc(s.Apply))
	}
}

// Apply publishes the settlement for one applied callback.
func (s *SettlementService) Apply(ctx context.Context, ev webhook.Event, tx domain.Transaction) error {
	settlementType, ok := settlementFor[ev.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.Type)
	}

	occurred := ev.Timestamp
	if occurred.IsZero() {
		occurred = s.now().UTC()
	}
	out := events.Settlement{
		ID:            events.SettlementID(settlementType, tx.Reference),
		Type:          settlementType,
		Reference:     tx.Reference,
		TransactionID: tx.TransactionID,
		LoanID:        loanID(ev.Data),
		Amount:        tx.Amount.StringFixed(2),
		Currency:      tx.Currency,
		Phone:         tx.CounterpartyPhone,
		OccurredAt:    occurred,
	}
	if err := s.publisher.Publish(ctx, out); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "settlement published",
		"operation", "publish_settlement",
		"outcome", "ok",
		"event_type", settlementType,
		"reference", tx.Reference,
		"loan_id", out.LoanID)
	return nil
}

// loanID reads the loan id the payout was created with, echoed by the
// gateway either at the top of data or under data.metadata.
func loanID(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var d struct {
		LoanID   string `json:"loan_id"`
		Metadata struct {
			LoanID string `json:"loan_id"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return ""
	}
	if d.LoanID != "" {
		return d.LoanID
	}
	return d.Metadata.LoanID
}
