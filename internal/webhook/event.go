package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/models"
)

// Event types the gateway sends.
const (
	PayoutProcessing  = "payout.processing"
	PayoutCompleted   = "payout.completed"
	PayoutFailed      = "payout.failed"
	PaymentProcessing = "payment.processing"
	PaymentCompleted  = "payment.completed"
	PaymentFailed     = "payment.failed"
)

var eventStatus = map[string]domain.TransactionStatus{
	PayoutProcessing:  domain.StatusProcessing,
	PayoutCompleted:   domain.StatusCompleted,
	PayoutFailed:      domain.StatusFailed,
	PaymentProcessing: domain.StatusProcessing,
	PaymentCompleted:  domain.StatusCompleted,
	PaymentFailed:     domain.StatusFailed,
}

var eventKind = map[string]domain.TransactionKind{
	PayoutProcessing:  domain.KindPayout,
	PayoutCompleted:   domain.KindPayout,
	PayoutFailed:      domain.KindPayout,
	PaymentProcessing: domain.KindCollection,
	PaymentCompleted:  domain.KindCollection,
	PaymentFailed:     domain.KindCollection,
}

// Event is a validated gateway callback.
type Event struct {
	Type          string
	TransactionID string
	Reference     string
	Kind          domain.TransactionKind
	Status        domain.TransactionStatus
	Amount        *decimal.Decimal
	Currency      string
	Timestamp     time.Time
	Data          json.RawMessage
	Raw           json.RawMessage
}

// parseEvent decodes raw into an Event, rejecting anything that does not fit
// the callback schema.
func parseEvent(raw []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var p models.WebhookPayload
	if err := dec.Decode(&p); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return Event{}, fmt.Errorf("trailing data after payload")
	}

	ev := Event{
		Type:          strings.ToLower(strings.TrimSpace(p.EventType)),
		TransactionID: strings.TrimSpace(p.TransactionID),
		Reference:     strings.TrimSpace(p.Reference),
		Amount:        p.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(p.Currency)),
		Data:          p.Data,
		Raw:           append(json.RawMessage(nil), raw...),
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("event_type is required")
	}
	if ev.TransactionID == "" {
		return Event{}, fmt.Errorf("transaction_id is required")
	}
	derived, known := eventStatus[ev.Type]
	if !known {
		return Event{}, fmt.Errorf("unsupported event_type %q", ev.Type)
	}

	ev.Kind = eventKind[ev.Type]
	ev.Status = derived
	if p.Status != "" {
		st, ok := domain.ParseGatewayStatus(p.Status)
		if !ok {
			return Event{}, fmt.Errorf("unknown status %q", p.Status)
		}
		// A settlement event must carry its own outcome.
		if (derived.Terminal() || st.Terminal()) && st != derived {
			return Event{}, fmt.Errorf("status %q contradicts event_type %q", p.Status, ev.Type)
		}
		ev.Status = st
	}
	if ev.Amount != nil && ev.Amount.IsNegative() {
		return Event{}, fmt.Errorf("negative amount %s", ev.Amount)
	}
	if ev.Currency != "" && len(ev.Currency) != 3 {
		return Event{}, fmt.Errorf("invalid currency %q", ev.Currency)
	}
	if p.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			return Event{}, fmt.Errorf("invalid timestamp %q", p.Timestamp)
		}
		ev.Timestamp = ts
	}
	return ev, nil
}
