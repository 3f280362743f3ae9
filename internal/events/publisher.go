package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Settlement event types consumed by the loan book.
const (
	DisbursementConfirmed = "loan.disbursement.confirmed"
	DisbursementFailed    = "loan.disbursement.failed"
	RepaymentReceived     = "loan.repayment.received"
	RepaymentFailed       = "loan.repayment.failed"
)

// settlementNamespace scopes deterministic event ids.
var settlementNamespace = uuid.MustParse("6f1d4a52-8f3b-4c59-9a51-3f0f2d7c9e10")

// Settlement tells downstream collaborators that money actually moved (or
// definitively did not).
type Settlement struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Reference     string    `json:"reference"`
	TransactionID string    `json:"transaction_id"`
	LoanID        string    `json:"loan_id,omitempty"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	Phone         string    `json:"phone_number"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// SettlementID is stable for a (type, reference) pair so consumers can drop
// redelivered events.
func SettlementID(eventType, reference string) string {
	return uuid.NewSHA1(settlementNamespace, []byte(eventType+"|"+reference)).String()
}

type Publisher interface {
	Publish(ctx context.Context, ev Settlement) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

// Publish writes ev keyed by reference, so every event for one transaction
// lands on the same partition in order.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Settlement) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode settlement: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Reference),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher only logs settlements; used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("module", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Settlement) error {
	p.logger.InfoContext(ctx, "settlement event",
		"operation", "publish",
		"event_type", ev.Type,
		"event_id", ev.ID,
		"reference", ev.Reference,
		"loan_id", ev.LoanID,
		"amount", ev.Amount,
		"currency", ev.Currency)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
