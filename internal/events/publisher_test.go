package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "loanpay.settlements"}

	ev := Settlement{
		ID:            SettlementID(DisbursementConfirmed, "R1"),
		Type:          DisbursementConfirmed,
		Reference:     "R1",
		TransactionID: "gw-1",
		LoanID:        "L-7",
		Amount:        "5000",
		Currency:      "KES",
		OccurredAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "R1" {
		t.Errorf("key = %q, want R1", msg.Key)
	}
	var got Settlement
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if got.LoanID != "L-7" || got.Type != DisbursementConfirmed {
		t.Errorf("decoded = %+v", got)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != DisbursementConfirmed {
		t.Errorf("headers = %+v", msg.Headers)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close() = %v, closed = %v", err, w.closed)
	}
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeWriter{err: boom}, topic: "t"}
	if err := p.Publish(context.Background(), Settlement{Type: RepaymentReceived}); !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want wrapped %v", err, boom)
	}
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "t"); err == nil {
		t.Error("NewKafkaPublisher(no brokers) error = nil")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, ""); err == nil {
		t.Error("NewKafkaPublisher(no topic) error = nil")
	}
}

func TestSettlementIDIsStable(t *testing.T) {
	a := SettlementID(RepaymentReceived, "C1")
	if a != SettlementID(RepaymentReceived, "C1") {
		t.Error("SettlementID not deterministic")
	}
	if a == SettlementID(RepaymentFailed, "C1") {
		t.Error("SettlementID ignores event type")
	}
}
