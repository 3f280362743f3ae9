package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/store"
)

var testSecret = []byte("whsec_test")

type fixture struct {
	proc   *Processor
	ledger *store.MemoryLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := store.NewMemoryLedger()
	_, err := ledger.UpsertByReference(context.Background(), domain.Transaction{
		TransactionID:     "gw-1",
		Reference:         "R1",
		Kind:              domain.KindPayout,
		Amount:            decimal.NewFromInt(5000),
		Currency:          "KES",
		CounterpartyPhone: "254700000001",
		Status:            domain.StatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		proc:   NewProcessor(string(testSecret), ledger, store.NewMemoryEffects(), nil),
		ledger: ledger,
	}
}

func payload(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func completed(txID string) map[string]any {
	return map[string]any{
		"event_type":     PayoutCompleted,
		"transaction_id": txID,
		"status":         "completed",
		"amount":         "5000.00",
		"currency":       "KES",
		"reference":      "R1",
		"timestamp":      "2026-03-01T10:00:00Z",
	}
}

func (f *fixture) status(t *testing.T, key string) domain.TransactionStatus {
	t.Helper()
	tx, err := f.ledger.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("ledger.Get(%s) error = %v", key, err)
	}
	return tx.Status
}

func counting(n *atomic.Int32) SideEffect {
	return SideEffectFunc(func(ctx context.Context, ev Event, tx domain.Transaction) error {
		n.Add(1)
		return nil
	})
}

func TestHandleAppliesEventAndRunsSideEffect(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.proc.On(PayoutCompleted, counting(&calls))

	body := payload(t, completed("gw-1"))
	ack, err := f.proc.Handle(context.Background(), body, Sign(testSecret, body))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !ack.Changed || ack.Transaction.Status != domain.StatusCompleted {
		t.Errorf("ack = %+v, want changed to completed", ack)
	}
	if got := f.status(t, "R1"); got != domain.StatusCompleted {
		t.Errorf("ledger status = %q, want completed", got)
	}
	if calls.Load() != 1 {
		t.Errorf("side effect calls = %d, want 1", calls.Load())
	}
}

func TestHandleReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.proc.On(PayoutCompleted, counting(&calls))

	body := payload(t, completed("gw-1"))
	sig := Sign(testSecret, body)
	for i := 0; i < 3; i++ {
		if _, err := f.proc.Handle(context.Background(), body, sig); err != nil {
			t.Fatalf("delivery %d: Handle() error = %v", i, err)
		}
	}
	if got := f.status(t, "gw-1"); got != domain.StatusCompleted {
		t.Errorf("ledger status = %q, want completed", got)
	}
	if calls.Load() != 1 {
		t.Errorf("side effect calls = %d, want 1", calls.Load())
	}
}

func TestHandleRejectsTamperedBody(t *testing.T) {
	f := newFixture(t)
	body := payload(t, completed("gw-1"))
	sig := Sign(testSecret, body)

	tampered := payload(t, map[string]any{
		"event_type":     PayoutFailed,
		"transaction_id": "gw-1",
		"reference":      "R1",
	})
	_, err := f.proc.Handle(context.Background(), tampered, sig)

	var rej *Rejection
	if !errors.As(err, &rej) || rej.Reason != InvalidSignature {
		t.Fatalf("Handle() error = %v, want InvalidSignature", err)
	}
	if got := f.status(t, "R1"); got != domain.StatusPending {
		t.Errorf("ledger status = %q, want pending", got)
	}
}

func TestHandleMalformed(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte(`{"event_type":`)},
		{"trailing data", []byte(`{"event_type":"payout.completed","transaction_id":"gw-1"} {}`)},
		{"missing event type", []byte(`{"transaction_id":"gw-1","status":"completed"}`)},
		{"missing transaction id", []byte(`{"event_type":"payout.completed","reference":"R1"}`)},
		{"unknown event type", []byte(`{"event_type":"payout.exploded","transaction_id":"gw-1"}`)},
		{"unknown status", []byte(`{"event_type":"payout.completed","transaction_id":"gw-1","status":"maybe"}`)},
		{"contradicting status", []byte(`{"event_type":"payout.completed","transaction_id":"gw-1","status":"failed"}`)},
		{"completion still processing", []byte(`{"event_type":"payout.completed","transaction_id":"gw-1","status":"processing"}`)},
		{"failure still pending", []byte(`{"event_type":"payout.failed","transaction_id":"gw-1","status":"pending"}`)},
		{"progress claiming completion", []byte(`{"event_type":"payout.processing","transaction_id":"gw-1","status":"completed"}`)},
		{"negative amount", []byte(`{"event_type":"payout.completed","transaction_id":"gw-1","amount":"-1"}`)},
		{"bad currency", []byte(`{"event_type":"payout.completed","transaction_id":"gw-1","currency":"KSHS"}`)},
		{"bad timestamp", []byte(`{"event_type":"payout.completed","transaction_id":"gw-1","timestamp":"yesterday"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.proc.Handle(context.Background(), tt.body, Sign(testSecret, tt.body))
			var rej *Rejection
			if !errors.As(err, &rej) || rej.Reason != Malformed {
				t.Fatalf("Handle() error = %v, want Malformed", err)
			}
			if got := f.status(t, "R1"); got != domain.StatusPending {
				t.Errorf("ledger status = %q, want pending", got)
			}
		})
	}
}

func TestHandleUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	fields := completed("gw-404")
	fields["reference"] = "R404"
	body := payload(t, fields)

	_, err := f.proc.Handle(context.Background(), body, Sign(testSecret, body))
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Reason != UnknownTransaction {
		t.Fatalf("Handle() error = %v, want UnknownTransaction", err)
	}
	if f.ledger.Len() != 1 {
		t.Errorf("ledger rows = %d, want 1", f.ledger.Len())
	}
}

func TestHandleRejectsReferenceBoundToOtherID(t *testing.T) {
	f := newFixture(t)
	body := payload(t, completed("gw-other"))

	_, err := f.proc.Handle(context.Background(), body, Sign(testSecret, body))
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Reason != UnknownTransaction {
		t.Fatalf("Handle() error = %v, want UnknownTransaction", err)
	}
}

func TestHandleFallsBackToReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.UpsertByReference(context.Background(), domain.Transaction{
		Reference:         "R2",
		Kind:              domain.KindCollection,
		Amount:            decimal.NewFromInt(300),
		Currency:          "KES",
		CounterpartyPhone: "254700000002",
	})
	if err != nil {
		t.Fatal(err)
	}
	body := payload(t, map[string]any{
		"event_type":     PaymentProcessing,
		"transaction_id": "gw-2",
		"reference":      "R2",
	})

	ack, err := f.proc.Handle(context.Background(), body, Sign(testSecret, body))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if ack.Transaction.TransactionID != "gw-2" || ack.Transaction.Status != domain.StatusProcessing {
		t.Errorf("transaction = %+v, want gw-2 processing", ack.Transaction)
	}
	if got := f.status(t, "gw-2"); got != domain.StatusProcessing {
		t.Errorf("lookup by new id: status = %q, want processing", got)
	}
}

func TestCompletionRunsSideEffectsOnlyAtSettlement(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.proc.On(PayoutCompleted, counting(&calls))

	early := completed("gw-1")
	early["status"] = "processing"
	body := payload(t, early)
	if _, err := f.proc.Handle(context.Background(), body, Sign(testSecret, body)); err == nil {
		t.Fatal("completion event with processing status was accepted")
	}
	if calls.Load() != 0 {
		t.Fatalf("side effect ran %d times before settlement", calls.Load())
	}

	body = payload(t, completed("gw-1"))
	if _, err := f.proc.Handle(context.Background(), body, Sign(testSecret, body)); err != nil {
		t.Fatal(err)
	}
	if got := f.status(t, "R1"); got != domain.StatusCompleted {
		t.Errorf("ledger status = %q, want completed", got)
	}
	if calls.Load() != 1 {
		t.Errorf("side effect calls = %d, want 1 at settlement", calls.Load())
	}
}

func TestHandleRejectsEventForOtherKind(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.proc.On(PaymentCompleted, counting(&calls))

	fields := completed("gw-1")
	fields["event_type"] = PaymentCompleted
	body := payload(t, fields)

	_, err := f.proc.Handle(context.Background(), body, Sign(testSecret, body))
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Reason != Malformed {
		t.Fatalf("Handle() error = %v, want Malformed", err)
	}
	if got := f.status(t, "R1"); got != domain.StatusPending {
		t.Errorf("ledger status = %q, want pending", got)
	}
	if calls.Load() != 0 {
		t.Errorf("repayment handler ran %d times for a payout", calls.Load())
	}
}

func TestHandleLateEventDoesNotResurrect(t *testing.T) {
	f := newFixture(t)
	var failedCalls atomic.Int32
	f.proc.On(PayoutFailed, counting(&failedCalls))

	done := payload(t, completed("gw-1"))
	if _, err := f.proc.Handle(context.Background(), done, Sign(testSecret, done)); err != nil {
		t.Fatal(err)
	}
	late := payload(t, map[string]any{"event_type": PayoutFailed, "transaction_id": "gw-1"})
	ack, err := f.proc.Handle(context.Background(), late, Sign(testSecret, late))
	if err != nil {
		t.Fatalf("Handle(late) error = %v", err)
	}
	if ack.Changed {
		t.Error("late failure reported a change")
	}
	tx, _ := f.ledger.Get(context.Background(), "R1")
	if tx.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", tx.Status)
	}
	if string(tx.LastEventPayload) != string(late) {
		t.Errorf("last payload = %s, want the late event", tx.LastEventPayload)
	}
	if failedCalls.Load() != 0 {
		t.Errorf("failure handler ran %d times on a completed payout", failedCalls.Load())
	}
}

func TestSideEffectFailureIsIsolatedAndRetriedOnReplay(t *testing.T) {
	f := newFixture(t)
	var attempts, others atomic.Int32
	f.proc.On(PayoutCompleted, SideEffectFunc(func(ctx context.Context, ev Event, tx domain.Transaction) error {
		if attempts.Add(1) == 1 {
			return errors.New("loan book unavailable")
		}
		return nil
	}))
	f.proc.On(PayoutCompleted, SideEffectFunc(func(ctx context.Context, ev Event, tx domain.Transaction) error {
		others.Add(1)
		panic("boom")
	}))

	body := payload(t, completed("gw-1"))
	sig := Sign(testSecret, body)

	if _, err := f.proc.Handle(context.Background(), body, sig); err != nil {
		t.Fatalf("first delivery error = %v, want ack despite handler failure", err)
	}
	if got := f.status(t, "R1"); got != domain.StatusCompleted {
		t.Fatalf("ledger status = %q, want completed", got)
	}

	if _, err := f.proc.Handle(context.Background(), body, sig); err != nil {
		t.Fatal(err)
	}
	if _, err := f.proc.Handle(context.Background(), body, sig); err != nil {
		t.Fatal(err)
	}
	if attempts.Load() != 2 {
		t.Errorf("failing handler attempts = %d, want 2 (fail, then one successful retry)", attempts.Load())
	}
	if others.Load() != 3 {
		t.Errorf("panicking handler attempts = %d, want 3", others.Load())
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event_type":"payout.completed"}`)
	sig := Sign(testSecret, body)

	tests := []struct {
		name   string
		secret []byte
		header string
		want   bool
	}{
		{"valid", testSecret, sig, true},
		{"prefixed", testSecret, "sha256=" + sig, true},
		{"wrong secret", []byte("other"), sig, false},
		{"empty secret", nil, Sign(nil, body), false},
		{"truncated", testSecret, sig[:40], false},
		{"not hex", testSecret, "zz" + sig[2:], false},
		{"empty header", testSecret, "", false},
	}
	for _, tt := range tests {
		if got := Verify(tt.secret, body, tt.header); got != tt.want {
			t.Errorf("%s: Verify() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
