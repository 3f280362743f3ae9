package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/loanpay/internal/domain"
)

type ledger interface {
	UpsertByReference(ctx context.Context, in domain.Transaction) (domain.Transaction, error)
	ApplyEvent(ctx context.Context, ev domain.StatusEvent) (domain.Transition, error)
	Get(ctx context.Context, key string) (domain.Transaction, error)
}

// postgresStore connects to TEST_DB_SOURCE or skips the test.
func postgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set")
	}
	st, err := NewStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestMemoryLedger(t *testing.T) {
	testLedger(t, func(t *testing.T) ledger { return NewMemoryLedger() })
}

func TestPostgresLedger(t *testing.T) {
	st := postgresStore(t)
	testLedger(t, func(t *testing.T) ledger { return st.Ledger() })
}

func payout(ref string) domain.Transaction {
	return domain.Transaction{
		Reference:         ref,
		Kind:              domain.KindPayout,
		Amount:            decimal.RequireFromString("1500.00"),
		Currency:          "KES",
		CounterpartyPhone: "+254700000001",
	}
}

// testLedger runs the ledger contract. References are unique per run so the
// Postgres variant can share a database.
func testLedger(t *testing.T, newLedger func(t *testing.T) ledger) {
	ctx := context.Background()
	ref := func() string { return "T-" + uuid.NewString() }

	t.Run("insert defaults to pending", func(t *testing.T) {
		l := newLedger(t)
		got, err := l.UpsertByReference(ctx, payout(ref()))
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if got.Status != domain.StatusPending || got.CreatedAt.IsZero() {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("same operation merges", func(t *testing.T) {
		l := newLedger(t)
		r := ref()
		if _, err := l.UpsertByReference(ctx, payout(r)); err != nil {
			t.Fatal(err)
		}
		in := payout(r)
		in.TransactionID = "gw-" + r
		in.Status = domain.StatusProcessing
		got, err := l.UpsertByReference(ctx, in)
		if err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		if got.TransactionID != in.TransactionID || got.Status != domain.StatusProcessing {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("reused reference with different payload", func(t *testing.T) {
		l := newLedger(t)
		r := ref()
		if _, err := l.UpsertByReference(ctx, payout(r)); err != nil {
			t.Fatal(err)
		}
		in := payout(r)
		in.Amount = decimal.NewFromInt(2000)
		if _, err := l.UpsertByReference(ctx, in); !errors.Is(err, domain.ErrReferenceMismatch) {
			t.Errorf("err = %v, want ErrReferenceMismatch", err)
		}
	})

	t.Run("event resolves by gateway id then reference", func(t *testing.T) {
		l := newLedger(t)
		r := ref()
		if _, err := l.UpsertByReference(ctx, payout(r)); err != nil {
			t.Fatal(err)
		}
		tr, err := l.ApplyEvent(ctx, domain.StatusEvent{TransactionID: "gw-" + r, Reference: r, Status: domain.StatusProcessing})
		if err != nil {
			t.Fatalf("by reference: %v", err)
		}
		if !tr.Changed || tr.Previous != domain.StatusPending || tr.Transaction.TransactionID != "gw-"+r {
			t.Errorf("transition = %+v", tr)
		}

		tr, err = l.ApplyEvent(ctx, domain.StatusEvent{TransactionID: "gw-" + r, Status: domain.StatusCompleted})
		if err != nil {
			t.Fatalf("by id: %v", err)
		}
		if !tr.Changed || tr.Transaction.Status != domain.StatusCompleted {
			t.Errorf("transition = %+v", tr)
		}

		byID, err := l.Get(ctx, "gw-"+r)
		if err != nil || byID.Reference != r {
			t.Errorf("Get by id = %+v, %v", byID, err)
		}
	})

	t.Run("terminal row keeps status and records payload", func(t *testing.T) {
		l := newLedger(t)
		r := ref()
		in := payout(r)
		in.TransactionID = "gw-" + r
		in.Status = domain.StatusCompleted
		if _, err := l.UpsertByReference(ctx, in); err != nil {
			t.Fatal(err)
		}
		late := json.RawMessage(`{"event_type":"payout.failed"}`)
		tr, err := l.ApplyEvent(ctx, domain.StatusEvent{TransactionID: in.TransactionID, Status: domain.StatusFailed, Payload: late})
		if err != nil {
			t.Fatal(err)
		}
		if tr.Changed || tr.Transaction.Status != domain.StatusCompleted {
			t.Errorf("transition = %+v", tr)
		}
		var got map[string]string
		json.Unmarshal(tr.Transaction.LastEventPayload, &got)
		if got["event_type"] != "payout.failed" {
			t.Errorf("payload = %s", tr.Transaction.LastEventPayload)
		}
	})

	t.Run("unknown and conflicting events", func(t *testing.T) {
		l := newLedger(t)
		r := ref()
		in := payout(r)
		in.TransactionID = "gw-" + r
		if _, err := l.UpsertByReference(ctx, in); err != nil {
			t.Fatal(err)
		}
		if _, err := l.ApplyEvent(ctx, domain.StatusEvent{TransactionID: "gw-missing-" + r, Status: domain.StatusCompleted}); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("unknown id: err = %v", err)
		}
		if _, err := l.ApplyEvent(ctx, domain.StatusEvent{TransactionID: "gw-other-" + r, Reference: r, Status: domain.StatusCompleted}); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("conflicting id: err = %v", err)
		}
		if _, err := l.Get(ctx, "nope-"+r); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Get unknown: err = %v", err)
		}
	})

	t.Run("event for another kind leaves the row alone", func(t *testing.T) {
		l := newLedger(t)
		r := ref()
		in := payout(r)
		in.TransactionID = "gw-" + r
		if _, err := l.UpsertByReference(ctx, in); err != nil {
			t.Fatal(err)
		}
		_, err := l.ApplyEvent(ctx, domain.StatusEvent{TransactionID: in.TransactionID, Kind: domain.KindCollection, Status: domain.StatusCompleted})
		if !errors.Is(err, domain.ErrKindMismatch) {
			t.Errorf("err = %v, want ErrKindMismatch", err)
		}
		if got, _ := l.Get(ctx, r); got.Status != domain.StatusPending {
			t.Errorf("status = %q, want pending", got.Status)
		}
	})

	t.Run("completion racing a pending upsert wins", func(t *testing.T) {
		for range 20 {
			l := newLedger(t)
			r := ref()
			in := payout(r)
			in.TransactionID = "gw-" + r
			if _, err := l.UpsertByReference(ctx, in); err != nil {
				t.Fatal(err)
			}

			var wg sync.WaitGroup
			errs := make(chan error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				again := in
				again.Status = domain.StatusPending
				if _, err := l.UpsertByReference(ctx, again); err != nil {
					errs <- err
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := l.ApplyEvent(ctx, domain.StatusEvent{TransactionID: in.TransactionID, Kind: domain.KindPayout, Status: domain.StatusCompleted}); err != nil {
					errs <- err
				}
			}()
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("race: %v", err)
			}
			if got, _ := l.Get(ctx, r); got.Status != domain.StatusCompleted {
				t.Fatalf("status = %q, want completed", got.Status)
			}
		}
	})

	t.Run("concurrent upserts keep one row", func(t *testing.T) {
		l := newLedger(t)
		r := ref()
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.UpsertByReference(ctx, payout(r)); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("upsert: %v", err)
		}
		if m, ok := l.(*MemoryLedger); ok && m.Len() != 1 {
			t.Errorf("rows = %d, want 1", m.Len())
		}
		if _, err := l.Get(ctx, r); err != nil {
			t.Errorf("Get: %v", err)
		}
	})
}
