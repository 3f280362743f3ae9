package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/metrics"
	"github.com/punchamoorthee/loanpay/internal/models"
)

// Ledger is the subset of the transaction ledger the client writes to.
type Ledger interface {
	UpsertByReference(ctx context.Context, tx domain.Transaction) (domain.Transaction, error)
	ApplyEvent(ctx context.Context, ev domain.StatusEvent) (domain.Transition, error)
	Get(ctx context.Context, key string) (domain.Transaction, error)
}

type Config struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	Timeout         time.Duration
	SafetyMargin    time.Duration
	BulkConcurrency int
}

// Client wraps the payment gateway REST API and records every money
// movement in the ledger, keyed by the caller's reference.
type Client struct {
	baseURL         string
	http            *http.Client
	tokens          *TokenCache
	ledger          Ledger
	timeout         time.Duration
	bulkConcurrency int
	logger          *slog.Logger
}

func NewClient(cfg Config, ledger Ledger, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		http:            httpClient,
		tokens:          NewTokenCache(cfg.BaseURL, cfg.ClientID, cfg.ClientSecret, cfg.SafetyMargin, cfg.Timeout, httpClient, logger),
		ledger:          ledger,
		timeout:         cfg.Timeout,
		bulkConcurrency: cfg.BulkConcurrency,
		logger:          logger.With("module", "gateway"),
	}
}

// Tokens exposes the credential cache.
func (c *Client) Tokens() *TokenCache { return c.tokens }

func (c *Client) CreatePayout(ctx context.Context, req domain.PayoutRequest) (domain.Transaction, error) {
	if err := req.Validate(); err != nil {
		return domain.Transaction{}, err
	}
	return c.move(ctx, "create_payout", "/api/v1/payouts", domain.KindPayout, movement{
		Reference: req.Reference, Amount: req.Amount, Currency: req.Currency,
		Phone: req.PhoneNumber, Narration: req.Narration, LoanID: req.LoanID,
	})
}

func (c *Client) CreateCollection(ctx context.Context, req domain.CollectionRequest) (domain.Transaction, error) {
	if err := req.Validate(); err != nil {
		return domain.Transaction{}, err
	}
	return c.move(ctx, "create_collection", "/api/v1/payments", domain.KindCollection, movement{
		Reference: req.Reference, Amount: req.Amount, Currency: req.Currency,
		Phone: req.PhoneNumber, Narration: req.Narration, LoanID: req.LoanID,
	})
}

// BulkResult is the independent outcome of one item of a bulk payout.
type BulkResult struct {
	Reference   string
	Transaction domain.Transaction
	Err         error
}

// CreateBulkPayouts submits each payout on its own; one failing item never
// affects the others. Results keep the input order.
func (c *Client) CreateBulkPayouts(ctx context.Context, reqs []domain.PayoutRequest) []BulkResult {
	results := make([]BulkResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(c.bulkConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			tx, err := c.CreatePayout(ctx, req)
			results[i] = BulkResult{Reference: req.Reference, Transaction: tx, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// GetStatus asks the gateway for a transaction and folds the answer into the
// ledger under the monotonic status rule. A transaction the ledger does not
// know is returned as the gateway reports it.
func (c *Client) GetStatus(ctx context.Context, transactionID string) (domain.Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return domain.Transaction{}, domain.ErrInvalidRequest
	}
	var gt models.GatewayTransaction
	raw, err := c.do(ctx, "get_status", http.MethodGet, "/api/v1/transactions/"+url.PathEscape(transactionID), nil, &gt)
	if err != nil {
		return domain.Transaction{}, err
	}
	remote := fromGateway(gt)
	if remote.TransactionID == "" {
		remote.TransactionID = transactionID
	}

	tr, err := c.ledger.ApplyEvent(ctx, domain.StatusEvent{
		TransactionID: remote.TransactionID,
		Reference:     remote.Reference,
		Status:        remote.Status,
		Payload:       raw,
	})
	if errors.Is(err, domain.ErrNotFound) {
		return remote, nil
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("reconcile %s: %w", transactionID, err)
	}
	if tr.Changed {
		c.logger.InfoContext(ctx, "ledger reconciled from gateway",
			"operation", "get_status",
			"transaction_id", transactionID,
			"from", tr.Previous,
			"to", tr.Transaction.Status)
	}
	return tr.Transaction, nil
}

func (c *Client) GetHistory(ctx context.Context, f domain.HistoryFilter) ([]domain.Transaction, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Kind != "" {
		q.Set("type", string(f.Kind))
	}
	if !f.From.IsZero() {
		q.Set("from", f.From.Format(time.DateOnly))
	}
	if !f.To.IsZero() {
		q.Set("to", f.To.Format(time.DateOnly))
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/v1/transactions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var hist models.HistoryResponse
	if _, err := c.do(ctx, "get_history", http.MethodGet, path, nil, &hist); err != nil {
		return nil, err
	}
	out := make([]domain.Transaction, 0, len(hist.Data))
	for _, gt := range hist.Data {
		out = append(out, fromGateway(gt))
	}
	return out, nil
}

type movement struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Phone     string
	Narration string
	LoanID    string
}

// move records the intent, calls the gateway and records the answer. The
// Pending row written first means the same reference never yields a second
// ledger row, whatever happens to the call.
func (c *Client) move(ctx context.Context, op, path string, kind domain.TransactionKind, m movement) (domain.Transaction, error) {
	logger := c.logger.With("operation", op, "reference", m.Reference)

	row := domain.Transaction{
		Reference:         m.Reference,
		Kind:              kind,
		Amount:            m.Amount,
		Currency:          strings.ToUpper(m.Currency),
		CounterpartyPhone: m.Phone,
		Status:            domain.StatusPending,
	}

	stored, err := c.ledger.UpsertByReference(ctx, row)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("record %s: %w", m.Reference, err)
	}
	if stored.Status.Terminal() {
		logger.InfoContext(ctx, "reference already settled, gateway not called", "status", stored.Status)
		return stored, nil
	}

	body := models.MovementRequest{
		Reference:   m.Reference,
		Amount:      json.Number(row.Amount.StringFixed(2)),
		Currency:    row.Currency,
		PhoneNumber: m.Phone,
		Narration:   m.Narration,
		Metadata:    models.Metadata{LoanID: m.LoanID},
	}
	var gt models.GatewayTransaction
	raw, err := c.do(ctx, op, http.MethodPost, path, body, &gt)
	if err != nil {
		var gerr *GatewayError
		if errors.As(err, &gerr) && gerr.Rejected() {
			failed := row
			failed.Status = domain.StatusFailed
			failed.LastEventPayload = rejectionPayload(gerr)
			if _, uerr := c.ledger.UpsertByReference(ctx, failed); uerr != nil {
				logger.ErrorContext(ctx, "could not mark rejected transaction failed", "error", uerr)
			}
		}
		logger.WarnContext(ctx, "gateway call failed", "outcome", "error", "error", err)
		return domain.Transaction{}, err
	}

	status, ok := domain.ParseGatewayStatus(gt.Status)
	if !ok {
		status = domain.StatusPending
	}
	row.TransactionID = gt.TransactionID
	row.Status = status
	row.LastEventPayload = raw
	updated, err := c.ledger.UpsertByReference(ctx, row)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("record response for %s: %w", m.Reference, err)
	}
	logger.InfoContext(ctx, "gateway accepted transaction",
		"outcome", "ok",
		"transaction_id", updated.TransactionID,
		"status", updated.Status)
	return updated, nil
}

// do performs an authenticated call. A 401 drops the cached credential and
// retries once with a new one. It returns the raw response body.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) ([]byte, error) {
	timer := time.Now()
	defer func() {
		metrics.GatewayLatency.WithLabelValues(op).Observe(time.Since(timer).Seconds())
	}()

	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		payload = b
	}

	for attempt := 0; ; attempt++ {
		cred, err := c.tokens.GetToken(ctx)
		if err != nil {
			metrics.GatewayRequests.WithLabelValues(op, "auth_error").Inc()
			return nil, err
		}

		status, body, err := c.send(ctx, method, path, payload, cred.Token)
		if err != nil {
			metrics.GatewayRequests.WithLabelValues(op, "transport_error").Inc()
			return nil, &GatewayError{Err: err}
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			c.tokens.Invalidate()
			continue
		}
		if status < 200 || status > 299 {
			metrics.GatewayRequests.WithLabelValues(op, "http_"+strconv.Itoa(status/100)+"xx").Inc()
			return nil, &GatewayError{StatusCode: status, Body: string(body)}
		}
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				metrics.GatewayRequests.WithLabelValues(op, "decode_error").Inc()
				return nil, &GatewayError{StatusCode: status, Body: string(body), Err: fmt.Errorf("decode response: %w", err)}
			}
		}
		metrics.GatewayRequests.WithLabelValues(op, "ok").Inc()
		return body, nil
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func fromGateway(gt models.GatewayTransaction) domain.Transaction {
	status, ok := domain.ParseGatewayStatus(gt.Status)
	if !ok {
		status = domain.StatusPending
	}
	kind := domain.KindPayout
	switch strings.ToLower(gt.Type) {
	case "collection", "payment", "payin":
		kind = domain.KindCollection
	}
	tx := domain.Transaction{
		TransactionID:     gt.TransactionID,
		Reference:         gt.Reference,
		Kind:              kind,
		Amount:            gt.Amount,
		Currency:          strings.ToUpper(gt.Currency),
		CounterpartyPhone: gt.PhoneNumber,
		Status:            status,
	}
	if gt.CreatedAt != nil {
		tx.CreatedAt = *gt.CreatedAt
	}
	if gt.UpdatedAt != nil {
		tx.UpdatedAt = *gt.UpdatedAt
	}
	return tx
}

// rejectionPayload keeps the gateway's refusal on the ledger row. The body is
// embedded as JSON when it is JSON, as a string otherwise.
func rejectionPayload(e *GatewayError) json.RawMessage {
	var body any = e.Body
	if json.Valid([]byte(e.Body)) {
		body = json.RawMessage(e.Body)
	}
	b, _ := json.Marshal(map[string]any{"status_code": e.StatusCode, "body": body})
	return b
}
