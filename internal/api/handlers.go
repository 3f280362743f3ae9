package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/gateway"
	"github.com/punchamoorthee/loanpay/internal/metrics"
	"github.com/punchamoorthee/loanpay/internal/models"
)

const (
	maxBodyBytes = 1 << 20
	maxBulkItems = 500
)

func (h *Handler) CreatePayoutHandler(w http.ResponseWriter, r *http.Request) {
	const method, route = "POST", "/api/v1/payouts"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, route))
	defer timer.ObserveDuration()

	var req domain.PayoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respond(w, http.StatusBadRequest, errorBody("Malformed JSON body"), method, route)
		return
	}

	tx, err := h.gateway.CreatePayout(r.Context(), req)
	if err != nil {
		h.respondGatewayError(w, r, err, method, route)
		return
	}
	w.Header().Set("Location", "/api/v1/transactions/"+url.PathEscape(tx.Reference))
	h.respond(w, http.StatusCreated, tx, method, route)
}

func (h *Handler) CreateCollectionHandler(w http.ResponseWriter, r *http.Request) {
	const method, route = "POST", "/api/v1/collections"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, route))
	defer timer.ObserveDuration()

	var req domain.CollectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respond(w, http.StatusBadRequest, errorBody("Malformed JSON body"), method, route)
		return
	}

	tx, err := h.gateway.CreateCollection(r.Context(), req)
	if err != nil {
		h.respondGatewayError(w, r, err, method, route)
		return
	}
	w.Header().Set("Location", "/api/v1/transactions/"+url.PathEscape(tx.Reference))
	h.respond(w, http.StatusCreated, tx, method, route)
}

func (h *Handler) CreateBulkPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	const method, route = "POST", "/api/v1/payouts/bulk"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, route))
	defer timer.ObserveDuration()

	var req models.BulkPayoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respond(w, http.StatusBadRequest, errorBody("Malformed JSON body"), method, route)
		return
	}
	if len(req.Payouts) == 0 {
		h.respond(w, http.StatusBadRequest, errorBody("At least one payout required"), method, route)
		return
	}
	if len(req.Payouts) > maxBulkItems {
		h.respond(w, http.StatusBadRequest, errorBody(fmt.Sprintf("At most %d payouts per batch", maxBulkItems)), method, route)
		return
	}

	results := h.gateway.CreateBulkPayouts(r.Context(), req.Payouts)
	resp := models.BulkPayoutResponse{Results: make([]models.BulkPayoutItem, 0, len(results))}
	for _, res := range results {
		item := models.BulkPayoutItem{Reference: res.Reference}
		if res.Err != nil {
			item.Error = res.Err.Error()
			resp.Failed++
		} else {
			tx := res.Transaction
			item.Transaction = &tx
			resp.Succeeded++
		}
		resp.Results = append(resp.Results, item)
	}
	h.respond(w, http.StatusOK, resp, method, route)
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	const method, route = "GET", "/api/v1/transactions/{key}"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, route))
	defer timer.ObserveDuration()

	tx, err := h.ledger.Get(r.Context(), mux.Vars(r)["key"])
	if errors.Is(err, domain.ErrNotFound) {
		h.respond(w, http.StatusNotFound, errorBody("Transaction not found"), method, route)
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "ledger read failed", "operation", "get_transaction", "error", err)
		h.respond(w, http.StatusInternalServerError, errorBody("Internal Server Error"), method, route)
		return
	}
	h.respond(w, http.StatusOK, tx, method, route)
}

func (h *Handler) RefreshTransactionHandler(w http.ResponseWriter, r *http.Request) {
	const method, route = "POST", "/api/v1/transactions/{id}/refresh"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, route))
	defer timer.ObserveDuration()

	tx, err := h.gateway.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondGatewayError(w, r, err, method, route)
		return
	}
	h.respond(w, http.StatusOK, tx, method, route)
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	const method, route = "GET", "/api/v1/transactions"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, route))
	defer timer.ObserveDuration()

	f, err := parseHistoryFilter(r.URL.Query())
	if err != nil {
		h.respond(w, http.StatusBadRequest, errorBody(err.Error()), method, route)
		return
	}
	txs, err := h.gateway.GetHistory(r.Context(), f)
	if err != nil {
		h.respondGatewayError(w, r, err, method, route)
		return
	}
	h.respond(w, http.StatusOK, models.TransactionList{Data: txs, Page: max(f.Page, 1)}, method, route)
}

func parseHistoryFilter(q url.Values) (domain.HistoryFilter, error) {
	var f domain.HistoryFilter
	if s := q.Get("status"); s != "" {
		f.Status = domain.TransactionStatus(strings.ToLower(s))
		if !f.Status.Valid() {
			return f, fmt.Errorf("unknown status %q", s)
		}
	}
	switch k := strings.ToLower(q.Get("type")); k {
	case "":
	case string(domain.KindPayout), string(domain.KindCollection):
		f.Kind = domain.TransactionKind(k)
	default:
		return f, fmt.Errorf("unknown type %q", k)
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if s := q.Get(name); s != "" {
			t, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return f, fmt.Errorf("%s must be YYYY-MM-DD", name)
			}
			*dst = t
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, errors.New("to is before from")
	}
	for name, dst := range map[string]*int{"page": &f.Page, "limit": &f.Limit} {
		if s := q.Get(name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				return f, fmt.Errorf("%s must be a positive integer", name)
			}
			*dst = n
		}
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	return f, nil
}

// respondGatewayError maps gateway client failures onto HTTP statuses.
func (h *Handler) respondGatewayError(w http.ResponseWriter, r *http.Request, err error, method, route string) {
	var (
		authErr *gateway.AuthError
		gwErr   *gateway.GatewayError
	)
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		h.respond(w, http.StatusBadRequest,
			errorBody("reference, positive amount, 3-letter currency and phone_number are required"), method, route)
	case errors.Is(err, domain.ErrReferenceMismatch):
		h.respond(w, http.StatusUnprocessableEntity, errorBody("Reference reused with mismatched payload"), method, route)
	case errors.As(err, &authErr):
		h.respond(w, http.StatusBadGateway, errorBody("gateway authentication failed"), method, route)
	case errors.As(err, &gwErr):
		h.respond(w, http.StatusBadGateway, map[string]any{
			"error":       gwErr.Error(),
			"status_code": gwErr.StatusCode,
		}, method, route)
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "operation", route, "error", err)
		h.respond(w, http.StatusInternalServerError, errorBody("Internal Server Error"), method, route)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// respond writes the payload and counts the request.
func (h *Handler) respond(w http.ResponseWriter, code int, payload any, method, route string) {
	metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorBody(message))
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
