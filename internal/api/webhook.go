package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/loanpay/internal/metrics"
	"github.com/punchamoorthee/loanpay/internal/models"
	"github.com/punchamoorthee/loanpay/internal/webhook"
)

// GatewayWebhookHandler acknowledges every delivery that was applied or
// safely refused with 200, so the gateway stops retrying poison payloads.
// Only a bad signature gets 401, and only a failed ledger write gets 500.
func (h *Handler) GatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	const method, route = "POST", "/webhooks/gateway"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, route))
	defer timer.ObserveDuration()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respond(w, http.StatusBadRequest, models.WebhookAck{Reason: "unreadable body"}, method, route)
		return
	}

	_, err = h.webhooks.Handle(r.Context(), raw, r.Header.Get(webhook.SignatureHeader))
	var rej *webhook.Rejection
	switch {
	case err == nil:
		h.respond(w, http.StatusOK, models.WebhookAck{Success: true}, method, route)
	case errors.As(err, &rej) && rej.Reason == webhook.InvalidSignature:
		h.respond(w, http.StatusUnauthorized, models.WebhookAck{Reason: string(rej.Reason)}, method, route)
	case errors.As(err, &rej):
		h.respond(w, http.StatusOK, models.WebhookAck{Reason: string(rej.Reason)}, method, route)
	default:
		h.respond(w, http.StatusInternalServerError, models.WebhookAck{Reason: "internal_error"}, method, route)
	}
}
