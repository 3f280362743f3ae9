package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/gateway"
	"github.com/punchamoorthee/loanpay/internal/webhook"
)

// Gateway is the money-movement surface the handlers call.
type Gateway interface {
	CreatePayout(ctx context.Context, req domain.PayoutRequest) (domain.Transaction, error)
	CreateCollection(ctx context.Context, req domain.CollectionRequest) (domain.Transaction, error)
	CreateBulkPayouts(ctx context.Context, reqs []domain.PayoutRequest) []gateway.BulkResult
	GetStatus(ctx context.Context, transactionID string) (domain.Transaction, error)
	GetHistory(ctx context.Context, f domain.HistoryFilter) ([]domain.Transaction, error)
}

type Ledger interface {
	Get(ctx context.Context, key string) (domain.Transaction, error)
}

type Webhooks interface {
	Handle(ctx context.Context, raw []byte, signature string) (webhook.Ack, error)
}

// Scheduler is the operator surface of the task scheduler.
type Scheduler interface {
	Status() domain.SchedulerStatus
	Task(id string) (domain.ScheduledTask, error)
	TriggerTask(ctx context.Context, id string) error
	Enable(ctx context.Context, id string) (domain.ScheduledTask, error)
	Disable(ctx context.Context, id string) (domain.ScheduledTask, error)
}

type NotificationHistory interface {
	ListByClient(ctx context.Context, clientID string, limit int) ([]domain.NotificationEvent, error)
}

type Handler struct {
	gateway       Gateway
	ledger        Ledger
	webhooks      Webhooks
	scheduler     Scheduler
	notifications NotificationHistory
	logger        *slog.Logger
}

func NewHandler(gw Gateway, ledger Ledger, hooks Webhooks, sched Scheduler, notes NotificationHistory, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gateway:       gw,
		ledger:        ledger,
		webhooks:      hooks,
		scheduler:     sched,
		notifications: notes,
		logger:        logger.With("module", "api"),
	}
}

// NewRouter mounts every endpoint of the service.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusNotFound, "Not Found")
	})
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")
	r.HandleFunc("/webhooks/gateway", h.GatewayWebhookHandler).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/payouts", h.CreatePayoutHandler).Methods("POST")
	apiV1.HandleFunc("/payouts/bulk", h.CreateBulkPayoutsHandler).Methods("POST")
	apiV1.HandleFunc("/collections", h.CreateCollectionHandler).Methods("POST")
	apiV1.HandleFunc("/transactions", h.ListTransactionsHandler).Methods("GET")
	apiV1.HandleFunc("/transactions/{key}", h.GetTransactionHandler).Methods("GET")
	apiV1.HandleFunc("/transactions/{id}/refresh", h.RefreshTransactionHandler).Methods("POST")

	apiV1.HandleFunc("/scheduler", h.SchedulerStatusHandler).Methods("GET")
	apiV1.HandleFunc("/scheduler/tasks/{id}", h.GetTaskHandler).Methods("GET")
	apiV1.HandleFunc("/scheduler/tasks/{id}/{action:trigger|enable|disable}", h.TaskActionHandler).Methods("POST")

	apiV1.HandleFunc("/notifications", h.ListNotificationsHandler).Methods("GET")
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
