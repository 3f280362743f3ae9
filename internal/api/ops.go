package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/metrics"
	"github.com/punchamoorthee/loanpay/internal/models"
)

func (h *Handler) SchedulerStatusHandler(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.scheduler.Status(), "GET", "/api/v1/scheduler")
}

func (h *Handler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	const method, route = "GET", "/api/v1/scheduler/tasks/{id}"
	task, err := h.scheduler.Task(mux.Vars(r)["id"])
	if err != nil {
		h.respond(w, taskErrorStatus(err), errorBody(err.Error()), method, route)
		return
	}
	h.respond(w, http.StatusOK, task, method, route)
}

// TaskActionHandler runs trigger, enable or disable. A triggered run that
// fails still answers with the task so the operator sees the retry count.
func (h *Handler) TaskActionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, action := vars["id"], vars["action"]
	method, route := "POST", "/api/v1/scheduler/tasks/{id}/"+action
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, route))
	defer timer.ObserveDuration()

	var (
		task domain.ScheduledTask
		err  error
	)
	switch action {
	case "trigger":
		err = h.scheduler.TriggerTask(r.Context(), id)
		task, _ = h.scheduler.Task(id)
	case "enable":
		task, err = h.scheduler.Enable(r.Context(), id)
	case "disable":
		task, err = h.scheduler.Disable(r.Context(), id)
	}

	if err != nil {
		code := taskErrorStatus(err)
		if code != http.StatusInternalServerError {
			h.respond(w, code, errorBody(err.Error()), method, route)
			return
		}
		h.logger.WarnContext(r.Context(), "task action failed", "operation", action, "task", id, "error", err)
		h.respond(w, code, models.TaskActionResponse{Task: task, Error: err.Error()}, method, route)
		return
	}
	h.respond(w, http.StatusOK, models.TaskActionResponse{Task: task}, method, route)
}

// taskErrorStatus maps scheduler errors to HTTP statuses. A failed run of
// the task itself is a 500.
func taskErrorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTaskDisabled), errors.Is(err, domain.ErrTaskRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) ListNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	const method, route = "GET", "/api/v1/notifications"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, route))
	defer timer.ObserveDuration()

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		h.respond(w, http.StatusBadRequest, errorBody("client_id is required"), method, route)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.respond(w, http.StatusBadRequest, errorBody("limit must be a positive integer"), method, route)
			return
		}
		limit = min(n, 500)
	}

	events, err := h.notifications.ListByClient(r.Context(), clientID, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "notification history read failed", "operation", "list_notifications", "error", err)
		h.respond(w, http.StatusInternalServerError, errorBody("Internal Server Error"), method, route)
		return
	}
	if events == nil {
		events = []domain.NotificationEvent{}
	}
	h.respond(w, http.StatusOK, models.NotificationList{Data: events}, method, route)
}
