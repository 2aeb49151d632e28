package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hugh/tollgate/internal/api/dto"
	"github.com/hugh/tollgate/internal/api/middleware"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/tasks"
	"github.com/hugh/tollgate/internal/usage"
)

const defaultBreakdownDays = 30

// Enqueuer schedules background tasks; *asynq.Client satisfies it.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type UsageHandler struct {
	reporter *usage.Reporter
	queue    Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

// NewUsageHandler builds the usage endpoints. queue may be nil when no
// archive destination is configured.
func NewUsageHandler(reporter *usage.Reporter, queue Enqueuer, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{reporter: reporter, queue: queue, logger: logger, now: time.Now}
}

// Summary handles GET /api/v1/organizations/{orgID}/usage
func (h *UsageHandler) Summary(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, middleware.OrgParam, "organization")
	if !ok {
		return
	}

	summary, err := h.reporter.Summary(r.Context(), orgID)
	if err != nil {
		if errors.Is(err, usage.ErrNoQuotaAccount) {
			writeError(w, http.StatusNotFound, "Organization has no quota account")
			return
		}
		h.logger.Error("usage summary failed", "org_id", orgID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load usage summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Events handles GET /api/v1/organizations/{orgID}/usage/events
func (h *UsageHandler) Events(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, middleware.OrgParam, "organization")
	if !ok {
		return
	}
	pagination := paginationFrom(r)

	events, total, err := h.reporter.History(r.Context(), orgID, pagination.Page, pagination.PerPage)
	if err != nil {
		h.logger.Error("usage history failed", "org_id", orgID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list usage events")
		return
	}

	out := make([]dto.UsageEventDTO, len(events))
	for i := range events {
		out[i] = usageEventToDTO(&events[i])
	}
	writeJSON(w, http.StatusOK, paginated(out, total, pagination))
}

// Breakdown handles GET /api/v1/organizations/{orgID}/usage/breakdown. The
// range defaults to the last 30 days; from and to accept RFC 3339 or
// YYYY-MM-DD.
func (h *UsageHandler) Breakdown(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, middleware.OrgParam, "organization")
	if !ok {
		return
	}

	to := h.now().UTC()
	from := to.AddDate(0, 0, -defaultBreakdownDays)
	var err error
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to")
			return
		}
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from")
			return
		}
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	breakdown, err := h.reporter.Breakdown(r.Context(), orgID, from, to)
	if err != nil {
		h.logger.Error("usage breakdown failed", "org_id", orgID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load usage breakdown")
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// Export handles POST /api/v1/organizations/{orgID}/usage/export by queueing
// an archive task for the organization.
func (h *UsageHandler) Export(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, middleware.OrgParam, "organization")
	if !ok {
		return
	}
	if h.queue == nil {
		writeError(w, http.StatusNotImplemented, "Usage archive is not configured")
		return
	}

	var req dto.ExportRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if !validated(w, req.Validate()) {
		return
	}

	payload := tasks.ArchivePayload{OrganizationID: &orgID}
	if req.From != nil {
		payload.From, payload.To = req.From.UTC(), req.To.UTC()
	}

	task, err := tasks.NewArchiveTask(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build export task")
		return
	}
	info, err := h.queue.Enqueue(task)
	if err != nil {
		h.logger.Error("failed to enqueue usage export", "org_id", orgID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Failed to queue export")
		return
	}

	h.logger.Info("usage export queued", "org_id", orgID, "task_id", info.ID)
	writeJSON(w, http.StatusAccepted, dto.ExportResponse{TaskID: info.ID, Queue: info.Queue})
}

func usageEventToDTO(e *models.UsageEvent) dto.UsageEventDTO {
	out := dto.UsageEventDTO{
		ID:              e.ID.String(),
		UserID:          e.UserID.String(),
		EventType:       e.EventType,
		ComplexityClass: e.ComplexityClass,
		CreditsCharged:  e.CreditsCharged,
		Overdraft:       e.Overdraft,
		CreatedAt:       e.CreatedAt,
	}
	if e.ResourceID != nil {
		out.ResourceID = e.ResourceID.String()
	}
	if len(e.Metadata) > 0 {
		out.Metadata = []byte(e.Metadata)
	}
	return out
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", v)
}
