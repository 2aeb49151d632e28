package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hugh/tollgate/internal/archive"
	"github.com/hugh/tollgate/internal/usage"
)

// Observer is notified of completed maintenance work.
type Observer interface {
	AccountsRolledOver(n int)
	EventsArchived(n int)
}

type Handler struct {
	roller   *usage.Roller
	exporter *archive.Exporter // nil when archiving is disabled
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func NewHandler(roller *usage.Roller, exporter *archive.Exporter, observer Observer, logger *slog.Logger) *Handler {
	return &Handler{
		roller:   roller,
		exporter: exporter,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the handler's notion of now.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

func (h *Handler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeUsageRollover, h.HandleRollover)
	mux.HandleFunc(TypeUsageArchive, h.HandleArchive)
}

func (h *Handler) HandleRollover(ctx context.Context, t *asynq.Task) error {
	rolled, err := h.roller.Rollover(ctx, h.now())
	if rolled > 0 && h.observer != nil {
		h.observer.AccountsRolledOver(rolled)
	}
	if err != nil {
		h.logger.Error("quota rollover failed", "rolled", rolled, "error", err)
		return err
	}

	h.logger.Info("completed quota rollover", "rolled", rolled)
	return nil
}

func (h *Handler) HandleArchive(ctx context.Context, t *asynq.Task) error {
	var payload ArchivePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
		}
	}

	if h.exporter == nil {
		h.logger.Warn("usage archive requested but no archive provider is configured")
		return fmt.Errorf("archive disabled: %w", asynq.SkipRetry)
	}

	from, to := payload.Window(h.now())
	if !from.Before(to) {
		return fmt.Errorf("empty archive window %s - %s: %w", from, to, asynq.SkipRetry)
	}

	h.logger.Info("starting usage archive", "from", from, "to", to, "org_id", payload.OrganizationID)

	var manifests []archive.Manifest
	var err error
	if payload.OrganizationID != nil {
		var m *archive.Manifest
		m, err = h.exporter.Export(ctx, *payload.OrganizationID, from, to)
		if m != nil && m.Events > 0 {
			manifests = append(manifests, *m)
		}
	} else {
		manifests, err = h.exporter.ExportAll(ctx, from, to)
	}

	archived := 0
	for _, m := range manifests {
		archived += m.Events
	}
	if archived > 0 && h.observer != nil {
		h.observer.EventsArchived(archived)
	}
	if err != nil {
		return err
	}

	h.logger.Info("completed usage archive", "objects", len(manifests), "events", archived)
	return nil
}
