package tasks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task type names
const (
	TypeUsageRollover = "usage:rollover"
	TypeUsageArchive  = "usage:archive"
)

// RolloverPayload is empty - the handler rolls every expired account
type RolloverPayload struct{}

func NewRolloverTask() *asynq.Task {
	return asynq.NewTask(TypeUsageRollover, nil, asynq.Queue("critical"), asynq.MaxRetry(5))
}

// ArchivePayload selects the events to export. A nil OrganizationID exports
// every organization; a zero window means the previous UTC day.
type ArchivePayload struct {
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	From           time.Time  `json:"from,omitempty"`
	To             time.Time  `json:"to,omitempty"`
}

// Window returns the export window, defaulting to the UTC day before now.
func (p ArchivePayload) Window(now time.Time) (time.Time, time.Time) {
	if !p.From.IsZero() && !p.To.IsZero() {
		return p.From.UTC(), p.To.UTC()
	}
	end := now.UTC().Truncate(24 * time.Hour)
	return end.AddDate(0, 0, -1), end
}

func NewArchiveTask(payload ArchivePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeUsageArchive, data, asynq.Queue("low"), asynq.MaxRetry(3)), nil
}
