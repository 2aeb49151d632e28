package dto

import (
	"encoding/json"
	"time"
)

type UsageEventDTO struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	ResourceID      string          `json:"resource_id,omitempty"`
	EventType       string          `json:"event_type"`
	ComplexityClass string          `json:"complexity_class"`
	CreditsCharged  int64           `json:"credits_charged"`
	Overdraft       bool            `json:"overdraft,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ExportRequest asks for an organization's events in [From, To) to be
// archived. Both bounds default to the previous UTC day.
type ExportRequest struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

func (r ExportRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if (r.From == nil) != (r.To == nil) {
		errors["range"] = "Both from and to are required"
	} else if r.From != nil && !r.From.Before(*r.To) {
		errors["range"] = "From must be before to"
	}
	return errors
}

type ExportResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
}
