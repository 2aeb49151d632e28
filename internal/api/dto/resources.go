package dto

import (
	"fmt"
	"strings"

	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/usage"
)

const (
	maxTitleLength = 200
	maxBodyLength  = 100000
)

type ResourceRequest struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Visibility string `json:"visibility,omitempty"`
}

func (r ResourceRequest) Validate() map[string]string {
	errors := make(map[string]string)

	title := strings.TrimSpace(r.Title)
	if title == "" {
		errors["title"] = "Title is required"
	} else if len(title) > maxTitleLength {
		errors["title"] = "Title must be at most 200 characters"
	}
	if len(r.Body) > maxBodyLength {
		errors["body"] = "Body is too long"
	}
	if r.Visibility != "" && !models.Visibility(r.Visibility).Valid() {
		errors["visibility"] = "Visibility must be private, organization or public"
	}

	return errors
}

type ResourceResponse struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	OwnerID        string `json:"owner_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Visibility     string `json:"visibility"`
	Access         string `json:"access,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// ActionRequest runs a costed action against a resource.
type ActionRequest struct {
	EventType   string                 `json:"event_type"`
	Text        string                 `json:"text,omitempty"`
	Attachments int                    `json:"attachments,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (r ActionRequest) Validate() map[string]string {
	errors := make(map[string]string)

	if r.EventType == "" {
		errors["event_type"] = "Event type is required"
	}
	if r.Attachments < 0 {
		errors["attachments"] = "Attachments cannot be negative"
	} else if r.Attachments > usage.MaxAttachments {
		errors["attachments"] = fmt.Sprintf("At most %d attachments are allowed", usage.MaxAttachments)
	}

	return errors
}

type ActionResponse struct {
	ResourceID       string `json:"resource_id"`
	EventType        string `json:"event_type"`
	CreditsCharged   int64  `json:"credits_charged"`
	RemainingCredits int64  `json:"remaining_credits"`
	Warning          bool   `json:"warning"`
	Overdraft        bool   `json:"overdraft,omitempty"`
	Replayed         bool   `json:"replayed,omitempty"`
	ComplexityClass  string `json:"complexity_class,omitempty"`
	UsageEventID     string `json:"usage_event_id,omitempty"`
}

// QuotaErrorResponse is returned with 402 when a charge is refused.
type QuotaErrorResponse struct {
	Error            string `json:"error"`
	Reason           string `json:"reason"`
	RemainingCredits int64  `json:"remaining_credits"`
}
