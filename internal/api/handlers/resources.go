package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/api/dto"
	"github.com/hugh/tollgate/internal/api/middleware"
	"github.com/hugh/tollgate/internal/api/validation"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/guard"
	"github.com/hugh/tollgate/internal/usage"
	"github.com/hugh/tollgate/pkg/crypto"
	"gorm.io/gorm"
)

// Response headers describing the quota position after a costed action.
const (
	HeaderCreditsRemaining = "X-Credits-Remaining"
	HeaderCreditsWarning   = "X-Credits-Warning"
	HeaderIdempotencyKey   = "Idempotency-Key"
)

// metadataClientIP holds the age-encrypted client address of a charge.
const metadataClientIP = "client_ip_enc"

// Denials counts refused requests by reason.
type Denials interface {
	ObserveDenial(reason string)
}

// Memberships resolves the caller's membership for resource creation.
type Memberships interface {
	Membership(ctx context.Context, identityID, orgID uuid.UUID) (*models.Membership, error)
}

type ResourceHandler struct {
	db          *gorm.DB
	guard       *guard.Guard
	evaluator   *access.Evaluator
	memberships Memberships
	pricing     *usage.Pricing
	encryptor   *crypto.Encryptor
	denials     Denials
	logger      *slog.Logger
}

// NewResourceHandler wires the resource endpoints. encryptor may be nil, in
// which case the client address is not recorded with charges.
func NewResourceHandler(db *gorm.DB, g *guard.Guard, evaluator *access.Evaluator, memberships Memberships, pricing *usage.Pricing, encryptor *crypto.Encryptor, denials Denials, logger *slog.Logger) *ResourceHandler {
	return &ResourceHandler{
		db:          db,
		guard:       g,
		evaluator:   evaluator,
		memberships: memberships,
		pricing:     pricing,
		encryptor:   encryptor,
		denials:     denials,
		logger:      logger,
	}
}

func resourceToResponse(r *models.Resource, level access.Level) dto.ResourceResponse {
	out := dto.ResourceResponse{
		ID:             r.ID.String(),
		OrganizationID: r.OrganizationID.String(),
		OwnerID:        r.OwnerID.String(),
		Title:          r.Title,
		Body:           r.Body,
		Visibility:     string(r.Visibility),
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      r.UpdatedAt.Format(time.RFC3339),
	}
	if level > access.LevelNone {
		out.Access = level.String()
	}
	return out
}

// List handles GET /api/v1/organizations/{orgID}/resources. The query is
// restricted to what the caller can read, so Total never counts hidden rows.
func (h *ResourceHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, middleware.OrgParam, "organization")
	if !ok {
		return
	}

	visibility := models.Visibility(r.URL.Query().Get("visibility"))
	if visibility != "" && !visibility.Valid() {
		validated(w, map[string]string{"visibility": "must be private, organization or public"})
		return
	}

	userID := middleware.GetUserID(r.Context())
	if err := h.guard.CheckActor(r.Context(), userID, orgID); err != nil {
		h.deny(w, err)
		return
	}

	subject, err := h.evaluator.Subject(r.Context(), userID, orgID)
	if err != nil {
		h.logger.Error("resolving membership failed", "org_id", orgID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return
	}

	pagination := paginationFrom(r)
	query := h.db.WithContext(r.Context()).Model(&models.Resource{}).Scopes(subject.ReadableScope())
	if visibility != "" {
		query = query.Where("visibility = ?", string(visibility))
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count resources")
		return
	}

	var resources []models.Resource
	if err := query.
		Order("created_at DESC").
		Offset(pagination.Offset()).
		Limit(pagination.PerPage).
		Find(&resources).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list resources")
		return
	}

	readable := subject.Filter(resources)
	out := make([]dto.ResourceResponse, len(readable))
	for i := range readable {
		out[i] = resourceToResponse(&readable[i], access.Decide(subject, &readable[i]))
	}
	writeJSON(w, http.StatusOK, paginated(out, total, pagination))
}

// Create handles POST /api/v1/organizations/{orgID}/resources. Owners,
// admins and members may create; the caller becomes the resource owner.
func (h *ResourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, middleware.OrgParam, "organization")
	if !ok {
		return
	}

	var req dto.ResourceRequest
	if !decodeJSON(w, r, &req) || !validated(w, req.Validate()) {
		return
	}

	userID := middleware.GetUserID(r.Context())
	if err := h.guard.CheckActor(r.Context(), userID, orgID); err != nil {
		h.deny(w, err)
		return
	}
	m, err := h.memberships.Membership(r.Context(), userID, orgID)
	if err != nil {
		h.logger.Error("membership lookup failed", "org_id", orgID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return
	}
	if m == nil || !m.IsActive() || !canCreate(m.Role) {
		h.deny(w, &guard.Rejection{Reason: guard.ReasonForbidden})
		return
	}

	visibility := models.Visibility(req.Visibility)
	if visibility == "" {
		visibility = models.VisibilityPrivate
	}
	resource := models.Resource{
		OrganizationID: orgID,
		OwnerID:        userID,
		Title:          validation.SanitizeString(strings.TrimSpace(req.Title)),
		Body:           validation.SanitizeString(req.Body),
		Visibility:     visibility,
	}
	if err := h.db.WithContext(r.Context()).Create(&resource).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create resource")
		return
	}

	writeJSON(w, http.StatusCreated, resourceToResponse(&resource, access.LevelDeleteOwner))
}

func canCreate(role models.Role) bool {
	switch role {
	case models.RoleOwner, models.RoleAdmin, models.RoleMember:
		return true
	}
	return false
}

// Get handles GET /api/v1/organizations/{orgID}/resources/{id}
func (h *ResourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	outcome, ok := h.authorize(w, r, access.LevelRead, nil)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resourceToResponse(outcome.Resource, outcome.Access.Level))
}

// Update handles PUT /api/v1/organizations/{orgID}/resources/{id}
func (h *ResourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req dto.ResourceRequest
	if !decodeJSON(w, r, &req) || !validated(w, req.Validate()) {
		return
	}

	outcome, ok := h.authorize(w, r, access.LevelWrite, nil)
	if !ok {
		return
	}

	resource := outcome.Resource
	updates := map[string]interface{}{
		"title": validation.SanitizeString(strings.TrimSpace(req.Title)),
		"body":  validation.SanitizeString(req.Body),
	}
	if req.Visibility != "" {
		updates["visibility"] = req.Visibility
	}
	if err := h.db.WithContext(r.Context()).Model(resource).Updates(updates).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update resource")
		return
	}
	resource.Title = updates["title"].(string)
	resource.Body = updates["body"].(string)
	if req.Visibility != "" {
		resource.Visibility = models.Visibility(req.Visibility)
	}

	writeJSON(w, http.StatusOK, resourceToResponse(resource, outcome.Access.Level))
}

// Delete handles DELETE /api/v1/organizations/{orgID}/resources/{id}. Only
// the owner may delete; the row is soft-deleted.
func (h *ResourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	outcome, ok := h.authorize(w, r, access.LevelDeleteOwner, nil)
	if !ok {
		return
	}

	if err := h.db.WithContext(r.Context()).Delete(outcome.Resource).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete resource")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Action handles POST /api/v1/organizations/{orgID}/resources/{id}/actions:
// a costed action that needs write access and is charged to the
// organization's quota.
func (h *ResourceHandler) Action(w http.ResponseWriter, r *http.Request) {
	var req dto.ActionRequest
	if !decodeJSON(w, r, &req) || !validated(w, req.Validate()) {
		return
	}
	if !h.pricing.Knows(req.EventType) {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Validation failed",
			Details: map[string]string{"event_type": "Unknown event type"},
		})
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if key != "" && !validation.IsValidIdempotencyKey(key) {
		writeError(w, http.StatusBadRequest, "Invalid Idempotency-Key")
		return
	}

	charge := &guard.ChargeSpec{
		EventType:      req.EventType,
		Input:          usage.Input{Text: req.Text, Attachments: req.Attachments},
		IdempotencyKey: key,
		Metadata:       h.chargeMetadata(r, req.Metadata),
	}
	outcome, ok := h.authorize(w, r, access.LevelWrite, charge)
	if !ok {
		return
	}

	verdict := outcome.Charge
	w.Header().Set(HeaderCreditsRemaining, strconv.FormatInt(verdict.RemainingCredits, 10))
	if verdict.Warning {
		w.Header().Set(HeaderCreditsWarning, "true")
	}

	resp := dto.ActionResponse{
		ResourceID:       outcome.Resource.ID.String(),
		EventType:        req.EventType,
		CreditsCharged:   verdict.CreditsCharged,
		RemainingCredits: verdict.RemainingCredits,
		Warning:          verdict.Warning,
		Overdraft:        verdict.Overdraft,
		Replayed:         verdict.Replayed,
		ComplexityClass:  string(verdict.Class),
	}
	if verdict.UsageEventID != nil {
		resp.UsageEventID = verdict.UsageEventID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// chargeMetadata copies the caller's metadata and adds the encrypted client
// address. Reserved keys cannot be supplied by the caller.
func (h *ResourceHandler) chargeMetadata(r *http.Request, supplied map[string]interface{}) map[string]interface{} {
	md := make(map[string]interface{}, len(supplied)+1)
	for k, v := range supplied {
		if k != metadataClientIP {
			md[k] = v
		}
	}
	if h.encryptor != nil {
		enc, err := h.encryptor.EncryptString(middleware.ClientIP(r))
		if err != nil {
			h.logger.Warn("failed to encrypt client address", "error", err)
		} else {
			md[metadataClientIP] = enc
		}
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// authorize runs the request guard for the {id} resource and writes the
// refusal when it fails.
func (h *ResourceHandler) authorize(w http.ResponseWriter, r *http.Request, required access.Level, charge *guard.ChargeSpec) (*guard.Outcome, bool) {
	orgID, ok := uuidParam(w, r, middleware.OrgParam, "organization")
	if !ok {
		return nil, false
	}
	resourceID, ok := uuidParam(w, r, "id", "resource")
	if !ok {
		return nil, false
	}

	outcome, err := h.guard.Authorize(r.Context(), guard.Request{
		IdentityID:     middleware.GetUserID(r.Context()),
		OrganizationID: orgID,
		ResourceID:     resourceID,
		Required:       required,
		Charge:         charge,
	})
	if err != nil {
		h.deny(w, err)
		return nil, false
	}
	return outcome, true
}

// deny writes the response for a guard error. Forbidden carries no detail so
// a missing resource looks the same as an inaccessible one.
func (h *ResourceHandler) deny(w http.ResponseWriter, err error) {
	status := guard.StatusCode(err)

	var rejection *guard.Rejection
	if errors.As(err, &rejection) && h.denials != nil {
		h.denials.ObserveDenial(string(rejection.Reason))
	}

	switch status {
	case http.StatusForbidden:
		writeError(w, status, "Forbidden")
	case http.StatusPaymentRequired:
		w.Header().Set(HeaderCreditsRemaining, strconv.FormatInt(rejection.RemainingCredits, 10))
		writeJSON(w, status, dto.QuotaErrorResponse{
			Error:            "Quota exceeded",
			Reason:           string(rejection.QuotaReason),
			RemainingCredits: rejection.RemainingCredits,
		})
	case http.StatusServiceUnavailable:
		writeError(w, status, "Service temporarily unavailable")
	default:
		h.logger.Error("guarded request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Request failed")
	}
}
