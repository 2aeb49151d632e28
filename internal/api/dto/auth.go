package dto

import (
	"strings"
	"time"

	"github.com/hugh/tollgate/internal/api/validation"
	"github.com/hugh/tollgate/internal/usage"
)

// Plans a new organization may sign up for. Unlimited is assigned by
// operators only.
var selfServicePlans = map[string]bool{
	usage.PlanFree:         true,
	usage.PlanStarter:      true,
	usage.PlanProfessional: true,
	usage.PlanEnterprise:   true,
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	OrgName  string `json:"org_name,omitempty"`
	Plan     string `json:"plan,omitempty"`
}

func (r RegisterRequest) Validate() map[string]string {
	errors := make(map[string]string)

	if r.Email == "" {
		errors["email"] = "Email is required"
	} else if !validation.IsValidEmail(strings.TrimSpace(r.Email)) {
		errors["email"] = "Invalid email format"
	}
	if r.Password == "" {
		errors["password"] = "Password is required"
	} else if ok, msg := validation.IsValidPassword(r.Password); !ok {
		errors["password"] = msg
	}
	if strings.TrimSpace(r.Name) == "" {
		errors["name"] = "Name is required"
	}
	if r.Plan != "" && !selfServicePlans[r.Plan] {
		errors["plan"] = "Unknown plan"
	}

	return errors
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// OrganizationID optionally selects the organization the session acts in
	OrganizationID string `json:"organization_id,omitempty"`
}

func (r LoginRequest) Validate() map[string]string {
	errors := make(map[string]string)

	if r.Email == "" {
		errors["email"] = "Email is required"
	}
	if r.Password == "" {
		errors["password"] = "Password is required"
	}
	if r.OrganizationID != "" && !validation.IsValidUUID(r.OrganizationID) {
		errors["organization_id"] = "Invalid organization ID"
	}

	return errors
}

type AuthResponse struct {
	Token string  `json:"token"`
	User  UserDTO `json:"user"`
}

type UserDTO struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
	OrgName        string `json:"org_name,omitempty"`
}

// MeResponse describes the caller and every organization they belong to.
type MeResponse struct {
	ID             string          `json:"id"`
	Email          string          `json:"email"`
	Name           string          `json:"name"`
	OrganizationID string          `json:"organization_id"`
	Memberships    []MembershipDTO `json:"memberships"`
}

// LockedResponse is returned with 423 while an identity is locked out.
type LockedResponse struct {
	Error       string    `json:"error"`
	LockedUntil time.Time `json:"locked_until"`
}
