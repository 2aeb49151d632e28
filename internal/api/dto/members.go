package dto

import (
	"strings"

	"github.com/hugh/tollgate/internal/api/validation"
	"github.com/hugh/tollgate/internal/database/models"
)

type MembershipDTO struct {
	UserID         string   `json:"user_id"`
	Email          string   `json:"email,omitempty"`
	Name           string   `json:"name,omitempty"`
	OrganizationID string   `json:"organization_id"`
	OrgName        string   `json:"org_name,omitempty"`
	Role           string   `json:"role"`
	Status         string   `json:"status"`
	Capabilities   []string `json:"capabilities"`
}

type AddMemberRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (r AddMemberRequest) Validate() map[string]string {
	errors := make(map[string]string)

	if r.Email == "" {
		errors["email"] = "Email is required"
	} else if !validation.IsValidEmail(strings.TrimSpace(r.Email)) {
		errors["email"] = "Invalid email format"
	}
	validateRole(r.Role, errors)

	return errors
}

type ChangeRoleRequest struct {
	Role string `json:"role"`
}

func (r ChangeRoleRequest) Validate() map[string]string {
	errors := make(map[string]string)
	validateRole(r.Role, errors)
	return errors
}

func validateRole(role string, errors map[string]string) {
	switch {
	case role == "":
		errors["role"] = "Role is required"
	case !models.Role(role).Valid():
		errors["role"] = "Unknown role"
	}
}
