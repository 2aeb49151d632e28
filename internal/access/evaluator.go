package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"gorm.io/gorm"
)

// ErrLookupFailed marks an infrastructure failure while resolving membership
// or resources. Callers must treat it as a denial.
var ErrLookupFailed = errors.New("access lookup failed")

// Level is the granularity of access an identity has to a resource.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelDeleteOwner
)

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelDeleteOwner:
		return "delete"
	default:
		return "none"
	}
}

// Verdict is the outcome of a single evaluation. The Can* projections are all
// derived from the same Level.
type Verdict struct {
	Level Level `json:"level"`
}

func (v Verdict) CanRead() bool   { return v.Level >= LevelRead }
func (v Verdict) CanWrite() bool  { return v.Level >= LevelWrite }
func (v Verdict) CanDelete() bool { return v.Level >= LevelDeleteOwner }

// Subject is everything the rules need to know about the actor.
type Subject struct {
	IdentityID     uuid.UUID
	OrganizationID uuid.UUID
	Membership     *models.Membership // nil when the identity has none
}

func (s Subject) activeMember(orgID uuid.UUID) bool {
	m := s.Membership
	return m != nil && m.IsActive() && m.UserID == s.IdentityID && m.OrganizationID == orgID
}

// Decide applies the access rules in order; the first match wins.
func Decide(s Subject, r *models.Resource) Level {
	if r == nil || r.OrganizationID != s.OrganizationID {
		return LevelNone
	}
	if r.IsDeleted() {
		return LevelNone
	}
	if r.OwnerID == s.IdentityID {
		return LevelDeleteOwner
	}
	member := s.activeMember(r.OrganizationID)
	if member && (s.Membership.Role == models.RoleOwner || s.Membership.Role == models.RoleAdmin) {
		return LevelWrite
	}
	if member && r.Visibility == models.VisibilityOrganization {
		return LevelRead
	}
	if r.Visibility == models.VisibilityPublic {
		return LevelRead
	}
	return LevelNone
}

// Directory resolves memberships and live resources. Both lookups return
// (nil, nil) when nothing matches.
type Directory interface {
	Membership(ctx context.Context, identityID, orgID uuid.UUID) (*models.Membership, error)
	Resource(ctx context.Context, id uuid.UUID) (*models.Resource, error)
}

// Evaluator is stateless and safe for concurrent use.
type Evaluator struct {
	dir Directory
}

func NewEvaluator(dir Directory) *Evaluator {
	return &Evaluator{dir: dir}
}

// Evaluate performs one membership lookup and one rule evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, identityID, orgID uuid.UUID, resource *models.Resource) (Verdict, error) {
	if resource == nil || resource.OrganizationID != orgID {
		return Verdict{Level: LevelNone}, nil
	}

	subject, err := e.subject(ctx, identityID, orgID)
	if err != nil {
		return Verdict{Level: LevelNone}, err
	}

	return Verdict{Level: Decide(subject, resource)}, nil
}

// LoadResource fetches a live resource. A missing or deleted resource is
// (nil, nil).
func (e *Evaluator) LoadResource(ctx context.Context, id uuid.UUID) (*models.Resource, error) {
	r, err := e.dir.Resource(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: resource: %w", ErrLookupFailed, err)
	}
	return r, nil
}

// FilterReadable keeps the resources the identity can read, evaluating every
// entry against the same membership snapshot.
func (e *Evaluator) FilterReadable(ctx context.Context, identityID, orgID uuid.UUID, resources []models.Resource) ([]models.Resource, error) {
	subject, err := e.subject(ctx, identityID, orgID)
	if err != nil {
		return nil, err
	}
	return subject.Filter(resources), nil
}

// Subject resolves the identity's membership in orgID once, for callers that
// evaluate many resources against one snapshot.
func (e *Evaluator) Subject(ctx context.Context, identityID, orgID uuid.UUID) (Subject, error) {
	return e.subject(ctx, identityID, orgID)
}

// Filter keeps the resources Decide grants at least read on.
func (s Subject) Filter(resources []models.Resource) []models.Resource {
	readable := make([]models.Resource, 0, len(resources))
	for i := range resources {
		if Decide(s, &resources[i]) >= LevelRead {
			readable = append(readable, resources[i])
		}
	}
	return readable
}

// ReadableScope is the query form of the read rules in Decide: it selects
// the live resources of the subject's organization that the subject can
// read. Counts over it never include rows the subject cannot see.
func (s Subject) ReadableScope() func(*gorm.DB) *gorm.DB {
	member := s.activeMember(s.OrganizationID)
	privileged := member && (s.Membership.Role == models.RoleOwner || s.Membership.Role == models.RoleAdmin)

	return func(db *gorm.DB) *gorm.DB {
		db = db.Where("organization_id = ?", s.OrganizationID)
		switch {
		case privileged:
			return db
		case member:
			return db.Where("(owner_id = ? OR visibility IN ?)", s.IdentityID,
				[]string{string(models.VisibilityOrganization), string(models.VisibilityPublic)})
		default:
			return db.Where("(owner_id = ? OR visibility = ?)", s.IdentityID, string(models.VisibilityPublic))
		}
	}
}

func (e *Evaluator) subject(ctx context.Context, identityID, orgID uuid.UUID) (Subject, error) {
	m, err := e.dir.Membership(ctx, identityID, orgID)
	if err != nil {
		return Subject{}, fmt.Errorf("%w: membership: %w", ErrLookupFailed, err)
	}
	return Subject{IdentityID: identityID, OrganizationID: orgID, Membership: m}, nil
}
