package guard_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/auth"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/guard"
	"github.com/hugh/tollgate/internal/lockout"
	"github.com/hugh/tollgate/internal/usage"
	"github.com/hugh/tollgate/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// directory is an in-memory access.Directory and guard.Actors.
type directory struct {
	users       map[uuid.UUID]*models.User
	orgs        map[uuid.UUID]*models.Organization
	memberships map[[2]uuid.UUID]*models.Membership
	resources   map[uuid.UUID]*models.Resource
	err         error
}

func newDirectory() *directory {
	return &directory{
		users:       make(map[uuid.UUID]*models.User),
		orgs:        make(map[uuid.UUID]*models.Organization),
		memberships: make(map[[2]uuid.UUID]*models.Membership),
		resources:   make(map[uuid.UUID]*models.Resource),
	}
}

func (d *directory) User(_ context.Context, id uuid.UUID) (*models.User, error) {
	return d.users[id], d.err
}

func (d *directory) Organization(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	return d.orgs[id], d.err
}

func (d *directory) Membership(_ context.Context, identityID, orgID uuid.UUID) (*models.Membership, error) {
	return d.memberships[[2]uuid.UUID{identityID, orgID}], d.err
}

func (d *directory) Resource(_ context.Context, id uuid.UUID) (*models.Resource, error) {
	return d.resources[id], d.err
}

func (d *directory) addOrg() *models.Organization {
	org := &models.Organization{Name: "Acme", Status: models.OrgStatusActive}
	org.ID = uuid.New()
	d.orgs[org.ID] = org
	return org
}

func (d *directory) addUser(org *models.Organization, role models.Role) *models.User {
	user := &models.User{Email: fmt.Sprintf("%s@example.com", uuid.NewString()[:8]), Status: models.UserStatusActive}
	user.ID = uuid.New()
	d.users[user.ID] = user
	d.memberships[[2]uuid.UUID{user.ID, org.ID}] = &models.Membership{
		UserID:         user.ID,
		OrganizationID: org.ID,
		Role:           role,
		Status:         models.MembershipActive,
	}
	return user
}

func (d *directory) addResource(org *models.Organization, owner *models.User, v models.Visibility) *models.Resource {
	r := &models.Resource{OrganizationID: org.ID, OwnerID: owner.ID, Title: "notes", Visibility: v}
	r.ID = uuid.New()
	d.resources[r.ID] = r
	return r
}

type fixture struct {
	dir   *directory
	store *usage.MemoryStore
	guard *guard.Guard
	org   *models.Organization
	owner *models.User
}

func newFixture(t *testing.T, allotment, consumed int64) *fixture {
	t.Helper()
	dir := newDirectory()
	org := dir.addOrg()
	owner := dir.addUser(org, models.RoleOwner)

	store := usage.NewMemoryStore()
	now := time.Now().UTC()
	store.Put(models.QuotaAccount{
		ID:               uuid.New(),
		OrganizationID:   org.ID,
		Allotment:        allotment,
		Consumed:         consumed,
		WarningThreshold: 0.9,
		PeriodStart:      now.Add(-time.Hour),
		PeriodEnd:        now.Add(time.Hour),
	})

	meter := usage.NewMeter(store, usage.DefaultPricing(), util.NopLogger())
	g := guard.New(dir, access.NewEvaluator(dir), meter, util.NopLogger())
	return &fixture{dir: dir, store: store, guard: g, org: org, owner: owner}
}

func writeCharge() *guard.ChargeSpec {
	return &guard.ChargeSpec{EventType: "structuring_diagnose", Input: usage.Input{Text: "short prompt"}}
}

func assertForbidden(t *testing.T, err error) {
	t.Helper()
	var rejection *guard.Rejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, guard.ReasonForbidden, rejection.Reason)
	assert.True(t, guard.IsForbidden(err))
	assert.Equal(t, http.StatusForbidden, guard.StatusCode(err))
}

func TestAuthorize_MemberWriteForbiddenWithoutCharge(t *testing.T) {
	f := newFixture(t, 100, 0)
	member := f.dir.addUser(f.org, models.RoleMember)
	resource := f.dir.addResource(f.org, f.owner, models.VisibilityOrganization)

	_, err := f.guard.Authorize(context.Background(), guard.Request{
		IdentityID:     member.ID,
		OrganizationID: f.org.ID,
		ResourceID:     resource.ID,
		Required:       access.LevelWrite,
		Charge:         writeCharge(),
	})
	assertForbidden(t, err)

	account, _ := f.store.Account(f.org.ID)
	assert.Equal(t, int64(0), account.Consumed)
	assert.Empty(t, f.store.Events(f.org.ID))
}

func TestAuthorize_MemberReadAllowed(t *testing.T) {
	f := newFixture(t, 100, 0)
	member := f.dir.addUser(f.org, models.RoleMember)
	resource := f.dir.addResource(f.org, f.owner, models.VisibilityOrganization)

	outcome, err := f.guard.Authorize(context.Background(), guard.Request{
		IdentityID:     member.ID,
		OrganizationID: f.org.ID,
		ResourceID:     resource.ID,
		Required:       access.LevelRead,
	})
	require.NoError(t, err)
	assert.Equal(t, access.LevelRead, outcome.Access.Level)
	assert.Equal(t, resource.ID, outcome.Resource.ID)
	assert.Nil(t, outcome.Charge)
	assert.False(t, outcome.Warning())
}

func TestAuthorize_AdminWriteCharges(t *testing.T) {
	f := newFixture(t, 100, 85)
	admin := f.dir.addUser(f.org, models.RoleAdmin)
	resource := f.dir.addResource(f.org, f.owner, models.VisibilityPrivate)

	outcome, err := f.guard.Authorize(context.Background(), guard.Request{
		IdentityID:     admin.ID,
		OrganizationID: f.org.ID,
		Resource:       resource,
		Required:       access.LevelWrite,
		Charge:         writeCharge(),
	})
	require.NoError(t, err)
	assert.Equal(t, access.LevelWrite, outcome.Access.Level)
	require.NotNil(t, outcome.Charge)
	assert.True(t, outcome.Charge.Allowed)
	assert.Equal(t, int64(5), outcome.Charge.RemainingCredits)
	assert.True(t, outcome.Warning())

	events := f.store.Events(f.org.ID)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].ResourceID)
	assert.Equal(t, resource.ID, *events[0].ResourceID)
	assert.Equal(t, admin.ID, events[0].UserID)
}

func TestAuthorize_QuotaExceeded(t *testing.T) {
	f := newFixture(t, 100, 95)
	resource := f.dir.addResource(f.org, f.owner, models.VisibilityPrivate)

	_, err := f.guard.Authorize(context.Background(), guard.Request{
		IdentityID:     f.owner.ID,
		OrganizationID: f.org.ID,
		ResourceID:     resource.ID,
		Required:       access.LevelWrite,
		Charge:         writeCharge(),
	})

	var rejection *guard.Rejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, guard.ReasonQuotaExceeded, rejection.Reason)
	assert.Equal(t, usage.ReasonQuotaExceeded, rejection.QuotaReason)
	assert.Equal(t, int64(5), rejection.RemainingCredits)
	assert.Equal(t, http.StatusPaymentRequired, guard.StatusCode(err))
	assert.Empty(t, f.store.Events(f.org.ID))
}

func TestAuthorize_ActorChecks(t *testing.T) {
	t.Run("unknown identity", func(t *testing.T) {
		f := newFixture(t, 100, 0)
		resource := f.dir.addResource(f.org, f.owner, models.VisibilityPublic)
		_, err := f.guard.Authorize(context.Background(), guard.Request{
			IdentityID:     uuid.New(),
			OrganizationID: f.org.ID,
			Resource:       resource,
			Required:       access.LevelRead,
		})
		assertForbidden(t, err)
	})

	t.Run("suspended identity", func(t *testing.T) {
		f := newFixture(t, 100, 0)
		resource := f.dir.addResource(f.org, f.owner, models.VisibilityPrivate)
		f.owner.Status = models.UserStatusSuspended
		_, err := f.guard.Authorize(context.Background(), guard.Request{
			IdentityID:     f.owner.ID,
			OrganizationID: f.org.ID,
			Resource:       resource,
			Required:       access.LevelRead,
		})
		assertForbidden(t, err)
	})

	t.Run("suspended organization", func(t *testing.T) {
		f := newFixture(t, 100, 0)
		resource := f.dir.addResource(f.org, f.owner, models.VisibilityPrivate)
		f.org.Status = models.OrgStatusSuspended
		_, err := f.guard.Authorize(context.Background(), guard.Request{
			IdentityID:     f.owner.ID,
			OrganizationID: f.org.ID,
			Resource:       resource,
			Required:       access.LevelRead,
			Charge:         writeCharge(),
		})
		assertForbidden(t, err)
		assert.Empty(t, f.store.Events(f.org.ID))
	})
}

func TestAuthorize_MissingAndForeignResourcesLookAlike(t *testing.T) {
	f := newFixture(t, 100, 0)

	other := f.dir.addOrg()
	stranger := f.dir.addUser(other, models.RoleOwner)
	foreign := f.dir.addResource(other, stranger, models.VisibilityPublic)

	deleted := f.dir.addResource(f.org, f.owner, models.VisibilityPrivate)
	deleted.DeletedAt = gorm.DeletedAt{Time: time.Now(), Valid: true}

	requests := map[string]guard.Request{
		"missing": {ResourceID: uuid.New()},
		"foreign": {ResourceID: foreign.ID},
		"deleted": {Resource: deleted},
	}

	var messages []string
	for name, req := range requests {
		t.Run(name, func(t *testing.T) {
			req.IdentityID = f.owner.ID
			req.OrganizationID = f.org.ID
			req.Required = access.LevelRead

			_, err := f.guard.Authorize(context.Background(), req)
			assertForbidden(t, err)
			messages = append(messages, err.Error())
		})
	}

	for _, m := range messages {
		assert.Equal(t, messages[0], m)
	}
}

func TestAuthorize_LookupFailureFailsClosed(t *testing.T) {
	f := newFixture(t, 100, 0)
	resource := f.dir.addResource(f.org, f.owner, models.VisibilityPublic)
	f.dir.err = errors.New("connection reset")

	outcome, err := f.guard.Authorize(context.Background(), guard.Request{
		IdentityID:     f.owner.ID,
		OrganizationID: f.org.ID,
		Resource:       resource,
		Required:       access.LevelRead,
		Charge:         writeCharge(),
	})
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, guard.ErrStoreUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, guard.StatusCode(err))
	assert.Empty(t, f.store.Events(f.org.ID))
}

func TestAuthorize_MissingQuotaAccount(t *testing.T) {
	f := newFixture(t, 100, 0)
	other := f.dir.addOrg()
	owner := f.dir.addUser(other, models.RoleOwner)
	resource := f.dir.addResource(other, owner, models.VisibilityPrivate)

	_, err := f.guard.Authorize(context.Background(), guard.Request{
		IdentityID:     owner.ID,
		OrganizationID: other.ID,
		Resource:       resource,
		Required:       access.LevelWrite,
		Charge:         writeCharge(),
	})

	var rejection *guard.Rejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, guard.ReasonQuotaExceeded, rejection.Reason)
	assert.Equal(t, usage.ReasonNoQuotaAccount, rejection.QuotaReason)
}

func TestAuthorize_UnpricedEvent(t *testing.T) {
	f := newFixture(t, 100, 0)
	resource := f.dir.addResource(f.org, f.owner, models.VisibilityPrivate)

	_, err := f.guard.Authorize(context.Background(), guard.Request{
		IdentityID:     f.owner.ID,
		OrganizationID: f.org.ID,
		Resource:       resource,
		Required:       access.LevelWrite,
		Charge:         &guard.ChargeSpec{EventType: "teleport"},
	})
	assert.ErrorIs(t, err, usage.ErrUnpricedEvent)
	assert.Equal(t, http.StatusInternalServerError, guard.StatusCode(err))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"forbidden", &guard.Rejection{Reason: guard.ReasonForbidden}, http.StatusForbidden},
		{"quota", &guard.Rejection{Reason: guard.ReasonQuotaExceeded}, http.StatusPaymentRequired},
		{"locked", &auth.LockedError{Until: time.Now().Add(time.Minute), RetryAfter: time.Minute}, http.StatusLocked},
		{"wrapped locked", fmt.Errorf("login: %w", &auth.LockedError{}), http.StatusLocked},
		{"guard store", guard.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{"lockout store", lockout.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{"usage store", usage.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{"lookup", access.ErrLookupFailed, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, guard.StatusCode(tt.err))
		})
	}
}
