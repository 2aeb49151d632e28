package handlers_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/api/dto"
	"github.com/hugh/tollgate/internal/api/handlers"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/guard"
	"github.com/hugh/tollgate/internal/testutil"
	"github.com/hugh/tollgate/internal/usage"
	"github.com/hugh/tollgate/pkg/crypto"
	"github.com/hugh/tollgate/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupResourceRouter(t *testing.T, e *env, enc *crypto.Encryptor) *chi.Mux {
	t.Helper()

	handler := handlers.NewResourceHandler(e.DB, e.guard, e.evaluator, e.dir, e.meter.Pricing(), enc, e.denials, util.NopLogger())
	r := e.authedRouter()
	r.Route("/api/v1/organizations/{orgID}/resources", func(r chi.Router) {
		r.Get("/", handler.List)
		r.Post("/", handler.Create)
		r.Get("/{id}", handler.Get)
		r.Put("/{id}", handler.Update)
		r.Delete("/{id}", handler.Delete)
		r.Post("/{id}/actions", handler.Action)
	})
	return r
}

func resourcesPath(org *models.Organization) string {
	return "/api/v1/organizations/" + org.ID.String() + "/resources"
}

func resourcePath(org *models.Organization, id uuid.UUID) string {
	return resourcesPath(org) + "/" + id.String()
}

func diagnose() dto.ActionRequest {
	return dto.ActionRequest{EventType: "structuring_diagnose", Text: "short problem statement"}
}

func TestResourceHandler_Create(t *testing.T) {
	e := newEnv(t)
	router := setupResourceRouter(t, e, nil)

	t.Run("member creates a private resource", func(t *testing.T) {
		member, token := e.userWithRole(t, models.RoleMember)
		req := testutil.AuthenticatedRequest(t, "POST", resourcesPath(e.Org), dto.ResourceRequest{
			Title: "  Q3 plan ",
			Body:  "draft",
		}, token)
		rr := serve(router, req)
		testutil.AssertStatus(t, rr, http.StatusCreated)

		var resp dto.ResourceResponse
		testutil.ParseJSONResponse(t, rr, &resp)
		assert.Equal(t, "Q3 plan", resp.Title)
		assert.Equal(t, "private", resp.Visibility)
		assert.Equal(t, member.ID.String(), resp.OwnerID)
		assert.Equal(t, "delete", resp.Access)
	})

	t.Run("viewer cannot create", func(t *testing.T) {
		_, token := e.userWithRole(t, models.RoleViewer)
		req := testutil.AuthenticatedRequest(t, "POST", resourcesPath(e.Org), dto.ResourceRequest{Title: "x"}, token)
		testutil.AssertStatus(t, serve(router, req), http.StatusForbidden)
	})

	t.Run("non-member cannot create", func(t *testing.T) {
		outsider := testutil.CreateTestIdentity(t, e.DB)
		token := testutil.GenerateTestToken(t, e.JWTService, outsider, e.Org)
		req := testutil.AuthenticatedRequest(t, "POST", resourcesPath(e.Org), dto.ResourceRequest{Title: "x"}, token)
		testutil.AssertStatus(t, serve(router, req), http.StatusForbidden)
	})

	t.Run("invalid visibility", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "POST", resourcesPath(e.Org), dto.ResourceRequest{
			Title:      "x",
			Visibility: "everyone",
		}, e.Token)
		testutil.AssertStatus(t, serve(router, req), http.StatusBadRequest)
	})
}

func TestResourceHandler_Get(t *testing.T) {
	e := newEnv(t)
	router := setupResourceRouter(t, e, nil)

	private := testutil.CreateTestResource(t, e.DB, e.Org, e.User, models.VisibilityPrivate)
	shared := testutil.CreateTestResource(t, e.DB, e.Org, e.User, models.VisibilityOrganization)
	_, memberToken := e.userWithRole(t, models.RoleMember)

	otherOrg := testutil.CreateTestOrg(t, e.DB)
	otherOwner := testutil.CreateTestUser(t, e.DB, otherOrg)
	foreign := testutil.CreateTestResource(t, e.DB, otherOrg, otherOwner, models.VisibilityPublic)

	t.Run("member reads an organization resource", func(t *testing.T) {
		rr := serve(router, testutil.AuthenticatedRequest(t, "GET", resourcePath(e.Org, shared.ID), nil, memberToken))
		testutil.AssertStatus(t, rr, http.StatusOK)

		var resp dto.ResourceResponse
		testutil.ParseJSONResponse(t, rr, &resp)
		assert.Equal(t, "read", resp.Access)
	})

	// Missing, inaccessible and foreign resources produce identical responses
	var bodies []string
	for name, path := range map[string]string{
		"private": resourcePath(e.Org, private.ID),
		"missing": resourcePath(e.Org, uuid.New()),
		"foreign": resourcePath(e.Org, foreign.ID),
	} {
		t.Run(name+" is forbidden", func(t *testing.T) {
			rr := serve(router, testutil.AuthenticatedRequest(t, "GET", path, nil, memberToken))
			testutil.AssertStatus(t, rr, http.StatusForbidden)
			bodies = append(bodies, rr.Body.String())
		})
	}
	require.Len(t, bodies, 3)
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[1], bodies[2])

	t.Run("malformed id", func(t *testing.T) {
		rr := serve(router, testutil.AuthenticatedRequest(t, "GET", resourcesPath(e.Org)+"/not-a-uuid", nil, e.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})
}

type resourceList struct {
	Data  []dto.ResourceResponse `json:"data"`
	Total int64                  `json:"total"`
}

func listResources(t *testing.T, router http.Handler, path, token string) resourceList {
	t.Helper()
	rr := serve(router, testutil.AuthenticatedRequest(t, "GET", path, nil, token))
	testutil.AssertStatus(t, rr, http.StatusOK)

	var resp resourceList
	testutil.ParseJSONResponse(t, rr, &resp)
	return resp
}

func TestResourceHandler_List(t *testing.T) {
	e := newEnv(t)
	router := setupResourceRouter(t, e, nil)

	testutil.CreateTestResource(t, e.DB, e.Org, e.User, models.VisibilityPrivate)
	testutil.CreateTestResource(t, e.DB, e.Org, e.User, models.VisibilityOrganization)
	testutil.CreateTestResource(t, e.DB, e.Org, e.User, models.VisibilityPublic)

	cases := []struct {
		role   models.Role
		want   int
		access string
	}{
		{models.RoleAdmin, 3, "write"},
		{models.RoleMember, 2, "read"},
		{models.RoleViewer, 2, "read"},
	}
	for _, tc := range cases {
		t.Run(string(tc.role), func(t *testing.T) {
			_, token := e.userWithRole(t, tc.role)
			resp := listResources(t, router, resourcesPath(e.Org), token)
			assert.Len(t, resp.Data, tc.want)
			assert.Equal(t, int64(tc.want), resp.Total)
			for _, item := range resp.Data {
				assert.Equal(t, tc.access, item.Access)
			}
		})
	}

	t.Run("owner of the resources", func(t *testing.T) {
		resp := listResources(t, router, resourcesPath(e.Org), e.Token)
		assert.Len(t, resp.Data, 3)
		assert.Equal(t, int64(3), resp.Total)
		assert.Equal(t, "delete", resp.Data[0].Access)
	})

	t.Run("outsider sees only public", func(t *testing.T) {
		outsider := testutil.CreateTestIdentity(t, e.DB)
		token := testutil.GenerateTestToken(t, e.JWTService, outsider, e.Org)

		resp := listResources(t, router, resourcesPath(e.Org), token)
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "public", resp.Data[0].Visibility)
		assert.Equal(t, int64(1), resp.Total)
	})

	t.Run("invalid visibility filter", func(t *testing.T) {
		rr := serve(router, testutil.AuthenticatedRequest(t, "GET", resourcesPath(e.Org)+"?visibility=secret", nil, e.Token))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})
}

func TestResourceHandler_ListDoesNotCountHiddenResources(t *testing.T) {
	e := newEnv(t)
	router := setupResourceRouter(t, e, nil)

	for i := 0; i < 7; i++ {
		testutil.CreateTestResource(t, e.DB, e.Org, e.User, models.VisibilityPrivate)
	}
	testutil.CreateTestResource(t, e.DB, e.Org, e.User, models.VisibilityPublic)

	outsider := testutil.CreateTestIdentity(t, e.DB)
	token := testutil.GenerateTestToken(t, e.JWTService, outsider, e.Org)

	resp := listResources(t, router, resourcesPath(e.Org)+"?visibility=private", token)
	assert.Empty(t, resp.Data)
	assert.Equal(t, int64(0), resp.Total)

	resp = listResources(t, router, resourcesPath(e.Org)+"?visibility=private&per_page=1", token)
	assert.Equal(t, int64(0), resp.Total)

	// A plain member's view of someone else's private documents is the same
	_, memberToken := e.userWithRole(t, models.RoleMember)
	resp = listResources(t, router, resourcesPath(e.Org)+"?visibility=private", memberToken)
	assert.Empty(t, resp.Data)
	assert.Equal(t, int64(0), resp.Total)

	// The admin sees and counts all of them
	_, adminToken := e.userWithRole(t, models.RoleAdmin)
	resp = listResources(t, router, resourcesPath(e.Org)+"?visibility=private", adminToken)
	assert.Len(t, resp.Data, 7)
	assert.Equal(t, int64(7), resp.Total)
}

func TestResourceHandler_UpdateAndDelete(t *testing.T) {
	e := newEnv(t)
	router := setupResourceRouter(t, e, nil)

	shared := testutil.CreateTestResource(t, e.DB, e.Org, e.User, models.VisibilityOrganization)
	_, adminToken := e.userWithRole(t, models.RoleAdmin)
	_, memberToken := e.userWithRole(t, models.RoleMember)

	update := dto.ResourceRequest{Title: "Renamed", Body: "new body", Visibility: "public"}

	t.Run("member cannot update", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "PUT", resourcePath(e.Org, shared.ID), update, memberToken)
		testutil.AssertStatus(t, serve(router, req), http.StatusForbidden)
	})

	t.Run("admin updates", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "PUT", resourcePath(e.Org, shared.ID), update, adminToken)
		rr := serve(router, req)
		testutil.AssertStatus(t, rr, http.StatusOK)

		var stored models.Resource
		require.NoError(t, e.DB.First(&stored, "id = ?", shared.ID).Error)
		assert.Equal(t, "Renamed", stored.Title)
		assert.Equal(t, models.VisibilityPublic, stored.Visibility)
	})

	t.Run("admin cannot delete", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "DELETE", resourcePath(e.Org, shared.ID), nil, adminToken)
		testutil.AssertStatus(t, serve(router, req), http.StatusForbidden)
	})

	t.Run("owner deletes", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "DELETE", resourcePath(e.Org, shared.ID), nil, e.Token)
		testutil.AssertStatus(t, serve(router, req), http.StatusNoContent)

		req = testutil.AuthenticatedRequest(t, "GET", resourcePath(e.Org, shared.ID), nil, e.Token)
		testutil.AssertStatus(t, serve(router, req), http.StatusForbidden)

		var count int64
		e.DB.Unscoped().Model(&models.Resource{}).Where("id = ?", shared.ID).Count(&count)
		assert.Equal(t, int64(1), count, "soft delete keeps the row")
	})
}

func TestResourceHandler_Action(t *testing.T) {
	e := newEnv(t)
	router := setupResourceRouter(t, e, nil)

	account := testutil.CreateTestQuota(t, e.DB, e.Org, 100, 85)
	shared := testutil.CreateTestResource(t, e.DB, e.Org, e.User, models.VisibilityOrganization)

	t.Run("member is forbidden and not charged", func(t *testing.T) {
		_, token := e.userWithRole(t, models.RoleMember)
		req := testutil.AuthenticatedRequest(t, "POST", resourcePath(e.Org, shared.ID)+"/actions", diagnose(), token)
		testutil.AssertStatus(t, serve(router, req), http.StatusForbidden)

		var stored models.QuotaAccount
		require.NoError(t, e.DB.First(&stored, "id = ?", account.ID).Error)
		assert.Equal(t, int64(85), stored.Consumed)
		assert.Contains(t, e.denials.reasons, string(guard.ReasonForbidden))
	})

	t.Run("owner is charged with a warning", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "POST", resourcePath(e.Org, shared.ID)+"/actions", diagnose(), e.Token)
		req.Header.Set(handlers.HeaderIdempotencyKey, "diagnose-1")
		rr := serve(router, req)
		testutil.AssertStatus(t, rr, http.StatusOK)
		requireHeader(t, rr, handlers.HeaderCreditsRemaining, "5")
		requireHeader(t, rr, handlers.HeaderCreditsWarning, "true")

		var resp dto.ActionResponse
		testutil.ParseJSONResponse(t, rr, &resp)
		assert.Equal(t, int64(10), resp.CreditsCharged)
		assert.Equal(t, "low", resp.ComplexityClass)
		assert.NotEmpty(t, resp.UsageEventID)
	})

	t.Run("retry with the same key is not charged twice", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "POST", resourcePath(e.Org, shared.ID)+"/actions", diagnose(), e.Token)
		req.Header.Set(handlers.HeaderIdempotencyKey, "diagnose-1")
		rr := serve(router, req)
		testutil.AssertStatus(t, rr, http.StatusOK)

		var resp dto.ActionResponse
		testutil.ParseJSONResponse(t, rr, &resp)
		assert.True(t, resp.Replayed)

		var stored models.QuotaAccount
		require.NoError(t, e.DB.First(&stored, "id = ?", account.ID).Error)
		assert.Equal(t, int64(95), stored.Consumed)
	})

	t.Run("quota exceeded", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "POST", resourcePath(e.Org, shared.ID)+"/actions", diagnose(), e.Token)
		rr := serve(router, req)
		testutil.AssertStatus(t, rr, http.StatusPaymentRequired)
		requireHeader(t, rr, handlers.HeaderCreditsRemaining, "5")

		var resp dto.QuotaErrorResponse
		testutil.ParseJSONResponse(t, rr, &resp)
		assert.Equal(t, string(usage.ReasonQuotaExceeded), resp.Reason)
		assert.Equal(t, int64(5), resp.RemainingCredits)
	})

	t.Run("unknown event type", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "POST", resourcePath(e.Org, shared.ID)+"/actions",
			dto.ActionRequest{EventType: "teleport"}, e.Token)
		testutil.AssertStatus(t, serve(router, req), http.StatusBadRequest)
	})

	t.Run("too many attachments", func(t *testing.T) {
		body := diagnose()
		body.Attachments = usage.MaxAttachments + 1
		req := testutil.AuthenticatedRequest(t, "POST", resourcePath(e.Org, shared.ID)+"/actions", body, e.Token)
		rr := serve(router, req)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)

		var resp dto.ErrorResponse
		testutil.ParseJSONResponse(t, rr, &resp)
		assert.Contains(t, resp.Details, "attachments")
	})

	t.Run("invalid idempotency key", func(t *testing.T) {
		req := testutil.AuthenticatedRequest(t, "POST", resourcePath(e.Org, shared.ID)+"/actions", diagnose(), e.Token)
		req.Header.Set(handlers.HeaderIdempotencyKey, "has spaces")
		testutil.AssertStatus(t, serve(router, req), http.StatusBadRequest)
	})
}

func TestResourceHandler_ActionWithoutQuotaAccount(t *testing.T) {
	e := newEnv(t)
	router := setupResourceRouter(t, e, nil)
	shared := testutil.CreateTestResource(t, e.DB, e.Org, e.User, models.VisibilityOrganization)

	req := testutil.AuthenticatedRequest(t, "POST", resourcePath(e.Org, shared.ID)+"/actions", diagnose(), e.Token)
	rr := serve(router, req)
	testutil.AssertStatus(t, rr, http.StatusPaymentRequired)

	var resp dto.QuotaErrorResponse
	testutil.ParseJSONResponse(t, rr, &resp)
	assert.Equal(t, string(usage.ReasonNoQuotaAccount), resp.Reason)
}

func TestResourceHandler_ActionRecordsEncryptedClientIP(t *testing.T) {
	e := newEnv(t)
	enc, err := crypto.GenerateEncryptor()
	require.NoError(t, err)
	router := setupResourceRouter(t, e, enc)

	testutil.CreateTestQuota(t, e.DB, e.Org, 100, 0)
	shared := testutil.CreateTestResource(t, e.DB, e.Org, e.User, models.VisibilityOrganization)

	action := diagnose()
	action.Metadata = map[string]interface{}{"source": "editor", "client_ip_enc": "forged"}
	req := testutil.AuthenticatedRequest(t, "POST", resourcePath(e.Org, shared.ID)+"/actions", action, e.Token)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	testutil.AssertStatus(t, serve(router, req), http.StatusOK)

	var event models.UsageEvent
	require.NoError(t, e.DB.Where("organization_id = ?", e.Org.ID).First(&event).Error)
	require.NotNil(t, event.ResourceID)
	assert.Equal(t, shared.ID, *event.ResourceID)

	var md map[string]string
	require.NoError(t, json.Unmarshal(event.Metadata, &md))
	assert.Equal(t, "editor", md["source"])

	ip, err := enc.DecryptString(md["client_ip_enc"])
	require.NoError(t, err, fmt.Sprintf("metadata: %s", event.Metadata))
	assert.Equal(t, "203.0.113.7", ip)
}
