package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/api/middleware"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/guard"
	"github.com/hugh/tollgate/internal/testutil"
	"github.com/hugh/tollgate/internal/usage"
	"github.com/hugh/tollgate/pkg/util"
	"github.com/stretchr/testify/require"
)

// env wires the real services over an in-memory database.
type env struct {
	*testutil.TestSetup
	dir         *access.GormDirectory
	evaluator   *access.Evaluator
	memberships *access.MembershipService
	meter       *usage.Meter
	guard       *guard.Guard
	reporter    *usage.Reporter
	denials     *denialCounter
}

func newEnv(t *testing.T) *env {
	t.Helper()

	tc := testutil.NewTestContext(t)
	t.Cleanup(tc.Cleanup)

	dir := access.NewGormDirectory(tc.DB, 5*time.Second)
	evaluator := access.NewEvaluator(dir)
	meter := usage.NewMeter(usage.NewGormStore(tc.DB, 5*time.Second), usage.DefaultPricing(), util.NopLogger())

	return &env{
		TestSetup:   tc,
		dir:         dir,
		evaluator:   evaluator,
		memberships: access.NewMembershipService(tc.DB, util.NopLogger()),
		meter:       meter,
		guard:       guard.New(dir, evaluator, meter, util.NopLogger()),
		reporter:    usage.NewReporter(tc.DB),
		denials:     &denialCounter{},
	}
}

// userWithRole adds a member to the env's organization and returns a token
// for them.
func (e *env) userWithRole(t *testing.T, role models.Role) (*models.User, string) {
	t.Helper()
	user := testutil.CreateTestUserWithRole(t, e.DB, e.Org, role)
	return user, testutil.GenerateTestToken(t, e.JWTService, user, e.Org)
}

// authedRouter returns a router with the auth middleware applied.
func (e *env) authedRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Auth(e.JWTService))
	return r
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

type denialCounter struct {
	reasons []string
}

func (d *denialCounter) ObserveDenial(reason string) {
	d.reasons = append(d.reasons, reason)
}

type loginCounter struct {
	outcomes map[string]int
}

func (l *loginCounter) ObserveLogin(outcome string) {
	if l.outcomes == nil {
		l.outcomes = make(map[string]int)
	}
	l.outcomes[outcome]++
}

func requireHeader(t *testing.T, rr *httptest.ResponseRecorder, name, want string) {
	t.Helper()
	require.Equal(t, want, rr.Header().Get(name), "header %s", name)
}
