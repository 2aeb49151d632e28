package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/auth"
	"github.com/hugh/tollgate/internal/database"
	"github.com/hugh/tollgate/internal/database/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB creates an in-memory SQLite database for testing
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	// Every pooled connection to :memory: is a separate database, and a single
	// connection also serializes transactions the way row locks would.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

// CleanupTestDB closes the test database connection
func CleanupTestDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	if err != nil {
		t.Logf("warning: failed to get sql.DB: %v", err)
		return
	}
	sqlDB.Close()
}

// CreateTestOrg creates an active organization on the free plan
func CreateTestOrg(t *testing.T, db *gorm.DB) *models.Organization {
	t.Helper()

	org := &models.Organization{
		Base: models.Base{
			ID: uuid.New(),
		},
		Name:   "Test Organization",
		Slug:   "test-org-" + uuid.New().String()[:8],
		Plan:   "free",
		Status: models.OrgStatusActive,
	}

	if err := db.Create(org).Error; err != nil {
		t.Fatalf("failed to create test organization: %v", err)
	}

	return org
}

// CreateTestUser creates an active user who owns org
func CreateTestUser(t *testing.T, db *gorm.DB, org *models.Organization) *models.User {
	t.Helper()
	return CreateTestUserWithRole(t, db, org, models.RoleOwner)
}

// CreateTestUserWithRole creates an active user with an active membership in
// org under the given role
func CreateTestUserWithRole(t *testing.T, db *gorm.DB, org *models.Organization, role models.Role) *models.User {
	t.Helper()

	user := CreateTestIdentity(t, db)
	CreateTestMembership(t, db, user, org, role)
	return user
}

// CreateTestIdentity creates an active user with no memberships. The password
// is TestPassword.
func CreateTestIdentity(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	hash, err := auth.HashPassword(TestPassword)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	user := &models.User{
		Base: models.Base{
			ID: uuid.New(),
		},
		Email:        "test-" + uuid.New().String()[:8] + "@example.com",
		PasswordHash: hash,
		Name:         "Test User",
		Status:       models.UserStatusActive,
	}

	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}

	return user
}

const TestPassword = "testpassword123"

// CreateTestMembership grants role in org to user
func CreateTestMembership(t *testing.T, db *gorm.DB, user *models.User, org *models.Organization, role models.Role) *models.Membership {
	t.Helper()

	membership := &models.Membership{
		UserID:         user.ID,
		OrganizationID: org.ID,
		Role:           role,
		Status:         models.MembershipActive,
	}

	if err := db.Create(membership).Error; err != nil {
		t.Fatalf("failed to create test membership: %v", err)
	}

	return membership
}

// CreateTestResource creates a resource in org owned by owner
func CreateTestResource(t *testing.T, db *gorm.DB, org *models.Organization, owner *models.User, visibility models.Visibility) *models.Resource {
	t.Helper()

	resource := &models.Resource{
		Base: models.Base{
			ID: uuid.New(),
		},
		OrganizationID: org.ID,
		OwnerID:        owner.ID,
		Title:          "Test Resource",
		Body:           "Test resource body",
		Visibility:     visibility,
	}

	if err := db.Create(resource).Error; err != nil {
		t.Fatalf("failed to create test resource: %v", err)
	}

	return resource
}

// CreateTestQuota creates a quota account for org whose period contains now
func CreateTestQuota(t *testing.T, db *gorm.DB, org *models.Organization, allotment, consumed int64) *models.QuotaAccount {
	t.Helper()

	now := time.Now().UTC()
	account := &models.QuotaAccount{
		ID:               uuid.New(),
		OrganizationID:   org.ID,
		Allotment:        allotment,
		Consumed:         consumed,
		WarningThreshold: 0.9,
		PeriodStart:      now.Add(-24 * time.Hour),
		PeriodEnd:        now.Add(30 * 24 * time.Hour),
	}

	if err := db.Create(account).Error; err != nil {
		t.Fatalf("failed to create test quota account: %v", err)
	}

	return account
}

// CreateTestJWTService creates a JWT service for testing
func CreateTestJWTService() *auth.JWTService {
	return auth.NewJWTService("test-secret-key-for-testing", 24*time.Hour)
}

// GenerateTestToken generates a valid JWT token for the given user in org
func GenerateTestToken(t *testing.T, jwtService *auth.JWTService, user *models.User, org *models.Organization) string {
	t.Helper()

	token, err := jwtService.GenerateToken(user.ID, org.ID, user.Email)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}

	return token
}

// AuthenticatedRequest creates an HTTP request with authentication
func AuthenticatedRequest(t *testing.T, method, path string, body interface{}, token string) *http.Request {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req
}

// UnauthenticatedRequest creates an HTTP request without authentication
func UnauthenticatedRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	return AuthenticatedRequest(t, method, path, body, "")
}

// AssertStatus checks if the response has the expected status code
func AssertStatus(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if rr.Code != expected {
		t.Errorf("expected status %d, got %d. Body: %s", expected, rr.Code, rr.Body.String())
	}
}

// ParseJSONResponse parses the response body into the given struct
func ParseJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()

	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response body: %v. Body: %s", err, rr.Body.String())
	}
}

// TestContext creates a context with a timeout for tests
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestSetup holds all the common test dependencies
type TestSetup struct {
	DB         *gorm.DB
	JWTService *auth.JWTService
	Org        *models.Organization
	User       *models.User
	Token      string
}

// NewTestContext creates a complete test setup with DB, org, owner and token
func NewTestContext(t *testing.T) *TestSetup {
	t.Helper()

	db := SetupTestDB(t)
	jwtService := CreateTestJWTService()
	org := CreateTestOrg(t, db)
	user := CreateTestUser(t, db, org)
	token := GenerateTestToken(t, jwtService, user, org)

	return &TestSetup{
		DB:         db,
		JWTService: jwtService,
		Org:        org,
		User:       user,
		Token:      token,
	}
}

// Cleanup closes the test database
func (ts *TestSetup) Cleanup() {
	if ts.DB != nil {
		sqlDB, err := ts.DB.DB()
		if err == nil {
			sqlDB.Close()
		}
	}
}
