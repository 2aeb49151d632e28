package access_test

import (
	"testing"
	"time"

	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject_ReadableScopeMatchesDecide(t *testing.T) {
	tc := testutil.NewTestContext(t)
	defer tc.Cleanup()
	ctx := testutil.TestContext(t)

	author := testutil.CreateTestUserWithRole(t, tc.DB, tc.Org, models.RoleMember)
	for _, v := range []models.Visibility{models.VisibilityPrivate, models.VisibilityOrganization, models.VisibilityPublic} {
		testutil.CreateTestResource(t, tc.DB, tc.Org, tc.User, v)
		testutil.CreateTestResource(t, tc.DB, tc.Org, author, v)
	}
	deleted := testutil.CreateTestResource(t, tc.DB, tc.Org, author, models.VisibilityPublic)
	require.NoError(t, tc.DB.Delete(deleted).Error)

	other := testutil.CreateTestOrg(t, tc.DB)
	testutil.CreateTestResource(t, tc.DB, other, author, models.VisibilityPublic)

	revoked := testutil.CreateTestUserWithRole(t, tc.DB, tc.Org, models.RoleAdmin)
	require.NoError(t, tc.DB.Model(&models.Membership{}).
		Where("user_id = ?", revoked.ID).
		Update("status", models.MembershipRevoked).Error)

	evaluator := access.NewEvaluator(access.NewGormDirectory(tc.DB, 5*time.Second))

	subjects := map[string]*models.User{
		"owner":    tc.User,
		"admin":    testutil.CreateTestUserWithRole(t, tc.DB, tc.Org, models.RoleAdmin),
		"author":   author,
		"viewer":   testutil.CreateTestUserWithRole(t, tc.DB, tc.Org, models.RoleViewer),
		"billing":  testutil.CreateTestUserWithRole(t, tc.DB, tc.Org, models.RoleBilling),
		"revoked":  revoked,
		"outsider": testutil.CreateTestIdentity(t, tc.DB),
	}
	want := map[string]int{
		"owner":    6,
		"admin":    6,
		"author":   5, // own three plus the owner's organization and public ones
		"viewer":   4,
		"billing":  4,
		"revoked":  2,
		"outsider": 2,
	}

	for name, user := range subjects {
		t.Run(name, func(t *testing.T) {
			subject, err := evaluator.Subject(ctx, user.ID, tc.Org.ID)
			require.NoError(t, err)

			var all []models.Resource
			require.NoError(t, tc.DB.Find(&all).Error)
			expected := subject.Filter(all)

			var scoped []models.Resource
			require.NoError(t, tc.DB.Scopes(subject.ReadableScope()).Find(&scoped).Error)

			var count int64
			require.NoError(t, tc.DB.Model(&models.Resource{}).Scopes(subject.ReadableScope()).Count(&count).Error)

			assert.Len(t, scoped, want[name])
			assert.Equal(t, int64(want[name]), count)
			assert.ElementsMatch(t, ids(expected), ids(scoped))
		})
	}
}

func ids(resources []models.Resource) []string {
	out := make([]string, len(resources))
	for i, r := range resources {
		out[i] = r.ID.String()
	}
	return out
}
