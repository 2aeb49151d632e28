package guard_test

import (
	"testing"
	"time"

	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/guard"
	"github.com/hugh/tollgate/internal/testutil"
	"github.com/hugh/tollgate/internal/usage"
	"github.com/hugh/tollgate/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_WithDatabase(t *testing.T) {
	tc := testutil.NewTestContext(t)
	defer tc.Cleanup()

	ctx := testutil.TestContext(t)
	testutil.CreateTestQuota(t, tc.DB, tc.Org, 100, 0)

	dir := access.NewGormDirectory(tc.DB, 5*time.Second)
	meter := usage.NewMeter(usage.NewGormStore(tc.DB, 5*time.Second), usage.DefaultPricing(), util.NopLogger())
	g := guard.New(dir, access.NewEvaluator(dir), meter, util.NopLogger())

	member := testutil.CreateTestUserWithRole(t, tc.DB, tc.Org, models.RoleMember)
	shared := testutil.CreateTestResource(t, tc.DB, tc.Org, tc.User, models.VisibilityOrganization)

	t.Run("member cannot write", func(t *testing.T) {
		_, err := g.Authorize(ctx, guard.Request{
			IdentityID:     member.ID,
			OrganizationID: tc.Org.ID,
			ResourceID:     shared.ID,
			Required:       access.LevelWrite,
			Charge:         writeCharge(),
		})
		assert.True(t, guard.IsForbidden(err))

		var count int64
		tc.DB.Model(&models.UsageEvent{}).Where("organization_id = ?", tc.Org.ID).Count(&count)
		assert.Zero(t, count)
	})

	t.Run("owner writes and is charged", func(t *testing.T) {
		outcome, err := g.Authorize(ctx, guard.Request{
			IdentityID:     tc.User.ID,
			OrganizationID: tc.Org.ID,
			ResourceID:     shared.ID,
			Required:       access.LevelWrite,
			Charge:         writeCharge(),
		})
		require.NoError(t, err)
		assert.Equal(t, access.LevelDeleteOwner, outcome.Access.Level)
		require.NotNil(t, outcome.Charge)
		assert.Equal(t, int64(90), outcome.Charge.RemainingCredits)

		var account models.QuotaAccount
		require.NoError(t, tc.DB.Where("organization_id = ?", tc.Org.ID).First(&account).Error)
		assert.Equal(t, int64(10), account.Consumed)
	})

	t.Run("deleted resource is forbidden", func(t *testing.T) {
		require.NoError(t, tc.DB.Delete(shared).Error)

		_, err := g.Authorize(ctx, guard.Request{
			IdentityID:     tc.User.ID,
			OrganizationID: tc.Org.ID,
			ResourceID:     shared.ID,
			Required:       access.LevelRead,
		})
		assert.True(t, guard.IsForbidden(err))
	})
}
