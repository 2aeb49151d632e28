package usage_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/testutil"
	"github.com/hugh/tollgate/internal/usage"
	"github.com/hugh/tollgate/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	aprilTenth = time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)
	marchStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	aprilStart = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	mayStart   = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
)

func monthlyPeriods(t *testing.T, now time.Time) *usage.Periods {
	t.Helper()
	p, err := usage.NewPeriods("0 0 1 * *")
	require.NoError(t, err)
	return p.WithClock(func() time.Time { return now })
}

func TestPeriods_Advance(t *testing.T) {
	p := monthlyPeriods(t, aprilTenth)

	t.Run("expired account starts the current period", func(t *testing.T) {
		account := &models.QuotaAccount{Consumed: 70, PeriodStart: marchStart, PeriodEnd: aprilStart}
		changed, err := p.Advance(account, aprilTenth)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, int64(0), account.Consumed)
		assert.Equal(t, aprilStart, account.PeriodStart)
		assert.Equal(t, mayStart, account.PeriodEnd)
	})

	t.Run("period ending exactly now is expired", func(t *testing.T) {
		account := &models.QuotaAccount{Consumed: 70, PeriodStart: marchStart, PeriodEnd: aprilTenth}
		changed, err := p.Advance(account, aprilTenth)
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("current period is untouched", func(t *testing.T) {
		account := &models.QuotaAccount{Consumed: 70, PeriodStart: aprilStart, PeriodEnd: mayStart}
		changed, err := p.Advance(account, aprilTenth)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, int64(70), account.Consumed)
	})

	t.Run("account without a period end is untouched", func(t *testing.T) {
		account := &models.QuotaAccount{Consumed: 70}
		changed, err := p.Advance(account, aprilTenth)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("nil account", func(t *testing.T) {
		changed, err := p.Advance(nil, aprilTenth)
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestNewPeriods_InvalidSchedule(t *testing.T) {
	_, err := usage.NewPeriods("monthly")
	assert.Error(t, err)
}

func TestMemoryStore_ChargeAfterPeriodEnd(t *testing.T) {
	ctx := testutil.TestContext(t)
	orgID := uuid.New()

	store := usage.NewMemoryStore().WithPeriods(monthlyPeriods(t, aprilTenth))
	account := newAccount(orgID, 100, 100)
	account.PeriodStart, account.PeriodEnd = marchStart, aprilStart
	store.Put(account)

	// Exhausted last period, but the new period has started
	v, err := newMeter(store).Charge(ctx, charge(orgID))
	require.NoError(t, err)
	require.True(t, v.Allowed)
	assert.Equal(t, int64(90), v.RemainingCredits)

	got, ok := store.Account(orgID)
	require.True(t, ok)
	assert.Equal(t, int64(10), got.Consumed)
	assert.Equal(t, aprilStart, got.PeriodStart)
	assert.Equal(t, mayStart, got.PeriodEnd)
}

func TestGormStore_ChargeAfterPeriodEndSurvivesRollover(t *testing.T) {
	tc := testutil.NewTestContext(t)
	defer tc.Cleanup()
	ctx := testutil.TestContext(t)

	account := testutil.CreateTestQuota(t, tc.DB, tc.Org, 100, 50)
	require.NoError(t, tc.DB.Model(&models.QuotaAccount{}).Where("id = ?", account.ID).
		Updates(map[string]interface{}{"period_start": marchStart, "period_end": aprilStart}).Error)

	store := usage.NewGormStore(tc.DB, 5*time.Second).WithPeriods(monthlyPeriods(t, aprilTenth))
	v, err := newMeter(store).Charge(ctx, charge(tc.Org.ID))
	require.NoError(t, err)
	require.True(t, v.Allowed)
	assert.Equal(t, int64(90), v.RemainingCredits)

	var got models.QuotaAccount
	require.NoError(t, tc.DB.First(&got, "id = ?", account.ID).Error)
	assert.Equal(t, int64(10), got.Consumed)
	assert.True(t, got.PeriodStart.Equal(aprilStart))
	assert.True(t, got.PeriodEnd.Equal(mayStart))

	// The worker finds nothing left to roll, so the charge stays counted
	roller, err := usage.NewRoller(tc.DB, "0 0 1 * *", util.NopLogger())
	require.NoError(t, err)
	n, err := roller.Rollover(ctx, aprilTenth)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, tc.DB.First(&got, "id = ?", account.ID).Error)
	assert.Equal(t, int64(10), got.Consumed)
}
