package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUsageReader struct {
	window models.QuotaWindow
	since  time.Time
	calls  int
}

func (s *stubUsageReader) AggregateUsageSince(_ context.Context, _ uuid.UUID, since time.Time) (models.QuotaWindow, error) {
	s.since = since
	s.calls++
	return s.window, nil
}

func newTestLedger(store *stubUsageReader, now time.Time) *Ledger {
	l := NewLedger(store)
	l.now = func() time.Time { return now }
	return l
}

func TestFreeTierDeniedWithoutTouchingStore(t *testing.T) {
	store := &stubUsageReader{}
	l := newTestLedger(store, time.Now())

	d, err := l.CheckAndReserve(context.Background(), uuid.New(), models.TierFree)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoAccess, d.Reason)
	assert.Zero(t, store.calls, "no access tiers must not hit the record store")
}

func TestRequestCountCeilingIsExclusive(t *testing.T) {
	limit := LimitsFor(models.TierPro).RequestsPerDay

	// One below the ceiling: allowed.
	store := &stubUsageReader{window: models.QuotaWindow{Requests: limit - 1}}
	l := newTestLedger(store, time.Now())
	d, err := l.CheckAndReserve(context.Background(), uuid.New(), models.TierPro)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// At the ceiling: denied.
	store.window.Requests = limit
	d, err = l.CheckAndReserve(context.Background(), uuid.New(), models.TierPro)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLimitExceeded, d.Reason)
	assert.Equal(t, limit, d.Window.Requests)
}

func TestTokenAndCostOverrunsDoNotBlockDispatch(t *testing.T) {
	limits := LimitsFor(models.TierPro)
	store := &stubUsageReader{window: models.QuotaWindow{
		Requests: 1,
		Tokens:   limits.TokensPerDay + 5000,
		Cost:     limits.CostPerDay.Add(decimal.NewFromInt(10)),
	}}
	l := newTestLedger(store, time.Now())

	d, err := l.CheckAndReserve(context.Background(), uuid.New(), models.TierPro)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "only the request count gates dispatch")
}

func TestAdminTierIsUnlimited(t *testing.T) {
	store := &stubUsageReader{window: models.QuotaWindow{Requests: 1 << 40}}
	l := newTestLedger(store, time.Now())

	d, err := l.CheckAndReserve(context.Background(), uuid.New(), models.TierAdmin)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, Unlimited, d.Limits.RequestsPerDay)
}

func TestWindowBoundaryIsStartOfUTCDay(t *testing.T) {
	now := time.Date(2025, 6, 15, 23, 58, 0, 0, time.UTC)
	store := &stubUsageReader{}
	l := newTestLedger(store, now)

	_, err := l.CheckAndReserve(context.Background(), uuid.New(), models.TierPro)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), store.since)
}

func TestResetAtIsNextUTCMidnight(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	l := newTestLedger(&stubUsageReader{}, now)

	d, err := l.CheckAndReserve(context.Background(), uuid.New(), models.TierPro)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), d.ResetAt)
}

func TestStatusRemainingClampsAtZero(t *testing.T) {
	limits := LimitsFor(models.TierPro)
	window := models.QuotaWindow{
		Requests: limits.RequestsPerDay + 3,
		Tokens:   10,
		Cost:     decimal.RequireFromString("0.5"),
	}

	s := StatusFor(models.TierPro, window, limits, time.Now())
	assert.EqualValues(t, 0, s.Remaining.Requests)
	assert.Equal(t, limits.TokensPerDay-10, s.Remaining.Tokens)
	assert.True(t, s.Remaining.Cost.Equal(limits.CostPerDay.Sub(window.Cost)))
}

func TestStatusUnlimitedSentinelPassesThrough(t *testing.T) {
	s := StatusFor(models.TierAdmin, models.QuotaWindow{Requests: 99}, LimitsFor(models.TierAdmin), time.Now())
	assert.Equal(t, Unlimited, s.Remaining.Requests)
	assert.Equal(t, Unlimited, s.Remaining.Tokens)
	assert.True(t, s.Remaining.Cost.IsNegative())
}
