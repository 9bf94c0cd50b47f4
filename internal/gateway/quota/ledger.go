// Package quota computes daily usage windows and enforces tier ceilings.
package quota

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/shopspring/decimal"
)

// Unlimited is the sentinel ceiling for tiers exempt from limits.
const Unlimited int64 = -1

var tierLimits = map[models.Tier]models.TierLimits{
	models.TierPro: {
		RequestsPerDay: 1000,
		TokensPerDay:   500000,
		CostPerDay:     decimal.RequireFromString("50"),
	},
	models.TierEnterprise: {
		RequestsPerDay: 10000,
		TokensPerDay:   5000000,
		CostPerDay:     decimal.RequireFromString("500"),
	},
	models.TierAdmin: {
		RequestsPerDay: Unlimited,
		TokensPerDay:   Unlimited,
		CostPerDay:     decimal.NewFromInt(Unlimited),
	},
}

// LimitsFor returns the daily ceilings for a tier. Tiers without AI access
// have no limits row; callers must gate on Tier.HasAIAccess first.
func LimitsFor(tier models.Tier) models.TierLimits {
	return tierLimits[tier]
}

// DenialReason classifies a denied decision.
type DenialReason string

const (
	ReasonNone          DenialReason = ""
	ReasonNoAccess      DenialReason = "no_ai_access"
	ReasonLimitExceeded DenialReason = "limit_exceeded"
)

// Decision is the outcome of a pre-dispatch quota check.
type Decision struct {
	Allowed bool
	Reason  DenialReason
	Window  models.QuotaWindow
	Limits  models.TierLimits
	ResetAt time.Time
}

// UsageReader is the slice of the record store the ledger needs.
type UsageReader interface {
	AggregateUsageSince(ctx context.Context, userID uuid.UUID, since time.Time) (models.QuotaWindow, error)
}

type Ledger struct {
	store UsageReader
	now   func() time.Time
}

func NewLedger(store UsageReader) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// startOfUTCDay returns the current UTC calendar-day boundary.
func startOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CheckAndReserve aggregates the caller's daily window and decides admission.
//
// Only the request-count ceiling gates dispatch: token and cost figures are
// only fully known after the provider responds, so they are reported in the
// window but never block the call. The check is not transactionally isolated
// from concurrent requests by the same caller; two simultaneous requests can
// both pass and both write a usage row afterwards. That burst is bounded by
// the caller's own concurrency and is accepted rather than paying for a
// reservation write on every request.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID uuid.UUID, tier models.Tier) (Decision, error) {
	if !tier.HasAIAccess() {
		return Decision{Reason: ReasonNoAccess}, nil
	}

	boundary := startOfUTCDay(l.now())
	window, err := l.store.AggregateUsageSince(ctx, userID, boundary)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Window:  window,
		Limits:  LimitsFor(tier),
		ResetAt: boundary.Add(24 * time.Hour),
	}

	// Ceiling is an exclusive upper bound: the request that would be number
	// limit+1 for the day is the first one denied.
	if !tier.Unlimited() && window.Requests >= d.Limits.RequestsPerDay {
		d.Reason = ReasonLimitExceeded
		return d, nil
	}

	d.Allowed = true
	return d, nil
}

// Usage is the consumed portion of a status snapshot.
type Usage struct {
	Requests int64           `json:"requests"`
	Tokens   int64           `json:"tokens"`
	Cost     decimal.Decimal `json:"cost"`
}

// Status is the quotaStatus object returned on success and denial paths.
type Status struct {
	Tier      models.Tier `json:"tier"`
	Usage     Usage       `json:"usage"`
	Limits    Usage       `json:"limits"`
	Remaining Usage       `json:"remaining"`
	ResetAt   time.Time   `json:"resetAt"`
}

// StatusFor renders a window+limits pair into the wire shape.
func StatusFor(tier models.Tier, window models.QuotaWindow, limits models.TierLimits, resetAt time.Time) Status {
	return Status{
		Tier: tier,
		Usage: Usage{
			Requests: window.Requests,
			Tokens:   window.Tokens,
			Cost:     window.Cost,
		},
		Limits: Usage{
			Requests: limits.RequestsPerDay,
			Tokens:   limits.TokensPerDay,
			Cost:     limits.CostPerDay,
		},
		Remaining: Usage{
			Requests: remaining(limits.RequestsPerDay, window.Requests),
			Tokens:   remaining(limits.TokensPerDay, window.Tokens),
			Cost:     remainingCost(limits.CostPerDay, window.Cost),
		},
		ResetAt: resetAt,
	}
}

func remaining(limit, used int64) int64 {
	if limit == Unlimited {
		return Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

func remainingCost(limit, used decimal.Decimal) decimal.Decimal {
	if limit.IsNegative() {
		return limit
	}
	r := limit.Sub(used)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}
