package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tier is a subscription level. Tiers below pro have no AI access.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise, TierAdmin:
		return true
	}
	return false
}

// HasAIAccess reports whether the tier may reach the AI gateway at all.
func (t Tier) HasAIAccess() bool {
	return t == TierPro || t == TierEnterprise || t == TierAdmin
}

// Unlimited reports whether the tier is exempt from daily ceilings.
func (t Tier) Unlimited() bool {
	return t == TierAdmin
}

// User represents an account.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Name         string
	Tier         Tier
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HealthStatus of a provider deployment, updated by the admin test operation.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthDegraded     HealthStatus = "degraded"
	HealthUnhealthy    HealthStatus = "unhealthy"
	HealthUnconfigured HealthStatus = "unconfigured"
)

// ProviderConfig describes a tenant-configured Azure OpenAI deployment.
// At most one active config may be primary; the store enforces this on write.
type ProviderConfig struct {
	ID              uuid.UUID
	Name            string
	Endpoint        string
	Deployment      string
	APIVersion      string
	APIKeyEncrypted string
	IsPrimary       bool
	IsActive        bool
	MaxTokens       *int
	Temperature     float32
	RateLimitRPM    *int
	TokensPerDay    *int64
	LastHealthCheck *time.Time
	HealthStatus    HealthStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UsageRecord is one immutable ledger entry for a completed (or partially
// completed) AI call. Never mutated after insert.
type UsageRecord struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          decimal.Decimal
	IsEstimated      bool
	CreatedAt        time.Time
}

// QuotaWindow is the aggregate of a user's usage records since the start of
// the current UTC day. Derived per request, never stored.
type QuotaWindow struct {
	Requests int64
	Tokens   int64
	Cost     decimal.Decimal
}

// TierLimits are the daily ceilings for one tier. Unlimited tiers use -1.
type TierLimits struct {
	RequestsPerDay int64
	TokensPerDay   int64
	CostPerDay     decimal.Decimal
}
