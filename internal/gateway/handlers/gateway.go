// Package handlers exposes the AI gateway endpoints: chat, chat-stream and
// analyze-image. Every request walks the same admission pipeline
// (authenticate, load tier, gate, quota check, resolve provider) before
// anything is spent upstream.
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pilotdeck/pilotdeck-server/internal/auth"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/imaging"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/providers"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/quota"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/database"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/httpx"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

// Store is the slice of the record store the gateway needs.
type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error
}

// QuotaLedger decides admission per request.
type QuotaLedger interface {
	CheckAndReserve(ctx context.Context, userID uuid.UUID, tier models.Tier) (quota.Decision, error)
}

// ProviderResolver yields the upstream deployment for this request.
type ProviderResolver interface {
	Resolve(ctx context.Context) (*providers.Descriptor, error)
}

// ClientPool returns a reusable client for a resolved descriptor.
type ClientPool interface {
	ClientFor(d *providers.Descriptor) providers.Client
}

// RateLimiter enforces the per-minute request hint a tenant config may carry.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, subject string, limit int) (bool, int, error)
}

type Gateway struct {
	store           Store
	ledger          QuotaLedger
	resolver        ProviderResolver
	clients         ClientPool
	limiter         RateLimiter // may be nil
	upstreamTimeout time.Duration
	log             zerolog.Logger
}

func NewGateway(store Store, ledger QuotaLedger, resolver ProviderResolver, clients ClientPool, upstreamTimeout time.Duration, log zerolog.Logger) *Gateway {
	return &Gateway{
		store:           store,
		ledger:          ledger,
		resolver:        resolver,
		clients:         clients,
		upstreamTimeout: upstreamTimeout,
		log:             log,
	}
}

// WithRateLimiter enables per-minute limiting for tenant configs that hint one.
func (g *Gateway) WithRateLimiter(l RateLimiter) *Gateway {
	g.limiter = l
	return g
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Model       string        `json:"model,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"maxTokens,omitempty"`
	Image       string        `json:"image,omitempty"`
}

var validRoles = map[string]bool{
	openai.ChatMessageRoleSystem:    true,
	openai.ChatMessageRoleUser:      true,
	openai.ChatMessageRoleAssistant: true,
	openai.ChatMessageRoleFunction:  true,
}

// validate rejects malformed message shapes before any quota work happens.
func (req *chatRequest) validate() error {
	if len(req.Messages) == 0 {
		return errors.New("messages must be a non-empty array")
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("message %d has invalid role %q", i, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("message %d has empty content", i)
		}
	}
	return nil
}

// admission is everything the pipeline establishes before dispatch.
type admission struct {
	user       *models.User
	decision   quota.Decision
	descriptor *providers.Descriptor
}

// admit walks states 1-5: authenticate, load tier, gate, quota check, resolve
// provider. On failure the response has already been written and ok is false.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request) (adm admission, ok bool) {
	principal, found := auth.PrincipalFrom(r.Context())
	if !found {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return adm, false
	}

	// Tier is read from the store once per request, never from the token:
	// an upgrade or downgrade applies on the caller's very next call.
	user, err := g.store.GetUserByID(r.Context(), principal.ID)
	if errors.Is(err, database.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "caller_not_found", "account not found")
		return adm, false
	}
	if err != nil {
		g.log.Error().Err(err).Msg("gateway: user lookup failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "request failed")
		return adm, false
	}

	if !user.Tier.HasAIAccess() {
		httpx.ErrorWithDetails(w, http.StatusPaymentRequired, "tier_ineligible",
			"AI features require a Pro subscription",
			map[string]string{"upgradeUrl": "/pricing"})
		return adm, false
	}

	decision, err := g.ledger.CheckAndReserve(r.Context(), user.ID, user.Tier)
	if err != nil {
		g.log.Error().Err(err).Msg("gateway: quota check failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "request failed")
		return adm, false
	}
	if !decision.Allowed {
		status := quota.StatusFor(user.Tier, decision.Window, decision.Limits, decision.ResetAt)
		httpx.ErrorWithDetails(w, http.StatusTooManyRequests, "quota_exceeded",
			"daily request limit reached", status)
		return adm, false
	}

	descriptor, err := g.resolver.Resolve(r.Context())
	if errors.Is(err, providers.ErrUnconfigured) {
		httpx.Error(w, http.StatusServiceUnavailable, "provider_unconfigured",
			"no AI provider is configured")
		return adm, false
	}
	if err != nil {
		g.log.Error().Err(err).Msg("gateway: provider resolution failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "request failed")
		return adm, false
	}

	if g.limiter != nil && descriptor.RateLimitRPM != nil {
		exceeded, _, err := g.limiter.CheckRateLimit(r.Context(), user.ID.String(), *descriptor.RateLimitRPM)
		if err != nil {
			// A limiter outage never blocks traffic.
			g.log.Warn().Err(err).Msg("gateway: rate limiter unavailable")
		} else if exceeded {
			status := quota.StatusFor(user.Tier, decision.Window, decision.Limits, decision.ResetAt)
			httpx.ErrorWithDetails(w, http.StatusTooManyRequests, "rate_limited",
				"too many requests this minute", status)
			return adm, false
		}
	}

	return admission{user: user, decision: decision, descriptor: descriptor}, true
}

// buildUpstreamRequest converts wire messages into the provider call,
// attaching an image (normalized best effort) to the last user message.
func buildUpstreamRequest(req chatRequest) (providers.ChatRequest, string) {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	var prompt strings.Builder
	lastUser := -1
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		prompt.WriteString(m.Content)
		if m.Role == openai.ChatMessageRoleUser {
			lastUser = i
		}
	}

	if req.Image != "" && lastUser >= 0 {
		if raw, err := decodeImage(req.Image); err == nil {
			url := imaging.DataURL(imaging.Normalize(raw))
			msgs[lastUser] = openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: req.Messages[lastUser].Content},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url}},
				},
			}
		}
	}

	return providers.ChatRequest{
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, prompt.String()
}

// decodeImage accepts raw base64 or a full data URL.
func decodeImage(s string) ([]byte, error) {
	if idx := strings.Index(s, ";base64,"); idx >= 0 {
		s = s[idx+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(s)
}

// modelFor picks the billing/dispatch model name: the tenant deployment when
// tenant-configured, else the caller hint, else the fallback default.
func modelFor(d *providers.Descriptor, hint string) *providers.Descriptor {
	if d.Source == providers.SourceFallback && hint != "" {
		copied := *d
		copied.Deployment = hint
		return &copied
	}
	return d
}

type usagePayload struct {
	PromptTokens     int  `json:"promptTokens"`
	CompletionTokens int  `json:"completionTokens"`
	TotalTokens      int  `json:"totalTokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// persistUsage appends the billing row. Failure is logged and swallowed: the
// caller already has their answer, so a lost row degrades billing accuracy,
// not the user-facing response.
func (g *Gateway) persistUsage(rec *models.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.InsertUsageRecord(ctx, rec); err != nil {
		g.log.Error().Err(err).
			Str("user_id", rec.UserID.String()).
			Str("model", rec.Model).
			Msg("gateway: usage record write failed")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
