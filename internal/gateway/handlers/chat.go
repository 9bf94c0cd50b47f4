package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/pricing"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/quota"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/httpx"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/shopspring/decimal"
)

type chatResponse struct {
	Content     string          `json:"content"`
	Model       string          `json:"model"`
	Usage       usagePayload    `json:"usage"`
	Cost        decimal.Decimal `json:"cost"`
	QuotaStatus quota.Status    `json:"quotaStatus"`
}

// HandleChat handles POST /ai/chat (non-streaming).
func (g *Gateway) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}

	adm, ok := g.admit(w, r)
	if !ok {
		return
	}
	descriptor := modelFor(adm.descriptor, req.Model)

	upstream, promptText := buildUpstreamRequest(req)
	upstream = descriptor.Apply(upstream)

	ctx, cancel := context.WithTimeout(r.Context(), g.upstreamTimeout)
	defer cancel()

	resp, err := g.clients.ClientFor(descriptor).ChatCompletion(ctx, upstream)
	if err != nil {
		// A fully-failed dispatch bills nothing.
		g.log.Error().Err(err).Str("source", string(descriptor.Source)).
			Msg("gateway: upstream call failed")
		httpx.Error(w, http.StatusInternalServerError, "upstream_error",
			"the AI provider failed to respond")
		return
	}

	usage := usagePayload{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		// Provider omitted usage: estimate and say so.
		p, c := pricing.EstimateTokens(promptText, resp.Content)
		usage = usagePayload{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c, Estimated: true}
	}

	cost := pricing.Cost(descriptor.Deployment, int64(usage.PromptTokens), int64(usage.CompletionTokens))

	g.persistUsage(&models.UsageRecord{
		ID:               uuid.New(),
		UserID:           adm.user.ID,
		Model:            descriptor.Deployment,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		CostUSD:          cost,
		IsEstimated:      usage.Estimated,
	})

	httpx.JSON(w, http.StatusOK, chatResponse{
		Content:     resp.Content,
		Model:       descriptor.Deployment,
		Usage:       usage,
		Cost:        cost,
		QuotaStatus: g.statusAfter(adm, usage, cost),
	})
}

// statusAfter projects the quota window forward over the just-recorded usage
// so the response reflects this request without a second aggregate read.
func (g *Gateway) statusAfter(adm admission, usage usagePayload, cost decimal.Decimal) quota.Status {
	window := models.QuotaWindow{
		Requests: adm.decision.Window.Requests + 1,
		Tokens:   adm.decision.Window.Tokens + int64(usage.TotalTokens),
		Cost:     adm.decision.Window.Cost.Add(cost),
	}
	return quota.StatusFor(adm.user.Tier, window, adm.decision.Limits, adm.decision.ResetAt)
}
