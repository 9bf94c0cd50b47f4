package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/pricing"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/quota"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/httpx"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
)

type analyzeRequest struct {
	Image        string `json:"image"`
	Prompt       string `json:"prompt,omitempty"`
	AnalysisType string `json:"analysisType,omitempty"`
}

type analyzeResponse struct {
	Analysis    string          `json:"analysis"`
	Model       string          `json:"model"`
	Usage       usagePayload    `json:"usage"`
	Cost        decimal.Decimal `json:"cost"`
	QuotaStatus quota.Status    `json:"quotaStatus"`
}

var analysisPrompts = map[string]string{
	"general":         "Describe this image in detail.",
	"technical":       "Analyze this screenshot technically: identify the application, visible UI state and any errors.",
	"text_extraction": "Extract all readable text from this image, preserving layout where possible.",
}

// HandleAnalyzeImage handles POST /ai/analyze-image.
func (g *Gateway) HandleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeBody(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid request body")
		return
	}
	if req.Image == "" {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "image is required")
		return
	}
	if _, err := decodeImage(req.Image); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "image must be base64 encoded")
		return
	}

	prompt := req.Prompt
	if prompt == "" {
		if p, ok := analysisPrompts[req.AnalysisType]; ok {
			prompt = p
		} else {
			prompt = analysisPrompts["general"]
		}
	}

	adm, ok := g.admit(w, r)
	if !ok {
		return
	}
	descriptor := adm.descriptor

	upstream, promptText := buildUpstreamRequest(chatRequest{
		Messages: []chatMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
		Image:    req.Image,
	})
	upstream = descriptor.Apply(upstream)

	ctx, cancel := context.WithTimeout(r.Context(), g.upstreamTimeout)
	defer cancel()

	resp, err := g.clients.ClientFor(descriptor).ChatCompletion(ctx, upstream)
	if err != nil {
		g.log.Error().Err(err).Msg("gateway: image analysis failed")
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

	httpx.JSON(w, http.StatusOK, analyzeResponse{
		Analysis:    resp.Content,
		Model:       descriptor.Deployment,
		Usage:       usage,
		Cost:        cost,
		QuotaStatus: g.statusAfter(adm, usage, cost),
	})
}
