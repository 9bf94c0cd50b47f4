package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/pricing"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/quota"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/relay"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/httpx"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/shopspring/decimal"
)

// HandleChatStream handles POST /ai/chat-stream. The response is a
// server-sent event stream of typed frames terminated by a [DONE] sentinel.
func (g *Gateway) HandleChatStream(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.Error(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	// Client disconnects cancel this context, which also aborts the
	// upstream call.
	ctx, cancel := context.WithTimeout(r.Context(), g.upstreamTimeout)
	defer cancel()

	// Open the upstream stream before committing the SSE status line so a
	// failed dispatch can still surface as a proper error response.
	stream, err := g.clients.ClientFor(descriptor).ChatCompletionStream(ctx, upstream)
	if err != nil {
		g.log.Error().Err(err).Str("source", string(descriptor.Source)).
			Msg("gateway: upstream stream open failed")
		httpx.Error(w, http.StatusInternalServerError, "upstream_error",
			"the AI provider failed to respond")
		return
	}

	preStatus := quota.StatusFor(adm.user.Tier, adm.decision.Window, adm.decision.Limits, adm.decision.ResetAt)
	rly := relay.New(preStatus, promptText, func(u relay.Usage) (decimal.Decimal, quota.Status) {
		cost := pricing.Cost(descriptor.Deployment, int64(u.PromptTokens), int64(u.CompletionTokens))
		usage := usagePayload{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
			Estimated:        u.Estimated,
		}
		return cost, g.statusAfter(adm, usage, cost)
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames, results := rly.Run(ctx, stream)
	for frame := range frames {
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Dead connection: stop writing, let the relay observe ctx.
			cancel()
			break
		}
		flusher.Flush()
	}
	for range frames {
		// Drain so the relay can finish accounting after a write failure.
	}

	res := <-results
	if res.Err == nil {
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	// Billing happens after the stream is closed out: a completed stream is
	// always billed, a failed one only for content actually delivered.
	if res.Err == nil || res.DeliveredChunks > 0 {
		g.persistUsage(&models.UsageRecord{
			ID:               uuid.New(),
			UserID:           adm.user.ID,
			Model:            descriptor.Deployment,
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
			CostUSD:          res.Cost,
			IsEstimated:      res.Usage.Estimated,
		})
	}
}
