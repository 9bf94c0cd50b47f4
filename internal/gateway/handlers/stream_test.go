package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pilotdeck/pilotdeck-server/internal/auth"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/providers"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/relay"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doStream(t *testing.T, f *fixture, user *models.User, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/ai/chat-stream", bytes.NewReader(raw))
	if user != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(),
			&auth.Principal{ID: user.ID, Email: user.Email, Tier: user.Tier}))
	}
	w := httptest.NewRecorder()
	f.gw.HandleChatStream(w, req)
	return w
}

// parseSSE splits the body into decoded frames plus whether the [DONE]
// sentinel was present.
func parseSSE(t *testing.T, body string) ([]relay.Frame, bool) {
	t.Helper()
	var frames []relay.Frame
	sentinel := false
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sentinel = true
			continue
		}
		var f relay.Frame
		require.NoError(t, json.Unmarshal([]byte(payload), &f), "bad frame: %s", payload)
		frames = append(frames, f)
	}
	return frames, sentinel
}

func contentDeltas(parts ...string) []providers.StreamChunk {
	out := make([]providers.StreamChunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, providers.StreamChunk{DeltaContent: p})
	}
	return out
}

func TestStreamOrderingAndSentinel(t *testing.T) {
	f, user := newFixture(models.TierPro, models.QuotaWindow{Requests: 2})
	f.client.streamChunks = append(contentDeltas("A", "B", "C"),
		providers.StreamChunk{
			Usage:        &openai.Usage{PromptTokens: 4, CompletionTokens: 3, TotalTokens: 7},
			FinishReason: "stop",
		})

	w := doStream(t, f, user, simpleBody())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	frames, sentinel := parseSSE(t, w.Body.String())
	require.Len(t, frames, 5)

	assert.Equal(t, relay.FrameQuota, frames[0].Type, "quota frame strictly before content")
	require.NotNil(t, frames[0].Quota)
	assert.EqualValues(t, 2, frames[0].Quota.Usage.Requests, "pre-call snapshot")

	assert.Equal(t, []string{"A", "B", "C"},
		[]string{frames[1].Content, frames[2].Content, frames[3].Content})

	done := frames[4]
	assert.Equal(t, relay.FrameDone, done.Type)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 7, done.Usage.TotalTokens)
	require.NotNil(t, done.Quota)
	assert.EqualValues(t, 3, done.Quota.Usage.Requests, "post-call projection")

	assert.True(t, sentinel, "terminal sentinel after done")

	require.Equal(t, 1, f.store.recordCount())
	assert.Equal(t, 7, f.store.records[0].TotalTokens)
}

func TestStreamMidFailureBillsPartialDelivery(t *testing.T) {
	f, user := newFixture(models.TierPro, models.QuotaWindow{})
	f.client.streamChunks = contentDeltas("partial answer ")
	f.client.streamFinal = errors.New("connection reset")

	w := doStream(t, f, user, simpleBody())
	frames, sentinel := parseSSE(t, w.Body.String())

	last := frames[len(frames)-1]
	assert.Equal(t, relay.FrameError, last.Type)
	assert.False(t, sentinel, "no sentinel after an error frame")

	require.Equal(t, 1, f.store.recordCount(), "partial delivery is billable")
	rec := f.store.records[0]
	assert.True(t, rec.IsEstimated)
	assert.Greater(t, rec.CompletionTokens, 0)
}

func TestStreamZeroContentFailureBillsNothing(t *testing.T) {
	f, user := newFixture(models.TierPro, models.QuotaWindow{})
	f.client.streamFinal = errors.New("bad gateway")

	w := doStream(t, f, user, simpleBody())
	frames, _ := parseSSE(t, w.Body.String())

	require.Len(t, frames, 2)
	assert.Equal(t, relay.FrameQuota, frames[0].Type)
	assert.Equal(t, relay.FrameError, frames[1].Type)
	assert.Zero(t, f.store.recordCount())
}

func TestStreamOpenFailureIsPlainError(t *testing.T) {
	f, user := newFixture(models.TierPro, models.QuotaWindow{})
	f.client.streamOpenErr = errors.New("401 from provider")

	w := doStream(t, f, user, simpleBody())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Zero(t, f.store.recordCount())
}

func TestStreamFreeTierNeverStreams(t *testing.T) {
	f, user := newFixture(models.TierFree, models.QuotaWindow{})

	w := doStream(t, f, user, simpleBody())
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Zero(t, f.resolver.calls)
}

func TestAnalyzeImage(t *testing.T) {
	f, user := newFixture(models.TierPro, models.QuotaWindow{})
	f.client.resp = &providers.ChatResponse{
		Content: "a screenshot of a settings window",
		Usage:   openai.Usage{PromptTokens: 90, CompletionTokens: 12, TotalTokens: 102},
	}

	var got providers.ChatRequest
	f.gw.clients = &stubPool{client: &capturingClient{inner: f.client, captured: &got}}

	body := analyzeRequest{
		Image:        "aGVsbG8gaW1hZ2U=", // not a real image; normalizer passes through
		AnalysisType: "technical",
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/ai/analyze-image", bytes.NewReader(raw))
	req = req.WithContext(auth.WithPrincipal(req.Context(),
		&auth.Principal{ID: user.ID, Email: user.Email, Tier: user.Tier}))
	w := httptest.NewRecorder()
	f.gw.HandleAnalyzeImage(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp analyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "a screenshot of a settings window", resp.Analysis)
	assert.Equal(t, 102, resp.Usage.TotalTokens)
	assert.EqualValues(t, 1, resp.QuotaStatus.Usage.Requests)

	// The image rides on the last user message as a data URL part.
	require.NotEmpty(t, got.Messages)
	last := got.Messages[len(got.Messages)-1]
	require.Len(t, last.MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, last.MultiContent[1].Type)
	assert.True(t, strings.HasPrefix(last.MultiContent[1].ImageURL.URL, "data:image/"))

	require.Equal(t, 1, f.store.recordCount())
}

func TestAnalyzeImageRequiresImage(t *testing.T) {
	f, user := newFixture(models.TierPro, models.QuotaWindow{})

	for name, body := range map[string]analyzeRequest{
		"missing":    {},
		"not base64": {Image: "!!not-base64!!"},
	} {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/ai/analyze-image", bytes.NewReader(raw))
		req = req.WithContext(auth.WithPrincipal(req.Context(),
			&auth.Principal{ID: user.ID, Email: user.Email, Tier: user.Tier}))
		w := httptest.NewRecorder()
		f.gw.HandleAnalyzeImage(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}
