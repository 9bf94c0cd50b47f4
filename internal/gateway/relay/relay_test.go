package relay

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pilotdeck/pilotdeck-server/internal/gateway/providers"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/quota"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStream replays a fixed chunk sequence, then errs (io.EOF for a
// clean finish).
type scriptedStream struct {
	chunks []providers.StreamChunk
	final  error
	closed bool
}

func (s *scriptedStream) Recv() (providers.StreamChunk, error) {
	if len(s.chunks) == 0 {
		return providers.StreamChunk{}, s.final
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

func preStatus() quota.Status {
	return quota.StatusFor(models.TierPro, models.QuotaWindow{Requests: 3}, quota.LimitsFor(models.TierPro), time.Now())
}

func collect(t *testing.T, frames <-chan Frame, results <-chan Result) ([]Frame, Result) {
	t.Helper()
	var got []Frame
	for f := range frames {
		got = append(got, f)
	}
	select {
	case res := <-results:
		return got, res
	case <-time.After(time.Second):
		t.Fatal("no result after frames closed")
		return nil, Result{}
	}
}

func contentChunks(parts ...string) []providers.StreamChunk {
	out := make([]providers.StreamChunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, providers.StreamChunk{DeltaContent: p})
	}
	return out
}

func TestOrderingQuotaThenContentThenDone(t *testing.T) {
	stream := &scriptedStream{
		chunks: append(contentChunks("A", "B", "C"), providers.StreamChunk{FinishReason: "stop"}),
		final:  io.EOF,
	}
	r := New(preStatus(), "hello", func(u Usage) (decimal.Decimal, quota.Status) {
		return decimal.RequireFromString("0.01"), preStatus()
	})

	frames, results := r.Run(context.Background(), stream)
	got, res := collect(t, frames, results)

	require.Len(t, got, 5)
	assert.Equal(t, FrameQuota, got[0].Type)
	assert.Equal(t, []string{"A", "B", "C"}, []string{got[1].Content, got[2].Content, got[3].Content})
	assert.Equal(t, FrameContent, got[1].Type)
	assert.Equal(t, FrameDone, got[4].Type)

	assert.NoError(t, res.Err)
	assert.Equal(t, "ABC", res.Content)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, 3, res.DeliveredChunks)
	assert.True(t, stream.closed)
}

func TestProviderUsagePreferredOverEstimate(t *testing.T) {
	stream := &scriptedStream{
		chunks: []providers.StreamChunk{
			{DeltaContent: "hi"},
			{Usage: &openai.Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9}},
		},
		final: io.EOF,
	}
	r := New(preStatus(), "a long prompt", nil)

	frames, results := r.Run(context.Background(), stream)
	_, res := collect(t, frames, results)

	assert.Equal(t, Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9}, res.Usage)
	assert.False(t, res.Usage.Estimated)
}

func TestEstimateWhenProviderSilent(t *testing.T) {
	stream := &scriptedStream{chunks: contentChunks("12345678"), final: io.EOF}
	r := New(preStatus(), "abcd", nil) // 4 chars prompt -> 1 token

	frames, results := r.Run(context.Background(), stream)
	_, res := collect(t, frames, results)

	assert.True(t, res.Usage.Estimated)
	assert.Equal(t, 1, res.Usage.PromptTokens)
	assert.Equal(t, 2, res.Usage.CompletionTokens)
	assert.Equal(t, 3, res.Usage.TotalTokens)
}

func TestMidStreamFailureEmitsErrorFrame(t *testing.T) {
	boom := errors.New("upstream reset")
	stream := &scriptedStream{chunks: contentChunks("partial "), final: boom}
	r := New(preStatus(), "p", nil)

	frames, results := r.Run(context.Background(), stream)
	got, res := collect(t, frames, results)

	last := got[len(got)-1]
	assert.Equal(t, FrameError, last.Type)
	assert.Contains(t, last.Error, "upstream reset")

	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 1, res.DeliveredChunks, "partial delivery must stay billable")
	assert.Equal(t, "partial ", res.Content)
}

func TestZeroContentFailure(t *testing.T) {
	stream := &scriptedStream{final: errors.New("connect refused")}
	r := New(preStatus(), "p", nil)

	frames, results := r.Run(context.Background(), stream)
	got, res := collect(t, frames, results)

	// Only the quota frame and the error frame.
	require.Len(t, got, 2)
	assert.Equal(t, FrameQuota, got[0].Type)
	assert.Equal(t, FrameError, got[1].Type)
	assert.Error(t, res.Err)
	assert.Zero(t, res.DeliveredChunks)
}

func TestCancelledConsumerStopsForwarding(t *testing.T) {
	stream := &scriptedStream{
		chunks: contentChunks("A", "B", "C", "D"),
		final:  io.EOF,
	}
	r := New(preStatus(), "p", nil)

	ctx, cancel := context.WithCancel(context.Background())
	frames, results := r.Run(ctx, stream)

	// Read the quota frame and one content frame, then walk away.
	<-frames
	f := <-frames
	assert.Equal(t, "A", f.Content)
	cancel()

	// Stop reading frames entirely; the relay must notice cancellation on
	// its next send rather than blocking forever.
	var res Result
	select {
	case res = <-results:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, res.DeliveredChunks)

	// The frames channel closes once the producer goroutine is done, which
	// is also when the upstream stream has been closed.
	for range frames {
	}
	assert.True(t, stream.closed)
}

func TestDoneFrameCarriesCostAndQuota(t *testing.T) {
	stream := &scriptedStream{
		chunks: []providers.StreamChunk{
			{DeltaContent: "x"},
			{Usage: &openai.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, FinishReason: "stop"},
		},
		final: io.EOF,
	}
	cost := decimal.RequireFromString("0.002")
	r := New(preStatus(), "p", func(u Usage) (decimal.Decimal, quota.Status) {
		assert.Equal(t, 2, u.TotalTokens)
		return cost, preStatus()
	})

	frames, results := r.Run(context.Background(), stream)
	got, res := collect(t, frames, results)

	done := got[len(got)-1]
	require.Equal(t, FrameDone, done.Type)
	require.NotNil(t, done.Cost)
	assert.True(t, done.Cost.Equal(cost))
	require.NotNil(t, done.Quota)
	assert.True(t, res.Cost.Equal(cost))
}
