// Package relay turns one upstream completion stream into a lazy, finite
// sequence of typed frames consumed by a transport adapter. The relay owns
// ordering and usage accumulation; the adapter owns wire encoding.
package relay

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/pilotdeck/pilotdeck-server/internal/gateway/pricing"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/providers"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/quota"
	"github.com/shopspring/decimal"
)

// FrameType discriminates relay frames on the wire.
type FrameType string

const (
	FrameQuota   FrameType = "quota"
	FrameContent FrameType = "content"
	FrameDone    FrameType = "done"
	FrameError   FrameType = "error"
)

// Usage is the accumulated token accounting for one stream.
type Usage struct {
	PromptTokens     int  `json:"promptTokens"`
	CompletionTokens int  `json:"completionTokens"`
	TotalTokens      int  `json:"totalTokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Frame is one event in the relay's output sequence.
type Frame struct {
	Type    FrameType        `json:"type"`
	Quota   *quota.Status    `json:"quota,omitempty"`
	Content string           `json:"content,omitempty"`
	Usage   *Usage           `json:"usage,omitempty"`
	Cost    *decimal.Decimal `json:"cost,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Result is what the gateway needs after the stream ends: the accumulated
// usage for the billing record and the failure, if any.
type Result struct {
	Usage           Usage
	Cost            decimal.Decimal
	Content         string
	FinishReason    string
	DeliveredChunks int
	Err             error
}

// Finalizer maps accumulated usage to a cost and a projected quota snapshot
// for the done frame.
type Finalizer func(u Usage) (decimal.Decimal, quota.Status)

// Relay forwards provider chunks to frames in emission order.
type Relay struct {
	preStatus  quota.Status
	promptText string
	finalize   Finalizer
}

func New(preStatus quota.Status, promptText string, finalize Finalizer) *Relay {
	return &Relay{preStatus: preStatus, promptText: promptText, finalize: finalize}
}

// Run consumes the stream and produces frames. The frames channel is closed
// when the sequence is complete; the result channel then carries exactly one
// value. Frames stop as soon as ctx is cancelled (client disconnect); the
// upstream stream shares that context, so cancellation also aborts the
// provider call. Content already delivered before a failure stays billable.
func (r *Relay) Run(ctx context.Context, stream providers.Stream) (<-chan Frame, <-chan Result) {
	frames := make(chan Frame)
	results := make(chan Result, 1)

	go func() {
		defer close(frames)
		defer stream.Close()

		var (
			res          Result
			completion   strings.Builder
			providerUsed bool
		)

		emit := func(f Frame) bool {
			select {
			case frames <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Pre-call snapshot strictly before any content.
		if !emit(Frame{Type: FrameQuota, Quota: &r.preStatus}) {
			res.Err = ctx.Err()
			results <- res
			return
		}

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() == nil {
					// Channel still writable: surface the failure in-band.
					emit(Frame{Type: FrameError, Error: err.Error()})
				}
				res.Err = err
				r.finish(&res, completion.String(), providerUsed)
				results <- res
				return
			}

			if chunk.Usage != nil {
				providerUsed = true
				res.Usage.PromptTokens = chunk.Usage.PromptTokens
				res.Usage.CompletionTokens = chunk.Usage.CompletionTokens
				res.Usage.TotalTokens = chunk.Usage.TotalTokens
			}
			if chunk.FinishReason != "" {
				res.FinishReason = chunk.FinishReason
			}
			if chunk.DeltaContent == "" {
				continue
			}

			if !emit(Frame{Type: FrameContent, Content: chunk.DeltaContent}) {
				// Caller went away mid-stream. Bill only what was delivered.
				res.Err = ctx.Err()
				r.finish(&res, completion.String(), providerUsed)
				results <- res
				return
			}
			completion.WriteString(chunk.DeltaContent)
			res.DeliveredChunks++
		}

		r.finish(&res, completion.String(), providerUsed)

		done := Frame{
			Type:  FrameDone,
			Usage: &res.Usage,
		}
		if r.finalize != nil {
			cost, status := r.finalize(res.Usage)
			res.Cost = cost
			done.Cost = &cost
			done.Quota = &status
		}
		emit(done)
		results <- res
	}()

	return frames, results
}

// finish fills in usage, estimating from accumulated text when the provider
// never reported figures, and computes the cost for whatever was delivered.
func (r *Relay) finish(res *Result, completion string, providerUsed bool) {
	res.Content = completion
	if !providerUsed {
		p, c := pricing.EstimateTokens(r.promptText, completion)
		res.Usage = Usage{
			PromptTokens:     p,
			CompletionTokens: c,
			TotalTokens:      p + c,
			Estimated:        true,
		}
	}
	if r.finalize != nil && res.Err != nil {
		cost, _ := r.finalize(res.Usage)
		res.Cost = cost
	}
}
