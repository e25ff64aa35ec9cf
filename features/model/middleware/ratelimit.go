// Package middleware provides reusable model.Client middlewares such as
// token-budget rate limiting for provider calls.
package middleware

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/tentackl/tentackl/runtime/task/model"
)

// DefaultTPM is the tokens-per-minute budget applied when Options.TPM is
// zero. Providers publish per-tier budgets; this default suits entry tiers.
const DefaultTPM = 80_000

// charsPerToken is the rough text-to-token estimate used to price a
// request before sending it. Overestimating slightly is fine: unused
// budget refills within a minute.
const charsPerToken = 4

type (
	// Options configures the rate limiter.
	Options struct {
		// TPM is the tokens-per-minute budget. Zero applies DefaultTPM.
		TPM int
		// Burst caps the instantaneous budget. Zero uses one full minute.
		Burst int
	}

	// RateLimiter applies a token bucket to model completions. It estimates
	// the token cost of each request from its text and the requested
	// completion cap, then blocks the caller until the budget allows the
	// call. One instance is shared per provider client.
	RateLimiter struct {
		limiter *rate.Limiter
	}

	limitedClient struct {
		next    model.Client
		limiter *RateLimiter
	}
)

// NewRateLimiter constructs a limiter with the given budget.
func NewRateLimiter(opts Options) *RateLimiter {
	tpm := opts.TPM
	if tpm <= 0 {
		tpm = DefaultTPM
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = tpm
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(tpm)/60.0), burst),
	}
}

// Middleware wraps a model.Client so every completion waits for budget.
func (r *RateLimiter) Middleware(next model.Client) model.Client {
	return &limitedClient{next: next, limiter: r}
}

// Complete waits for estimated token budget, then delegates.
func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}
	cost := estimateTokens(req)
	if err := c.limiter.wait(ctx, cost); err != nil {
		return nil, fmt.Errorf("model rate limit: %w", err)
	}
	return c.next.Complete(ctx, req)
}

// wait blocks until cost tokens are available. Costs above the burst are
// clamped so oversized requests are slowed, not rejected.
func (r *RateLimiter) wait(ctx context.Context, cost int) error {
	if burst := r.limiter.Burst(); cost > burst {
		cost = burst
	}
	return r.limiter.WaitN(ctx, cost)
}

// estimateTokens prices a request: prompt text at charsPerToken plus the
// requested completion cap.
func estimateTokens(req *model.Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	est := chars/charsPerToken + req.MaxTokens
	if est < 1 {
		est = 1
	}
	return est
}
