package provider

import (
	"context"

	"golang.org/x/time/rate"

	"promptchain/internal/common/errors"
)

// RateLimited spaces out provider calls with a token bucket shared by every
// resolver goroutine of the process.
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// NewRateLimited allows requestsPerSecond calls with bursts of burst.
func NewRateLimited(next Provider, requestsPerSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.ProviderError("rate limit wait aborted", err)
	}
	return nil
}

func (r *RateLimited) CreateResponse(ctx context.Context, req Request) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.next.CreateResponse(ctx, req)
}

func (r *RateLimited) CreateFunctionCall(ctx context.Context, req Request) (*FunctionCall, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.CreateFunctionCall(ctx, req)
}

func (r *RateLimited) CreateStream(ctx context.Context, req Request) (DeltaStream, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.CreateStream(ctx, req)
}
