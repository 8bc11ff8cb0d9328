package provider

import (
	"context"

	"promptchain/internal/circuitbreaker"
)

// Breaker guards a Provider with a circuit breaker. Only opening a stream is
// guarded; failures while reading deltas are reported by the stream itself.
type Breaker struct {
	next    Provider
	breaker *circuitbreaker.Breaker
}

// NewBreaker wraps next.
func NewBreaker(next Provider, breaker *circuitbreaker.Breaker) *Breaker {
	return &Breaker{next: next, breaker: breaker}
}

func (b *Breaker) CreateResponse(ctx context.Context, req Request) (string, error) {
	var out string
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.next.CreateResponse(ctx, req)
		return err
	})
	return out, err
}

func (b *Breaker) CreateFunctionCall(ctx context.Context, req Request) (*FunctionCall, error) {
	var out *FunctionCall
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.next.CreateFunctionCall(ctx, req)
		return err
	})
	return out, err
}

func (b *Breaker) CreateStream(ctx context.Context, req Request) (DeltaStream, error) {
	var out DeltaStream
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.next.CreateStream(ctx, req)
		return err
	})
	return out, err
}
