package brain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// FallbackAdapter asks the primary adapter first and replays the request on
// the fallback when the primary fails before delivering any text. Once the
// primary has streamed a delta its error is returned as is, so a reply is
// never stitched together from two sources.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
	// OnFallback, when set, is called with the primary's error before the
	// fallback runs.
	OnFallback func(err error)
}

func NewFallbackAdapter(primary, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback}
}

func (a *FallbackAdapter) Primary() Adapter   { return a.primary }
func (a *FallbackAdapter) Secondary() Adapter { return a.fallback }

func (a *FallbackAdapter) Reply(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a.primary == nil {
		if a.fallback == nil {
			return Response{}, errors.New("fallback adapter misconfigured")
		}
		return a.fallback.Reply(ctx, req, onDelta)
	}

	var delivered atomic.Bool
	resp, err := a.primary.Reply(ctx, req, func(delta string) error {
		delivered.Store(true)
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if a.fallback == nil || delivered.Load() || ctx.Err() != nil ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Response{}, err
	}
	if a.OnFallback != nil {
		a.OnFallback(err)
	}
	resp, fbErr := a.fallback.Reply(ctx, req, onDelta)
	if fbErr != nil {
		return Response{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fbErr)
	}
	return resp, nil
}
