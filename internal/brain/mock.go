package brain

import (
	"context"
	"time"

	"github.com/antoniostano/stepwise/internal/assistant"
	"github.com/antoniostano/stepwise/internal/ids"
)

// MockAdapter answers from the local synthesizer and streams the reply one
// character at a time.
type MockAdapter struct {
	synth    *assistant.Synthesizer
	interval time.Duration
}

func NewMockAdapter(gen ids.Generator, interval time.Duration) *MockAdapter {
	if interval <= 0 {
		interval = assistant.DefaultInterval
	}
	return &MockAdapter{
		synth:    assistant.NewSynthesizer(gen),
		interval: interval,
	}
}

func (a *MockAdapter) Reply(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	reply := a.synth.Respond(req.UserText, req.Focus, req.CurrentStep)

	var (
		finished bool
		deltaErr error
		failed   = make(chan struct{})
	)
	d := assistant.Deliver(reply.Text(), func(chunk string) {
		if onDelta == nil || deltaErr != nil {
			return
		}
		if err := onDelta(chunk); err != nil {
			deltaErr = err
			close(failed)
		}
	}, func() {
		finished = true
	}, a.interval)

	select {
	case <-d.Done():
	case <-failed:
		d.Cancel()
		<-d.Done()
	case <-ctx.Done():
		d.Cancel()
		<-d.Done()
		return Response{}, ctx.Err()
	}
	if deltaErr != nil {
		return Response{}, deltaErr
	}
	if !finished {
		return Response{}, context.Canceled
	}

	return Response{
		Intent:      reply.Intent,
		Blocks:      reply.Blocks,
		Task:        reply.Task,
		AdvanceStep: reply.AdvanceStep,
	}, nil
}
