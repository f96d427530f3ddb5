// Package brain produces assistant replies: locally from the synthesizer, or
// from a remote chat service over HTTP.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/stepwise/internal/chat"
	"github.com/antoniostano/stepwise/internal/ids"
	"github.com/antoniostano/stepwise/internal/planner"
	"github.com/antoniostano/stepwise/internal/tasks"
)

// PriorMessage is one earlier chat turn flattened to text.
type PriorMessage struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

// Request is everything an adapter may use to answer one utterance.
type Request struct {
	PriorMessages []PriorMessage
	UserText      string
	CurrentTaskID string
	CurrentStepID string
	TaskContext   string

	// Focus and CurrentStep are the in-memory focus; only the local adapter
	// reads them.
	Focus       *tasks.TaskPlan
	CurrentStep *tasks.Step
}

// StepAdvanced names a step the remote service marked done.
type StepAdvanced struct {
	TaskID string `json:"taskId"`
	StepID string `json:"stepId"`
}

// Response is the final reply after all deltas were delivered.
type Response struct {
	Intent       planner.Intent
	Blocks       []chat.Block
	Task         *tasks.TaskPlan
	AdvanceStep  bool
	StepAdvanced *StepAdvanced
}

// DeltaHandler receives streamed reply text. Returning an error aborts the
// reply.
type DeltaHandler func(delta string) error

// Adapter answers one utterance, streaming text through onDelta.
type Adapter interface {
	Reply(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

const (
	ModeAuto = "auto"
	ModeMock = "mock"
	ModeHTTP = "http"
)

// Config controls adapter construction.
type Config struct {
	Mode           string
	HTTPURL        string
	HTTPStreaming  bool
	HTTPTimeout    time.Duration
	HTTPRetries    int
	StreamInterval time.Duration
	// FallbackToMock wraps the HTTP adapter so failed requests are answered
	// by the mock.
	FallbackToMock bool
	IDs            ids.Generator
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeAuto
	}

	switch mode {
	case ModeAuto:
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return newHTTPFromConfig(cfg), nil
		}
		return NewMockAdapter(cfg.IDs, cfg.StreamInterval), nil
	case ModeHTTP:
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		return newHTTPFromConfig(cfg), nil
	case ModeMock:
		return NewMockAdapter(cfg.IDs, cfg.StreamInterval), nil
	default:
		return nil, fmt.Errorf("unsupported brain adapter mode %q", cfg.Mode)
	}
}

func newHTTPFromConfig(cfg Config) Adapter {
	httpAdapter := NewHTTPAdapter(cfg.HTTPURL, HTTPOptions{
		Streaming: cfg.HTTPStreaming,
		Timeout:   cfg.HTTPTimeout,
		Retries:   cfg.HTTPRetries,
		IDs:       cfg.IDs,
	})
	if !cfg.FallbackToMock {
		return httpAdapter
	}
	return NewFallbackAdapter(httpAdapter, NewMockAdapter(cfg.IDs, cfg.StreamInterval))
}

// Mode names the adapter kind, for logs and health output.
func Mode(a Adapter) string {
	switch v := a.(type) {
	case *MockAdapter:
		return ModeMock
	case *HTTPAdapter:
		return ModeHTTP
	case *FallbackAdapter:
		return Mode(v.Primary()) + "+fallback"
	default:
		return "custom"
	}
}
