package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/stepwise/internal/assistant"
	"github.com/antoniostano/stepwise/internal/chat"
	"github.com/antoniostano/stepwise/internal/ids"
	"github.com/antoniostano/stepwise/internal/reliability"
	"github.com/antoniostano/stepwise/internal/tasks"
)

const (
	chatPath       = "/api/chat"
	chatStreamPath = "/api/chat/stream"
	doneSentinel   = "[DONE]"
)

// StatusError is a non-2xx answer from the remote service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("brain http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

type HTTPOptions struct {
	Streaming bool
	Timeout   time.Duration
	// Retries is the number of extra attempts for the non-streaming call.
	Retries     int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	IDs         ids.Generator
}

// HTTPAdapter talks to a remote chat service.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
	opts    HTTPOptions
	now     func() time.Time
}

func NewHTTPAdapter(baseURL string, opts HTTPOptions) *HTTPAdapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 200 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 2 * time.Second
	}
	if opts.IDs == nil {
		opts.IDs = ids.New()
	}
	return &HTTPAdapter{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type chatPayload struct {
	SystemPrompt  string         `json:"systemPrompt"`
	Messages      []PriorMessage `json:"messages"`
	CurrentTaskID *string        `json:"currentTaskId"`
	CurrentStepID *string        `json:"currentStepId"`
	TaskContext   *string        `json:"taskContext"`
}

type remoteStep struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type remoteTask struct {
	ID    string       `json:"id"`
	Title string       `json:"title"`
	Goal  string       `json:"goal"`
	Steps []remoteStep `json:"steps"`
}

type chatResponse struct {
	Content      string        `json:"content"`
	TaskCreated  *remoteTask   `json:"taskCreated,omitempty"`
	StepAdvanced *StepAdvanced `json:"stepAdvanced,omitempty"`
}

func (a *HTTPAdapter) Reply(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	payload, err := json.Marshal(buildPayload(req))
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	if a.opts.Streaming {
		return a.replyStream(ctx, payload, onDelta)
	}
	return a.replyOnce(ctx, req, payload, onDelta)
}

func buildPayload(req Request) chatPayload {
	msgs := make([]PriorMessage, 0, len(req.PriorMessages)+1)
	msgs = append(msgs, req.PriorMessages...)
	msgs = append(msgs, PriorMessage{Role: chat.RoleUser, Content: req.UserText})
	return chatPayload{
		SystemPrompt:  assistant.Persona,
		Messages:      msgs,
		CurrentTaskID: optional(req.CurrentTaskID),
		CurrentStepID: optional(req.CurrentStepID),
		TaskContext:   optional(req.TaskContext),
	}
}

func (a *HTTPAdapter) replyOnce(ctx context.Context, req Request, payload []byte, onDelta DeltaHandler) (Response, error) {
	var out chatResponse
	policy := reliability.Policy{
		Attempts: a.opts.Retries + 1,
		Base:     a.opts.BackoffBase,
		Cap:      a.opts.BackoffCap,
	}
	err := reliability.Retry(ctx, policy, func(ctx context.Context) error {
		res, err := a.post(ctx, chatPath, payload)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		out = chatResponse{}
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}

	if out.Content != "" && onDelta != nil {
		if err := onDelta(out.Content); err != nil {
			return Response{}, err
		}
	}
	resp := Response{
		Blocks:       []chat.Block{chat.Text(out.Content)},
		StepAdvanced: out.StepAdvanced,
	}
	if out.TaskCreated != nil {
		plan := a.toPlan(*out.TaskCreated, req)
		resp.Task = &plan
	}
	return resp, nil
}

func (a *HTTPAdapter) replyStream(ctx context.Context, payload []byte, onDelta DeltaHandler) (Response, error) {
	res, err := a.post(ctx, chatStreamPath, payload)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	text, err := consumeSSE(res.Body, onDelta)
	if err != nil {
		return Response{}, err
	}
	return Response{Blocks: []chat.Block{chat.Text(text)}}, nil
}

func (a *HTTPAdapter) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, reliability.MarkRetryable(fmt.Errorf("send request: %w", err))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return res, nil
}

// consumeSSE reads "data:" lines carrying {"text": ...} until the [DONE]
// sentinel or EOF. Lines that are not JSON are skipped.
func consumeSSE(body io.Reader, onDelta DeltaHandler) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == doneSentinel {
			break
		}
		var frame struct {
			Text  string `json:"text"`
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		delta := frame.Text
		if delta == "" {
			delta = frame.Delta
		}
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func (a *HTTPAdapter) toPlan(rt remoteTask, req Request) tasks.TaskPlan {
	goal := rt.Goal
	if goal == "" {
		goal = req.UserText
	}
	plan := tasks.TaskPlan{
		ID:        rt.ID,
		Title:     rt.Title,
		Goal:      goal,
		Status:    tasks.TaskStatusActive,
		CreatedAt: a.now(),
		RunState:  tasks.RunStateActive,
		Steps:     make([]tasks.Step, 0, len(rt.Steps)),
	}
	if plan.ID == "" {
		plan.ID = a.opts.IDs.NewID()
	}
	for _, s := range rt.Steps {
		id := s.ID
		if id == "" {
			id = a.opts.IDs.NewID()
		}
		plan.Steps = append(plan.Steps, tasks.Step{
			ID:          id,
			Title:       s.Title,
			Description: s.Description,
			Status:      parseStepStatus(s.Status),
		})
	}
	return plan
}

func parseStepStatus(s string) tasks.StepStatus {
	switch tasks.StepStatus(strings.ToLower(strings.TrimSpace(s))) {
	case tasks.StepDoing:
		return tasks.StepDoing
	case tasks.StepDone:
		return tasks.StepDone
	default:
		return tasks.StepTodo
	}
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
