// Package orchestrator applies user utterances to a session end to end: it
// asks the brain for a reply, streams it into the chat log, applies the plan
// changes the reply carries and queues both stores for persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/antoniostano/stepwise/internal/brain"
	"github.com/antoniostano/stepwise/internal/chat"
	"github.com/antoniostano/stepwise/internal/ids"
	"github.com/antoniostano/stepwise/internal/logging"
	"github.com/antoniostano/stepwise/internal/observability"
	"github.com/antoniostano/stepwise/internal/planner"
	"github.com/antoniostano/stepwise/internal/session"
	"github.com/antoniostano/stepwise/internal/tasks"
)

var (
	ErrEmptyUtterance = errors.New("utterance is empty")
	ErrTaskNotFound   = errors.New("task not found")
)

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

const (
	// FailureText is committed when the brain cannot answer.
	FailureText = "Network or service error, please try again later."

	attachmentOnlyText = "[image/audio]"
	manualTitleRunes   = 30

	planningStepTitle = "Planning"
	labelGenerating   = "AI: generating steps…"
	labelPlanReady    = "Plan ready"
	labelWaitingInput = "Waiting for your input"
	labelCompleted    = "Completed"
	labelInProgress   = "In progress"
)

// Turn reports what one utterance did to the session.
type Turn struct {
	ID        string               `json:"turn_id"`
	SessionID string               `json:"session_id"`
	Intent    planner.Intent       `json:"intent,omitempty"`
	Outcome   string               `json:"outcome"`
	Message   chat.Message         `json:"message"`
	Task      *tasks.TaskPlan      `json:"task,omitempty"`
	Advance   *tasks.AdvanceResult `json:"advance,omitempty"`
	Snapshot  tasks.Snapshot       `json:"snapshot"`
	Err       error                `json:"-"`
}

type Options struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	IDs     ids.Generator
}

type Orchestrator struct {
	sessions *session.Manager
	adapter  brain.Adapter
	logger   *zap.Logger
	metrics  *observability.Metrics
	ids      ids.Generator
	mode     string
}

func New(sessions *session.Manager, adapter brain.Adapter, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IDs == nil {
		opts.IDs = ids.New()
	}
	return &Orchestrator{
		sessions: sessions,
		adapter:  adapter,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		ids:      opts.IDs,
		mode:     brain.Mode(adapter),
	}
}

// HandleUtterance runs one chat turn for a text utterance.
func (o *Orchestrator) HandleUtterance(ctx context.Context, sessionID, text string, onDelta brain.DeltaHandler) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyUtterance
	}
	return o.HandleMessage(ctx, sessionID, []chat.Block{chat.Text(text)}, onDelta)
}

// HandleMessage runs one chat turn for a user message made of blocks. Image
// and audio blocks are kept in the log; the brain sees only the text.
//
// Plan changes are applied after the reply has been fully delivered, and only
// while focus is still where the request found it. Task controls cannot run
// during a turn. When the turn is cancelled the partial text is committed;
// when the brain fails the retry-later text is committed. Tasks are untouched
// in both cases.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID string, blocks []chat.Block, onDelta brain.DeltaHandler) (Turn, error) {
	userText, ok := utteranceText(blocks)
	if !ok {
		return Turn{}, ErrEmptyUtterance
	}
	ws, err := o.sessions.Workspace(sessionID)
	if err != nil {
		return Turn{}, err
	}
	turnID := o.turnID(ctx)
	if err := o.sessions.StartTurn(sessionID, turnID); err != nil {
		return Turn{}, err
	}
	defer func() { _ = o.sessions.EndTurn(sessionID, turnID) }()

	logger := o.logger.With(zap.String("session_id", sessionID), zap.String("turn_id", turnID))
	logger.Debug("turn started", logging.Preview("text", userText), zap.Int("blocks", len(blocks)))
	req := buildRequest(ws, userText)

	ws.Chat.AddMessage(chat.RoleUser, blocks)
	ws.Chat.AddMessage(chat.RoleAssistant, nil)
	ws.Chat.SetLoading(true)
	ws.Chat.SetStreamingContent("")
	ws.PersistChat()

	resp, tm, err := o.reply(ctx, ws, req, onDelta)
	turn := Turn{ID: turnID, SessionID: sessionID, Intent: resp.Intent}
	if o.settle(ctx, logger, ws, err, &turn) {
		o.apply(logger, ws, req, resp, &turn)
	}
	turn.Message, _ = ws.Chat.CommitStreamingToMessage(o.finalBlocks(ws, resp, turn.Outcome))

	ws.PersistChat()
	turn.Snapshot = ws.Tasks.Snapshot()
	o.observeTurn(turn, tm)
	return turn, nil
}

// settle classifies the adapter result into the turn outcome and reports
// whether the reply completed.
func (o *Orchestrator) settle(ctx context.Context, logger *zap.Logger, ws *session.Workspace, err error, turn *Turn) bool {
	switch {
	case err == nil:
		turn.Outcome = OutcomeCompleted
		return true
	case isCancel(ctx, err):
		turn.Outcome = OutcomeCancelled
		_ = o.sessions.Interrupt(turn.SessionID)
		partial, _ := ws.Chat.StreamingContent()
		logger.Info("turn cancelled", zap.Int("partial_runes", utf8.RuneCountInString(partial)))
	default:
		turn.Outcome = OutcomeFailed
		turn.Err = err
		o.observeAdapterError(err)
		logger.Warn("brain reply failed", zap.String("adapter", o.mode), zap.Error(err))
	}
	return false
}

// finalBlocks is what the assistant message holds once the turn ends: the
// full reply, the partial text of a cancelled reply, or the retry-later text.
func (o *Orchestrator) finalBlocks(ws *session.Workspace, resp brain.Response, outcome string) []chat.Block {
	switch outcome {
	case OutcomeCompleted:
		return resp.Blocks
	case OutcomeCancelled:
		if partial, _ := ws.Chat.StreamingContent(); partial != "" {
			return []chat.Block{chat.Text(partial)}
		}
		return nil
	default:
		return []chat.Block{chat.Text(FailureText)}
	}
}

func (o *Orchestrator) reply(ctx context.Context, ws *session.Workspace, req brain.Request, onDelta brain.DeltaHandler) (brain.Response, timing, error) {
	var tm timing
	started := time.Now()
	resp, err := o.adapter.Reply(ctx, req, func(delta string) error {
		if !tm.streamed {
			tm.streamed = true
			tm.firstDelta = time.Since(started)
		}
		ws.Chat.AppendStreaming(delta)
		if onDelta == nil {
			return nil
		}
		if err := onDelta(delta); err != nil {
			// A listener that cannot take more text ends the turn like a cancel.
			return fmt.Errorf("%w: %v", context.Canceled, err)
		}
		return nil
	})
	tm.total = time.Since(started)
	return resp, tm, err
}

// apply writes the plan changes of a completed reply into the task store.
// Changes aimed at the focus the request saw are dropped when focus moved.
func (o *Orchestrator) apply(logger *zap.Logger, ws *session.Workspace, req brain.Request, resp brain.Response, turn *Turn) {
	changed := false
	fresh := focusUnchanged(ws, req)
	if resp.AdvanceStep {
		if !fresh {
			logger.Warn("advance dropped, focus moved during turn", zap.String("task_id", req.CurrentTaskID))
		} else if res, ok := ws.Tasks.AdvanceCurrentStep(); ok {
			turn.Advance = &res
			o.syncProgress(ws, res.TaskID, res.Completed)
			o.observeTransition(advanceEvent(res))
			changed = true
		}
	}
	if resp.Task != nil {
		if _, exists := ws.Tasks.Task(resp.Task.ID); exists && !fresh {
			logger.Warn("plan update dropped, focus moved during turn", zap.String("task_id", resp.Task.ID))
		} else {
			plan := ws.Tasks.SetTaskFromServer(*resp.Task)
			turn.Task = &plan
			o.observeTransition("set_task")
			changed = true
		}
	}
	if sa := resp.StepAdvanced; sa != nil {
		if res, ok := o.applyStepAdvanced(ws, *sa); ok {
			turn.Advance = &res
			changed = true
		}
	}
	if changed {
		ws.PersistTasks()
	}
}

// focusUnchanged reports whether the focus task and current step are still
// the ones req was built from.
func focusUnchanged(ws *session.Workspace, req brain.Request) bool {
	focus, step, _ := ws.Tasks.Focus()
	stepID := ""
	if req.CurrentStep != nil {
		stepID = req.CurrentStep.ID
	}
	return focus.ID == req.CurrentTaskID && step.ID == stepID
}

// applyStepAdvanced marks a step the remote service reported done. The
// store keeps the task's status and doing step consistent with it.
func (o *Orchestrator) applyStepAdvanced(ws *session.Workspace, sa brain.StepAdvanced) (tasks.AdvanceResult, bool) {
	res, ok := ws.Tasks.CompleteStep(sa.TaskID, sa.StepID)
	if !ok {
		return tasks.AdvanceResult{}, false
	}
	o.syncProgress(ws, res.TaskID, res.Completed)
	o.observeTransition(advanceEvent(res))
	return res, true
}

// NewTask creates a task from free text with a single planning step, then
// asks the brain for a plan. A returned plan replaces the placeholder and
// keeps its id.
func (o *Orchestrator) NewTask(ctx context.Context, sessionID, goal string, onDelta brain.DeltaHandler) (Turn, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return Turn{}, ErrEmptyUtterance
	}
	ws, err := o.sessions.Workspace(sessionID)
	if err != nil {
		return Turn{}, err
	}
	turnID := o.turnID(ctx)
	if err := o.sessions.StartTurn(sessionID, turnID); err != nil {
		return Turn{}, err
	}
	defer func() { _ = o.sessions.EndTurn(sessionID, turnID) }()
	logger := o.logger.With(zap.String("session_id", sessionID), zap.String("turn_id", turnID))
	logger.Debug("task requested", logging.Preview("goal", goal))

	placeholder := ws.Tasks.AddTask(tasks.TaskPlan{
		Title: truncateRunes(goal, manualTitleRunes),
		Goal:  goal,
		Steps: []tasks.Step{{
			ID:     o.ids.NewID(),
			Title:  planningStepTitle,
			Status: tasks.StepDoing,
		}},
		Status:      tasks.TaskStatusActive,
		StatusLabel: labelGenerating,
	})
	ws.PersistTasks()
	o.observeTransition("create")

	req := buildRequest(ws, goal)
	ws.Chat.AddMessage(chat.RoleUser, []chat.Block{chat.Text(goal)})
	ws.Chat.AddMessage(chat.RoleAssistant, nil)
	ws.Chat.SetLoading(true)
	ws.Chat.SetStreamingContent("")

	resp, tm, err := o.reply(ctx, ws, req, onDelta)
	turn := Turn{ID: turnID, SessionID: sessionID, Intent: resp.Intent}
	o.settle(ctx, logger, ws, err, &turn)
	turn.Message, _ = ws.Chat.CommitStreamingToMessage(o.finalBlocks(ws, resp, turn.Outcome))

	if turn.Outcome == OutcomeCompleted && isNewPlan(resp, placeholder.ID) {
		plan := resp.Task.Clone()
		plan.ID = placeholder.ID
		plan.CreatedAt = placeholder.CreatedAt
		plan.RunState = tasks.RunStateActive
		if plan.Goal == "" {
			plan.Goal = goal
		}
		plan.StatusLabel = labelPlanReady
		plan.Progress = tasks.StepProgress(plan)
		stored := ws.Tasks.SetTaskFromServer(plan)
		turn.Task = &stored
		o.observeTransition("set_task")
	} else {
		label := labelWaitingInput
		ws.Tasks.SetTaskProgress(placeholder.ID, 0, &label)
		stored, _ := ws.Tasks.Task(placeholder.ID)
		turn.Task = &stored
	}

	ws.PersistTasks()
	ws.PersistChat()
	turn.Snapshot = ws.Tasks.Snapshot()
	o.observeTurn(turn, tm)
	return turn, nil
}

// isNewPlan reports whether resp carries a generated plan rather than the
// placeholder handed back unchanged, as an adjust or advance reply would.
func isNewPlan(resp brain.Response, placeholderID string) bool {
	if resp.Task == nil || len(resp.Task.Steps) == 0 {
		return false
	}
	return resp.Intent == planner.IntentGoal || resp.Task.ID != placeholderID
}

// Snapshot returns the session's tasks and focus pointers.
func (o *Orchestrator) Snapshot(sessionID string) (tasks.Snapshot, error) {
	ws, err := o.workspace(sessionID)
	if err != nil {
		return tasks.Snapshot{}, err
	}
	return ws.Tasks.Snapshot(), nil
}

// SelectTask focuses a task without changing its run state.
func (o *Orchestrator) SelectTask(sessionID, taskID string) (tasks.Snapshot, error) {
	ws, release, err := o.control(sessionID)
	if err != nil {
		return tasks.Snapshot{}, err
	}
	defer release()
	if !ws.Tasks.SetCurrentTask(taskID) {
		return tasks.Snapshot{}, fmt.Errorf("select %q: %w", taskID, ErrTaskNotFound)
	}
	ws.PersistTasks()
	o.observeTransition("select")
	return ws.Tasks.Snapshot(), nil
}

// PauseTask pauses a task. When it held focus, focus moves to the first
// remaining active task, or is cleared.
func (o *Orchestrator) PauseTask(sessionID, taskID string) (tasks.Snapshot, error) {
	ws, release, err := o.control(sessionID)
	if err != nil {
		return tasks.Snapshot{}, err
	}
	defer release()
	if !ws.Tasks.SetTaskRunState(taskID, tasks.RunStatePaused) {
		return tasks.Snapshot{}, fmt.Errorf("pause %q: %w", taskID, ErrTaskNotFound)
	}
	if ws.Tasks.Snapshot().CurrentTaskID == taskID {
		next := ""
		for _, t := range ws.Tasks.ActiveTasks() {
			if t.ID != taskID {
				next = t.ID
				break
			}
		}
		ws.Tasks.SetCurrentTask(next)
	}
	ws.PersistTasks()
	o.observeTransition("pause")
	return ws.Tasks.Snapshot(), nil
}

// ResumeTask makes a paused task active again and focuses it.
func (o *Orchestrator) ResumeTask(sessionID, taskID string) (tasks.Snapshot, error) {
	ws, release, err := o.control(sessionID)
	if err != nil {
		return tasks.Snapshot{}, err
	}
	defer release()
	if !ws.Tasks.SetTaskRunState(taskID, tasks.RunStateActive) {
		return tasks.Snapshot{}, fmt.Errorf("resume %q: %w", taskID, ErrTaskNotFound)
	}
	ws.PersistTasks()
	o.observeTransition("resume")
	return ws.Tasks.Snapshot(), nil
}

// AdvanceStep completes the current step of the focus task directly. ok is
// false when nothing is in focus.
func (o *Orchestrator) AdvanceStep(sessionID string) (res tasks.AdvanceResult, ok bool, err error) {
	ws, release, err := o.control(sessionID)
	if err != nil {
		return tasks.AdvanceResult{}, false, err
	}
	defer release()
	res, ok = ws.Tasks.AdvanceCurrentStep()
	if !ok {
		return res, false, nil
	}
	o.syncProgress(ws, res.TaskID, res.Completed)
	ws.PersistTasks()
	o.observeTransition(advanceEvent(res))
	return res, true, nil
}

// SetProgress overwrites a task's progress and, when label is non-nil, its
// label.
func (o *Orchestrator) SetProgress(sessionID, taskID string, progress int, label *string) (tasks.TaskPlan, error) {
	ws, release, err := o.control(sessionID)
	if err != nil {
		return tasks.TaskPlan{}, err
	}
	defer release()
	if !ws.Tasks.SetTaskProgress(taskID, progress, label) {
		return tasks.TaskPlan{}, fmt.Errorf("progress %q: %w", taskID, ErrTaskNotFound)
	}
	ws.PersistTasks()
	o.observeTransition("progress")
	task, _ := ws.Tasks.Task(taskID)
	return task, nil
}

// ClearMessages empties the session's chat log.
func (o *Orchestrator) ClearMessages(sessionID string) error {
	ws, release, err := o.control(sessionID)
	if err != nil {
		return err
	}
	defer release()
	ws.Chat.Clear()
	ws.PersistChat()
	return nil
}

type turnIDKey struct{}

// WithTurnID makes the next turn run under id, so callers can tag streamed
// deltas before the turn returns.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, id)
}

func (o *Orchestrator) turnID(ctx context.Context) string {
	if id, ok := ctx.Value(turnIDKey{}).(string); ok && id != "" {
		return id
	}
	return o.ids.NewID()
}

func (o *Orchestrator) workspace(sessionID string) (*session.Workspace, error) {
	ws, err := o.sessions.Workspace(sessionID)
	if err != nil {
		return nil, err
	}
	_ = o.sessions.Touch(sessionID)
	return ws, nil
}

// control opens the workspace for a task control. The session is held for
// the caller until release, so no turn starts meanwhile; while a turn runs
// it fails with session.ErrTurnInProgress.
func (o *Orchestrator) control(sessionID string) (*session.Workspace, func(), error) {
	release, err := o.sessions.Hold(sessionID)
	if err != nil {
		return nil, nil, err
	}
	ws, err := o.workspace(sessionID)
	if err != nil {
		release()
		return nil, nil, err
	}
	return ws, release, nil
}

func (o *Orchestrator) syncProgress(ws *session.Workspace, taskID string, completed bool) {
	task, ok := ws.Tasks.Task(taskID)
	if !ok {
		return
	}
	label := labelInProgress
	if completed {
		label = labelCompleted
	}
	ws.Tasks.SetTaskProgress(taskID, tasks.StepProgress(task), &label)
}

// buildRequest captures the chat history and focus before the user message
// is appended.
func buildRequest(ws *session.Workspace, userText string) brain.Request {
	history := ws.Chat.Messages()
	prior := make([]brain.PriorMessage, 0, len(history))
	for _, m := range history {
		prior = append(prior, brain.PriorMessage{Role: m.Role, Content: chat.PromptText(m.Blocks)})
	}
	req := brain.Request{PriorMessages: prior, UserText: userText}

	focus, step, ok := ws.Tasks.Focus()
	if !ok {
		return req
	}
	req.Focus = &focus
	req.CurrentTaskID = focus.ID
	req.TaskContext = focus.Title + ": " + focus.Goal
	if doing, ok := focus.DoingStep(); ok {
		req.CurrentStepID = doing.ID
	}
	if step.ID != "" {
		req.CurrentStep = &step
	}
	return req
}

func utteranceText(blocks []chat.Block) (string, bool) {
	var (
		parts    []string
		hasMedia bool
	)
	for _, b := range blocks {
		switch v := b.(type) {
		case chat.TextBlock:
			if t := strings.TrimSpace(v.Value); t != "" {
				parts = append(parts, t)
			}
		case chat.ImageBlock, chat.AudioBlock:
			hasMedia = true
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n"), true
	}
	if hasMedia {
		return attachmentOnlyText, true
	}
	return "", false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func isCancel(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}

func advanceEvent(res tasks.AdvanceResult) string {
	if res.Completed {
		return "complete"
	}
	return "advance"
}

// timing is how long the brain took to stream its first text and to finish.
type timing struct {
	streamed   bool
	firstDelta time.Duration
	total      time.Duration
}

func (o *Orchestrator) observeTurn(turn Turn, tm timing) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveTurn(observability.TurnSample{
		Intent:     string(turn.Intent),
		Outcome:    turn.Outcome,
		Streamed:   tm.streamed,
		FirstDelta: tm.firstDelta,
		Total:      tm.total,
	})
}

func (o *Orchestrator) observeTransition(event string) {
	if o.metrics != nil {
		o.metrics.TaskTransitions.WithLabelValues(event).Inc()
	}
}

func (o *Orchestrator) observeAdapterError(err error) {
	if o.metrics == nil {
		return
	}
	code := "transport"
	var se *brain.StatusError
	if errors.As(err, &se) {
		code = fmt.Sprintf("http_%d", se.Code)
	}
	o.metrics.AdapterErrors.WithLabelValues(o.mode, code).Inc()
}
