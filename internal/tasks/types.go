package tasks

import "time"

type TaskStatus string

const (
	TaskStatusPlanning  TaskStatus = "planning"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
)

func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPlanning:
		return 0
	case TaskStatusActive:
		return 1
	case TaskStatusCompleted:
		return 2
	default:
		return -1
	}
}

type StepStatus string

const (
	StepTodo  StepStatus = "todo"
	StepDoing StepStatus = "doing"
	StepDone  StepStatus = "done"
)

type RunState string

const (
	RunStateActive RunState = "active"
	RunStatePaused RunState = "paused"
)

type Step struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
}

type TaskPlan struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Goal        string     `json:"goal"`
	Steps       []Step     `json:"steps"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	RunState    RunState   `json:"run_state,omitempty"`
	Progress    int        `json:"progress"`
	StatusLabel string     `json:"status_label,omitempty"`
}

func (t TaskPlan) Clone() TaskPlan {
	out := t
	if t.Steps != nil {
		out.Steps = make([]Step, len(t.Steps))
		copy(out.Steps, t.Steps)
	}
	return out
}

// Paused reports whether the task is excluded from the focus candidates.
func (t TaskPlan) Paused() bool {
	return t.RunState == RunStatePaused
}

// Active reports whether the task is a focus candidate: not paused and not
// completed.
func (t TaskPlan) Active() bool {
	return !t.Paused() && t.Status != TaskStatusCompleted
}

// DoingStep returns the step currently in progress.
func (t TaskPlan) DoingStep() (Step, bool) {
	for _, s := range t.Steps {
		if s.Status == StepDoing {
			return s, true
		}
	}
	return Step{}, false
}

// NextOpenStep returns the first step that is doing or still todo.
func (t TaskPlan) NextOpenStep() (Step, bool) {
	for _, s := range t.Steps {
		if s.Status == StepDoing || s.Status == StepTodo {
			return s, true
		}
	}
	return Step{}, false
}

// FirstTodo returns the first untouched step.
func (t TaskPlan) FirstTodo() (Step, bool) {
	for _, s := range t.Steps {
		if s.Status == StepTodo {
			return s, true
		}
	}
	return Step{}, false
}

// StepAfter returns the step that follows stepID in sequence.
func (t TaskPlan) StepAfter(stepID string) (Step, bool) {
	idx := t.stepIndex(stepID)
	if idx < 0 || idx+1 >= len(t.Steps) {
		return Step{}, false
	}
	return t.Steps[idx+1], true
}

func (t TaskPlan) stepIndex(stepID string) int {
	for i, s := range t.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// StepProgress derives a 0-100 completion percentage from step statuses.
func StepProgress(t TaskPlan) int {
	if t.Status == TaskStatusCompleted {
		return 100
	}
	if len(t.Steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range t.Steps {
		if s.Status == StepDone {
			done++
		}
	}
	return done * 100 / len(t.Steps)
}

// AdvanceResult reports the outcome of AdvanceCurrentStep. NextStep is nil
// when the task completed.
type AdvanceResult struct {
	TaskID    string `json:"task_id"`
	Completed bool   `json:"completed"`
	NextStep  *Step  `json:"next_step,omitempty"`
}

// TaskPatch carries the fields UpdateTask may change. Nil fields are left
// alone.
type TaskPatch struct {
	Title       *string     `json:"title,omitempty"`
	Goal        *string     `json:"goal,omitempty"`
	Status      *TaskStatus `json:"status,omitempty"`
	StatusLabel *string     `json:"status_label,omitempty"`
}

type StepPatch struct {
	Title       *string     `json:"title,omitempty"`
	Description *string     `json:"description,omitempty"`
	Status      *StepStatus `json:"status,omitempty"`
}

// Snapshot is a consistent copy of the store's tasks and focus pointers.
type Snapshot struct {
	Tasks         []TaskPlan `json:"tasks"`
	CurrentTaskID string     `json:"current_task_id,omitempty"`
	CurrentStepID string     `json:"current_step_id,omitempty"`
}

type EventType string

const (
	EventTaskCreated     EventType = "task_created"
	EventTaskReplaced    EventType = "task_replaced"
	EventTaskUpdated     EventType = "task_updated"
	EventStepUpdated     EventType = "step_updated"
	EventRunStateChanged EventType = "run_state_changed"
	EventFocusChanged    EventType = "focus_changed"
	EventStepAdvanced    EventType = "step_advanced"
	EventTaskCompleted   EventType = "task_completed"
	EventProgressUpdated EventType = "progress_updated"
	EventStateLoaded     EventType = "state_loaded"
)

type Event struct {
	Type     EventType  `json:"type"`
	TaskID   string     `json:"task_id,omitempty"`
	StepID   string     `json:"step_id,omitempty"`
	Status   TaskStatus `json:"status,omitempty"`
	RunState RunState   `json:"run_state,omitempty"`
	At       time.Time  `json:"at"`
}
