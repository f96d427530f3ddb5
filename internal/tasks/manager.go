package tasks

import (
	"sync"
	"time"

	"github.com/antoniostano/stepwise/internal/ids"
)

// Manager owns one user's task collection and the focus pointers. Every
// operation runs to completion under the lock; absence is reported with
// ok=false rather than an error.
type Manager struct {
	mu sync.RWMutex

	ids ids.Generator
	now func() time.Time

	tasks         []TaskPlan
	currentTaskID string
	currentStepID string

	subscribers map[int]chan Event
	nextSubID   int
}

func NewManager(gen ids.Generator) *Manager {
	if gen == nil {
		gen = ids.New()
	}
	return &Manager{
		ids:         gen,
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe streams store events until the returned cancel is called. Slow
// subscribers miss events rather than block mutations.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subscribers[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(c)
		}
	}
}

// AddTask stores a new plan with a fresh id and creation time, puts it first
// and focuses it with its first step current.
func (m *Manager) AddTask(plan TaskPlan) TaskPlan {
	task := plan.Clone()
	task.ID = m.ids.NewID()
	task.CreatedAt = m.now()
	task.RunState = RunStateActive
	if task.Progress < 0 {
		task.Progress = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append([]TaskPlan{task}, m.tasks...)
	m.currentTaskID = task.ID
	m.currentStepID = ""
	if len(task.Steps) > 0 {
		m.currentStepID = task.Steps[0].ID
	}
	m.publishLocked(Event{Type: EventTaskCreated, TaskID: task.ID, StepID: m.currentStepID, Status: task.Status})
	return task.Clone()
}

// SetTaskFromServer replaces any task with the same id, moves it to the front
// and focuses it. The current step becomes its doing step, else its first
// step, else none.
func (m *Manager) SetTaskFromServer(plan TaskPlan) TaskPlan {
	task := plan.Clone()
	if task.ID == "" {
		task.ID = m.ids.NewID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = m.now()
	}
	if task.RunState == "" {
		task.RunState = RunStateActive
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]TaskPlan, 0, len(m.tasks)+1)
	kept = append(kept, task)
	for _, t := range m.tasks {
		if t.ID != task.ID {
			kept = append(kept, t)
		}
	}
	m.tasks = kept
	m.currentTaskID = task.ID
	m.currentStepID = ""
	if s, ok := task.DoingStep(); ok {
		m.currentStepID = s.ID
	} else if len(task.Steps) > 0 {
		m.currentStepID = task.Steps[0].ID
	}
	m.publishLocked(Event{Type: EventTaskReplaced, TaskID: task.ID, StepID: m.currentStepID, Status: task.Status})
	return task.Clone()
}

// UpdateTask merges patch into the task. A status that would move the task
// back through planning, active, completed is ignored.
func (m *Manager) UpdateTask(id string, patch TaskPatch) (TaskPlan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexLocked(id)
	if idx < 0 {
		return TaskPlan{}, false
	}
	t := &m.tasks[idx]
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Goal != nil {
		t.Goal = *patch.Goal
	}
	if patch.Status != nil && patch.Status.rank() >= t.Status.rank() {
		t.Status = *patch.Status
	}
	if patch.StatusLabel != nil {
		t.StatusLabel = *patch.StatusLabel
	}
	m.publishLocked(Event{Type: EventTaskUpdated, TaskID: t.ID, Status: t.Status})
	return t.Clone(), true
}

// UpdateStep merges patch into one step of one task.
func (m *Manager) UpdateStep(taskID, stepID string, patch StepPatch) (Step, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexLocked(taskID)
	if idx < 0 {
		return Step{}, false
	}
	t := &m.tasks[idx]
	si := t.stepIndex(stepID)
	if si < 0 {
		return Step{}, false
	}
	s := &t.Steps[si]
	if patch.Title != nil {
		s.Title = *patch.Title
	}
	if patch.Description != nil {
		s.Description = *patch.Description
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	m.publishLocked(Event{Type: EventStepUpdated, TaskID: t.ID, StepID: s.ID, Status: t.Status})
	return *s, true
}

// SetTaskRunState pauses or resumes a task. Pausing leaves focus alone;
// resuming also focuses the task.
func (m *Manager) SetTaskRunState(id string, state RunState) bool {
	if state != RunStateActive && state != RunStatePaused {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexLocked(id)
	if idx < 0 {
		return false
	}
	m.tasks[idx].RunState = state
	m.publishLocked(Event{Type: EventRunStateChanged, TaskID: id, RunState: state})
	if state == RunStateActive {
		m.focusLocked(idx)
	}
	return true
}

// SetCurrentTask moves focus. An empty id clears it; an unknown id is
// ignored. The run state of the task is not touched.
func (m *Manager) SetCurrentTask(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		if m.currentTaskID != "" || m.currentStepID != "" {
			m.currentTaskID, m.currentStepID = "", ""
			m.publishLocked(Event{Type: EventFocusChanged})
		}
		return true
	}
	idx := m.indexLocked(id)
	if idx < 0 {
		return false
	}
	m.focusLocked(idx)
	return true
}

// SetCurrentStep points the current step at a step of the focus task. An
// empty id clears the pointer.
func (m *Manager) SetCurrentStep(stepID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stepID != "" {
		idx := m.indexLocked(m.currentTaskID)
		if idx < 0 || m.tasks[idx].stepIndex(stepID) < 0 {
			return false
		}
	}
	m.currentStepID = stepID
	m.publishLocked(Event{Type: EventFocusChanged, TaskID: m.currentTaskID, StepID: stepID})
	return true
}

// AdvanceCurrentStep marks the current step of the focus task done and moves
// the pointer to the following step, or completes the task when there is
// none. It reports false when there is no focus task, no current step, or the
// pointer does not resolve inside the focus task.
func (m *Manager) AdvanceCurrentStep() (AdvanceResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked()
}

func (m *Manager) advanceLocked() (AdvanceResult, bool) {
	idx := m.indexLocked(m.currentTaskID)
	if idx < 0 || m.currentStepID == "" {
		return AdvanceResult{}, false
	}
	t := &m.tasks[idx]
	si := t.stepIndex(m.currentStepID)
	if si < 0 {
		return AdvanceResult{}, false
	}

	t.Steps[si].Status = StepDone
	if si+1 >= len(t.Steps) {
		t.Status = TaskStatusCompleted
		m.currentStepID = ""
		m.publishLocked(Event{Type: EventTaskCompleted, TaskID: t.ID, Status: t.Status})
		return AdvanceResult{TaskID: t.ID, Completed: true}, true
	}

	t.Steps[si+1].Status = StepDoing
	next := t.Steps[si+1]
	m.currentStepID = next.ID
	m.publishLocked(Event{Type: EventStepAdvanced, TaskID: t.ID, StepID: next.ID, Status: t.Status})
	return AdvanceResult{TaskID: t.ID, NextStep: &next}, true
}

// CompleteStep marks any step of any task done. On the focus task's current
// step it behaves as AdvanceCurrentStep. Otherwise, when no step is left
// open the task completes; when the task lost its doing step the first todo
// step takes over, and the pointer follows it if the task is in focus.
func (m *Manager) CompleteStep(taskID, stepID string) (AdvanceResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexLocked(taskID)
	if idx < 0 || m.tasks[idx].stepIndex(stepID) < 0 {
		return AdvanceResult{}, false
	}
	if taskID == m.currentTaskID && stepID == m.currentStepID {
		return m.advanceLocked()
	}

	t := &m.tasks[idx]
	t.Steps[t.stepIndex(stepID)].Status = StepDone
	focused := t.ID == m.currentTaskID

	if _, open := t.NextOpenStep(); !open {
		t.Status = TaskStatusCompleted
		if focused {
			m.currentStepID = ""
		}
		m.publishLocked(Event{Type: EventTaskCompleted, TaskID: t.ID, Status: t.Status})
		return AdvanceResult{TaskID: t.ID, Completed: true}, true
	}

	res := AdvanceResult{TaskID: t.ID}
	doing, ok := t.DoingStep()
	if !ok {
		doing, _ = t.FirstTodo()
		doing.Status = StepDoing
		t.Steps[t.stepIndex(doing.ID)] = doing
		res.NextStep = &doing
	}
	if focused {
		if _, ok := m.currentStepLocked(); !ok {
			m.currentStepID = doing.ID
		}
	}
	m.publishLocked(Event{Type: EventStepUpdated, TaskID: t.ID, StepID: stepID, Status: t.Status})
	return res, true
}

// SetTaskProgress overwrites the progress value without clamping. A nil
// label keeps the current one; an empty label clears it.
func (m *Manager) SetTaskProgress(id string, progress int, label *string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexLocked(id)
	if idx < 0 {
		return false
	}
	m.tasks[idx].Progress = progress
	if label != nil {
		m.tasks[idx].StatusLabel = *label
	}
	m.publishLocked(Event{Type: EventProgressUpdated, TaskID: id})
	return true
}

// ActiveTask returns the focus task.
func (m *Manager) ActiveTask() (TaskPlan, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.indexLocked(m.currentTaskID)
	if idx < 0 {
		return TaskPlan{}, false
	}
	return m.tasks[idx].Clone(), true
}

// CurrentStep resolves the current step pointer inside the focus task.
func (m *Manager) CurrentStep() (Step, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentStepLocked()
}

// Focus returns the focus task and its current step together, so callers see
// a consistent pair.
func (m *Manager) Focus() (TaskPlan, Step, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.indexLocked(m.currentTaskID)
	if idx < 0 {
		return TaskPlan{}, Step{}, false
	}
	step, _ := m.currentStepLocked()
	return m.tasks[idx].Clone(), step, true
}

// ActiveTasks lists tasks that are neither paused nor completed.
func (m *Manager) ActiveTasks() []TaskPlan {
	return m.filter(TaskPlan.Active)
}

func (m *Manager) PausedTasks() []TaskPlan {
	return m.filter(TaskPlan.Paused)
}

func (m *Manager) Tasks() []TaskPlan {
	return m.filter(func(TaskPlan) bool { return true })
}

func (m *Manager) Task(id string) (TaskPlan, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.indexLocked(id)
	if idx < 0 {
		return TaskPlan{}, false
	}
	return m.tasks[idx].Clone(), true
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) filter(keep func(TaskPlan) bool) []TaskPlan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskPlan, 0, len(m.tasks))
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (m *Manager) snapshotLocked() Snapshot {
	out := Snapshot{
		Tasks:         make([]TaskPlan, len(m.tasks)),
		CurrentTaskID: m.currentTaskID,
		CurrentStepID: m.currentStepID,
	}
	for i, t := range m.tasks {
		out.Tasks[i] = t.Clone()
	}
	return out
}

func (m *Manager) currentStepLocked() (Step, bool) {
	idx := m.indexLocked(m.currentTaskID)
	if idx < 0 || m.currentStepID == "" {
		return Step{}, false
	}
	si := m.tasks[idx].stepIndex(m.currentStepID)
	if si < 0 {
		return Step{}, false
	}
	return m.tasks[idx].Steps[si], true
}

// focusLocked moves focus to tasks[idx]. When focus changes task, the step
// pointer is re-derived from that task's doing step.
func (m *Manager) focusLocked(idx int) {
	t := m.tasks[idx]
	if t.ID == m.currentTaskID {
		return
	}
	m.currentTaskID = t.ID
	m.currentStepID = ""
	if s, ok := t.DoingStep(); ok {
		m.currentStepID = s.ID
	}
	m.publishLocked(Event{Type: EventFocusChanged, TaskID: t.ID, StepID: m.currentStepID})
}

func (m *Manager) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) publishLocked(evt Event) {
	if evt.At.IsZero() {
		evt.At = m.now()
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}
