package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antoniostano/stepwise/internal/blobstore"
)

const (
	KeyTasks         = "tasks"
	KeyCurrentTaskID = "current_task_id"
	KeyCurrentStepID = "current_step_id"
)

// Keys lists every blob key the task store writes. They are always written
// in one batch.
var Keys = []string{KeyTasks, KeyCurrentTaskID, KeyCurrentStepID}

// Entries encodes the current state as blob entries.
func (m *Manager) Entries() (map[string][]byte, error) {
	return EncodeSnapshot(m.Snapshot())
}

// Persist writes tasks and both focus pointers together.
func (m *Manager) Persist(ctx context.Context, store blobstore.Store) error {
	entries, err := m.Entries()
	if err != nil {
		return err
	}
	if err := store.SetMany(ctx, entries); err != nil {
		return fmt.Errorf("persist tasks: %w", err)
	}
	return nil
}

// Load replaces the in-memory state with what the store holds. On any read
// or decode failure the manager is left empty and the error is returned for
// logging only.
func (m *Manager) Load(ctx context.Context, store blobstore.Store) error {
	raw, err := store.GetMany(ctx, Keys)
	if err != nil {
		m.Restore(Snapshot{})
		return fmt.Errorf("load tasks: %w", err)
	}
	snap, err := DecodeSnapshot(raw)
	m.Restore(snap)
	return err
}

// Restore installs a snapshot. A step pointer that does not resolve inside
// the focus task is dropped.
func (m *Manager) Restore(snap Snapshot) {
	tasks := make([]TaskPlan, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		t = t.Clone()
		if t.RunState == "" {
			t.RunState = RunStateActive
		}
		tasks = append(tasks, t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = tasks
	m.currentTaskID = snap.CurrentTaskID
	m.currentStepID = snap.CurrentStepID
	idx := m.indexLocked(m.currentTaskID)
	if idx < 0 {
		m.currentTaskID = ""
		m.currentStepID = ""
	} else if m.tasks[idx].stepIndex(m.currentStepID) < 0 {
		m.currentStepID = ""
	}
	m.publishLocked(Event{Type: EventStateLoaded, TaskID: m.currentTaskID, StepID: m.currentStepID})
}

// EncodeSnapshot renders a snapshot as blob entries. Empty pointers are
// stored as JSON null.
func EncodeSnapshot(snap Snapshot) (map[string][]byte, error) {
	tasks := snap.Tasks
	if tasks == nil {
		tasks = []TaskPlan{}
	}
	rawTasks, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("encode tasks: %w", err)
	}
	rawTask, err := json.Marshal(nullable(snap.CurrentTaskID))
	if err != nil {
		return nil, fmt.Errorf("encode current task id: %w", err)
	}
	rawStep, err := json.Marshal(nullable(snap.CurrentStepID))
	if err != nil {
		return nil, fmt.Errorf("encode current step id: %w", err)
	}
	return map[string][]byte{
		KeyTasks:         rawTasks,
		KeyCurrentTaskID: rawTask,
		KeyCurrentStepID: rawStep,
	}, nil
}

// DecodeSnapshot parses blob entries. Missing keys decode as empty; a corrupt
// tasks document yields an empty snapshot and an error.
func DecodeSnapshot(raw map[string][]byte) (Snapshot, error) {
	var snap Snapshot
	if b, ok := raw[KeyTasks]; ok && len(b) > 0 {
		if err := json.Unmarshal(b, &snap.Tasks); err != nil {
			return Snapshot{}, fmt.Errorf("decode tasks: %w", err)
		}
	}
	var err error
	if snap.CurrentTaskID, err = decodeID(raw[KeyCurrentTaskID]); err != nil {
		return Snapshot{}, fmt.Errorf("decode current task id: %w", err)
	}
	if snap.CurrentStepID, err = decodeID(raw[KeyCurrentStepID]); err != nil {
		return Snapshot{}, fmt.Errorf("decode current step id: %w", err)
	}
	return snap, nil
}

func decodeID(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	var id *string
	if err := json.Unmarshal(b, &id); err != nil {
		return "", err
	}
	if id == nil {
		return "", nil
	}
	return *id, nil
}

func nullable(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
