package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/stepwise/internal/blobstore"
	"github.com/antoniostano/stepwise/internal/chat"
	"github.com/antoniostano/stepwise/internal/tasks"
)

func newTestManager(t *testing.T, store blobstore.Store, ttl time.Duration) *Manager {
	t.Helper()
	m := NewManager(store, Options{InactivityTimeout: ttl, WriteTimeout: time.Second})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestManagerCreateGetEnd(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	s, reused, err := m.Create(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" || reused {
		t.Fatalf("Create() = %+v, reused %v, want fresh session", s, reused)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.Workspace(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Workspace() after End error = %v, want ErrNotFound", err)
	}
	if _, err := m.End(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerReusesLiveSessionPerUser(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	first, _, _ := m.Create(context.Background(), "u1")
	second, reused, _ := m.Create(context.Background(), "u1")
	if !reused || second.ID != first.ID {
		t.Fatalf("second Create() = %q reused %v, want %q reused", second.ID, reused, first.ID)
	}

	anonA, _, _ := m.Create(context.Background(), "")
	anonB, _, _ := m.Create(context.Background(), "")
	if anonA.ID == anonB.ID {
		t.Fatalf("anonymous sessions share id %q", anonA.ID)
	}
	if got := m.ActiveCount(); got != 3 {
		t.Fatalf("ActiveCount() = %d, want 3", got)
	}
}

func TestManagerOneTurnAtATime(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	s, _, _ := m.Create(context.Background(), "u1")

	if err := m.StartTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if err := m.StartTurn(s.ID, "turn-2"); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("second StartTurn() error = %v, want ErrTurnInProgress", err)
	}
	if err := m.Interrupt(s.ID); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	if err := m.EndTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("EndTurn() error = %v", err)
	}
	if err := m.StartTurn(s.ID, "turn-2"); err != nil {
		t.Fatalf("StartTurn() after EndTurn error = %v", err)
	}

	got, _ := m.Get(s.ID)
	if got.ActiveTurnID != "turn-2" || got.TurnCount != 2 || got.InterruptionCount != 1 {
		t.Fatalf("unexpected turn state: %+v", got)
	}
}

func TestManagerHoldExcludesTurns(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	s, _, _ := m.Create(context.Background(), "u1")

	releaseA, err := m.Hold(s.ID)
	if err != nil {
		t.Fatalf("Hold() error = %v", err)
	}
	releaseB, err := m.Hold(s.ID)
	if err != nil {
		t.Fatalf("second Hold() error = %v", err)
	}
	if err := m.StartTurn(s.ID, "turn-1"); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("StartTurn() while held error = %v, want ErrTurnInProgress", err)
	}
	releaseA()
	releaseA()
	if err := m.StartTurn(s.ID, "turn-1"); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("StartTurn() with one hold left error = %v, want ErrTurnInProgress", err)
	}
	releaseB()

	if err := m.StartTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("StartTurn() after release error = %v", err)
	}
	if _, err := m.Hold(s.ID); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("Hold() during turn error = %v, want ErrTurnInProgress", err)
	}
	if _, err := m.Hold("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Hold(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerStatePersistsAcrossSessions(t *testing.T) {
	ctx := context.Background()
	store := blobstore.WithPrefix(blobstore.NewMemoryStore(), blobstore.DefaultNamespace)
	m := newTestManager(t, store, time.Minute)

	s, _, _ := m.Create(ctx, "u1")
	ws, err := m.Workspace(s.ID)
	if err != nil {
		t.Fatalf("Workspace() error = %v", err)
	}
	task := ws.Tasks.AddTask(tasks.TaskPlan{Title: "Trip", Status: tasks.TaskStatusActive, Steps: []tasks.Step{{ID: "a", Status: tasks.StepDoing}}})
	ws.Chat.AddMessage(chat.RoleUser, []chat.Block{chat.Text("plan a trip")})
	ws.PersistTasks()
	ws.PersistChat()
	if err := ws.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if _, err := m.End(ctx, s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	raw, err := store.Get(ctx, "users/u1/"+tasks.KeyCurrentTaskID)
	if err != nil {
		t.Fatalf("stored current task id error = %v", err)
	}
	if string(raw) != `"`+task.ID+`"` {
		t.Fatalf("stored current task id = %s, want %q", raw, task.ID)
	}

	next, reused, _ := m.Create(ctx, "u1")
	if reused {
		t.Fatalf("Create() after End reused the ended session")
	}
	ws2, _ := m.Workspace(next.ID)
	got, ok := ws2.Tasks.ActiveTask()
	if !ok || got.ID != task.ID {
		t.Fatalf("reloaded focus = %+v, %v, want %q", got, ok, task.ID)
	}
	if msgs := ws2.Chat.Messages(); len(msgs) != 1 {
		t.Fatalf("reloaded %d messages, want 1", len(msgs))
	}

	other, _, _ := m.Create(ctx, "u2")
	ws3, _ := m.Workspace(other.ID)
	if len(ws3.Tasks.Tasks()) != 0 {
		t.Fatalf("user u2 sees tasks of u1")
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := newTestManager(t, nil, 30*time.Millisecond)
	s, _, _ := m.Create(context.Background(), "u1")

	var (
		mu      sync.Mutex
		expired []string
	)
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		expired = append(expired, s.ID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != s.ID {
		t.Fatalf("expire hook calls = %v, want [%s]", expired, s.ID)
	}
}

type failingStore struct {
	blobstore.Store
	mu    sync.Mutex
	calls int
}

func (f *failingStore) SetMany(ctx context.Context, entries map[string][]byte) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("disk full")
}

func TestPersisterCoalescesAndReportsErrors(t *testing.T) {
	ctx := context.Background()
	mem := blobstore.NewMemoryStore()

	p := NewPersister(mem, time.Second, nil)
	for i := 0; i < 50; i++ {
		p.Submit(map[string][]byte{"a": []byte(`1`), "b": []byte(`2`)})
	}
	p.Submit(map[string][]byte{"a": []byte(`"last"`)})
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	got, _ := mem.Get(ctx, "a")
	if string(got) != `"last"` {
		t.Fatalf("a = %s, want \"last\"", got)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	p.Submit(map[string][]byte{"a": []byte(`2`)})

	fs := &failingStore{Store: mem}
	var (
		mu   sync.Mutex
		errs int
	)
	fp := NewPersister(fs, time.Second, func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	})
	fp.Submit(map[string][]byte{"x": []byte(`1`)})
	if err := fp.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if errs != 1 {
		t.Fatalf("error callbacks = %d, want 1", errs)
	}
}

func TestLoadFailureDegradesToEmpty(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	if err := store.Set(ctx, "users/u1/"+tasks.KeyTasks, []byte(`"broken"`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	m := newTestManager(t, store, time.Minute)
	s, _, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ws, _ := m.Workspace(s.ID)
	if len(ws.Tasks.Tasks()) != 0 {
		t.Fatalf("tasks loaded from corrupt state")
	}
}
