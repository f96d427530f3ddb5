package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/stepwise/internal/blobstore"
	"github.com/antoniostano/stepwise/internal/chat"
	"github.com/antoniostano/stepwise/internal/ids"
	"github.com/antoniostano/stepwise/internal/tasks"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrTurnInProgress = errors.New("turn already in progress")
)

type Session struct {
	ID                string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	Status            Status    `json:"status"`
	ActiveTurnID      string    `json:"active_turn_id"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// Workspace is the live state behind a session: the user's task and chat
// stores and the persister that writes them to the user's slice of the blob
// store.
type Workspace struct {
	SessionID string
	UserID    string
	Tasks     *tasks.Manager
	Chat      *chat.Manager

	persister *Persister
	onError   func(error)
}

// PersistTasks queues the task store for writing and returns immediately.
func (w *Workspace) PersistTasks() {
	entries, err := w.Tasks.Entries()
	if err != nil {
		w.onError(err)
		return
	}
	w.persister.Submit(entries)
}

// PersistChat queues the message log for writing and returns immediately.
func (w *Workspace) PersistChat() {
	entries, err := w.Chat.Entries()
	if err != nil {
		w.onError(err)
		return
	}
	w.persister.Submit(entries)
}

// Flush waits for queued writes to reach the store.
func (w *Workspace) Flush(ctx context.Context) error {
	return w.persister.Flush(ctx)
}

type entry struct {
	session *Session
	ws      *Workspace
	// holds counts task controls in flight; a turn cannot start while any
	// are held.
	holds int
}

type Options struct {
	InactivityTimeout time.Duration
	WriteTimeout      time.Duration
	IDs               ids.Generator
	Logger            *zap.Logger
	// OnPersistError is called for every failed background write.
	OnPersistError func(error)
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	onExpire          func(*Session)

	store        blobstore.Store
	ids          ids.Generator
	logger       *zap.Logger
	writeTimeout time.Duration
	onPersistErr func(error)
}

// NewManager builds a session manager over store, which should already be
// scoped to the application namespace.
func NewManager(store blobstore.Store, opts Options) *Manager {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 30 * time.Minute
	}
	if opts.IDs == nil {
		opts.IDs = ids.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if store == nil {
		store = blobstore.NewMemoryStore()
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: opts.InactivityTimeout,
		store:             store,
		ids:               opts.IDs,
		logger:            opts.Logger,
		writeTimeout:      opts.WriteTimeout,
		onPersistErr:      opts.OnPersistError,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

// Create returns the live session of userID, or opens a new one and loads
// the user's tasks and messages. Load failures leave the stores empty and
// are only logged. reused reports whether an existing session was returned.
func (m *Manager) Create(ctx context.Context, userID string) (s *Session, reused bool, err error) {
	m.mu.Lock()
	if id, ok := m.sessionByUser[userID]; ok && userID != "" {
		if e, ok := m.sessions[id]; ok && e.session.Status == StatusActive {
			e.session.LastActivityAt = time.Now().UTC()
			out := clone(e.session)
			m.mu.Unlock()
			return out, true, nil
		}
	}
	m.mu.Unlock()

	now := time.Now().UTC()
	s = &Session{
		ID:             m.ids.NewID(),
		UserID:         userID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	ws := m.openWorkspace(ctx, s)

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another request may have opened a session for the same user meanwhile.
	if id, ok := m.sessionByUser[userID]; ok && userID != "" {
		if e, ok := m.sessions[id]; ok && e.session.Status == StatusActive {
			_ = ws.persister.Close(ctx)
			return clone(e.session), true, nil
		}
	}
	m.sessions[s.ID] = &entry{session: s, ws: ws}
	if userID != "" {
		m.sessionByUser[userID] = s.ID
	}
	return clone(s), false, nil
}

func (m *Manager) openWorkspace(ctx context.Context, s *Session) *Workspace {
	prefix := "sessions/" + s.ID + "/"
	if s.UserID != "" {
		prefix = "users/" + s.UserID + "/"
	}
	store := blobstore.WithPrefix(m.store, prefix)
	logger := m.logger.With(zap.String("session_id", s.ID), zap.String("user_id", s.UserID))

	onError := func(err error) {
		logger.Warn("session persistence failed", zap.Error(err))
		if m.onPersistErr != nil {
			m.onPersistErr(err)
		}
	}
	ws := &Workspace{
		SessionID: s.ID,
		UserID:    s.UserID,
		Tasks:     tasks.NewManager(m.ids),
		Chat:      chat.NewManager(m.ids),
		onError:   onError,
	}

	var g errgroup.Group
	g.Go(func() error { return ws.Tasks.Load(ctx, store) })
	g.Go(func() error { return ws.Chat.Load(ctx, store) })
	if err := g.Wait(); err != nil {
		logger.Warn("session state load degraded to empty", zap.Error(err))
	}

	ws.persister = NewPersister(store, m.writeTimeout, onError)
	return ws
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

// Workspace returns the live state of an active session.
func (m *Manager) Workspace(sessionID string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.ws == nil {
		return nil, ErrNotFound
	}
	return e.ws, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.activeLocked(sessionID)
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// StartTurn claims the session for one turn. Only one turn runs at a time.
func (m *Manager) StartTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.activeLocked(sessionID)
	if !ok {
		return ErrNotFound
	}
	if e.session.ActiveTurnID != "" || e.holds > 0 {
		return ErrTurnInProgress
	}
	e.session.ActiveTurnID = turnID
	e.session.TurnCount++
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// Hold claims the session for a task control that must not interleave with
// a turn. It fails with ErrTurnInProgress while a turn runs; several holds
// may overlap. The returned release is idempotent.
func (m *Manager) Hold(sessionID string) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.activeLocked(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	if e.session.ActiveTurnID != "" {
		return nil, ErrTurnInProgress
	}
	e.holds++
	e.session.LastActivityAt = time.Now().UTC()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			e.holds--
			m.mu.Unlock()
		})
	}, nil
}

// EndTurn releases the turn claimed by turnID.
func (m *Manager) EndTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if e.session.ActiveTurnID == turnID {
		e.session.ActiveTurnID = ""
	}
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// Interrupt records a cancelled turn.
func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.InterruptionCount++
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// End closes the session and writes its state out before returning.
func (m *Manager) End(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	ws := m.endLocked(e, time.Now().UTC())
	out := clone(e.session)
	m.mu.Unlock()

	if ws != nil {
		if err := m.closeWorkspace(ctx, ws); err != nil {
			return out, fmt.Errorf("flush session state: %w", err)
		}
	}
	return out, nil
}

// Close ends every active session, flushing their state.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	var open []*Workspace
	now := time.Now().UTC()
	for _, e := range m.sessions {
		if ws := m.endLocked(e, now); ws != nil {
			open = append(open, ws)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, ws := range open {
		if err := m.closeWorkspace(ctx, ws); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var (
		expired []*Session
		closing []*Workspace
	)

	m.mu.Lock()
	for _, e := range m.sessions {
		if e.session.Status != StatusActive || e.session.ActiveTurnID != "" {
			continue
		}
		if now.Sub(e.session.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		if ws := m.endLocked(e, now); ws != nil {
			closing = append(closing, ws)
		}
		expired = append(expired, clone(e.session))
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, ws := range closing {
		if err := m.closeWorkspace(context.Background(), ws); err != nil {
			m.logger.Warn("flush expired session failed", zap.String("session_id", ws.SessionID), zap.Error(err))
		}
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) activeLocked(sessionID string) (*entry, bool) {
	e, ok := m.sessions[sessionID]
	if !ok || e.session.Status != StatusActive {
		return nil, false
	}
	return e, true
}

// endLocked marks e ended and detaches its workspace, returning it for the
// caller to close outside the lock.
func (m *Manager) endLocked(e *entry, now time.Time) *Workspace {
	if e.session.Status != StatusActive {
		return nil
	}
	e.session.Status = StatusEnded
	e.session.ActiveTurnID = ""
	e.session.LastActivityAt = now
	if e.session.UserID != "" && m.sessionByUser[e.session.UserID] == e.session.ID {
		delete(m.sessionByUser, e.session.UserID)
	}
	ws := e.ws
	e.ws = nil
	return ws
}

// closeWorkspace writes the final state of both stores and stops the
// persister.
func (m *Manager) closeWorkspace(ctx context.Context, ws *Workspace) error {
	ctx, cancel := context.WithTimeout(ctx, m.closeTimeout())
	defer cancel()
	ws.PersistTasks()
	ws.PersistChat()
	return ws.persister.Close(ctx)
}

func (m *Manager) closeTimeout() time.Duration {
	if m.writeTimeout > 0 {
		return 2 * m.writeTimeout
	}
	return 5 * time.Second
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
