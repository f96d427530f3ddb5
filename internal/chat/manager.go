package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/antoniostano/stepwise/internal/blobstore"
	"github.com/antoniostano/stepwise/internal/ids"
)

// MaxMessages caps the log; appending beyond it evicts the oldest entry.
const MaxMessages = 100

// KeyMessages is the blob key of the message log.
const KeyMessages = "chat_messages"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Blocks    Blocks    `json:"blocks"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) Clone() Message {
	out := m
	out.Blocks = cloneBlocks(m.Blocks)
	return out
}

type Manager struct {
	mu sync.RWMutex

	ids ids.Generator
	now func() time.Time

	messages  []Message
	loading   bool
	streaming *string
}

func NewManager(gen ids.Generator) *Manager {
	if gen == nil {
		gen = ids.New()
	}
	return &Manager{
		ids: gen,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) AddMessage(role Role, blocks []Block) Message {
	msg := Message{
		ID:        m.ids.NewID(),
		Role:      role,
		Blocks:    cloneBlocks(blocks),
		CreatedAt: m.now(),
	}
	if msg.Blocks == nil {
		msg.Blocks = Blocks{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	if over := len(m.messages) - MaxMessages; over > 0 {
		m.messages = append([]Message(nil), m.messages[over:]...)
	}
	return msg.Clone()
}

// SetStreamingContent starts or resets the in-flight reply buffer.
func (m *Manager) SetStreamingContent(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = &content
}

// AppendStreaming adds delta to the reply buffer, starting one if needed,
// and returns the buffer so far.
func (m *Manager) AppendStreaming(delta string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := ""
	if m.streaming != nil {
		cur = *m.streaming
	}
	cur += delta
	m.streaming = &cur
	return cur
}

// StreamingContent reports the in-flight reply text and whether a reply is
// streaming at all.
func (m *Manager) StreamingContent() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.streaming == nil {
		return "", false
	}
	return *m.streaming, true
}

// CommitStreamingToMessage replaces the blocks of the last message, then
// clears the buffer and the loading flag. With an empty log only the buffer
// and flag are cleared.
func (m *Manager) CommitStreamingToMessage(blocks []Block) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = nil
	m.loading = false
	if len(m.messages) == 0 {
		return Message{}, false
	}
	last := &m.messages[len(m.messages)-1]
	last.Blocks = cloneBlocks(blocks)
	if last.Blocks == nil {
		last.Blocks = Blocks{}
	}
	return last.Clone(), true
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.streaming = nil
}

func (m *Manager) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.messages))
	for i, msg := range m.messages {
		out[i] = msg.Clone()
	}
	return out
}

func (m *Manager) Loading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

func (m *Manager) SetLoading(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loading = v
}

// Entries encodes the log as blob entries.
func (m *Manager) Entries() (map[string][]byte, error) {
	msgs := m.Messages()
	raw, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	return map[string][]byte{KeyMessages: raw}, nil
}

func (m *Manager) Persist(ctx context.Context, store blobstore.Store) error {
	entries, err := m.Entries()
	if err != nil {
		return err
	}
	if err := store.SetMany(ctx, entries); err != nil {
		return fmt.Errorf("persist messages: %w", err)
	}
	return nil
}

// Load replaces the log with the stored one. An absent key leaves the log
// as it is; read or decode failures leave it empty and are returned for
// logging.
func (m *Manager) Load(ctx context.Context, store blobstore.Store) error {
	var msgs []Message
	ok, err := blobstore.GetJSON(ctx, store, KeyMessages, &msgs)
	if err != nil {
		m.Restore(nil)
		return fmt.Errorf("load messages: %w", err)
	}
	if ok && len(msgs) > 0 {
		m.Restore(msgs)
	}
	return nil
}

// Restore installs msgs, keeping only the newest MaxMessages.
func (m *Manager) Restore(msgs []Message) {
	if over := len(msgs) - MaxMessages; over > 0 {
		msgs = msgs[over:]
	}
	out := make([]Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Clone()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = out
}
