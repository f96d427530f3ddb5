package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/antoniostano/stepwise/internal/tasks"
)

func TestParseClientMessageUtterance(t *testing.T) {
	raw := []byte(`{"type":"user_utterance","session_id":"s1","text":"plan a trip to Kyoto"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	u, ok := msg.(UserUtterance)
	if !ok {
		t.Fatalf("message type = %T, want UserUtterance", msg)
	}
	if u.SessionID != "s1" || u.Text != "plan a trip to Kyoto" || u.NewTask {
		t.Fatalf("unexpected utterance: %+v", u)
	}
}

func TestParseClientMessageCancel(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"cancel_turn","turn_id":"t9"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	c, ok := msg.(CancelTurn)
	if !ok || c.TurnID != "t9" {
		t.Fatalf("message = %#v, want CancelTurn t9", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsBlankUtterance(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"user_utterance","text":"   "}`)); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestTaskSnapshotEncodesFocus(t *testing.T) {
	msg := TaskSnapshot{
		Type:      TypeTaskSnapshot,
		SessionID: "s1",
		Snapshot: tasks.Snapshot{
			Tasks:         []tasks.TaskPlan{{ID: "t1", Title: "Trip"}},
			CurrentTaskID: "t1",
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded struct {
		Type     string `json:"type"`
		Snapshot struct {
			CurrentTaskID string `json:"current_task_id"`
		} `json:"snapshot"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Type != "task_snapshot" || decoded.Snapshot.CurrentTaskID != "t1" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func BenchmarkParseClientMessageUtterance(b *testing.B) {
	raw := []byte(`{"type":"user_utterance","session_id":"s1","text":"next step please"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(UserUtterance); !ok {
			b.Fatalf("message type = %T, want UserUtterance", msg)
		}
	}
}
