package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/stepwise/internal/chat"
	"github.com/antoniostano/stepwise/internal/orchestrator"
	"github.com/antoniostano/stepwise/internal/protocol"
	"github.com/antoniostano/stepwise/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

// handleSessionWS streams turns over a websocket. One turn runs at a time; a
// cancel_turn message stops it. Every task store change is pushed as a
// task_snapshot.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	ws, err := s.sessions.Workspace(sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	logger := s.logger.With(zap.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Unblock the read loop once the writer gives up.
		<-ctx.Done()
		_ = conn.Close()
	}()

	outbound := make(chan any, 256)
	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug("websocket write failed", zap.Error(err))
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	events, unsubscribe := ws.Tasks.Subscribe()
	snapshotsDone := make(chan struct{})
	go func() {
		defer close(snapshotsDone)
		for range events {
			if !send(protocol.TaskSnapshot{Type: protocol.TypeTaskSnapshot, SessionID: sessionID, Snapshot: ws.Tasks.Snapshot()}) {
				return
			}
		}
	}()
	send(protocol.TaskSnapshot{Type: protocol.TypeTaskSnapshot, SessionID: sessionID, Snapshot: ws.Tasks.Snapshot()})

	var (
		turnMu     sync.Mutex
		turnCancel context.CancelFunc
		turnWG     sync.WaitGroup
	)
	cancelTurn := func() {
		turnMu.Lock()
		defer turnMu.Unlock()
		if turnCancel != nil {
			turnCancel()
		}
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.CancelTurn:
			cancelTurn()
		case protocol.UserUtterance:
			turnMu.Lock()
			busy := turnCancel != nil
			var turnCtx context.Context
			if !busy {
				turnCtx, turnCancel = context.WithCancel(ctx)
			}
			turnMu.Unlock()
			if busy {
				send(turnError(sessionID, session.ErrTurnInProgress))
				continue
			}

			turnWG.Add(1)
			go func() {
				defer turnWG.Done()
				defer func() {
					turnMu.Lock()
					turnCancel()
					turnCancel = nil
					turnMu.Unlock()
				}()
				s.runTurn(turnCtx, sessionID, msg, send, logger)
			}()
		}
	}

	cancelTurn()
	turnWG.Wait()
	unsubscribe()
	cancel()
	<-snapshotsDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) runTurn(ctx context.Context, sessionID string, msg protocol.UserUtterance, send func(any) bool, logger *zap.Logger) {
	turnID := uuid.NewString()
	ctx = orchestrator.WithTurnID(ctx, turnID)
	onDelta := func(delta string) error {
		if !send(protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			SessionID: sessionID,
			TurnID:    turnID,
			TextDelta: delta,
		}) {
			return errors.New("websocket closed")
		}
		return nil
	}

	var (
		turn orchestrator.Turn
		err  error
	)
	if msg.NewTask {
		turn, err = s.orchestrator.NewTask(ctx, sessionID, msg.Text, onDelta)
	} else {
		turn, err = s.orchestrator.HandleMessage(ctx, sessionID, []chat.Block{chat.Text(msg.Text)}, onDelta)
	}
	if err != nil {
		logger.Info("turn rejected", zap.String("turn_id", turnID), zap.Error(err))
		send(turnError(sessionID, err))
		return
	}
	if turn.Err != nil {
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "brain_unavailable",
			Source:    "brain",
			Retryable: true,
			Detail:    turn.Err.Error(),
		})
	}
	send(protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: sessionID,
		TurnID:    turn.ID,
		Reason:    turn.Outcome,
		Intent:    string(turn.Intent),
		MessageID: turn.Message.ID,
	})
}

func turnError(sessionID string, err error) protocol.ErrorEvent {
	code := "turn_failed"
	switch {
	case errors.Is(err, session.ErrTurnInProgress):
		code = "turn_in_progress"
	case errors.Is(err, session.ErrNotFound):
		code = "session_not_found"
	case errors.Is(err, orchestrator.ErrEmptyUtterance):
		code = "empty_utterance"
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "orchestrator",
		Retryable: errors.Is(err, session.ErrTurnInProgress),
		Detail:    err.Error(),
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.UserUtterance:
		return m.Type, true
	case protocol.CancelTurn:
		return m.Type, true
	case protocol.AssistantTextDelta:
		return m.Type, true
	case protocol.AssistantTurnEnd:
		return m.Type, true
	case protocol.TaskSnapshot:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
