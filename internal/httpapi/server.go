package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/stepwise/internal/blobstore"
	"github.com/antoniostano/stepwise/internal/brain"
	"github.com/antoniostano/stepwise/internal/chat"
	"github.com/antoniostano/stepwise/internal/config"
	"github.com/antoniostano/stepwise/internal/observability"
	"github.com/antoniostano/stepwise/internal/orchestrator"
	"github.com/antoniostano/stepwise/internal/session"
	"github.com/antoniostano/stepwise/internal/tasks"
)

// Orchestrator is the turn and task surface the API drives.
type Orchestrator interface {
	HandleMessage(ctx context.Context, sessionID string, blocks []chat.Block, onDelta brain.DeltaHandler) (orchestrator.Turn, error)
	NewTask(ctx context.Context, sessionID, goal string, onDelta brain.DeltaHandler) (orchestrator.Turn, error)
	SelectTask(sessionID, taskID string) (tasks.Snapshot, error)
	PauseTask(sessionID, taskID string) (tasks.Snapshot, error)
	ResumeTask(sessionID, taskID string) (tasks.Snapshot, error)
	AdvanceStep(sessionID string) (tasks.AdvanceResult, bool, error)
	SetProgress(sessionID, taskID string, progress int, label *string) (tasks.TaskPlan, error)
	ClearMessages(sessionID string) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	metrics      *observability.Metrics
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		metrics:      metrics,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/debug/turns", s.handleTurnLatency)
	r.Delete("/v1/debug/turns", s.handleTurnLatencyReset)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Post("/end", s.handleEndSession)
		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleCreateTask)
		r.Post("/tasks/{taskID}/select", s.handleSelectTask)
		r.Post("/tasks/{taskID}/pause", s.handlePauseTask)
		r.Post("/tasks/{taskID}/resume", s.handleResumeTask)
		r.Post("/tasks/{taskID}/progress", s.handleSetProgress)
		r.Post("/advance", s.handleAdvance)
		r.Get("/messages", s.handleListMessages)
		r.Delete("/messages", s.handleClearMessages)
		r.Post("/chat", s.handleChat)
		r.Get("/ws", s.handleSessionWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"brain_mode": s.cfg.BrainMode,
		"store_mode": blobstore.Mode(s.cfg.StoreURL),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
		"store_mode":      blobstore.Mode(s.cfg.StoreURL),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, reused, err := s.sessions.Create(r.Context(), strings.TrimSpace(req.UserID))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !reused {
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	respondJSON(w, status, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Reused:          reused,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(r.Context(), id)
	if err != nil && sess == nil {
		respondServiceError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("session ended with unflushed state", zap.String("session_id", id), zap.Error(err))
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTurnLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.TurnSnapshot{Stages: []observability.StageStats{}})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.TurnSnapshot())
}

func (s *Server) handleTurnLatencyReset(w http.ResponseWriter, _ *http.Request) {
	if s.metrics != nil {
		s.metrics.ResetTurnWindow()
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondServiceError maps domain errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, session.ErrTurnInProgress):
		respondError(w, http.StatusConflict, "turn_in_progress", err.Error())
	case errors.Is(err, orchestrator.ErrEmptyUtterance):
		respondError(w, http.StatusBadRequest, "empty_utterance", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
