package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/stepwise/internal/orchestrator"
	"github.com/antoniostano/stepwise/internal/tasks"
)

type createTaskRequest struct {
	Goal string `json:"goal"`
}

type setProgressRequest struct {
	Progress *int    `json:"progress"`
	Label    *string `json:"label"`
}

type advanceResponse struct {
	Advanced bool                `json:"advanced"`
	Result   tasks.AdvanceResult `json:"result"`
	Snapshot tasks.Snapshot      `json:"snapshot"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ws, err := s.sessions.Workspace(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ws.Tasks.Snapshot())
}

// handleCreateTask starts a manual task from a free-text goal and waits for
// the generated plan.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "goal is required")
		return
	}
	turn, err := s.orchestrator.NewTask(r.Context(), chi.URLParam(r, "id"), req.Goal, nil)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, turn)
}

func (s *Server) handleSelectTask(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r, s.orchestrator.SelectTask)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r, s.orchestrator.PauseTask)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r, s.orchestrator.ResumeTask)
}

func (s *Server) respondSnapshot(w http.ResponseWriter, r *http.Request, op func(sessionID, taskID string) (tasks.Snapshot, error)) {
	snap, err := op(chi.URLParam(r, "id"), chi.URLParam(r, "taskID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSetProgress(w http.ResponseWriter, r *http.Request) {
	var req setProgressRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Progress == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "progress is required")
		return
	}
	if *req.Progress < 0 || *req.Progress > 100 {
		respondError(w, http.StatusBadRequest, "invalid_request", "progress must be between 0 and 100")
		return
	}
	if req.Label != nil {
		trimmed := strings.TrimSpace(*req.Label)
		req.Label = &trimmed
	}
	task, err := s.orchestrator.SetProgress(chi.URLParam(r, "id"), chi.URLParam(r, "taskID"), *req.Progress, req.Label)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	res, ok, err := s.orchestrator.AdvanceStep(sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	ws, err := s.sessions.Workspace(sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, advanceResponse{Advanced: ok, Result: res, Snapshot: ws.Tasks.Snapshot()})
}

var _ Orchestrator = (*orchestrator.Orchestrator)(nil)
