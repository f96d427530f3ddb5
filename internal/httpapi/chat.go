package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/stepwise/internal/chat"
)

type chatRequest struct {
	Text        string            `json:"text"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
}

type messagesResponse struct {
	Messages  []chat.Message `json:"messages"`
	Loading   bool           `json:"loading"`
	Streaming *string        `json:"streaming,omitempty"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ws, err := s.sessions.Workspace(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	resp := messagesResponse{Messages: ws.Chat.Messages(), Loading: ws.Chat.Loading()}
	if content, ok := ws.Chat.StreamingContent(); ok {
		resp.Streaming = &content
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.ClearMessages(chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChat runs one turn and answers once the reply is complete. Image and
// audio attachments use the block encoding of the message log.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	blocks := make([]chat.Block, 0, len(req.Attachments)+1)
	for _, raw := range req.Attachments {
		b, err := chat.UnmarshalBlock(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_attachment", err.Error())
			return
		}
		blocks = append(blocks, b)
	}
	if text := strings.TrimSpace(req.Text); text != "" {
		blocks = append(blocks, chat.Text(text))
	}

	turn, err := s.orchestrator.HandleMessage(r.Context(), chi.URLParam(r, "id"), blocks, nil)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, turn)
}
