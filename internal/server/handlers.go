package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cloud-shuttle/palaver/internal/conversation"
	"github.com/cloud-shuttle/palaver/internal/events"
	"github.com/cloud-shuttle/palaver/internal/search"
	"github.com/cloud-shuttle/palaver/pkg/types"
)

// ChatRequest is the body of POST /chat
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// ConversationResponse is the body of GET /conversations/{id}
type ConversationResponse struct {
	ConversationID string          `json:"conversation_id"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActiveAt   time.Time       `json:"last_active_at"`
	TotalTokens    int             `json:"total_tokens"`
	Messages       []types.Message `json:"messages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "validation_error", fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, "validation_error", fmt.Errorf("invalid request body: %w", err))
		return
	}

	reply, err := s.engine.ProcessMessage(r.Context(), req.ConversationID, req.Message)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, reply)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"conversations": s.engine.ListConversations(),
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Conversation(mux.Vars(r)["id"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	msgs := snap.Messages
	if msgs == nil {
		msgs = []types.Message{}
	}
	respondJSON(w, http.StatusOK, ConversationResponse{
		ConversationID: snap.ID,
		CreatedAt:      snap.CreatedAt,
		LastActiveAt:   snap.LastActiveAt,
		TotalTokens:    snap.TotalTokens,
		Messages:       msgs,
	})
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearConversation(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Health() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents streams lifecycle events as server-sent events. The type
// query parameter (repeatable or comma separated) and conversation_id
// narrow the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusNotFound, "not_found", fmt.Errorf("event stream is disabled"))
		return
	}

	filter := events.EventFilter{ConversationID: r.URL.Query().Get("conversation_id")}
	for _, v := range r.URL.Query()["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, events.EventType(t))
			}
		}
	}

	stream, err := events.NewStreamer(s.bus, "sse", filter).Start(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", err)
		return
	}

	// Streams outlive the server write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream cannot flush", "error", err)
		return
	}

	for event := range stream {
		data, err := events.FormatEvent(event)
		if err != nil {
			s.logger.Error("encoding event", "event_id", event.ID, "error", err)
			continue
		}
		fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// handleSearch runs a full-text query over persisted messages. Query
// parameters: q (required), conversation_id, role, limit, offset.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		respondError(w, http.StatusNotFound, "not_found", fmt.Errorf("search requires a conversation database"))
		return
	}

	params := r.URL.Query()
	q := search.Query{
		Query:          params.Get("q"),
		ConversationID: params.Get("conversation_id"),
		Role:           types.Role(params.Get("role")),
	}
	if strings.TrimSpace(q.Query) == "" {
		respondError(w, http.StatusBadRequest, "validation_error", fmt.Errorf("query parameter q is required"))
		return
	}
	if q.Role != "" && !q.Role.Valid() {
		respondError(w, http.StatusBadRequest, "validation_error", fmt.Errorf("unknown role %q", q.Role))
		return
	}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		v := params.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "validation_error", fmt.Errorf("%s must be a non-negative integer", name))
			return
		}
		*dst = n
	}

	results, err := s.searcher.Search(r.Context(), q)
	if err != nil {
		s.logger.Warn("search failed", "query", q.Query, "error", err)
		respondError(w, http.StatusBadRequest, "validation_error", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	kind := conversation.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind.String(), "error", err)
	}
	respondError(w, status, kind.String(), err)
}

// statusForKind maps an error kind to its HTTP status
func statusForKind(kind conversation.Kind) int {
	switch kind {
	case conversation.KindValidation:
		return http.StatusBadRequest
	case conversation.KindNotFound:
		return http.StatusNotFound
	case conversation.KindTruncation:
		return http.StatusRequestEntityTooLarge
	case conversation.KindUpstream:
		return http.StatusBadGateway
	case conversation.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the error envelope for every failed request
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failed request
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, errType string, err error) {
	respondJSON(w, status, ErrorResponse{Error: ErrorBody{
		Message: err.Error(),
		Type:    errType,
		Code:    fmt.Sprintf("%d", status),
	}})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
