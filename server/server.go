// Package server exposes the chat pipeline over HTTP: the turn endpoint,
// history management, archive access, and session export/import.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/renyus/prisma"
	"github.com/renyus/prisma/engine"
	"github.com/renyus/prisma/lore"
	"github.com/renyus/prisma/prompt"
)

// maxBodyBytes bounds request bodies; imports carry whole sessions.
const maxBodyBytes = 8 << 20

// exportVersion tags the session transfer payload.
const exportVersion = 1

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server routes HTTP requests into the engine.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
}

// New builds a Server over the engine.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine: e,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("DELETE /chat/history", s.handleDeleteHistory)
	mux.HandleFunc("GET /chat/messages", s.handleMessages)
	mux.HandleFunc("GET /chat/archived", s.handleArchived)
	mux.HandleFunc("POST /chat/unarchive", s.handleUnarchive)
	mux.HandleFunc("GET /chat/export", s.handleExport)
	mux.HandleFunc("POST /chat/import", s.handleImport)
	return mux
}

type chatRequest struct {
	UserID             string                `json:"user_id"`
	Message            string                `json:"message"`
	Card               *prisma.CharacterCard `json:"card"`
	Lore               []prisma.LoreEntry    `json:"lore"`
	MaxContextMessages int                   `json:"max_context_messages"`
	MaxContextTokens   int                   `json:"max_context_tokens"`
	Model              string                `json:"model"`
	Memory             *engine.MemoryConfig  `json:"memory_config"`

	Temperature      *float64 `json:"temperature"`
	TopP             *float64 `json:"top_p"`
	MaxTokens        *int     `json:"max_tokens"`
	FrequencyPenalty *float64 `json:"frequency_penalty"`
	PresencePenalty  *float64 `json:"presence_penalty"`
}

type chatResponse struct {
	Reply            string            `json:"reply"`
	SystemPreview    string            `json:"systemPreview"`
	UsedLore         lore.Blocks       `json:"usedLore"`
	TriggeredEntries []string          `json:"triggered_entries"`
	Model            string            `json:"model"`
	TokenStats       prompt.TokenStats `json:"tokenStats"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	var params *prisma.GenerationParams
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil ||
		req.FrequencyPenalty != nil || req.PresencePenalty != nil {
		params = &prisma.GenerationParams{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			MaxTokens:        req.MaxTokens,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
		}
	}
	resp, err := s.engine.Turn(r.Context(), engine.TurnRequest{
		UserID:             req.UserID,
		Message:            req.Message,
		Card:               req.Card,
		Lore:               req.Lore,
		MaxContextMessages: req.MaxContextMessages,
		MaxContextTokens:   req.MaxContextTokens,
		Model:              req.Model,
		Memory:             req.Memory,
		Params:             params,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chatResponse{
		Reply:            resp.Reply,
		SystemPreview:    resp.SystemPreview,
		UsedLore:         resp.UsedLore,
		TriggeredEntries: emptyIfNil(resp.TriggeredEntries),
		Model:            resp.Model,
		TokenStats:       resp.TokenStats,
	})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := s.engine.DeleteHistory(r.Context(), q.Get("user_id"), q.Get("character_id"), q.Get("scope"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		s.fail(w, &prisma.ErrBadRequest{Field: "user_id", Reason: "required"})
		return
	}
	msgs, err := s.engine.Messages(r.Context(), userID, q.Get("character_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": emptyIfNil(msgs)})
}

func (s *Server) handleArchived(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		s.fail(w, &prisma.ErrBadRequest{Field: "user_id", Reason: "required"})
		return
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.engine.Archived(r.Context(), userID, q.Get("character_id"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": emptyIfNil(msgs)})
}

func (s *Server) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		s.fail(w, &prisma.ErrBadRequest{Field: "ids", Reason: "empty"})
		return
	}
	n, err := s.engine.Unarchive(r.Context(), req.IDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"restored": n})
}

// exportBundle is the versioned session transfer payload. It carries the
// messages and the identifying metadata only, never settings.
type exportBundle struct {
	Version     int                  `json:"version"`
	UserID      string               `json:"user_id"`
	CharacterID string               `json:"character_id,omitempty"`
	ExportedAt  int64                `json:"exported_at"`
	Messages    []prisma.ChatMessage `json:"messages"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		s.fail(w, &prisma.ErrBadRequest{Field: "user_id", Reason: "required"})
		return
	}
	cardID := q.Get("character_id")
	msgs, err := s.engine.Export(r.Context(), userID, cardID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exportBundle{
		Version:     exportVersion,
		UserID:      userID,
		CharacterID: cardID,
		ExportedAt:  prisma.NowMicro(),
		Messages:    emptyIfNil(msgs),
	})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var bundle exportBundle
	if !s.decode(w, r, &bundle) {
		return
	}
	if bundle.Version != exportVersion {
		s.fail(w, &prisma.ErrBadRequest{Field: "version", Reason: "unsupported"})
		return
	}
	n, err := s.engine.Import(r.Context(), bundle.UserID, bundle.CharacterID, bundle.Messages)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.fail(w, &prisma.ErrBadRequest{Field: "body", Reason: "invalid JSON"})
		return false
	}
	return true
}

// fail maps pipeline errors onto status codes: validation 400, everything
// else (upstream, storage) 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var badReq *prisma.ErrBadRequest
	if errors.As(err, &badReq) {
		status = http.StatusBadRequest
	} else {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
