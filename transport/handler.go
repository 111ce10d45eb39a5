// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wolfbot-labs/wolflink/connlog"
	"github.com/wolfbot-labs/wolflink/lib/clock"
	"github.com/wolfbot-labs/wolflink/linking"
)

// recentLimit is how many history entries the stats endpoint returns.
const recentLimit = 20

// Handler routes the linking API.
type Handler struct {
	registry *linking.Registry
	history  *connlog.Log
	clock    clock.Clock
	logger   *slog.Logger
	mux      *http.ServeMux
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Registry is the session registry. Required.
	Registry *linking.Registry

	// History serves the stats endpoint. Optional; without it the
	// stats endpoint reports live sessions only.
	History *connlog.Log

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger receives request-handling errors. Nil means discard.
	Logger *slog.Logger
}

// NewHandler builds the API handler.
func NewHandler(config HandlerConfig) *Handler {
	if config.Registry == nil {
		panic("transport.Handler: Registry is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	h := &Handler{
		registry: config.Registry,
		history:  config.History,
		clock:    config.Clock,
		logger:   config.Logger,
		mux:      http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /api/sessions", h.handleCreateSession)
	h.mux.HandleFunc("GET /api/sessions", h.handleListSessions)
	h.mux.HandleFunc("GET /api/sessions/{id}", h.handleGetSession)
	h.mux.HandleFunc("DELETE /api/sessions/{id}", h.handleTerminateSession)
	h.mux.HandleFunc("GET /api/sessions/{id}/events", h.handleSessionEvents)
	h.mux.HandleFunc("GET /api/stats", h.handleStats)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// createSessionRequest is the POST /api/sessions body.
type createSessionRequest struct {
	ConnectionMethod linking.Method `json:"connection_method"`
	PhoneNumber      string         `json:"phone_number,omitempty"`
}

// sessionResponse is a snapshot plus a human-readable status line.
type sessionResponse struct {
	linking.Snapshot
	Message string `json:"message"`
}

func toResponse(snap linking.Snapshot) sessionResponse {
	return sessionResponse{Snapshot: snap, Message: statusMessage(snap.Status)}
}

// statusMessage maps a status to the line clients display.
func statusMessage(status linking.Status) string {
	switch status {
	case linking.StatusPending:
		return "Initializing connection..."
	case linking.StatusConnecting:
		return "Connecting to WhatsApp..."
	case linking.StatusConnected:
		return "Connected successfully"
	case linking.StatusFailed:
		return "Connection failed"
	case linking.StatusTerminated:
		return "Session ended"
	default:
		return string(status)
	}
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.ConnectionMethod == "" {
		req.ConnectionMethod = linking.MethodQR
	}

	snap, err := h.registry.Create(req.ConnectionMethod, req.PhoneNumber)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}

	h.logger.Info("session created",
		"session_id", snap.SessionID,
		"connection_method", snap.Method,
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toResponse(snap)); err != nil {
		h.logger.Warn("writing JSON response", "error", err)
	}
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snaps := h.registry.ListAll()
	responses := make([]sessionResponse, 0, len(snaps))
	for _, snap := range snaps {
		responses = append(responses, toResponse(snap))
	}
	h.writeJSON(w, responses)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		h.sendError(w, http.StatusNotFound, "unknown session: %s", r.PathValue("id"))
		return
	}
	h.writeJSON(w, toResponse(snap))
}

func (h *Handler) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.registry.Terminate(id) {
		h.sendError(w, http.StatusNotFound, "unknown session: %s", id)
		return
	}
	h.writeJSON(w, map[string]string{"status": "terminated", "session_id": id})
}

// handleSessionEvents streams a session's events as server-sent
// events. The stream closes when the session ends or the client
// disconnects.
func (h *Handler) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, ok := h.registry.Subscribe(id)
	if !ok {
		h.sendError(w, http.StatusNotFound, "unknown session: %s", id)
		return
	}
	defer sub.Cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.sendError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("encoding event", "session_id", id, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// statsResponse is the GET /api/stats body.
type statsResponse struct {
	// Live counts sessions currently held by the registry.
	Live int `json:"live"`

	// Sessions aggregates the durable history.
	Sessions connlog.Summary `json:"sessions"`

	// Recent lists the latest history entries, newest first.
	Recent []connlog.Entry `json:"recent,omitempty"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := statsResponse{Live: len(h.registry.ListAll())}

	if h.history != nil {
		summary, err := h.history.Summarize(r.Context(), h.clock.Now())
		if err != nil {
			h.sendError(w, http.StatusInternalServerError, "reading history: %v", err)
			return
		}
		recent, err := h.history.Recent(r.Context(), recentLimit)
		if err != nil {
			h.sendError(w, http.StatusInternalServerError, "reading history: %v", err)
			return
		}
		stats.Sessions = summary
		stats.Recent = recent
	}
	h.writeJSON(w, stats)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// writeJSON encodes value as JSON into w, setting the Content-Type
// header.
func (h *Handler) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing JSON response", "error", err)
	}
}

func (h *Handler) sendError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf(format, args...)}); err != nil {
		h.logger.Warn("writing error response", "error", err)
	}
}
