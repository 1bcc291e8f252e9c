// Package server is the HTTP transport for the agent runner: SSE
// streaming chat, non-streaming chat, and turn stop, with bearer-token
// auth delegated to a caller-supplied verifier.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/agentd"
)

// TokenVerifier resolves a bearer token to a user id. Token issuance is
// out of scope; the deployment wires its own verifier (JWT, opaque
// lookup, static map).
type TokenVerifier func(ctx context.Context, token string) (userID string, err error)

// TurnRunner is the part of *agentd.Runner the transport needs.
type TurnRunner interface {
	RunTurn(ctx context.Context, userID, threadID, text string) (<-chan agentd.StreamEvent, error)
	Chat(ctx context.Context, userID, threadID, text string) (agentd.TurnResult, error)
	Stop(threadID string) bool
}

// Server exposes the runner over HTTP.
type Server struct {
	runner  TurnRunner
	threads agentd.ThreadStore
	verify  TokenVerifier
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server. verify must be non-nil; a server with no
// verifier rejects every request.
func New(runner TurnRunner, threads agentd.ThreadStore, verify TokenVerifier, opts ...Option) *Server {
	s := &Server{runner: runner, threads: threads, verify: verify}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(discardHandler{})
	}
	return s
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/stream", s.auth(s.handleChatStream))
	mux.HandleFunc("POST /chat", s.auth(s.handleChat))
	mux.HandleFunc("POST /chat/stop", s.auth(s.handleStop))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// chatRequest is the parsed body of POST /chat and POST /chat/stream.
// An empty thread_id starts a new thread.
type chatRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

type stopRequest struct {
	ThreadID string `json:"thread_id"`
}

const maxRequestBodyBytes = 1 << 20 // 1MB

// auth wraps a handler with bearer-token verification. The resolved
// user id is passed through the request context session.
func (s *Server) auth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.verify == nil {
			writeError(w, http.StatusUnauthorized, agentd.KindAuthRequired, "no token verifier configured")
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, agentd.KindAuthRequired, "missing bearer token")
			return
		}
		userID, err := s.verify(r.Context(), token)
		if err != nil || userID == "" {
			writeError(w, http.StatusUnauthorized, agentd.KindAuthRequired, "invalid token")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, userID string) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	threadID, err := s.ensureThread(r.Context(), userID, req.ThreadID, req.Message)
	if err != nil {
		writeKindError(w, err)
		return
	}

	ch, err := s.runner.RunTurn(r.Context(), userID, threadID, req.Message)
	if err != nil {
		// Pre-stream failures map to statuses; after the first frame
		// everything travels as an error event instead.
		writeKindError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	succeeded := false
	broken := false
	for ev := range ch {
		if ev.Type == agentd.EventDone {
			succeeded = true
		}
		if broken {
			// Keep draining so the turn goroutine can finish and
			// persist; the client is gone.
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
			// Client is gone. Cancel the turn the same way an explicit
			// stop would; the loop checkpoints before winding down.
			broken = true
			s.runner.Stop(threadID)
			continue
		}
		flusher.Flush()
	}
	if !broken {
		io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	if succeeded {
		s.touch(threadID)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, userID string) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	threadID, err := s.ensureThread(r.Context(), userID, req.ThreadID, req.Message)
	if err != nil {
		writeKindError(w, err)
		return
	}

	res, err := s.runner.Chat(r.Context(), userID, threadID, req.Message)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if !res.Stopped {
		s.touch(threadID)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, userID string) {
	var req stopRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, agentd.KindInternal, "invalid JSON: "+err.Error())
		return
	}
	if req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, agentd.KindInternal, "thread_id is required")
		return
	}
	if _, err := s.ownedThread(r.Context(), userID, req.ThreadID); err != nil {
		writeKindError(w, err)
		return
	}
	if !s.runner.Stop(req.ThreadID) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "not-running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, agentd.KindInternal, "invalid JSON: "+err.Error())
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, agentd.KindInternal, "message is required")
		return req, false
	}
	return req, true
}

// ensureThread resolves the target thread: an empty id creates a new
// thread titled from the first message; a supplied id must exist and
// belong to the caller.
func (s *Server) ensureThread(ctx context.Context, userID, threadID, message string) (string, error) {
	if threadID == "" {
		now := agentd.NowUnix()
		t := agentd.Thread{
			ID:        agentd.NewID(),
			UserID:    userID,
			Title:     agentd.AutoTitle(message),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.threads.CreateThread(ctx, t); err != nil {
			return "", agentd.E(agentd.KindStorageUnavailable, "thread create failed", err)
		}
		return t.ID, nil
	}
	if _, err := s.ownedThread(ctx, userID, threadID); err != nil {
		return "", err
	}
	return threadID, nil
}

// ownedThread loads a thread and checks ownership. A thread owned by
// another user reports not-found, not forbidden, so ids don't leak.
func (s *Server) ownedThread(ctx context.Context, userID, threadID string) (agentd.Thread, error) {
	t, ok, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		return agentd.Thread{}, agentd.E(agentd.KindStorageUnavailable, "thread lookup failed", err)
	}
	if !ok || t.UserID != userID {
		return agentd.Thread{}, agentd.Errf(agentd.KindThreadNotFound, "thread %s not found", threadID)
	}
	return t, nil
}

func (s *Server) touch(threadID string) {
	// Touch runs detached from the request; a failed bump only skews
	// thread ordering.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.threads.TouchThread(ctx, threadID); err != nil {
		s.logger.Warn("thread touch failed", "thread", threadID, "error", err)
	}
}

// statusFor maps error kinds onto HTTP statuses for pre-stream failures.
func statusFor(kind agentd.Kind) int {
	switch kind {
	case agentd.KindAuthRequired:
		return http.StatusUnauthorized
	case agentd.KindThreadNotFound:
		return http.StatusNotFound
	case agentd.KindThreadBusy:
		return http.StatusConflict
	case agentd.KindStorageUnavailable, agentd.KindLLMUnavailable, agentd.KindSandboxUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeKindError(w http.ResponseWriter, err error) {
	kind := agentd.KindOf(err)
	detail := err.Error()
	var e *agentd.Error
	if errors.As(err, &e) {
		detail = e.Detail
	}
	writeError(w, statusFor(kind), kind, detail)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, kind agentd.Kind, detail string) {
	writeJSON(w, code, map[string]string{"error": detail, "kind": string(kind)})
}
