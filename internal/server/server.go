// Package server exposes the chat pipeline over HTTP:
//
//	POST /v1/chat                  -> streamed reply, or a generated file
//	GET  /v1/conversations         -> summaries for ?user_id=
//	GET  /v1/conversations/{id}    -> full history
//	GET  /v1/usage                 -> budget ledger for ?user_id=
//	GET  /v1/stats                 -> gate, budget and background counters
//	GET  /healthz                  -> cache health and store ping
package server

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/app"
	"chatcore/internal/attachment"
	"chatcore/internal/cache"
	"chatcore/internal/config"
	"chatcore/internal/gate"
	"chatcore/internal/logging"
	"chatcore/internal/orchestrator"
	"chatcore/internal/store"
	"chatcore/internal/stream"
)

// Response headers.
const (
	HeaderProcessingTime      = "X-Processing-Time-Ms"
	HeaderSessionID           = "X-Session-Id"
	HeaderConversationID      = "X-Conversation-Id"
	HeaderMode                = "X-Response-Mode"
	HeaderTokenUsage          = "X-Token-Usage"
	HeaderCapabilityUsage     = "X-Capability-Usage"
	HeaderTokenUsageFinal     = "X-Token-Usage-Final"
	HeaderResponseQuality     = "X-Response-Quality"
	HeaderProcessingTimeTotal = "X-Processing-Time-Total-Ms"
	HeaderFileType            = "X-File-Type"
	HeaderGeneratedFile       = "X-Generated-File"
	HeaderFileError           = "X-File-Error"
	HeaderUserID              = "X-User-Id"
)

// Server routes requests to the wired application.
type Server struct {
	app     *app.App
	maxBody int64
	now     func() time.Time
}

// New returns the routed handler for a.
func New(a *app.App) http.Handler {
	s := &Server{app: a, maxBody: a.Config.Server.MaxBodyBytes, now: time.Now}
	if s.maxBody <= 0 {
		s.maxBody = 8 << 20
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return withLogging(mux)
}

// NewHTTPServer wraps handler with the configured timeouts.
func NewHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.GetReadHeaderTimeout(),
		IdleTimeout:       2 * time.Minute,
	}
}

// chatRequest is the POST /v1/chat body.
type chatRequest struct {
	Messages       []gate.Message          `json:"messages"`
	Model          string                  `json:"model,omitempty"`
	Attachments    []attachment.Attachment `json:"attachments,omitempty"`
	SessionID      string                  `json:"session_id,omitempty"`
	ConversationID string                  `json:"conversation_id,omitempty"`
	UserID         string                  `json:"user_id,omitempty"`
	Metadata       map[string]string       `json:"metadata,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	turn, err := s.decodeTurn(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	var declaredTrailers bool
	responder := orchestrator.ResponderFunc(func(p orchestrator.Preflight) stream.Sink {
		return &stream.HTTPSink{W: w, OnBegin: func(h http.Header) {
			h.Set("Content-Type", "text/plain; charset=utf-8")
			h.Set("Cache-Control", "no-cache")
			h.Set("X-Content-Type-Options", "nosniff")
			setContextHeaders(h, p.Context, p.Mode)
			h.Set(HeaderProcessingTime, millis(s.now().Sub(start)))
			if p.Mode == config.ModeFull {
				h.Set(HeaderTokenUsage, orchestrator.Header(p.Estimate))
				h.Set(HeaderCapabilityUsage, orchestrator.Header(p.Capabilities))
				h.Set("Trailer", strings.Join([]string{HeaderTokenUsageFinal, HeaderResponseQuality, HeaderProcessingTimeTotal}, ", "))
				declaredTrailers = true
			}
		}}
	})

	out, err := s.app.Pipeline.Handle(r.Context(), turn, clientOrigin(r), responder)
	if err != nil {
		writeError(w, err)
		return
	}

	if out.Buffered {
		s.writeBuffered(w, out, start)
		return
	}
	if declaredTrailers {
		h := w.Header()
		h.Set(HeaderTokenUsageFinal, orchestrator.Header(out.Metadata.Usage))
		h.Set(HeaderResponseQuality, orchestrator.Header(out.Metadata.Quality))
		h.Set(HeaderProcessingTimeTotal, millis(s.now().Sub(start)))
	}
}

// writeBuffered sends a held-back reply as a file, or as text when no file
// could be produced.
func (s *Server) writeBuffered(w http.ResponseWriter, out *orchestrator.Outcome, start time.Time) {
	h := w.Header()
	setContextHeaders(h, out.Context, out.Metadata.Mode)
	h.Set(HeaderTokenUsageFinal, orchestrator.Header(out.Metadata.Usage))
	h.Set(HeaderResponseQuality, orchestrator.Header(out.Metadata.Quality))
	h.Set(HeaderProcessingTime, millis(s.now().Sub(start)))

	if f := out.File; f != nil {
		h.Set("Content-Type", f.ContentType)
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
		h.Set("Content-Length", strconv.Itoa(len(f.Data)))
		h.Set(HeaderFileType, f.Type)
		h.Set(HeaderGeneratedFile, "true")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(f.Data); err != nil {
			logging.HTTPDebug("file write aborted: %v", err)
		}
		return
	}

	if out.FileError != "" {
		h.Set(HeaderFileError, out.FileError)
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(out.Text)); err != nil {
		logging.HTTPDebug("text write aborted: %v", err)
	}
}

func (s *Server) decodeTurn(w http.ResponseWriter, r *http.Request) (gate.Turn, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return gate.Turn{}, apperr.Validation(apperr.CodeMalformedRequest, "Request body is too large")
		}
		return gate.Turn{}, apperr.Validation(apperr.CodeMalformedRequest, "Request body is not valid JSON")
	}
	if len(req.Messages) == 0 {
		return gate.Turn{}, apperr.Validation(apperr.CodeMalformedRequest, "messages is required")
	}
	user := req.UserID
	if user == "" {
		user = r.Header.Get(HeaderUserID)
	}
	return gate.Turn{
		Messages:       req.Messages,
		Attachments:    req.Attachments,
		Model:          req.Model,
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		UserID:         user,
		Metadata:       req.Metadata,
		AcceptLanguage: r.Header.Get("Accept-Language"),
	}, nil
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_id")
	if user == "" {
		writeError(w, apperr.Validation(apperr.CodeMalformedRequest, "user_id is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	summaries, err := s.app.Store.ListSummaries(r.Context(), user, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.app.Store.Conversation(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "Conversation not found"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_id")
	if user == "" {
		writeError(w, apperr.Validation(apperr.CodeMalformedRequest, "user_id is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.app.Governor.Snapshot(user))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"gate":         s.app.Gate.Stats(),
		"budget":       s.app.Governor.Stats(),
		"background":   s.app.Background.Stats(),
		"cache":        s.app.Memory.Stats(),
		"capabilities": s.app.Registry.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ch := s.app.Cache.HealthCheck(ctx)
	storeStatus := "ok"
	if err := s.app.Store.Ping(ctx); err != nil {
		storeStatus = err.Error()
	}
	status, code := "ok", http.StatusOK
	switch {
	case storeStatus != "ok":
		status, code = "unavailable", http.StatusServiceUnavailable
	case ch.Status != cache.StatusHealthy:
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"mode":   s.app.Pipeline.Mode(),
		"cache":  ch,
		"store":  storeStatus,
	})
}

func setContextHeaders(h http.Header, rc *gate.RequestContext, mode string) {
	h.Set(HeaderSessionID, rc.SessionID)
	h.Set(HeaderConversationID, rc.ConversationID)
	h.Set(HeaderMode, mode)
}

// writeError renders err with its apperr status. Rate limits carry
// Retry-After in whole seconds.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	code, msg := apperr.Public(err)
	if e, ok := apperr.As(err); ok && e.RetryAfter > 0 {
		secs := int((e.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status >= http.StatusInternalServerError {
		logging.HTTPError("request failed: %v", err)
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.HTTPDebug("encode response: %v", err)
	}
}

// clientOrigin is the first X-Forwarded-For hop, else the peer host.
func clientOrigin(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
