// Package server is the bridge's HTTP boundary: health and setup,
// OAuth, session lifecycle, sends, the resumable event stream, and
// artifact serving. Everything except artifact serving runs behind a
// pluggable caller-authorization predicate.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/clawbridge/internal/creds"
	"github.com/user/clawbridge/internal/eventlog"
	"github.com/user/clawbridge/internal/inbox"
	"github.com/user/clawbridge/internal/prompt"
	"github.com/user/clawbridge/internal/supervisor"
	"github.com/user/clawbridge/internal/types"
)

const legacyTokenPrefix = "sk-ant-"

// Authorizer decides whether a request may use the protected surface.
type Authorizer func(*http.Request) bool

// TokenAuthorizer allows requests bearing the given token. An empty
// token allows everything (local development).
func TokenAuthorizer(token string) Authorizer {
	return func(r *http.Request) bool {
		if token == "" {
			return true
		}
		header := r.Header.Get("Authorization")
		return strings.TrimPrefix(header, "Bearer ") == token
	}
}

// Options wires the Server to the rest of the bridge.
type Options struct {
	Log        *eventlog.Log
	Supervisor *supervisor.Supervisor
	Creds      *creds.Store
	PKCE       *creds.PKCE
	Inbox      *inbox.Router
	History    types.HistoryStore
	Prompt     *prompt.Builder
	Authorize  Authorizer
	MemoryDir  string
	Heartbeat  time.Duration
	Version    string
}

// Server is a lightweight HTTP handler for the bridge endpoints.
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// NewServer creates the Server and registers its routes.
func NewServer(opts Options) *Server {
	if opts.Authorize == nil {
		opts.Authorize = func(*http.Request) bool { return true }
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.protected(s.handleHealth))
	s.mux.HandleFunc("POST /setup", s.protected(s.handleSetup))
	s.mux.HandleFunc("GET /oauth/start", s.protected(s.handleOAuthStart))
	s.mux.HandleFunc("POST /oauth/exchange", s.protected(s.handleOAuthExchange))
	s.mux.HandleFunc("GET /events", s.protected(s.handleEvents))
	s.mux.HandleFunc("POST /send", s.protected(s.handleSend))
	s.mux.HandleFunc("POST /session/start", s.protected(s.handleSessionStart))
	s.mux.HandleFunc("POST /session/end", s.protected(s.handleSessionEnd))
	s.mux.HandleFunc("POST /ledger-reset", s.protected(s.handleLedgerReset))
	s.mux.HandleFunc("GET /sessions", s.protected(s.handleSessions))
	s.mux.HandleFunc("GET /artifacts/", s.handleArtifact)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.Authorize(r) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessionID, active := s.opts.Supervisor.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"sessionActive": active,
		"sessionId":     sessionID,
		"needsSetup":    s.opts.Creds.NeedsSetup(),
		"authMethod":    s.opts.Creds.AuthMethod(),
		"version":       s.opts.Version,
	})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	token := strings.TrimSpace(req.Token)
	if !strings.HasPrefix(token, legacyTokenPrefix) {
		http.Error(w, `{"error":"token must start with `+legacyTokenPrefix+`"}`, http.StatusBadRequest)
		return
	}
	if err := s.opts.Creds.SetLegacyToken(token); err != nil {
		slog.Error("persist legacy token failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	authorizationURL, state, err := s.opts.PKCE.StartFlow()
	if err != nil {
		slog.Error("start pkce flow failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authorizationUrl": authorizationURL,
		"state":            state,
	})
}

func (s *Server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	err := s.opts.PKCE.Exchange(r.Context(), req.Code, types.StateToken(req.State))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, creds.ErrInvalidOrExpiredState):
		http.Error(w, `{"error":"invalid or expired state"}`, http.StatusBadRequest)
	default:
		var upstream *creds.UpstreamError
		if errors.As(err, &upstream) {
			slog.Error("token exchange rejected upstream", "status", upstream.Status, "body", upstream.Body)
			http.Error(w, `{"error":"token endpoint rejected the exchange"}`, http.StatusBadGateway)
			return
		}
		slog.Error("token exchange failed", "error", err)
		http.Error(w, `{"error":"token exchange failed"}`, http.StatusBadGateway)
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message     string `json:"message"`
		TargetAgent string `json:"targetAgent"`
		SpeakerName string `json:"speakerName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, `{"error":"message is required"}`, http.StatusBadRequest)
		return
	}
	// Checked here as well as in the supervisor so routed sends, which
	// bypass the subprocess write path, honor the same ceiling.
	if max := s.opts.Supervisor.MaxMessageBytes(); len(req.Message) > max {
		http.Error(w, `{"error":"message too large"}`, http.StatusBadRequest)
		return
	}

	if req.TargetAgent != "" && s.opts.Inbox != nil {
		s.handleRoutedSend(w, req.Message, req.TargetAgent, req.SpeakerName)
		return
	}

	eventID, err := s.opts.Supervisor.Send(req.Message, req.TargetAgent, req.SpeakerName)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"eventId": eventID})
	case errors.Is(err, supervisor.ErrNoActiveSession):
		http.Error(w, `{"error":"no active session"}`, http.StatusConflict)
	case errors.Is(err, supervisor.ErrMessageTooLarge):
		http.Error(w, `{"error":"message too large"}`, http.StatusBadRequest)
	default:
		slog.Error("send failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	}
}

// handleRoutedSend delivers to an auxiliary agent's mailbox. Whether
// the message went direct or relayed through the primary process is
// the router's business; the caller just gets an event id.
func (s *Server) handleRoutedSend(w http.ResponseWriter, message, targetAgent, speakerName string) {
	event := s.opts.Log.Append("", types.EventUserMessage, map[string]any{
		"text":        message,
		"targetAgent": targetAgent,
		"speakerName": speakerName,
	})
	if !s.opts.Inbox.SendToAgent(types.AgentName(targetAgent), message, speakerName) {
		http.Error(w, `{"error":"delivery to agent failed"}`, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"eventId": event.ID})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if s.opts.Creds.NeedsSetup() {
		http.Error(w, `{"error":"setup needed"}`, http.StatusBadRequest)
		return
	}

	var req struct {
		Transcript []string `json:"transcript"`
		Catalog    []string `json:"catalog"`
	}
	// Body is optional; a missing or malformed body seeds nothing.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req.Transcript = nil
		req.Catalog = nil
	}

	wakeup := ""
	if s.opts.Prompt != nil {
		wakeup = s.opts.Prompt.BuildWakeup(req.Transcript, req.Catalog)
	}

	sessionID, eventID, err := s.opts.Supervisor.Start(r.Context(), wakeup)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId": sessionID,
			"eventId":   eventID,
		})
	case errors.Is(err, supervisor.ErrAlreadyActive):
		http.Error(w, `{"error":"session already active"}`, http.StatusConflict)
	default:
		slog.Error("session start failed", "error", err)
		http.Error(w, `{"error":"failed to start agent process"}`, http.StatusInternalServerError)
	}
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Supervisor.End(); err != nil {
		slog.Error("session end failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLedgerReset(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Supervisor.Instruct("[LEDGER_RESET] Re-emit your full status state: every registered agent and its current status.")
	if errors.Is(err, supervisor.ErrNoActiveSession) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "note": "no active session"})
		return
	}
	if err != nil {
		slog.Error("ledger reset failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	records, err := s.opts.History.List(r.Context())
	if err != nil {
		slog.Error("list session history failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleArtifact serves agent-written artifact files from the memory
// directory. Unauthenticated: artifact pages are meant to be shared.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if s.opts.MemoryDir == "" {
		http.Error(w, `{"error":"artifacts not configured"}`, http.StatusNotFound)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if name == "" || name != filepath.Base(name) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".md", ".markdown":
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.opts.MemoryDir, name))
}
