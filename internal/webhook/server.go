// Package webhook receives signed tracker webhooks, normalizes them, and
// dispatches them to the trigger engine or the gate-resume path.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/config"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/events"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/session"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/trigger"
)

// maxBodyBytes caps webhook payload size.
const maxBodyBytes = 1 << 20

// Options configures the webhook server.
type Options struct {
	Host string
	Port int
}

// Server hosts the webhook endpoints and the live event feed.
type Server struct {
	cfg        *config.Config
	mgr        *session.Manager
	engine     *trigger.Engine
	bus        *events.Bus
	httpServer *http.Server
	host       string
	port       int
}

// sessionLister adapts the session manager to the trigger engine's guard.
type sessionLister struct {
	mgr *session.Manager
}

func (l sessionLister) ListSessions(projectID string) ([]trigger.SessionInfo, error) {
	sessions, err := l.mgr.List(context.Background(), projectID)
	if err != nil {
		return nil, err
	}
	out := make([]trigger.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, trigger.SessionInfo{ID: s.ID, IssueID: s.IssueID, Status: s.Status})
	}
	return out, nil
}

// NewServer constructs the webhook server.
func NewServer(cfg *config.Config, mgr *session.Manager, bus *events.Bus, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port <= 0 {
		port = 8477
	}

	srv := &Server{
		cfg:    cfg,
		mgr:    mgr,
		engine: trigger.NewEngine(cfg, sessionLister{mgr}),
		bus:    bus,
		host:   host,
		port:   port,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/webhooks/github", srv.handleGitHub)
	mux.HandleFunc("POST /api/webhooks/plane", srv.handlePlane)
	mux.HandleFunc("GET /api/health", srv.handleHealth)
	mux.HandleFunc("GET /api/debug/tail", srv.handleDebugTail)
	mux.HandleFunc("GET /ws/events", srv.handleEventsWebSocket)

	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Start serves in a background goroutine and returns immediately.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("webhook", "server stopped with error", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpServer == nil {
		return nil
	}
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the bound host:port.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

// Handler exposes the HTTP handler for tests.
func (srv *Server) Handler() http.Handler {
	return srv.httpServer.Handler
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDebugTail serves the in-memory tail of the diagnostic log, so a
// running coordinator can be inspected without shell access to its host.
func (srv *Server) handleDebugTail(w http.ResponseWriter, r *http.Request) {
	if !debug.Enabled() {
		writeError(w, http.StatusNotFound, "debug logging disabled")
		return
	}
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": debug.Tail(n)})
}

// --- helpers ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		debug.LogKV("webhook", "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		debug.LogKV("webhook", "failed to encode json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// verifySignature checks the raw body's HMAC-SHA256 against every secret
// configured for the provider, in constant time. The project is not known
// before the body is parsed, so any configured secret authenticates the
// delivery; project matching happens later in the trigger engine.
func (srv *Server) verifySignature(provider, sigHex string, body []byte) bool {
	sigHex = strings.TrimSpace(sigHex)
	if sigHex == "" {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	for _, id := range srv.cfg.ProjectIDs() {
		p := srv.cfg.Project(id)
		var secret string
		switch provider {
		case "github":
			if p.Webhooks.GitHub != nil {
				secret = p.Webhooks.GitHub.Secret
			}
		case "plane":
			if p.Webhooks.Plane != nil {
				secret = p.Webhooks.Plane.Secret
			}
		}
		if secret == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(sig, mac.Sum(nil)) {
			return true
		}
	}
	return false
}

// dispatch routes a normalized event: comments go to the gate-resume path,
// everything else through the trigger engine to spawn.
func (srv *Server) dispatch(ctx context.Context, ev trigger.Event) {
	if ev.Event == trigger.EventIssueComment {
		srv.gateResume(ctx, ev)
		return
	}

	decision := srv.engine.Evaluate(ev)
	if decision == nil {
		return
	}
	debug.LogKV("webhook", "trigger decision",
		"project", decision.ProjectID, "issue", decision.IssueID, "rule", decision.Rule.On, "action", decision.Rule.Action)

	if decision.Rule.Action == "resume-session" {
		srv.resumeSession(ctx, decision)
		return
	}

	s, err := srv.mgr.Spawn(ctx, session.SpawnRequest{
		ProjectID: decision.ProjectID,
		IssueID:   decision.IssueID,
	})
	if err != nil {
		// Spawn failures never bounce the delivery; the provider would
		// only retry a payload that will fail identically.
		debug.LogKV("webhook", "spawn failed", "project", decision.ProjectID, "issue", decision.IssueID, "error", err)
		return
	}

	// Fire-and-forget the confirmation comment.
	go srv.postSpawnComment(decision.ProjectID, decision.IssueID, s.ID)
}

// resumeSession delivers a resume-session rule's message to the active
// session for the triggering issue.
func (srv *Server) resumeSession(ctx context.Context, decision *trigger.SpawnDecision) {
	sessions, err := srv.mgr.List(ctx, decision.ProjectID)
	if err != nil {
		debug.LogKV("webhook", "resume list failed", "project", decision.ProjectID, "error", err)
		return
	}
	needle := fmt.Sprintf("%d", decision.Event.Issue.Number)
	for _, s := range sessions {
		if !session.IsActive(s.Status) {
			continue
		}
		if decision.Event.Issue.Number > 0 && !strings.Contains(s.IssueID, needle) {
			continue
		}
		message := decision.Rule.Message
		if message == "" {
			message = "Please continue working on this issue."
		}
		if err := srv.mgr.Send(ctx, s.ID, message); err != nil {
			debug.LogKV("webhook", "resume send failed", "session", s.ID, "error", err)
		}
		return
	}
}

func (srv *Server) postSpawnComment(projectID, issueID, sessionID string) {
	plugins, err := srv.mgr.Resolved(projectID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	comment := fmt.Sprintf("spawned session `%s`", sessionID)
	if err := plugins.Tracker.UpdateIssue(ctx, issueID, plugin.IssueUpdate{Comment: comment}, plugins.Ref); err != nil {
		debug.LogKV("webhook", "spawn comment failed", "session", sessionID, "error", err)
	}
}
