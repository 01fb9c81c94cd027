// Package webhook hosts the HTTP surface of the delay catcher: the Asana
// webhook receiver with its handshake, a keepalive ping, a health check and
// a small status API.
package webhook

import (
	"context"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/delaycatcher/internal/config"
	"github.com/kazz187/delaycatcher/internal/ledger"
	"github.com/kazz187/delaycatcher/internal/snapshot"
	"github.com/kazz187/delaycatcher/pkg/cerr"
	"github.com/kazz187/delaycatcher/pkg/clog"
)

type Server struct {
	server       *http.Server
	env          *config.Env
	trigger      func()
	snapshots    snapshot.Repository
	dueLedger    ledger.Repository
	reasonLedger ledger.Repository
}

// NewServer wires the HTTP surface. trigger schedules a reconciliation
// pass; the server never runs one inline, webhook deliveries must be
// answered fast or Asana drops the registration.
func NewServer(env *config.Env, trigger func(), snapshots snapshot.Repository, dueLedger, reasonLedger ledger.Repository) *Server {
	return &Server{
		env:          env,
		trigger:      trigger,
		snapshots:    snapshots,
		dueLedger:    dueLedger,
		reasonLedger: reasonLedger,
	}
}

// Handler builds the full routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		clog.SlogChiMiddleware(clog.WithChiFilter(func(r *http.Request) bool {
			// Health checks and keepalive pings would drown the log.
			return r.URL.Path != "/" && r.URL.Path != "/ping"
		})),
	)
	r.Get("/", s.handleHealth)
	r.Get("/ping", s.handlePing)
	r.Post("/webhook", s.handleWebhook)
	r.Route("/api", func(r chi.Router) {
		r.Use(cerr.NewJSONResponseChiMiddleware())
		r.Get("/status", s.handleStatus)
		r.Get("/tasks/{taskGID}/transitions", s.handleTransitions)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})
	})
	return r
}

// ListenAndServe starts the HTTP server. The provided context is the base
// context for all incoming requests, so cancelling it on shutdown also
// cancels in-flight handlers.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	s.server = &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}).Handler(s.Handler()), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handlePing is the keepalive endpoint hit by an external cron to keep the
// host from idling out. The token gate stops strangers from using it as a
// free uptime probe.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if s.env.KeepaliveToken != "" && r.URL.Query().Get("token") != s.env.KeepaliveToken {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// handleWebhook answers the Asana handshake and turns real deliveries into
// a scheduled pass. The event body is drained but not parsed: the pass
// diffs full live state, so knowing that something changed is enough.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if secret := r.Header.Get("X-Hook-Secret"); secret != "" {
		w.Header().Set("X-Hook-Secret", secret)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(secret))
		return
	}

	_, _ = io.Copy(io.Discard, r.Body)
	s.trigger()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	Status       string `json:"status"`
	ProjectGID   string `json:"project_gid"`
	TasksTracked int    `json:"tasks_tracked"`
}

func (s *Server) handleStatus(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshots, err := s.snapshots.List(ctx)
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.Internal, "failed to list snapshots", err)
		return
	}
	cerr.SetJSONResponse(ctx, &statusResponse{
		Status:       "ok",
		ProjectGID:   s.env.ProjectGID,
		TasksTracked: len(snapshots),
	})
}

type transitionsResponse struct {
	TaskGID string               `json:"task_gid"`
	Due     []*ledger.Transition `json:"due"`
	Reasons []*ledger.Transition `json:"reasons"`
}

// handleTransitions reports the recorded history of one task, both the due
// slips and the reason changes.
func (s *Server) handleTransitions(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskGID := chi.URLParam(r, "taskGID")

	due, err := s.dueLedger.ListByTask(ctx, taskGID)
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.Internal, "failed to list due transitions", err)
		return
	}
	reasons, err := s.reasonLedger.ListByTask(ctx, taskGID)
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.Internal, "failed to list reason transitions", err)
		return
	}
	cerr.SetJSONResponse(ctx, &transitionsResponse{
		TaskGID: taskGID,
		Due:     due,
		Reasons: reasons,
	})
}
