package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/server/internal/agentregistry"
	"github.com/coldvault/coldvault/server/internal/intake"
	"github.com/coldvault/coldvault/server/internal/metrics"
	"github.com/coldvault/coldvault/server/internal/orchestrator"
	"github.com/coldvault/coldvault/server/internal/repository"
	"github.com/coldvault/coldvault/server/internal/scheduler"
	"github.com/coldvault/coldvault/server/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Registry     *agentregistry.Registry
	Hub          *websocket.Hub
	Intake       *intake.Handler
	Metrics      *metrics.Metrics
	Logger       *zap.Logger

	// Repositories — used directly by handlers that do not need service-layer logic.
	Agents        repository.AgentRepository
	Jobs          repository.JobRepository
	Snapshots     repository.SnapshotRepository
	Notifications repository.NotificationRepository
	Settings      repository.SettingsRepository

	// SharedSecret is the single bearer token both the REST API and the
	// agent control-plane connection authenticate against.
	SharedSecret string
}

// NewRouter builds and returns the fully configured Chi router.
// Resource CRUD lives under /api/v1; the file-transfer ingress lives under
// /api/files since it carries raw bytes rather than JSON, and the agent
// control-plane upgrade lives at /api/v1/agent/connect.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status, bytes
	// written, request ID and remote address.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Snapshots, cfg.Scheduler, cfg.Orchestrator, cfg.Logger)
	snapshotHandler := NewSnapshotHandler(cfg.Snapshots, cfg.Orchestrator, cfg.Logger)
	notificationHandler := NewNotificationHandler(cfg.Notifications, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.Settings, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.SharedSecret, cfg.Logger)
	controlPlane := NewControlPlaneHandler(cfg.Agents, cfg.Orchestrator, cfg.Registry, cfg.Hub, cfg.Metrics, cfg.Logger)

	authMW := Authenticate(cfg.SharedSecret)

	// --- Operational endpoints, unauthenticated ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	// --- UI push channel — authenticated via ?token= query param, not the
	// Authorization header, since browsers cannot set custom headers on a
	// native WebSocket connection. See WSHandler.
	r.Get("/api/v1/ws", wsHandler.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMW)

		// Agents — created implicitly by the control-plane register
		// handshake, not through this REST surface.
		r.Get("/agents", agentHandler.List)
		r.Get("/agents/{id}", agentHandler.GetByID)
		r.Patch("/agents/{id}", agentHandler.Update)
		r.Delete("/agents/{id}", agentHandler.Delete)

		// Agent control-plane WebSocket. Agents, unlike browsers, are
		// ordinary HTTP clients and can set the Authorization header on the
		// upgrade request, so this endpoint sits behind the same middleware
		// as the rest of the authenticated surface.
		r.Get("/agent/connect", controlPlane.ServeAgentConnect)

		// Jobs
		r.Get("/jobs", jobHandler.List)
		r.Post("/jobs", jobHandler.Create)
		r.Get("/jobs/{id}", jobHandler.GetByID)
		r.Patch("/jobs/{id}", jobHandler.Update)
		r.Delete("/jobs/{id}", jobHandler.Delete)
		r.Post("/jobs/{id}/trigger", jobHandler.Trigger)

		// Snapshots
		r.Get("/snapshots", snapshotHandler.List)
		r.Get("/snapshots/{id}", snapshotHandler.GetByID)
		r.Get("/snapshots/{id}/logs", snapshotHandler.GetLogs)
		r.Post("/snapshots/{id}/cancel", snapshotHandler.Cancel)
		r.Delete("/snapshots/{id}", snapshotHandler.Delete)

		// Notifications
		r.Get("/notifications", notificationHandler.List)
		r.Patch("/notifications/{id}/read", notificationHandler.MarkAsRead)

		// Settings
		r.Get("/settings/{key}", settingsHandler.Get)
		r.Put("/settings/{key}", settingsHandler.Set)
		r.Delete("/settings/{key}", settingsHandler.Delete)
	})

	// --- File transfer ingress ---
	// Raw upload/hardlink/manifest traffic from the agent executor, kept
	// outside /api/v1 per the wire protocol's own endpoint naming.
	r.Route("/api/files", func(r chi.Router) {
		r.Use(authMW)
		r.Post("/upload", cfg.Intake.Upload)
		r.Post("/hardlink", cfg.Intake.Hardlink)
		r.Get("/manifest/{job_id}", cfg.Intake.Manifest)
	})

	return r
}
