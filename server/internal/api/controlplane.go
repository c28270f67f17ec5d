package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/server/internal/agentregistry"
	"github.com/coldvault/coldvault/server/internal/agentws"
	"github.com/coldvault/coldvault/server/internal/db"
	"github.com/coldvault/coldvault/server/internal/metrics"
	"github.com/coldvault/coldvault/server/internal/orchestrator"
	"github.com/coldvault/coldvault/server/internal/repository"
	"github.com/coldvault/coldvault/server/internal/websocket"
	"github.com/coldvault/coldvault/shared/types"
)

// ControlPlaneHandler upgrades GET /api/v1/agent/connect to the agent-facing
// control-plane WebSocket and routes every decoded envelope to the
// orchestrator, the agent registry, or the UI push hub. It is the glue layer
// between the wire protocol in shared/types and the rest of the server —
// agentws and agentregistry know nothing about jobs or snapshots, and the
// orchestrator knows nothing about WebSocket framing.
type ControlPlaneHandler struct {
	agents       repository.AgentRepository
	orchestrator *orchestrator.Orchestrator
	registry     *agentregistry.Registry
	hub          *websocket.Hub
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewControlPlaneHandler creates a ControlPlaneHandler.
func NewControlPlaneHandler(agents repository.AgentRepository, orch *orchestrator.Orchestrator, registry *agentregistry.Registry, hub *websocket.Hub, m *metrics.Metrics, logger *zap.Logger) *ControlPlaneHandler {
	return &ControlPlaneHandler{
		agents:       agents,
		orchestrator: orch,
		registry:     registry,
		hub:          hub,
		metrics:      m,
		logger:       logger.Named("control_plane"),
	}
}

// ServeAgentConnect handles GET /api/v1/agent/connect. Authentication is
// enforced by the Authenticate middleware upstream — agents, unlike browsers,
// can set a normal Authorization header even on the WebSocket handshake
// request. The handler blocks for the lifetime of the connection.
func (h *ControlPlaneHandler) ServeAgentConnect(w http.ResponseWriter, r *http.Request) {
	var conn *agentws.Conn

	onMessage := func(agentID string, env types.Envelope) {
		h.handleMessage(conn, agentID, env)
	}
	onClose := func() {
		h.handleClose(conn)
	}

	c, err := agentws.Upgrade(w, r, h.logger, onMessage, onClose)
	if err != nil {
		h.logger.Warn("agent ws: upgrade failed", zap.Error(err))
		return
	}
	conn = c
	conn.Run()
}

// handleMessage is invoked from the connection's read pump for every decoded
// frame. agentID is empty until the register handshake completes.
func (h *ControlPlaneHandler) handleMessage(conn *agentws.Conn, agentID string, env types.Envelope) {
	if agentID == "" {
		if env.Type != types.MsgAgentRegister {
			h.logger.Warn("agent ws: first frame was not a register envelope", zap.String("type", string(env.Type)))
			return
		}
		h.handleRegister(conn, env)
		return
	}

	// fs:browse:response and similar correlated replies are delivered to
	// whichever goroutine is blocked in agentregistry.Request; they never
	// reach the switch below.
	if h.registry.Resolve(env) {
		return
	}

	ctx := context.Background()
	switch env.Type {
	case types.MsgBackupStarted:
		// Job is now actually executing on the agent; nothing to persist
		// beyond what Orchestrator.Start already recorded.
	case types.MsgBackupProgress:
		h.handleProgress(env)
	case types.MsgAgentLog:
		h.handleLog(env)
	case types.MsgBackupCompleted:
		h.handleComplete(ctx, env)
	case types.MsgBackupFailed:
		h.handleFailed(ctx, env)
	case types.MsgHardlinkResult, types.MsgManifestResult:
		// Outcome is already reflected in the HTTP response the agent got
		// from the intake endpoints; nothing further to do here.
	default:
		h.logger.Warn("agent ws: unhandled envelope type", zap.String("type", string(env.Type)), zap.String("agent_id", agentID))
	}
}

func (h *ControlPlaneHandler) handleClose(conn *agentws.Conn) {
	if conn == nil {
		return
	}
	agentID := conn.AgentID()
	if agentID == "" {
		return
	}
	h.registry.Deregister(agentID, conn)
	if h.metrics != nil {
		h.metrics.AgentsConnected.Dec()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if id, err := uuid.Parse(agentID); err == nil {
		if err := h.agents.UpdateStatus(ctx, id, "offline", time.Now()); err != nil {
			h.logger.Error("agent ws: failed to mark agent offline", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	h.hub.Publish("agent:"+agentID, websocket.Message{
		Type:    websocket.MsgAgentStatus,
		Topic:   "agent:" + agentID,
		Payload: map[string]string{"status": "offline"},
	})
	h.logger.Info("agent ws: disconnected", zap.String("agent_id", agentID))
}

// handleRegister resolves or creates the db.Agent record for a connecting
// agent, binds its identity to the socket, and acks with the stable agent id.
func (h *ControlPlaneHandler) handleRegister(conn *agentws.Conn, env types.Envelope) {
	var req types.RegisterRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		h.logger.Warn("agent ws: malformed register payload", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := h.resolveAgent(ctx, req)
	if err != nil {
		h.logger.Error("agent ws: failed to resolve agent identity", zap.Error(err))
		if errEnv, encErr := types.Encode(types.MsgAgentRegisterError, env.RequestID, types.RegisterError{Error: "failed to resolve agent identity"}); encErr == nil {
			_ = conn.Send(errEnv)
		}
		return
	}

	agentID := agent.ID.String()
	conn.SetAgentID(agentID)
	h.registry.Register(agentID, req.Hostname, conn)
	if h.metrics != nil {
		h.metrics.AgentsConnected.Inc()
	}

	now := time.Now()
	if err := h.agents.UpdateStatus(ctx, agent.ID, "online", now); err != nil {
		h.logger.Error("agent ws: failed to mark agent online", zap.String("agent_id", agentID), zap.Error(err))
	}

	ack, err := types.Encode(types.MsgAgentRegisterOK, env.RequestID, types.RegisterAck{AgentID: agentID})
	if err == nil {
		_ = conn.Send(ack)
	}

	h.hub.Publish("agent:"+agentID, websocket.Message{
		Type:    websocket.MsgAgentStatus,
		Topic:   "agent:" + agentID,
		Payload: map[string]string{"status": "online"},
	})
	h.logger.Info("agent ws: registered", zap.String("agent_id", agentID), zap.String("hostname", req.Hostname))
}

// resolveAgent looks up an existing agent by the id the agent remembers from
// its last connection, falls back to hostname for a first-ever connect from
// a known host, and creates a new record otherwise.
func (h *ControlPlaneHandler) resolveAgent(ctx context.Context, req types.RegisterRequest) (*db.Agent, error) {
	if req.AgentID != "" {
		if id, err := uuid.Parse(req.AgentID); err == nil {
			if agent, err := h.agents.GetByID(ctx, id); err == nil {
				agent.OS, agent.Arch, agent.Version = req.OS, req.Arch, req.Version
				if err := h.agents.Update(ctx, agent); err != nil {
					return nil, err
				}
				return agent, nil
			}
		}
	}

	if agent, err := h.agents.GetByHostname(ctx, req.Hostname); err == nil {
		agent.OS, agent.Arch, agent.Version = req.OS, req.Arch, req.Version
		if err := h.agents.Update(ctx, agent); err != nil {
			return nil, err
		}
		return agent, nil
	}

	agent := &db.Agent{
		Name:     req.Hostname,
		Hostname: req.Hostname,
		OS:       req.OS,
		Arch:     req.Arch,
		Version:  req.Version,
		Status:   "online",
	}
	if err := h.agents.Create(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func (h *ControlPlaneHandler) handleProgress(env types.Envelope) {
	var p types.JobProgress
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.logger.Warn("agent ws: malformed progress payload", zap.Error(err))
		return
	}
	h.hub.Publish("job:"+p.JobID, websocket.Message{
		Type:    websocket.MsgSnapshotProgress,
		Topic:   "job:" + p.JobID,
		Payload: p,
	})
}

func (h *ControlPlaneHandler) handleLog(env types.Envelope) {
	var l types.JobLog
	if err := json.Unmarshal(env.Payload, &l); err != nil {
		h.logger.Warn("agent ws: malformed log payload", zap.Error(err))
		return
	}
	h.hub.Publish("job:"+l.JobID, websocket.Message{
		Type:    websocket.MsgSnapshotLog,
		Topic:   "job:" + l.JobID,
		Payload: l,
	})
	// Log lines are only pushed live to the UI above; they are not written
	// to the database (no caller stores them as db.SnapshotLog rows).
}

func (h *ControlPlaneHandler) handleComplete(ctx context.Context, env types.Envelope) {
	var c types.JobComplete
	if err := json.Unmarshal(env.Payload, &c); err != nil {
		h.logger.Warn("agent ws: malformed complete payload", zap.Error(err))
		return
	}
	snapshotID, ok := h.orchestrator.CurrentSnapshotID(c.JobID)
	if !ok {
		h.logger.Warn("agent ws: backup:completed for a job with no in-flight run", zap.String("job_id", c.JobID))
		return
	}
	h.orchestrator.Complete(ctx, c.JobID, snapshotID, c.Counters)
	h.hub.Publish("job:"+c.JobID, websocket.Message{
		Type:    websocket.MsgSnapshotStatus,
		Topic:   "job:" + c.JobID,
		Payload: map[string]string{"status": "completed", "snapshot_id": snapshotID},
	})
}

func (h *ControlPlaneHandler) handleFailed(ctx context.Context, env types.Envelope) {
	var f types.JobFailed
	if err := json.Unmarshal(env.Payload, &f); err != nil {
		h.logger.Warn("agent ws: malformed failed payload", zap.Error(err))
		return
	}
	snapshotID, ok := h.orchestrator.CurrentSnapshotID(f.JobID)
	if !ok {
		h.logger.Warn("agent ws: backup:failed for a job with no in-flight run", zap.String("job_id", f.JobID))
		return
	}
	h.orchestrator.Fail(ctx, snapshotID, f.Error)
	h.hub.Publish("job:"+f.JobID, websocket.Message{
		Type:    websocket.MsgSnapshotStatus,
		Topic:   "job:" + f.JobID,
		Payload: map[string]string{"status": "failed", "snapshot_id": snapshotID, "error": f.Error},
	})
}
