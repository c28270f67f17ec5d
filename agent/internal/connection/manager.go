// Package connection manages the persistent control-plane WebSocket between
// the agent and the server. It handles:
//   - Initial registration (presenting the persisted agent ID, hostname,
//     version, OS/arch; storing whatever ID the server acks back)
//   - The read loop: job assignments and cancellations pushed by the server,
//     and directory-browse requests used by the dashboard's job editor
//   - Forwarding log lines and job lifecycle transitions to the server
//     (implements executor.LogSink and executor.StatusReporter)
//   - Automatic reconnection with exponential backoff and jitter
//
// State persistence: after the first successful registration the server
// returns a stable agent ID. This ID is written to <state-dir>/agent-state.json
// and presented on every subsequent connection so the server matches the
// agent to its existing record instead of creating a duplicate.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/agent/internal/executor"
	"github.com/coldvault/coldvault/shared/types"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many agents reconnect simultaneously.
	jitterFraction = 0.2

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBufferSize = 64

	registerTimeout = 15 * time.Second
)

// agentState is persisted to disk after the first successful registration.
// It allows the agent to present its stable ID on reconnect so the server
// matches it to the existing record rather than creating a duplicate.
type agentState struct {
	AgentID string `json:"agent_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

func loadState(stateDir string) (agentState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return agentState{}, nil
		}
		return agentState{}, fmt.Errorf("connection: failed to read state file: %w", err)
	}
	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return agentState{}, fmt.Errorf("connection: corrupted state file: %w", err)
	}
	return s, nil
}

// saveState writes the agent state to disk atomically via temp file + rename.
func saveState(stateDir string, s agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("connection: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("connection: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("connection: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("connection: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("connection: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("connection: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

// Config holds all parameters needed to connect to the server.
type Config struct {
	// ServerAddr is the server's base HTTP address, e.g. "http://host:8080".
	// The control-plane socket is dialed at ServerAddr + "/api/v1/agent/connect"
	// with its scheme swapped for ws/wss.
	ServerAddr string
	// SharedSecret authenticates both the WebSocket upgrade and the
	// executor's direct HTTP calls to the file-transfer endpoints.
	SharedSecret string
	// StateDir is the directory where agent-state.json is persisted.
	StateDir string
	// Version is the agent binary version, sent during registration.
	Version string
}

// Manager maintains the persistent control-plane WebSocket to the server. It
// implements executor.LogSink and executor.StatusReporter so the executor can
// forward log lines and job status without knowing about WebSocket framing.
type Manager struct {
	cfg    Config
	exec   *executor.Executor
	logger *zap.Logger

	// mu protects ws and send — both are replaced on every reconnect.
	mu   sync.RWMutex
	ws   *websocket.Conn
	send chan types.Envelope
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, exec *executor.Executor, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		exec:   exec,
		logger: logger.Named("connection"),
	}
}

// Run starts the connection loop: dial, register, process frames until the
// socket drops, then reconnect with exponential backoff. Blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to server", zap.String("addr", m.cfg.ServerAddr))

		if err := m.connect(ctx); err != nil {
			m.logger.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Clean session end (ctx cancelled, or a graceful close) — reset
		// backoff so the next genuine failure starts from the bottom again.
		backoff = backoffInitial
	}
}

// connect establishes one WebSocket session: dial → register → read loop.
// Returns when the session ends (error or context cancellation).
func (m *Manager) connect(ctx context.Context) error {
	wsURL, err := controlPlaneURL(m.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("bad server address: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.SharedSecret)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer ws.Close()

	m.mu.Lock()
	m.ws = ws
	m.send = make(chan types.Envelope, sendBufferSize)
	m.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		m.writePump(ws, m.send)
	}()

	if err := m.register(ctx, ws); err != nil {
		ws.Close()
		<-writerDone
		return fmt.Errorf("registration failed: %w", err)
	}

	err = m.readLoop(ctx, ws)
	ws.Close()
	<-writerDone
	if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

// register sends the register envelope and blocks for the ack (or timeout).
// The read loop proper only starts once this completes, so job assignments
// cannot race the agent identity being bound.
func (m *Manager) register(ctx context.Context, ws *websocket.Conn) error {
	state, err := loadState(m.cfg.StateDir)
	if err != nil {
		m.logger.Warn("failed to load agent state, will register as new", zap.Error(err))
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	env, err := types.Encode(types.MsgAgentRegister, "", types.RegisterRequest{
		AgentID:  state.AgentID,
		Hostname: hostname,
		Version:  m.cfg.Version,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	})
	if err != nil {
		return err
	}

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	deadline := time.Now().Add(registerTimeout)
	ws.SetReadDeadline(deadline)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for register ack: %w", err)
		}
		ackEnv, err := types.DecodeEnvelope(data)
		if err != nil {
			continue
		}
		if ackEnv.Type == types.MsgAgentRegisterError {
			var regErr types.RegisterError
			_ = json.Unmarshal(ackEnv.Payload, &regErr)
			return fmt.Errorf("server rejected registration: %s", regErr.Error)
		}
		if ackEnv.Type != types.MsgAgentRegisterOK {
			continue
		}
		var ack types.RegisterAck
		if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
			return fmt.Errorf("malformed register ack: %w", err)
		}
		if ack.AgentID != state.AgentID {
			if err := saveState(m.cfg.StateDir, agentState{AgentID: ack.AgentID}); err != nil {
				m.logger.Warn("failed to persist agent state", zap.Error(err))
			}
		}
		m.logger.Info("registered with server", zap.String("agent_id", ack.AgentID))
		return nil
	}
}

// readLoop processes frames pushed by the server until the socket closes or
// ctx is cancelled.
func (m *Manager) readLoop(ctx context.Context, ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		env, err := types.DecodeEnvelope(raw)
		if err != nil {
			m.logger.Warn("failed to decode envelope", zap.Error(err))
			continue
		}
		m.handleEnvelope(env)
	}
}

func (m *Manager) handleEnvelope(env types.Envelope) {
	switch env.Type {
	case types.MsgBackupStart:
		var job types.JobAssignment
		if err := json.Unmarshal(env.Payload, &job); err != nil {
			m.logger.Error("malformed job assignment", zap.Error(err))
			return
		}
		if err := m.exec.Enqueue(job); err != nil {
			m.logger.Error("failed to enqueue job", zap.String("job_id", job.JobID), zap.Error(err))
		}
	case types.MsgBackupCancel:
		var c types.JobCancel
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			m.logger.Error("malformed job cancel", zap.Error(err))
			return
		}
		if !m.exec.Cancel(c.JobID) {
			m.logger.Debug("backup:cancel for a job not currently running", zap.String("job_id", c.JobID))
		}
	case types.MsgFSBrowse:
		m.handleBrowse(env)
	case types.MsgAgentUpdate:
		var u types.AgentUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			m.logger.Error("malformed agent update", zap.Error(err))
			return
		}
		// Self-update is not implemented by this agent binary; log it so an
		// operator notices a pushed update was ignored.
		m.logger.Warn("agent:update received but self-update is not implemented",
			zap.String("version", u.Version), zap.String("download_path", u.DownloadPath))
	default:
		m.logger.Warn("unhandled envelope type", zap.String("type", string(env.Type)))
	}
}

// handleBrowse answers a directory-listing request used by the dashboard's
// job editor to let an operator pick source roots on this host.
func (m *Manager) handleBrowse(env types.Envelope) {
	var req types.FSBrowseRequest
	resp := types.FSBrowseResponse{Path: req.Path}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		resp.Error = "malformed request"
	} else {
		resp.Path = req.Path
		entries, err := os.ReadDir(req.Path)
		if err != nil {
			resp.Error = err.Error()
		} else {
			for _, e := range entries {
				info, err := e.Info()
				var size int64
				if err == nil {
					size = info.Size()
				}
				resp.Entries = append(resp.Entries, types.FSEntry{
					Name:  e.Name(),
					IsDir: e.IsDir(),
					Size:  size,
				})
			}
		}
	}

	out, err := types.Encode(types.MsgFSBrowseResult, env.RequestID, resp)
	if err != nil {
		m.logger.Error("failed to encode browse response", zap.Error(err))
		return
	}
	m.enqueueSend(out)
}

// enqueueSend hands env to the active write pump. Non-blocking: a full
// buffer means the connection is unhealthy, so the frame is dropped and the
// read loop's next failed read will trigger a reconnect.
func (m *Manager) enqueueSend(env types.Envelope) {
	m.mu.RLock()
	ch := m.send
	m.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- env:
	default:
		m.logger.Warn("send buffer full, dropping frame", zap.String("type", string(env.Type)))
	}
}

func (m *Manager) writePump(ws *websocket.Conn, send chan types.Envelope) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-send:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			raw, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendLog implements executor.LogSink.
func (m *Manager) SendLog(jobID, level, message string) {
	env, err := types.Encode(types.MsgAgentLog, "", types.JobLog{
		JobID:     jobID,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	m.enqueueSend(env)
}

// ReportStarted implements executor.StatusReporter.
func (m *Manager) ReportStarted(jobID string) {
	env, err := types.Encode(types.MsgBackupStarted, "", types.BackupStarted{JobID: jobID})
	if err != nil {
		return
	}
	m.enqueueSend(env)
}

// ReportProgress implements executor.StatusReporter.
func (m *Manager) ReportProgress(p types.JobProgress) {
	env, err := types.Encode(types.MsgBackupProgress, "", p)
	if err != nil {
		return
	}
	m.enqueueSend(env)
}

// ReportComplete implements executor.StatusReporter.
func (m *Manager) ReportComplete(jobID string, counters types.SnapshotCounters) {
	env, err := types.Encode(types.MsgBackupCompleted, "", types.JobComplete{JobID: jobID, Counters: counters})
	if err != nil {
		return
	}
	m.enqueueSend(env)
}

// ReportFailed implements executor.StatusReporter.
func (m *Manager) ReportFailed(jobID, errMsg string) {
	env, err := types.Encode(types.MsgBackupFailed, "", types.JobFailed{JobID: jobID, Error: errMsg})
	if err != nil {
		return
	}
	m.enqueueSend(env)
}

// controlPlaneURL turns the server's base HTTP address into the ws(s)://
// URL of the agent control-plane endpoint.
func controlPlaneURL(serverAddr string) (string, error) {
	u, err := url.Parse(serverAddr)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	case "ws", "wss":
		// already a websocket scheme
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/agent/connect"
	return u.String(), nil
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid thundering
// herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
