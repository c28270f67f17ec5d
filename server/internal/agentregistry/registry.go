// Package agentregistry tracks which agents currently hold an open
// control-plane WebSocket connection and lets the rest of the server dispatch
// messages to them and correlate request/response pairs.
package agentregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/shared/types"
)

// Sender abstracts the outbound side of an agent's WebSocket connection.
// Implemented by agentws.Conn.
type Sender interface {
	Send(types.Envelope) error
	Close() error
}

// Session is the in-memory record of one connected agent. It exists only for
// the lifetime of the socket — the durable counterpart is db.Agent, updated
// by the caller on register/deregister.
type Session struct {
	AgentID     string
	Hostname    string
	ConnectedAt time.Time
	conn        Sender
}

// Registry tracks connected agent sessions and pending request/response
// correlations, guarded by a single RWMutex — grounded on the same
// register/deregister/dispatch shape used for the UI-facing hub, generalized
// to bidirectional agent RPC.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]chan types.Envelope
	logger   *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		pending:  make(map[string]chan types.Envelope),
		logger:   logger.Named("agentregistry"),
	}
}

// Register adds or replaces a connected agent's session. If the agent was
// already connected (e.g. reconnect raced with a stale socket not yet
// cleaned up), the previous session's connection is closed before being
// evicted, so its read pump unblocks and its socket does not leak.
func (r *Registry) Register(agentID, hostname string, conn Sender) {
	r.mu.Lock()
	old, exists := r.sessions[agentID]
	r.sessions[agentID] = &Session{
		AgentID:     agentID,
		Hostname:    hostname,
		ConnectedAt: time.Now(),
		conn:        conn,
	}
	r.mu.Unlock()

	if exists {
		r.logger.Warn("agent reconnected while a session was already registered, evicting old session",
			zap.String("agent_id", agentID))
		if err := old.conn.Close(); err != nil {
			r.logger.Warn("failed to close evicted session", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// Deregister removes an agent's session, e.g. on socket close. No-op if the
// session does not match conn (a newer connection may already have replaced
// it).
func (r *Registry) Deregister(agentID string, conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[agentID]; ok && s.conn == conn {
		delete(r.sessions, agentID)
	}
}

// IsConnected reports whether agentID currently holds an open session.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[agentID]
	return ok
}

// Dispatch sends an envelope to a connected agent. Returns an error if the
// agent is not connected or the send fails.
func (r *Registry) Dispatch(agentID string, env types.Envelope) error {
	r.mu.RLock()
	s, ok := r.sessions[agentID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("agentregistry: agent %s is not connected", agentID)
	}
	if err := s.conn.Send(env); err != nil {
		return fmt.Errorf("agentregistry: dispatch to %s: %w", agentID, err)
	}
	return nil
}

// Sessions returns a snapshot of every currently connected session.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// WaitForAgent polls every 500ms until agentID is connected or ctx is done.
func (r *Registry) WaitForAgent(ctx context.Context, agentID string) error {
	if r.IsConnected(agentID) {
		return nil
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if r.IsConnected(agentID) {
				return nil
			}
		}
	}
}

// Request sends env to agentID and blocks until a matching response (same
// RequestID) arrives, ctx is cancelled, or timeout elapses. This is the
// request/response primitive used for correlated messages such as
// fs:browse / fs:browse:response.
func (r *Registry) Request(ctx context.Context, agentID string, env types.Envelope, timeout time.Duration) (types.Envelope, error) {
	if env.RequestID == "" {
		return types.Envelope{}, fmt.Errorf("agentregistry: request requires a non-empty RequestID")
	}

	ch := make(chan types.Envelope, 1)
	r.mu.Lock()
	r.pending[env.RequestID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, env.RequestID)
		r.mu.Unlock()
	}()

	if err := r.Dispatch(agentID, env); err != nil {
		return types.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return types.Envelope{}, ctx.Err()
	case <-timer.C:
		return types.Envelope{}, fmt.Errorf("agentregistry: request %s to %s timed out", env.RequestID, agentID)
	}
}

// Resolve delivers a response envelope to whichever goroutine is waiting on
// its RequestID via Request. Called by the agentws read loop for every
// inbound message that carries a non-empty RequestID. Returns false if no
// pending request matches (the caller should then treat the message as a
// regular fire-and-forget event instead).
func (r *Registry) Resolve(env types.Envelope) bool {
	if env.RequestID == "" {
		return false
	}
	r.mu.RLock()
	ch, ok := r.pending[env.RequestID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}
