package agentregistry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/shared/types"
)

type fakeSender struct {
	sent   []types.Envelope
	err    error
	closed bool
}

func (f *fakeSender) Send(env types.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) Close() error {
	f.closed = true
	return nil
}

func newTestRegistry() *Registry {
	return New(zap.NewNop())
}

func TestRegisterAndIsConnected(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.IsConnected("agent-1"))

	r.Register("agent-1", "host-1", &fakeSender{})
	assert.True(t, r.IsConnected("agent-1"))
}

func TestRegisterClosesEvictedSession(t *testing.T) {
	r := newTestRegistry()
	first := &fakeSender{}
	second := &fakeSender{}

	r.Register("agent-1", "host-1", first)
	assert.False(t, first.closed)

	r.Register("agent-1", "host-1", second)
	assert.True(t, first.closed, "re-registering an agent id must close the prior session's connection")
	assert.False(t, second.closed)
}

func TestDeregisterOnlyRemovesMatchingConn(t *testing.T) {
	r := newTestRegistry()
	connA := &fakeSender{}
	connB := &fakeSender{}

	r.Register("agent-1", "host-1", connA)
	r.Register("agent-1", "host-1", connB) // simulate reconnect replacing the session

	r.Deregister("agent-1", connA) // stale conn, should be a no-op
	assert.True(t, r.IsConnected("agent-1"))

	r.Deregister("agent-1", connB)
	assert.False(t, r.IsConnected("agent-1"))
}

func TestDispatchToUnknownAgentErrors(t *testing.T) {
	r := newTestRegistry()
	err := r.Dispatch("ghost", types.Envelope{Type: types.MsgBackupCancel})
	assert.Error(t, err)
}

func TestDispatchDeliversToConn(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeSender{}
	r.Register("agent-1", "host-1", conn)

	env := types.Envelope{Type: types.MsgBackupCancel}
	require.NoError(t, r.Dispatch("agent-1", env))
	require.Len(t, conn.sent, 1)
	assert.Equal(t, types.MsgBackupCancel, conn.sent[0].Type)
}

func TestSessionsSnapshot(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", "host-1", &fakeSender{})
	r.Register("agent-2", "host-2", &fakeSender{})

	sessions := r.Sessions()
	assert.Len(t, sessions, 2)
}

func TestRequestResolveRoundTrip(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeSender{}
	r.Register("agent-1", "host-1", conn)

	reqEnv := types.Envelope{Type: types.MsgFSBrowse, RequestID: "req-1"}

	resultCh := make(chan types.Envelope, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := r.Request(context.Background(), "agent-1", reqEnv, time.Second)
		resultCh <- resp
		errCh <- err
	}()

	// Wait until the dispatch has happened before resolving, since Request
	// blocks on Dispatch (synchronous) before waiting on the response channel.
	require.Eventually(t, func() bool { return len(conn.sent) == 1 }, time.Second, time.Millisecond)

	resp := types.Envelope{Type: types.MsgFSBrowseResult, RequestID: "req-1"}
	assert.True(t, r.Resolve(resp))

	assert.NoError(t, <-errCh)
	assert.Equal(t, types.MsgFSBrowseResult, (<-resultCh).Type)
}

func TestRequestTimesOutWithoutResolve(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", "host-1", &fakeSender{})

	_, err := r.Request(context.Background(), "agent-1", types.Envelope{
		Type:      types.MsgFSBrowse,
		RequestID: "req-timeout",
	}, 10*time.Millisecond)
	assert.Error(t, err)
}

func TestRequestRequiresRequestID(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", "host-1", &fakeSender{})

	_, err := r.Request(context.Background(), "agent-1", types.Envelope{Type: types.MsgFSBrowse}, time.Second)
	assert.Error(t, err)
}

func TestResolveUnknownRequestIDReturnsFalse(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.Resolve(types.Envelope{Type: types.MsgFSBrowseResult, RequestID: "no-such-request"}))
}

func TestWaitForAgentReturnsImmediatelyWhenAlreadyConnected(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-1", "host-1", &fakeSender{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.WaitForAgent(ctx, "agent-1"))
}

func TestWaitForAgentTimesOutWhenNeverConnected(t *testing.T) {
	r := newTestRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, r.WaitForAgent(ctx, "agent-never-connects"))
}
