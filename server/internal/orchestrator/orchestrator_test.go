package orchestrator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestOrchestrator builds an Orchestrator with nil repositories/registry/
// store/metrics — sufficient for exercising the in-memory running-job gate
// and waiter bookkeeping, which never touch those collaborators.
func newTestOrchestrator() *Orchestrator {
	return New(Config{}, nil, nil, nil, nil, nil, nil, zap.NewNop())
}

func TestTryEnterRejectsDuplicateJob(t *testing.T) {
	o := newTestOrchestrator()

	release, ok := o.tryEnter("job-1", "snap-1")
	require.True(t, ok)
	assert.True(t, o.IsRunning("job-1"))

	_, ok = o.tryEnter("job-1", "snap-2")
	assert.False(t, ok, "a second tryEnter for the same job must fail while the first is in flight")

	release()
	assert.False(t, o.IsRunning("job-1"))

	_, ok = o.tryEnter("job-1", "snap-3")
	assert.True(t, ok, "tryEnter should succeed again once the prior run released its slot")
}

func TestCurrentSnapshotID(t *testing.T) {
	o := newTestOrchestrator()

	_, ok := o.CurrentSnapshotID("job-1")
	assert.False(t, ok)

	release, ok := o.tryEnter("job-1", "snap-42")
	require.True(t, ok)
	defer release()

	id, ok := o.CurrentSnapshotID("job-1")
	require.True(t, ok)
	assert.Equal(t, "snap-42", id)
}

func TestCancelRequiresRunningJob(t *testing.T) {
	o := newTestOrchestrator()

	err := o.Cancel("job-1")
	assert.Error(t, err, "cancelling a job that is not running should fail")

	release, ok := o.tryEnter("job-1", "snap-1")
	require.True(t, ok)
	defer release()

	require.NoError(t, o.Cancel("job-1"))
	assert.True(t, o.isCancelled("job-1"))
}

func TestAgentSemaphoreIsStablePerAgent(t *testing.T) {
	o := newTestOrchestrator()

	a := o.agentSemaphore("agent-1")
	b := o.agentSemaphore("agent-1")
	c := o.agentSemaphore("agent-2")

	assert.Same(t, a, b, "the same agent id must always return the same semaphore")
	assert.NotSame(t, a, c)
}

func TestWaiterRegisterResolveClear(t *testing.T) {
	o := newTestOrchestrator()

	ch := o.registerWaiter("snap-1")

	assert.True(t, o.resolveWaiter("snap-1", nil))
	select {
	case err := <-ch:
		assert.NoError(t, err)
	default:
		t.Fatal("expected resolveWaiter to deliver onto the registered channel")
	}

	o.clearWaiter("snap-1")
	assert.False(t, o.resolveWaiter("snap-1", nil), "resolving after clear should report no waiter found")
}

func TestWaiterResolveWithError(t *testing.T) {
	o := newTestOrchestrator()
	ch := o.registerWaiter("snap-2")
	defer o.clearWaiter("snap-2")

	wantErr := fmt.Errorf("boom")
	require.True(t, o.resolveWaiter("snap-2", wantErr))
	assert.Equal(t, wantErr, <-ch)
}

func TestResolveWaiterUnknownSnapshotReturnsFalse(t *testing.T) {
	o := newTestOrchestrator()
	assert.False(t, o.resolveWaiter("no-such-snapshot", nil))
}
