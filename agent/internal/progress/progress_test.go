package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coldvault/coldvault/shared/types"
)

func TestAggregatorAddFileAccumulates(t *testing.T) {
	a := New("job-1", 3, 300)

	a.AddFile(100)
	a.AddFile(50)

	snap := a.Snapshot()
	assert.Equal(t, "job-1", snap.JobID)
	assert.Equal(t, 2, snap.FilesDone)
	assert.Equal(t, 3, snap.FilesTotal)
	assert.Equal(t, int64(150), snap.BytesDone)
	assert.Equal(t, int64(300), snap.BytesTotal)
}

func TestAggregatorAddFileConcurrent(t *testing.T) {
	a := New("job-2", 100, 100*10)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.AddFile(10)
		}()
	}
	wg.Wait()

	snap := a.Snapshot()
	assert.Equal(t, 100, snap.FilesDone)
	assert.Equal(t, int64(1000), snap.BytesDone)
}

func TestAggregatorRunEmitsFinalSnapshotOnCancel(t *testing.T) {
	a := New("job-3", 1, 10)
	a.AddFile(10)

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var emitted []types.JobProgress

	done := make(chan struct{})
	go func() {
		a.Run(ctx, func(p types.JobProgress) {
			mu.Lock()
			emitted = append(emitted, p)
			mu.Unlock()
		})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	require := assert.New(t)
	require.NotEmpty(emitted)
	last := emitted[len(emitted)-1]
	require.Equal(1, last.FilesDone)
	require.Equal(int64(10), last.BytesDone)
}
