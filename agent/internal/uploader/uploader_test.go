package uploader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/coldvault/agent/internal/progress"
)

func TestPermitWeightTiers(t *testing.T) {
	cases := []struct {
		size int64
		want int64
	}{
		{0, 1},
		{10*mb - 1, 1},
		{10 * mb, 2},
		{100*mb - 1, 2},
		{100 * mb, 16},
		{500*mb - 1, 16},
		{500 * mb, 32},
		{gb - 1, 32},
		{gb, 64},
		{gb * 10, 64},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, permitWeight(c.size), "size=%d", c.size)
	}
}

func TestUploadAllSendsHeadersAndBody(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello world")
	absPath := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(absPath, content, 0o644))

	var mu sync.Mutex
	var gotJobID, gotRelPath, gotAuth string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotJobID = r.Header.Get("X-Job-Id")
		gotRelPath = r.Header.Get("X-Relative-Path")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agg := progress.New("job-1", 1, int64(len(content)))
	pool := New(srv.Client(), srv.URL, "secret-token", "job-1", agg)

	err := pool.UploadAll(context.Background(), false, []File{
		{AbsPath: absPath, RelPath: "a.txt", Size: int64(len(content))},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "job-1", gotJobID)
	assert.Equal(t, "a.txt", gotRelPath)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, content, gotBody)

	snap := agg.Snapshot()
	assert.Equal(t, 1, snap.FilesDone)
}

func TestUploadAllStopsOnFirstError(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.txt", "b.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		paths = append(paths, p)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	agg := progress.New("job-2", 2, 2)
	pool := New(srv.Client(), srv.URL, "tok", "job-2", agg)

	err := pool.UploadAll(context.Background(), false, []File{
		{AbsPath: paths[0], RelPath: "a.txt", Size: 1},
		{AbsPath: paths[1], RelPath: "b.txt", Size: 1},
	})
	assert.Error(t, err)
}
