package walker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWalkFindsRegularFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "world")

	result, err := Walk(context.Background(), Options{Roots: []string{root}})
	require.NoError(t, err)

	require.Contains(t, result.Files, "0/a.txt")
	require.Contains(t, result.Files, "0/sub/b.txt")

	assert.Equal(t, int64(5), result.Files["0/a.txt"].Size)
	assert.Equal(t, int64(5), result.Files["0/sub/b.txt"].Size)
}

func TestWalkExcludesMatchingPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), "x")
	writeFile(t, filepath.Join(root, "node_modules", "dep.js"), "y")

	result, err := Walk(context.Background(), Options{
		Roots:    []string{root},
		Excludes: []string{"node_modules"},
	})
	require.NoError(t, err)

	assert.Contains(t, result.Files, "0/keep.txt")
	for path := range result.Files {
		assert.NotContains(t, path, "node_modules")
	}
}

func TestWalkMultipleRootsUseDistinctPrefixes(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	writeFile(t, filepath.Join(rootA, "same.txt"), "aaa")
	writeFile(t, filepath.Join(rootB, "same.txt"), "bbbb")

	result, err := Walk(context.Background(), Options{Roots: []string{rootA, rootB}})
	require.NoError(t, err)

	require.Contains(t, result.Files, "0/same.txt")
	require.Contains(t, result.Files, "1/same.txt")
	assert.Equal(t, int64(3), result.Files["0/same.txt"].Size)
	assert.Equal(t, int64(4), result.Files["1/same.txt"].Size)
}

func TestWalkSkipsDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "emptydir"), 0o755))
	writeFile(t, filepath.Join(root, "a.txt"), "x")

	result, err := Walk(context.Background(), Options{Roots: []string{root}})
	require.NoError(t, err)

	assert.Len(t, result.Files, 1)
	assert.Contains(t, result.Files, "0/a.txt")
}

func TestWalkFollowsSymlinkToRegularFileUsingTargetStat(t *testing.T) {
	root := t.TempDir()
	targetPath := filepath.Join(root, "target.txt")
	writeFile(t, targetPath, "actual content")

	linkPath := filepath.Join(root, "link.txt")
	require.NoError(t, os.Symlink(targetPath, linkPath))

	result, err := Walk(context.Background(), Options{Roots: []string{root}})
	require.NoError(t, err)

	require.Contains(t, result.Files, "0/link.txt")
	assert.Equal(t, int64(len("actual content")), result.Files["0/link.txt"].Size)
}

func TestWalkContextCancellationStopsEarly(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Walk(ctx, Options{Roots: []string{root}})
	assert.Error(t, err)
}
