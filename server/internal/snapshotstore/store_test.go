package snapshotstore

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/coldvault/shared/types"
)

func TestWriteFilePlain(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteFile("job-1", "snap-1", "dir/a.txt", "", strings.NewReader("hello")))

	got, err := os.ReadFile(filepath.Join(s.VersionDir("job-1", "snap-1"), "dir", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestWriteFileRejectsDirectoryTraversal(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteFile("job-1", "snap-1", "../../etc/passwd", "", strings.NewReader("pwned")))

	// The escaping prefix must have been stripped, keeping the write inside
	// the version directory.
	entries, err := os.ReadDir(s.VersionDir("job-1", "snap-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "etc", entries[0].Name())
}

func TestSaveAndLoadManifest(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	m := types.Manifest{
		SnapshotID: "snap-1",
		JobID:      "job-1",
		Files: map[string]types.FileStat{
			"a.txt": {Size: 5, Mtime: 123},
		},
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	saved, err := s.SaveManifest("job-1", "snap-1", bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, m.Files, saved.Files)

	rc, err := s.LoadManifest("job-1", "snap-1")
	require.NoError(t, err)
	defer rc.Close()

	var loaded types.Manifest
	require.NoError(t, json.NewDecoder(rc).Decode(&loaded))
	assert.Equal(t, m.Files, loaded.Files)
}

func TestHardlinkSplicesUnchangedFiles(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteFile("job-1", "snap-1", "keep.txt", "", strings.NewReader("unchanged")))
	require.NoError(t, s.PrepareVersion("job-1", "snap-2"))

	linked, failed, err := s.Hardlink("job-1", "snap-1", "snap-2", []string{"keep.txt"})
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, []string{"keep.txt"}, linked)

	got, err := os.ReadFile(filepath.Join(s.VersionDir("job-1", "snap-2"), "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "unchanged", string(got))
}

func TestHardlinkReportsPerPathFailure(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.PrepareVersion("job-1", "snap-1"))
	require.NoError(t, s.PrepareVersion("job-1", "snap-2"))

	linked, failed, err := s.Hardlink("job-1", "snap-1", "snap-2", []string{"missing.txt"})
	require.NoError(t, err)
	assert.Empty(t, linked)
	assert.Equal(t, []string{"missing.txt"}, failed)
}

func TestHardlinkNoPreviousSnapshotWithPathsErrors(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, failed, err := s.Hardlink("job-1", "", "snap-1", []string{"a.txt"})
	assert.Error(t, err)
	assert.Equal(t, []string{"a.txt"}, failed)
}

func TestStatFileReturnsWrittenSize(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteFile("job-1", "snap-1", "dir/a.txt", "", strings.NewReader("hello world")))

	size, err := s.StatFile("job-1", "snap-1", "dir/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
}

func TestStatFileMissingErrors(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.PrepareVersion("job-1", "snap-1"))

	_, err = s.StatFile("job-1", "snap-1", "missing.txt")
	assert.Error(t, err)
}

func TestDeleteVersionRemovesDirectory(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteFile("job-1", "snap-1", "a.txt", "", strings.NewReader("x")))
	require.NoError(t, s.DeleteVersion("job-1", "snap-1"))

	_, err = os.Stat(s.VersionDir("job-1", "snap-1"))
	assert.True(t, os.IsNotExist(err))
}
