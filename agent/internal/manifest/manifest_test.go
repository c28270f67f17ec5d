package manifest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/coldvault/shared/types"
)

func TestNewSetsFields(t *testing.T) {
	files := map[string]types.FileStat{"a.txt": {Size: 10, Mtime: 100}}
	m := New("snap-1", "job-1", files)

	assert.Equal(t, "snap-1", m.SnapshotID)
	assert.Equal(t, "job-1", m.JobID)
	assert.Equal(t, files, m.Files)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestDiffClassification(t *testing.T) {
	prev := types.Manifest{Files: map[string]types.FileStat{
		"unchanged.txt": {Size: 10, Mtime: 100},
		"changed.txt":   {Size: 10, Mtime: 100},
		"removed.txt":   {Size: 5, Mtime: 50},
	}}
	cur := types.Manifest{Files: map[string]types.FileStat{
		"unchanged.txt": {Size: 10, Mtime: 100},
		"changed.txt":   {Size: 20, Mtime: 100},
		"new.txt":       {Size: 1, Mtime: 1},
	}}

	d := Diff(prev, cur)

	assert.ElementsMatch(t, []string{"new.txt"}, d.New)
	assert.ElementsMatch(t, []string{"changed.txt"}, d.Changed)
	assert.ElementsMatch(t, []string{"unchanged.txt"}, d.Unchanged)
	assert.ElementsMatch(t, []string{"removed.txt"}, d.Removed)
}

func TestDiffMtimeOnlyChangeCountsAsChanged(t *testing.T) {
	prev := types.Manifest{Files: map[string]types.FileStat{
		"f.txt": {Size: 10, Mtime: 100},
	}}
	cur := types.Manifest{Files: map[string]types.FileStat{
		"f.txt": {Size: 10, Mtime: 200},
	}}

	d := Diff(prev, cur)
	assert.ElementsMatch(t, []string{"f.txt"}, d.Changed)
	assert.Empty(t, d.Unchanged)
}

func TestDiffEmptyPrevIsAllNew(t *testing.T) {
	cur := types.Manifest{Files: map[string]types.FileStat{
		"a.txt": {Size: 1, Mtime: 1},
		"b.txt": {Size: 2, Mtime: 2},
	}}

	d := Diff(types.Manifest{}, cur)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, d.New)
	assert.Empty(t, d.Changed)
	assert.Empty(t, d.Unchanged)
	assert.Empty(t, d.Removed)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := New("snap-2", "job-2", map[string]types.FileStat{
		"dir/file.bin": {Size: 42, Mtime: 999},
	})

	var buf bytes.Buffer
	require.NoError(t, EncodeTo(&buf, m))

	decoded, err := DecodeResponse(&buf)
	require.NoError(t, err)

	assert.Equal(t, m.SnapshotID, decoded.SnapshotID)
	assert.Equal(t, m.JobID, decoded.JobID)
	assert.Equal(t, m.Files, decoded.Files)
}
