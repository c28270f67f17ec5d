// Package manifest builds and diffs the per-run file manifest used by the
// incremental snapshot engine to decide which files need uploading. The
// manifest itself is stored by the server alongside each snapshot version
// (see server/internal/snapshotstore) — the agent only builds, diffs, and
// streams it.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/coldvault/coldvault/shared/types"
)

// FileName is the manifest's canonical file name within a version directory.
const FileName = ".backup-manifest.json"

// New builds a Manifest from a walked file set.
func New(snapshotID, jobID string, files map[string]types.FileStat) types.Manifest {
	return types.Manifest{
		SnapshotID: snapshotID,
		JobID:      jobID,
		CreatedAt:  time.Now(),
		Files:      files,
	}
}

// Diff compares the current manifest against the previous one, classifying
// every path as new, changed, unchanged, or removed. A file counts as
// "changed" when either its size or its modification time differs — content
// hashing is intentionally not performed, per the engine's (size,mtime)
// fingerprint design.
func Diff(prev, cur types.Manifest) types.Diff {
	var d types.Diff

	for path, stat := range cur.Files {
		prevStat, ok := prev.Files[path]
		if !ok {
			d.New = append(d.New, path)
			continue
		}
		if prevStat.Size != stat.Size || prevStat.Mtime != stat.Mtime {
			d.Changed = append(d.Changed, path)
		} else {
			d.Unchanged = append(d.Unchanged, path)
		}
	}
	for path := range prev.Files {
		if _, ok := cur.Files[path]; !ok {
			d.Removed = append(d.Removed, path)
		}
	}

	return d
}

// DecodeResponse parses a manifest streamed from an HTTP response body.
func DecodeResponse(r io.Reader) (types.Manifest, error) {
	var m types.Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return types.Manifest{}, fmt.Errorf("manifest: decode: %w", err)
	}
	return m, nil
}

// EncodeTo writes m as JSON to w.
func EncodeTo(w io.Writer, m types.Manifest) error {
	if err := json.NewEncoder(w).Encode(m); err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	return nil
}
