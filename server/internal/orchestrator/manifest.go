package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/coldvault/coldvault/shared/types"
)

// decodeStringSlice parses a db.Job's JSON-array string columns
// (SourceRoots, Excludes). An empty string yields a nil slice.
func decodeStringSlice(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("orchestrator: decode %q: %w", raw, err)
	}
	return out, nil
}

// regenerateManifest rebuilds a snapshot's manifest from the destination
// directory's own mtimes when the agent's upload never arrived — the
// fallback that guarantees every completed snapshot has a well-formed
// manifest (local recovery, not propagated as a job failure).
func (o *Orchestrator) regenerateManifest(jobID, snapshotID string) error {
	root := o.store.VersionDir(jobID, snapshotID)
	files := make(map[string]types.FileStat)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == ".backup-manifest.json" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = types.FileStat{
			Size:  info.Size(),
			Mtime: info.ModTime().UnixNano(),
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("orchestrator: walk version dir for regeneration: %w", err)
	}

	m := types.Manifest{SnapshotID: snapshotID, JobID: jobID, Files: files}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal regenerated manifest: %w", err)
	}
	if _, err := o.store.SaveManifest(jobID, snapshotID, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("orchestrator: save regenerated manifest: %w", err)
	}
	return nil
}
