// Package snapshotstore manages the on-disk layout of backed-up data: one
// directory per job, containing one subdirectory per snapshot/version. New
// versions are built by hardlinking unchanged files from the previous
// version and writing only new/changed file bytes received from the agent —
// the core of the incremental snapshot engine's space efficiency.
//
// Directory layout:
//
//	<dataDir>/jobs/<jobID>/versions/<snapshotID>/<relative file path...>
//	<dataDir>/jobs/<jobID>/versions/<snapshotID>/.backup-manifest.json
package snapshotstore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/coldvault/coldvault/shared/types"
)

// Store roots every job's versions under dataDir.
type Store struct {
	dataDir string
}

// New returns a Store rooted at dataDir. dataDir is created if missing.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshotstore: create data dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// VersionDir returns the absolute path of a snapshot's version directory.
func (s *Store) VersionDir(jobID, snapshotID string) string {
	return filepath.Join(s.dataDir, "jobs", jobID, "versions", snapshotID)
}

// PrepareVersion creates an empty version directory for a new snapshot.
func (s *Store) PrepareVersion(jobID, snapshotID string) error {
	dir := s.VersionDir(jobID, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshotstore: prepare version %s: %w", snapshotID, err)
	}
	return nil
}

// Hardlink splices relPaths from the previous version into the new version
// by creating hardlinks, so unchanged file content is never copied or
// re-uploaded. Parent directories are created as needed. Each path is
// attempted independently — one failure does not abort the batch — and the
// lists of linked and failed relative paths are returned so the caller can
// report a partial result to the agent.
func (s *Store) Hardlink(jobID, prevSnapshotID, newSnapshotID string, relPaths []string) (linked, failed []string, err error) {
	if prevSnapshotID == "" {
		if len(relPaths) > 0 {
			return nil, relPaths, fmt.Errorf("snapshotstore: cannot hardlink %d path(s), no previous snapshot", len(relPaths))
		}
		return nil, nil, nil
	}

	prevDir := s.VersionDir(jobID, prevSnapshotID)
	newDir := s.VersionDir(jobID, newSnapshotID)

	for _, rel := range relPaths {
		rel = cleanRel(rel)
		src := filepath.Join(prevDir, rel)
		dst := filepath.Join(newDir, rel)

		if mkErr := os.MkdirAll(filepath.Dir(dst), 0o755); mkErr != nil {
			failed = append(failed, rel)
			continue
		}
		if linkErr := os.Link(src, dst); linkErr != nil {
			// Fall back to a byte copy when the link itself fails (e.g. the
			// destination already exists). If the previous file is missing
			// the copy fails too, and only this path is reported as failed.
			if copyErr := copyFile(src, dst); copyErr != nil {
				failed = append(failed, rel)
				continue
			}
		}
		linked = append(linked, rel)
	}
	return linked, failed, nil
}

// WriteFile persists one uploaded file's bytes into the version directory at
// relPath, creating parent directories as needed. If the body is zstd
// compressed (encoding == "zstd") it is decompressed as it is written.
func (s *Store) WriteFile(jobID, snapshotID, relPath, encoding string, body io.Reader) error {
	rel := cleanRel(relPath)
	dst := filepath.Join(s.VersionDir(jobID, snapshotID), rel)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("snapshotstore: mkdir for %s: %w", rel, err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("snapshotstore: create %s: %w", rel, err)
	}
	defer f.Close()

	var src io.Reader = body
	if encoding == "zstd" {
		dec, err := zstd.NewReader(body)
		if err != nil {
			return fmt.Errorf("snapshotstore: zstd reader for %s: %w", rel, err)
		}
		defer dec.Close()
		src = dec
	}

	if _, err := io.Copy(f, src); err != nil {
		return fmt.Errorf("snapshotstore: write %s: %w", rel, err)
	}
	return nil
}

// StatFile returns the size in bytes of a file already written into a
// snapshot's version directory, used to verify a completed upload matches
// the size the agent declared before starting.
func (s *Store) StatFile(jobID, snapshotID, relPath string) (int64, error) {
	rel := cleanRel(relPath)
	dst := filepath.Join(s.VersionDir(jobID, snapshotID), rel)
	info, err := os.Stat(dst)
	if err != nil {
		return 0, fmt.Errorf("snapshotstore: stat %s: %w", rel, err)
	}
	return info.Size(), nil
}

// SaveManifest writes a snapshot's manifest into its version directory.
func (s *Store) SaveManifest(jobID, snapshotID string, body io.Reader) (types.Manifest, error) {
	dir := s.VersionDir(jobID, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Manifest{}, fmt.Errorf("snapshotstore: mkdir for manifest: %w", err)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return types.Manifest{}, fmt.Errorf("snapshotstore: read manifest body: %w", err)
	}
	var m types.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return types.Manifest{}, fmt.Errorf("snapshotstore: parse manifest: %w", err)
	}

	path := filepath.Join(dir, manifestFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return types.Manifest{}, fmt.Errorf("snapshotstore: write manifest: %w", err)
	}
	return m, nil
}

// LoadManifest reads a snapshot's manifest for streaming back to an agent
// preparing its next incremental run.
func (s *Store) LoadManifest(jobID, snapshotID string) (io.ReadCloser, error) {
	path := filepath.Join(s.VersionDir(jobID, snapshotID), manifestFileName)
	return os.Open(path)
}

// DeleteVersion removes an entire snapshot's version directory.
func (s *Store) DeleteVersion(jobID, snapshotID string) error {
	dir := s.VersionDir(jobID, snapshotID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("snapshotstore: delete version %s: %w", snapshotID, err)
	}
	return nil
}

const manifestFileName = ".backup-manifest.json"

// cleanRel normalizes a client-supplied relative path and strips any
// directory-traversal components, so an upload can never write outside its
// version directory.
func cleanRel(rel string) string {
	rel = filepath.FromSlash(rel)
	rel = strings.TrimPrefix(rel, string(filepath.Separator))
	rel = filepath.Clean(rel)
	for rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = strings.TrimPrefix(rel, "..")
		rel = strings.TrimPrefix(rel, string(filepath.Separator))
		if rel == "" {
			rel = "_"
		}
	}
	return rel
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
