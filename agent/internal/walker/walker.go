// Package walker traverses a set of source roots and produces the set of
// regular files and their (size, mtime) fingerprints that make up a manifest.
package walker

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coldvault/coldvault/shared/types"
)

// Options configures a single Walk call.
type Options struct {
	// Roots are the absolute directories to traverse.
	Roots []string
	// Excludes are substrings matched against the full path; any path
	// containing an exclude substring is skipped, directories included
	// (skipping a directory also skips its entire subtree).
	Excludes []string
}

// Result is the set of files discovered under the source roots, keyed by
// path relative to whichever root produced it, joined with the root's index
// to keep entries from distinct roots from colliding
// (e.g. "0/etc/passwd", "1/home/user/docs/a.txt").
type Result struct {
	Files map[string]types.FileStat
}

// Walk traverses every root in opts.Roots and returns the combined file set.
// Symlinks are never followed into directories; a symlink to a regular file
// is recorded using the stat of its target (os.Stat, not os.Lstat) so its
// size/mtime reflect the real file content.
func Walk(ctx context.Context, opts Options) (Result, error) {
	files := make(map[string]types.FileStat)

	for i, root := range opts.Roots {
		prefix := rootPrefix(i)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				// Permission errors and similar are skipped rather than
				// aborting the whole walk; a partial manifest is still useful.
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if excluded(path, opts.Excludes) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if d.IsDir() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}

			if info.Mode()&os.ModeSymlink != 0 {
				target, err := os.Stat(path)
				if err != nil {
					return nil // broken symlink, skip
				}
				if target.IsDir() {
					return nil
				}
				info = target
			} else if !info.Mode().IsRegular() {
				return nil // device, socket, pipe, etc.
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}

			files[prefix+filepath.ToSlash(rel)] = types.FileStat{
				Size:  info.Size(),
				Mtime: info.ModTime().UnixNano(),
			}
			return nil
		})
		if err != nil {
			return Result{}, err
		}
	}

	return Result{Files: files}, nil
}

func excluded(path string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func rootPrefix(i int) string {
	return strconv.Itoa(i) + "/"
}
