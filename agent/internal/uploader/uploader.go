// Package uploader implements the upload worker pool: a weighted-semaphore
// gated set of goroutines that stream changed files to the server, optionally
// zstd-compressed, while reporting progress to a progress.Aggregator.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/semaphore"

	"github.com/coldvault/coldvault/agent/internal/progress"
)

// totalPermits is the concurrency budget shared across all in-flight uploads
// for a single job. Large files consume a larger share of the budget so a
// handful of multi-gigabyte files cannot starve many small ones of workers,
// and vice versa.
const totalPermits = 64

const (
	mb = 1_000_000
	gb = 1_000_000_000
)

// compressMaxSize is the exclusive upper bound on file size for zstd
// compression before upload: only files strictly smaller are compressed, and
// files of this size or larger are streamed raw to avoid multi-minute
// single-threaded compression stalls. Matches the 500MB weight-tier boundary
// in permitWeight.
const compressMaxSize = 500 * mb

// permitWeight returns the semaphore weight charged for uploading a file of
// the given size, tiered so total concurrency naturally shrinks as files
// grow larger: with a 64-permit budget, a file at the top tier holds every
// permit and runs alone.
func permitWeight(size int64) int64 {
	switch {
	case size < 10*mb:
		return 1
	case size < 100*mb:
		return 2
	case size < 500*mb:
		return 16
	case size < gb:
		return 32
	default:
		return 64
	}
}

// Pool uploads a set of files to the server's intake endpoint, gated by a
// weighted semaphore and reporting progress as each file completes.
type Pool struct {
	client  *http.Client
	baseURL string
	token   string
	jobID   string
	agg     *progress.Aggregator

	sem *semaphore.Weighted
}

// New creates a Pool for uploading files belonging to jobID to baseURL's
// upload endpoint, authenticated with the shared-secret token.
func New(client *http.Client, baseURL, token, jobID string, agg *progress.Aggregator) *Pool {
	if client == nil {
		client = http.DefaultClient
	}
	return &Pool{
		client:  client,
		baseURL: baseURL,
		token:   token,
		jobID:   jobID,
		agg:     agg,
		sem:     semaphore.NewWeighted(totalPermits),
	}
}

// File describes one file to upload: its absolute path on disk and its path
// relative to the job's source roots (used as the remote destination key).
type File struct {
	AbsPath string
	RelPath string
	Size    int64
}

// UploadAll uploads every file in files concurrently, bounded by the
// weighted semaphore, and returns the first error encountered (if any).
// ctx cancellation (or an early error, which cancels a derived context)
// aborts the in-flight uploads' requests and stops any upload not yet
// started from acquiring a permit; UploadAll returns once every started
// upload goroutine has exited. Files are sorted smallest-first so the
// pool drains many small files quickly before settling into the few large
// transfers that actually saturate the link.
func (p *Pool) UploadAll(ctx context.Context, compress bool, files []File) error {
	sorted := append([]File{}, files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, f := range sorted {
		weight := permitWeight(f.Size)
		if err := p.sem.Acquire(ctx, weight); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(f File) {
			defer wg.Done()
			defer p.sem.Release(weight)

			if err := p.uploadOne(ctx, f, compress && f.Size < compressMaxSize); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}(f)
	}

	wg.Wait()
	return firstErr
}

// progressUpdateInterval bounds how often a streaming upload reports
// transferred bytes to the aggregator, independent of the aggregator's own
// emit ticker — the reader wrapper and the emitter run on different
// goroutines and must not share a lock-step clock.
const progressUpdateInterval = 250 * time.Millisecond

// progressReader wraps the file being read for upload so the aggregator sees
// intra-file progress instead of one jump from 0 to 100% on completion.
type progressReader struct {
	r           io.Reader
	fileID      string
	agg         *progress.Aggregator
	transferred int64
	lastReport  time.Time
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.transferred += int64(n)
		if time.Since(pr.lastReport) >= progressUpdateInterval {
			pr.agg.UpdateFile(pr.fileID, pr.transferred)
			pr.lastReport = time.Now()
		}
	}
	return n, err
}

// uploadOne streams a single file to the server's upload endpoint. The job
// id and destination path travel as headers since the body is the raw file
// stream; the server resolves which snapshot is currently running for this
// job. When compress is true the file is zstd-compressed on the fly via an
// io.Pipe so the whole file never needs to be buffered in memory.
func (p *Pool) uploadOne(ctx context.Context, f File, compress bool) error {
	file, err := os.Open(f.AbsPath)
	if err != nil {
		return fmt.Errorf("uploader: open %s: %w", f.AbsPath, err)
	}
	defer file.Close()

	fileID := f.RelPath
	p.agg.StartFile(fileID, f.RelPath, f.Size)
	tracked := &progressReader{r: file, fileID: fileID, agg: p.agg}

	url := p.baseURL + "/api/files/upload"

	var body io.Reader = tracked
	encoding := ""

	if compress {
		pr, pw := io.Pipe()
		enc, err := zstd.NewWriter(pw)
		if err != nil {
			p.agg.FailFile(fileID)
			return fmt.Errorf("uploader: new zstd writer: %w", err)
		}
		go func() {
			_, copyErr := io.Copy(enc, tracked)
			closeErr := enc.Close()
			if copyErr != nil {
				pw.CloseWithError(copyErr)
				return
			}
			pw.CloseWithError(closeErr)
		}()
		body = pr
		encoding = "zstd"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		p.agg.FailFile(fileID)
		return fmt.Errorf("uploader: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("X-Job-Id", p.jobID)
	req.Header.Set("X-Relative-Path", filepath.ToSlash(f.RelPath))
	req.Header.Set("X-Total-Size", strconv.FormatInt(f.Size, 10))
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if !compress {
		req.ContentLength = f.Size
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.agg.FailFile(fileID)
		return fmt.Errorf("uploader: upload %s: %w", f.RelPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var buf bytes.Buffer
		io.CopyN(&buf, resp.Body, 4096)
		p.agg.FailFile(fileID)
		return fmt.Errorf("uploader: upload %s: server returned %d: %s", f.RelPath, resp.StatusCode, buf.String())
	}
	p.agg.FinishFile(fileID, f.Size)
	return nil
}
