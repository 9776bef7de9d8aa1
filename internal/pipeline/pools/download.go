// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package pools implements the Parallel Package Pipeline's (C9) three
// fixed-size worker pools: download, unpack, install. Each pool is a
// bounded set of goroutines draining a job channel, mirroring the picon
// worker pool's shape (enqueue/worker-loop/drain-on-close) generalized from
// image fetches to package archives.
package pools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/metrics"
	"github.com/fbuildd/fbuildd/internal/pipeline/model"
	"github.com/google/renameio/v2"
)

// downloadRetryDelays is the fixed backoff schedule for transient download
// failures (connection reset, timeout, local I/O error). HTTP responses with
// a non-2xx status are never retried — spec.md treats those as permanent.
var downloadRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// HTTPDoer is the subset of *http.Client the download pool needs, so tests
// can substitute a fake transport without a real network.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DownloadResult is what a completed download leaves behind for the unpack
// pool to pick up.
type DownloadResult struct {
	ArchivePath string
	SHA256      string
}

// DownloadPool fetches each ready task's SourceURL into a sibling
// *.download temp file, then atomically renames it into place.
type DownloadPool struct {
	client  HTTPDoer
	workers int
	jobs    chan downloadJob
	done    chan struct{}
}

type downloadJob struct {
	ctx      context.Context
	task     *model.Task
	destDir  string
	progress model.ProgressCallback
	result   chan<- downloadOutcome
}

type downloadOutcome struct {
	res DownloadResult
	err error
}

// NewDownloadPool starts workers goroutines reading from an internally
// buffered job queue. workers <= 0 is treated as 1.
func NewDownloadPool(client HTTPDoer, workers int) *DownloadPool {
	if workers <= 0 {
		workers = 1
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	p := &DownloadPool{
		client:  client,
		workers: workers,
		jobs:    make(chan downloadJob, workers*4),
		done:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *DownloadPool) worker() {
	for job := range p.jobs {
		res, err := p.download(job.ctx, job.task, job.destDir, job.progress)
		job.result <- downloadOutcome{res: res, err: err}
	}
}

// Submit enqueues t for download and blocks until the job completes or ctx
// is cancelled.
func (p *DownloadPool) Submit(ctx context.Context, t *model.Task, destDir string, progress model.ProgressCallback) (DownloadResult, error) {
	if progress == nil {
		progress = model.NoopProgress
	}
	resultCh := make(chan downloadOutcome, 1)
	select {
	case p.jobs <- downloadJob{ctx: ctx, task: t, destDir: destDir, progress: progress, result: resultCh}:
	case <-ctx.Done():
		return DownloadResult{}, ctx.Err()
	}
	select {
	case out := <-resultCh:
		return out.res, out.err
	case <-ctx.Done():
		return DownloadResult{}, ctx.Err()
	}
}

// Close stops accepting new jobs. In-flight jobs drain naturally since
// workers range over the channel until it closes.
func (p *DownloadPool) Close() {
	close(p.jobs)
}

// permanentHTTPError wraps a non-2xx response status; downloadWithRetry
// never retries it.
type permanentHTTPError struct {
	status int
}

func (e *permanentHTTPError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.status)
}

func (p *DownloadPool) download(ctx context.Context, t *model.Task, destDir string, progress model.ProgressCallback) (DownloadResult, error) {
	start := time.Now()
	logger := log.WithComponent("pipeline.download")

	var lastErr error
	for attempt := 0; attempt <= len(downloadRetryDelays); attempt++ {
		if attempt > 0 {
			logger.Warn().
				Str(log.FieldTaskName, t.Name).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("retrying download")
			time.Sleep(downloadRetryDelays[attempt-1])
		}

		res, err := p.attemptDownload(ctx, t, destDir, progress)
		if err == nil {
			metrics.PipelineTaskDuration.WithLabelValues("downloading", "success").Observe(time.Since(start).Seconds())
			return res, nil
		}

		var permErr *permanentHTTPError
		if errors.As(err, &permErr) {
			metrics.PipelineTaskDuration.WithLabelValues("downloading", "failure").Observe(time.Since(start).Seconds())
			return DownloadResult{}, err
		}
		lastErr = err
	}

	metrics.PipelineTaskDuration.WithLabelValues("downloading", "failure").Observe(time.Since(start).Seconds())
	return DownloadResult{}, fmt.Errorf("download %q: %w", t.Name, lastErr)
}

// archiveBaseName derives the archive's real file name from the source
// URL's final path segment (e.g. "https://example.com/dl/zlib.tar.gz" ->
// "zlib.tar.gz"), so the extension survives into the final archive path and
// extractArchive can dispatch on it.
func archiveBaseName(t *model.Task) string {
	if u, err := url.Parse(t.SourceURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return t.Name
}

func (p *DownloadPool) attemptDownload(ctx context.Context, t *model.Task, destDir string, progress model.ProgressCallback) (DownloadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.SourceURL, nil)
	if err != nil {
		return DownloadResult{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return DownloadResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DownloadResult{}, &permanentHTTPError{status: resp.StatusCode}
	}

	base := archiveBaseName(t)
	finalPath := filepath.Join(destDir, base)
	tempPath := finalPath + ".download"

	// Per spec.md §4.9: "on any retry, remove the partial temp file first".
	_ = os.Remove(tempPath)

	pending, err := renameio.NewPendingFile(tempPath)
	if err != nil {
		return DownloadResult{}, err
	}
	defer pending.Cleanup()

	hasher := sha256.New()
	total := resp.ContentLength
	var downloaded int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := pending.Write(buf[:n]); werr != nil {
				return DownloadResult{}, werr
			}
			hasher.Write(buf[:n])
			downloaded += int64(n)
			t.SetDownloadProgress(downloaded, total)
			progress.OnProgress(t.Name, model.Downloading, downloaded, total, "")
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return DownloadResult{}, readErr
		}
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return DownloadResult{}, err
	}

	// tempPath now holds the fully-written archive under its *.download
	// name; rename it into its real, extension-bearing name so the unpack
	// pool can dispatch on the archive's actual format.
	if err := renameArchive(tempPath, finalPath); err != nil {
		return DownloadResult{}, err
	}

	if err := os.Chmod(finalPath, 0o644); err != nil {
		log.WithComponent("pipeline.download").Debug().Err(err).Msg("chmod downloaded archive")
	}

	return DownloadResult{ArchivePath: finalPath, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// renameArchive moves the completed *.download file to its final,
// extension-bearing name, falling back to copy+unlink when the rename
// itself fails (typical on systems where the destination already exists).
func renameArchive(tempPath, finalPath string) error {
	_ = os.Remove(finalPath)
	if err := os.Rename(tempPath, finalPath); err == nil {
		return nil
	}

	src, err := os.Open(tempPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(finalPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(tempPath)
}
