// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package pools

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/metrics"
	"github.com/fbuildd/fbuildd/internal/pipeline/model"
	"github.com/ulikunitz/xz"
)

// unpackPermissionRetryDelay is how long the unpack pool waits before
// retrying an extraction that failed because a file was locked by another
// process (common on Windows right after a download completes).
const unpackPermissionRetryDelay = 2 * time.Second

const maxUnpackRetries = 3

// UnpackPool extracts a downloaded archive into a sibling temp_extract_*
// directory, then moves it into the task's DestPath, stripping a single
// top-level directory if the archive contains one.
type UnpackPool struct {
	workers int
	jobs    chan unpackJob
}

type unpackJob struct {
	task     *model.Task
	archive  DownloadResult
	workDir  string
	progress model.ProgressCallback
	result   chan<- unpackOutcome
}

type unpackOutcome struct {
	extractionPath string
	err            error
}

// NewUnpackPool starts workers goroutines reading from an internally
// buffered queue.
func NewUnpackPool(workers int) *UnpackPool {
	if workers <= 0 {
		workers = 1
	}
	p := &UnpackPool{workers: workers, jobs: make(chan unpackJob, workers*4)}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *UnpackPool) worker() {
	for job := range p.jobs {
		path, err := p.unpackWithRetry(job.task, job.archive, job.workDir, job.progress)
		job.result <- unpackOutcome{extractionPath: path, err: err}
	}
}

// Submit enqueues an extraction job and blocks for its result.
func (p *UnpackPool) Submit(t *model.Task, archive DownloadResult, workDir string, progress model.ProgressCallback) (string, error) {
	if progress == nil {
		progress = model.NoopProgress
	}
	resultCh := make(chan unpackOutcome, 1)
	p.jobs <- unpackJob{task: t, archive: archive, workDir: workDir, progress: progress, result: resultCh}
	out := <-resultCh
	return out.extractionPath, out.err
}

func (p *UnpackPool) Close() {
	close(p.jobs)
}

func (p *UnpackPool) unpackWithRetry(t *model.Task, archive DownloadResult, workDir string, progress model.ProgressCallback) (string, error) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= maxUnpackRetries; attempt++ {
		if attempt > 0 {
			log.WithComponent("pipeline.unpack").Warn().
				Str(log.FieldTaskName, t.Name).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("retrying extraction after permission error")
			time.Sleep(unpackPermissionRetryDelay)
		}
		path, err := p.unpackOnce(t, archive, workDir, progress)
		if err == nil {
			metrics.PipelineTaskDuration.WithLabelValues("unpacking", "success").Observe(time.Since(start).Seconds())
			return path, nil
		}
		if !os.IsPermission(err) {
			metrics.PipelineTaskDuration.WithLabelValues("unpacking", "failure").Observe(time.Since(start).Seconds())
			return "", err
		}
		lastErr = err
	}
	metrics.PipelineTaskDuration.WithLabelValues("unpacking", "failure").Observe(time.Since(start).Seconds())
	return "", fmt.Errorf("unpack %q: %w", t.Name, lastErr)
}

func (p *UnpackPool) unpackOnce(t *model.Task, archive DownloadResult, workDir string, progress model.ProgressCallback) (string, error) {
	tempDir := filepath.Join(workDir, "temp_extract_"+t.Name)
	if err := os.RemoveAll(tempDir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", err
	}

	members, err := extractArchive(archive.ArchivePath, tempDir)
	if err != nil {
		os.RemoveAll(tempDir)
		return "", err
	}
	t.SetUnpackProgress(members, members)
	progress.OnProgress(t.Name, model.Unpacking, int64(members), int64(members), "")

	finalDir := t.DestPath
	src := singleTopLevelDir(tempDir)
	if err := os.RemoveAll(finalDir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(src, finalDir); err != nil {
		return "", err
	}
	if src != tempDir {
		os.RemoveAll(tempDir)
	}

	if runtime.GOOS == "windows" {
		// Extracted handles occasionally stay locked for a beat after the
		// move; give the OS a moment before the install pool stats them.
		time.Sleep(time.Second)
	}

	return finalDir, nil
}

// singleTopLevelDir returns the sole entry of dir if it contains exactly one
// directory and nothing else, else dir itself.
func singleTopLevelDir(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return dir
	}
	return filepath.Join(dir, entries[0].Name())
}

func extractArchive(archivePath, destDir string) (int, error) {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(archivePath, destDir)
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return extractTarXz(archivePath, destDir)
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(archivePath, destDir)
	default:
		return 0, fmt.Errorf("unsupported archive format: %s", archivePath)
	}
}

func extractTarGz(archivePath, destDir string) (int, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	return extractTar(gz, destDir)
}

func extractTarXz(archivePath, destDir string) (int, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	xzr, err := xz.NewReader(f)
	if err != nil {
		return 0, err
	}

	return extractTar(xzr, destDir)
}

func extractTar(r io.Reader, destDir string) (int, error) {
	tr := tar.NewReader(r)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, err
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return count, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return count, err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return count, err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return count, err
			}
			out.Close()
			count++
		default:
			// symlinks and device files are skipped; the pipeline only
			// cares about ordinary package contents.
		}
	}
	return count, nil
}

func extractZip(archivePath, destDir string) (int, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	count := 0
	for _, f := range zr.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return count, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return count, err
		}
		rc, err := f.Open()
		if err != nil {
			return count, err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return count, err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return count, err
		}
		out.Close()
		rc.Close()
		count++
	}
	return count, nil
}

// safeJoin rejects archive members that would escape destDir via ".." path
// segments (zip-slip).
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return "", fmt.Errorf("illegal archive path %q escapes destination", name)
	}
	return target, nil
}
