// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package pools

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fbuildd/fbuildd/internal/metrics"
	"github.com/fbuildd/fbuildd/internal/pipeline/model"
)

// ErrEmptyExtraction is returned when an archive extracted to zero files —
// treated as a failed install rather than a silent no-op.
var ErrEmptyExtraction = errors.New("extraction produced no files")

// fingerprintFile records what was installed in the install directory.
// Nothing reads it back; the skip check uses the fingerprint index instead.
const fingerprintFile = ".pipeline_fingerprint.json"

// fingerprint is the on-disk verification record for one installed task.
type fingerprint struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	URL         string    `json:"url"`
	FileCount   int       `json:"file_count"`
	TotalSize   int64     `json:"total_size"`
	InstalledAt time.Time `json:"installed_at"`
}

// InstallPool verifies an extracted tree is non-empty and writes its
// fingerprint file. The tree's total size is recorded, not checked.
type InstallPool struct {
	workers int
	jobs    chan installJob
	now     func() time.Time
}

type installJob struct {
	task           *model.Task
	extractionPath string
	result         chan<- error
}

// NewInstallPool starts workers goroutines reading from an internally
// buffered queue.
func NewInstallPool(workers int) *InstallPool {
	if workers <= 0 {
		workers = 1
	}
	p := &InstallPool{workers: workers, jobs: make(chan installJob, workers*4), now: time.Now}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *InstallPool) worker() {
	for job := range p.jobs {
		job.result <- p.install(job.task, job.extractionPath)
	}
}

// Submit enqueues an install job and blocks for its result.
func (p *InstallPool) Submit(t *model.Task, extractionPath string) error {
	resultCh := make(chan error, 1)
	p.jobs <- installJob{task: t, extractionPath: extractionPath, result: resultCh}
	return <-resultCh
}

func (p *InstallPool) Close() {
	close(p.jobs)
}

func (p *InstallPool) install(t *model.Task, extractionPath string) error {
	start := time.Now()
	fileCount, totalSize, err := walkTree(extractionPath)
	if err != nil {
		metrics.PipelineTaskDuration.WithLabelValues("installing", "failure").Observe(time.Since(start).Seconds())
		return fmt.Errorf("verify install for %q: %w", t.Name, err)
	}
	if fileCount == 0 {
		metrics.PipelineTaskDuration.WithLabelValues("installing", "failure").Observe(time.Since(start).Seconds())
		return fmt.Errorf("verify install for %q: %w", t.Name, ErrEmptyExtraction)
	}

	fp := fingerprint{
		Name:        t.Name,
		Version:     t.Version,
		URL:         t.SourceURL,
		FileCount:   fileCount,
		TotalSize:   totalSize,
		InstalledAt: p.now(),
	}
	data, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(extractionPath, fingerprintFile), data, 0o644); err != nil {
		metrics.PipelineTaskDuration.WithLabelValues("installing", "failure").Observe(time.Since(start).Seconds())
		return fmt.Errorf("write fingerprint for %q: %w", t.Name, err)
	}

	metrics.PipelineTaskDuration.WithLabelValues("installing", "success").Observe(time.Since(start).Seconds())
	return nil
}

func walkTree(root string) (fileCount int, totalSize int64, err error) {
	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.IsDir() {
			fileCount++
			totalSize += info.Size()
		}
		return nil
	})
	return fileCount, totalSize, err
}
