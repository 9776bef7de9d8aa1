// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package orchestrator drives the Parallel Package Pipeline's (C9) per-tick
// algorithm: mark blocked tasks failed, submit every ready task to the
// download pool, let phase transitions cascade through unpack and install,
// and poll until every task reaches a terminal phase.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/metrics"
	"github.com/fbuildd/fbuildd/internal/pipeline/fingerprint"
	"github.com/fbuildd/fbuildd/internal/pipeline/model"
	"github.com/fbuildd/fbuildd/internal/pipeline/pools"
	"github.com/fbuildd/fbuildd/internal/pipeline/scheduler"
)

// ErrCancelled is returned by Run when ctx is cancelled before every task
// reached a terminal phase.
var ErrCancelled = errors.New("pipeline cancelled")

const defaultTickInterval = 50 * time.Millisecond

// Orchestrator wires the three pools and the fingerprint cache to one
// dependency graph and drives it to completion.
type Orchestrator struct {
	Graph        *scheduler.Graph
	Download     *pools.DownloadPool
	Unpack       *pools.UnpackPool
	Install      *pools.InstallPool
	Fingerprints *fingerprint.Index
	Progress     model.ProgressCallback
	WorkDir      string
	TickInterval time.Duration

	mu        sync.Mutex
	submitted map[string]bool
	wg        sync.WaitGroup
}

// Run drives every task in the graph to a terminal phase, or returns
// ErrCancelled if ctx is cancelled first.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.Progress == nil {
		o.Progress = model.NoopProgress
	}
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	o.submitted = make(map[string]bool)

	logger := log.WithComponent("pipeline.orchestrator")

	for {
		if ctx.Err() != nil {
			o.cancelAll()
			o.wg.Wait()
			o.cleanup()
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		for task, dep := range o.Graph.BlockedTasks() {
			task.MarkFailed(fmt.Sprintf("Dependency '%s' failed", dep))
			logger.Warn().
				Str(log.FieldTaskName, task.Name).
				Str("failed_dependency", dep).
				Msg("task blocked by failed dependency")
		}

		for _, task := range o.Graph.ReadyTasks() {
			o.mu.Lock()
			already := o.submitted[task.Name]
			if !already {
				o.submitted[task.Name] = true
			}
			o.mu.Unlock()
			if already {
				continue
			}
			o.wg.Add(1)
			go func(t *model.Task) {
				defer o.wg.Done()
				o.runTask(ctx, t)
			}(task)
		}

		if o.Graph.AllDone() {
			o.wg.Wait()
			return nil
		}

		select {
		case <-ctx.Done():
			continue
		case <-time.After(o.TickInterval):
		}
	}
}

func (o *Orchestrator) runTask(ctx context.Context, t *model.Task) {
	logger := log.WithComponent("pipeline.orchestrator").With().Str(log.FieldTaskName, t.Name).Logger()

	if rec, err := o.Fingerprints.Get(t.Name, t.Version); err == nil && treeNonEmpty(t.DestPath) {
		logger.Info().Msg("skipping already-verified package")
		o.Progress.OnProgress(t.Name, model.Done, rec.TotalSize, rec.TotalSize, "already verified")
		t.MarkDone()
		return
	}

	t.MarkDownloading()
	metrics.PipelineTasksActive.WithLabelValues(string(model.Downloading)).Inc()
	dl, err := o.Download.Submit(ctx, t, o.WorkDir, o.Progress)
	metrics.PipelineTasksActive.WithLabelValues(string(model.Downloading)).Dec()
	if err != nil {
		o.markFailed(ctx, t, err)
		logger.Error().Err(err).Msg("download failed")
		return
	}

	t.MarkUnpacking(dl.ArchivePath)
	metrics.PipelineTasksActive.WithLabelValues(string(model.Unpacking)).Inc()
	extractionPath, err := o.Unpack.Submit(t, dl, o.WorkDir, o.Progress)
	metrics.PipelineTasksActive.WithLabelValues(string(model.Unpacking)).Dec()
	if err != nil {
		o.markFailed(ctx, t, err)
		logger.Error().Err(err).Msg("unpack failed")
		return
	}

	t.MarkInstalling(extractionPath)
	metrics.PipelineTasksActive.WithLabelValues(string(model.Installing)).Inc()
	err = o.Install.Submit(t, extractionPath)
	metrics.PipelineTasksActive.WithLabelValues(string(model.Installing)).Dec()
	if err != nil {
		o.markFailed(ctx, t, err)
		logger.Error().Err(err).Msg("install verification failed")
		return
	}

	_ = o.Fingerprints.Put(fingerprint.Record{
		Name:      t.Name,
		Version:   t.Version,
		SHA256:    dl.SHA256,
		InstalledAt: time.Now(),
	})
	t.MarkDone()
	o.Progress.OnProgress(t.Name, model.Done, 1, 1, "")
	logger.Info().Dur("elapsed", t.Elapsed()).Msg("task complete")
}

// markFailed records a phase failure. If ctx was already cancelled by the
// time the pool submission returned, the failure is attributed to the
// cancellation rather than to whatever transport error the submission
// surfaced (context.Canceled and friends): spec.md §8.5 requires the
// detail to deterministically start with "Pipeline cancelled", and without
// this check the reason would race cancelAll's own MarkFailed call — first
// writer wins either way, but only this makes both writers agree on the
// string.
func (o *Orchestrator) markFailed(ctx context.Context, t *model.Task, err error) {
	if ctx.Err() != nil {
		t.MarkFailed("Pipeline cancelled")
		return
	}
	t.MarkFailed(err.Error())
}

// cancelAll marks every task that is not yet DONE or FAILED as failed with
// "Pipeline cancelled", whether it is still WAITING or has a pool
// submission in flight. A submission that finishes later cannot change
// that, since a terminal task keeps its phase.
func (o *Orchestrator) cancelAll() {
	for _, t := range o.Graph.Tasks() {
		if !t.Phase().Terminal() {
			t.MarkFailed("Pipeline cancelled")
		}
	}
}

// cleanup removes partial download/extraction artifacts left behind by a
// cancelled run.
func (o *Orchestrator) cleanup() {
	entries, err := os.ReadDir(o.WorkDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".download") || strings.HasPrefix(name, "temp_extract_") {
			_ = os.RemoveAll(filepath.Join(o.WorkDir, name))
		}
	}
}

func treeNonEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}
