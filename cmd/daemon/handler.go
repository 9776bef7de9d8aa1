// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fbuildd/fbuildd/internal/loop"
	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/pipeline/fingerprint"
	"github.com/fbuildd/fbuildd/internal/pipeline/model"
	"github.com/fbuildd/fbuildd/internal/pipeline/orchestrator"
	"github.com/fbuildd/fbuildd/internal/pipeline/pools"
	"github.com/fbuildd/fbuildd/internal/pipeline/scheduler"
)

// pipelineHandler implements loop.Handler (spec.md §4.9): BUILD and
// INSTALL_DEPS requests additionally invoke C9 to materialize missing
// packages before any external compile/link step runs. DEPLOY and MONITOR
// channels have nothing for the pipeline to do and complete immediately.
type pipelineHandler struct {
	fingerprints *fingerprint.Index
	workDir      string
	tickInterval time.Duration

	downloadWorkers int
	unpackWorkers   int
	installWorkers  int
}

func newPipelineHandler(fp *fingerprint.Index, workDir string, tickInterval time.Duration, downloadWorkers, unpackWorkers, installWorkers int) *pipelineHandler {
	return &pipelineHandler{
		fingerprints:    fp,
		workDir:         workDir,
		tickInterval:    tickInterval,
		downloadWorkers: downloadWorkers,
		unpackWorkers:   unpackWorkers,
		installWorkers:  installWorkers,
	}
}

// Handle runs one request to completion. It builds a fresh task graph and a
// fresh set of pools per request rather than sharing a long-lived
// orchestrator. The loop holds a channel's mutex only while it reads and
// removes the request file, and runs each request in its own goroutine, so
// two requests may be handled at the same time; they share no state here.
func (h *pipelineHandler) Handle(ctx context.Context, channel loop.Channel, req loop.Request) error {
	logger := log.WithComponent("pipeline.handler")

	switch channel {
	case loop.ChannelBuild, loop.ChannelInstallDeps:
		if len(req.Packages) == 0 {
			logger.Info().Str("project_dir", req.ProjectDir).Msg("no packages to materialize")
			return nil
		}
		return h.runPipeline(ctx, req)
	case loop.ChannelDeploy, loop.ChannelMonitor:
		logger.Info().Str("channel", string(channel)).Str("project_dir", req.ProjectDir).Msg("no pipeline work for this channel")
		return nil
	default:
		return fmt.Errorf("pipeline handler: unknown channel %q", channel)
	}
}

func (h *pipelineHandler) runPipeline(ctx context.Context, req loop.Request) error {
	tasks := make([]*model.Task, 0, len(req.Packages))
	for _, pkg := range req.Packages {
		tasks = append(tasks, model.NewTask(pkg.Name, pkg.URL, req.Environment, pkg.DestPath, pkg.DependsOn))
	}

	graph, err := scheduler.NewGraph(tasks)
	if err != nil {
		return fmt.Errorf("build task graph: %w", err)
	}

	downloadPool := pools.NewDownloadPool(http.DefaultClient, h.downloadWorkers)
	defer downloadPool.Close()
	unpackPool := pools.NewUnpackPool(h.unpackWorkers)
	defer unpackPool.Close()
	installPool := pools.NewInstallPool(h.installWorkers)
	defer installPool.Close()

	o := &orchestrator.Orchestrator{
		Graph:        graph,
		Download:     downloadPool,
		Unpack:       unpackPool,
		Install:      installPool,
		Fingerprints: h.fingerprints,
		Progress:     model.NoopProgress,
		WorkDir:      h.workDir,
		TickInterval: h.tickInterval,
	}

	if err := o.Run(ctx); err != nil {
		return fmt.Errorf("run package pipeline: %w", err)
	}
	return nil
}
