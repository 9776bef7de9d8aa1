// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package model defines the Parallel Package Pipeline's (C9) task graph
// types: a PackageTask's identity, phase, and progress bookkeeping.
package model

import (
	"sync"
	"time"
)

// Phase is one stage of a PackageTask's monotonic lifecycle: WAITING ->
// DOWNLOADING -> UNPACKING -> INSTALLING -> DONE, or any non-terminal
// state -> FAILED.
type Phase string

const (
	Waiting     Phase = "waiting"
	Downloading Phase = "downloading"
	Unpacking   Phase = "unpacking"
	Installing  Phase = "installing"
	Done        Phase = "done"
	Failed      Phase = "failed"
)

// Terminal reports whether phase ends the task's lifecycle.
func (p Phase) Terminal() bool {
	return p == Done || p == Failed
}

// Task is one node in the dependency graph the scheduler drives through the
// download/unpack/install pools. Name must be unique within one graph.
type Task struct {
	mu sync.Mutex

	Name         string
	SourceURL    string
	Version      string
	DestPath     string
	Dependencies []string

	phase        Phase
	errorDetail  string
	startedAt    time.Time
	elapsed      time.Duration

	archivePath    string
	extractionPath string

	bytesDownloaded int64
	totalBytes      int64
	membersExtracted int
	totalMembers     int
}

// NewTask constructs a task in the WAITING phase.
func NewTask(name, sourceURL, version, destPath string, dependencies []string) *Task {
	return &Task{
		Name:         name,
		SourceURL:    sourceURL,
		Version:      version,
		DestPath:     destPath,
		Dependencies: dependencies,
		phase:        Waiting,
	}
}

// Phase returns the task's current phase.
func (t *Task) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// ErrorDetail returns the reason a FAILED task failed, if any.
func (t *Task) ErrorDetail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorDetail
}

// Elapsed returns the task's accumulated time-in-pipeline.
func (t *Task) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase.Terminal() || t.startedAt.IsZero() {
		return t.elapsed
	}
	return t.elapsed + time.Since(t.startedAt)
}

// ArchivePath returns where the download pool placed the fetched archive.
func (t *Task) ArchivePath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.archivePath
}

// ExtractionPath returns where the unpack pool placed extracted contents.
func (t *Task) ExtractionPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.extractionPath
}

// transition moves the task to next unless it is already terminal (DONE or
// FAILED). The order of the non-terminal phases is not checked; callers
// follow WAITING -> DOWNLOADING -> UNPACKING -> INSTALLING -> DONE, and the
// orchestrator moves an already-installed task from WAITING straight to DONE.
func (t *Task) transition(next Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase.Terminal() {
		return
	}
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	t.phase = next
	if next.Terminal() {
		t.elapsed += time.Since(t.startedAt)
	}
}

// MarkDownloading transitions WAITING -> DOWNLOADING.
func (t *Task) MarkDownloading() { t.transition(Downloading) }

// MarkUnpacking transitions DOWNLOADING -> UNPACKING and records where the
// download pool placed the fetched archive.
func (t *Task) MarkUnpacking(archivePath string) {
	t.mu.Lock()
	t.archivePath = archivePath
	t.mu.Unlock()
	t.transition(Unpacking)
}

// MarkInstalling transitions UNPACKING -> INSTALLING and records where the
// unpack pool placed the extracted contents.
func (t *Task) MarkInstalling(extractionPath string) {
	t.mu.Lock()
	t.extractionPath = extractionPath
	t.mu.Unlock()
	t.transition(Installing)
}

// MarkDone transitions the task to its terminal DONE state.
func (t *Task) MarkDone() { t.transition(Done) }

// MarkFailed transitions the task to FAILED with the given reason. No-op if
// the task is already terminal (a DONE task stays DONE).
func (t *Task) MarkFailed(reason string) {
	t.mu.Lock()
	if t.phase.Terminal() {
		t.mu.Unlock()
		return
	}
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	t.phase = Failed
	t.errorDetail = reason
	t.elapsed += time.Since(t.startedAt)
	t.mu.Unlock()
}

// SetDownloadProgress records bytes-downloaded vs. content-length for
// progress reporting.
func (t *Task) SetDownloadProgress(downloaded, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesDownloaded = downloaded
	t.totalBytes = total
}

// DownloadProgress returns the last recorded download progress.
func (t *Task) DownloadProgress() (downloaded, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesDownloaded, t.totalBytes
}

// SetUnpackProgress records members-extracted vs. total-members.
func (t *Task) SetUnpackProgress(extracted, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.membersExtracted = extracted
	t.totalMembers = total
}

// EventType names one progress notification kind delivered through a
// ProgressCallback.
type EventType string

const (
	EventProgress EventType = "progress"
	EventPhase    EventType = "phase"
	EventDone     EventType = "done"
	EventFailed   EventType = "failed"
)

// ProgressCallback is the sink pool workers invoke with per-task progress.
// The caller supplies a no-op implementation, a text emitter, or a live
// renderer — the pipeline is indifferent (spec.md §4.9).
type ProgressCallback interface {
	OnProgress(taskName string, phase Phase, progress, total int64, detail string)
}

// ProgressFunc adapts a plain function to ProgressCallback.
type ProgressFunc func(taskName string, phase Phase, progress, total int64, detail string)

func (f ProgressFunc) OnProgress(taskName string, phase Phase, progress, total int64, detail string) {
	if f != nil {
		f(taskName, phase, progress, total, detail)
	}
}

// NoopProgress discards every event.
var NoopProgress ProgressCallback = ProgressFunc(nil)
