// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTaskStartsWaiting(t *testing.T) {
	task := NewTask("zlib", "https://example.com/zlib.tar.gz", "1.3", "/opt/zlib", nil)
	require.Equal(t, Waiting, task.Phase())
	require.Empty(t, task.ErrorDetail())
}

func TestPhaseTransitionsAreMonotonic(t *testing.T) {
	task := NewTask("zlib", "", "", "", nil)
	task.MarkDownloading()
	require.Equal(t, Downloading, task.Phase())

	task.MarkUnpacking("/tmp/zlib.download")
	require.Equal(t, Unpacking, task.Phase())
	require.Equal(t, "/tmp/zlib.download", task.ArchivePath())

	task.MarkInstalling("/tmp/temp_extract_zlib")
	require.Equal(t, Installing, task.Phase())
	require.Equal(t, "/tmp/temp_extract_zlib", task.ExtractionPath())

	task.MarkDone()
	require.Equal(t, Done, task.Phase())
}

func TestMarkFailedIsStickyOnceTerminal(t *testing.T) {
	task := NewTask("zlib", "", "", "", nil)
	task.MarkDownloading()
	task.MarkDone()

	task.MarkFailed("should not apply")
	require.Equal(t, Done, task.Phase())
	require.Empty(t, task.ErrorDetail())
}

func TestMarkFailedFromNonTerminalPhaseSticks(t *testing.T) {
	task := NewTask("zlib", "", "", "", nil)
	task.MarkDownloading()
	task.MarkFailed("connection reset")

	require.Equal(t, Failed, task.Phase())
	require.Equal(t, "connection reset", task.ErrorDetail())

	task.MarkDone()
	require.Equal(t, Failed, task.Phase(), "FAILED must stay terminal even if MarkDone is called afterward")
}

func TestElapsedAccumulatesAcrossPhasesAndFreezesAtTerminal(t *testing.T) {
	task := NewTask("zlib", "", "", "", nil)
	task.MarkDownloading()
	time.Sleep(5 * time.Millisecond)
	running := task.Elapsed()
	require.Greater(t, running, time.Duration(0))

	task.MarkDone()
	frozen := task.Elapsed()
	require.GreaterOrEqual(t, frozen, running)

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, frozen, task.Elapsed(), "Elapsed must not keep advancing once a task is terminal")
}

func TestDownloadAndUnpackProgressRoundtrip(t *testing.T) {
	task := NewTask("zlib", "", "", "", nil)
	task.SetDownloadProgress(512, 2048)
	downloaded, total := task.DownloadProgress()
	require.Equal(t, int64(512), downloaded)
	require.Equal(t, int64(2048), total)

	task.SetUnpackProgress(3, 10)
}

func TestNoopProgressDiscardsWithoutPanic(t *testing.T) {
	require.NotPanics(t, func() {
		NoopProgress.OnProgress("zlib", Downloading, 1, 2, "")
	})
}

func TestProgressFuncAdaptsPlainFunction(t *testing.T) {
	var gotPhase Phase
	var gotName string
	cb := ProgressFunc(func(taskName string, phase Phase, progress, total int64, detail string) {
		gotName = taskName
		gotPhase = phase
	})
	cb.OnProgress("zlib", Installing, 1, 1, "")
	require.Equal(t, "zlib", gotName)
	require.Equal(t, Installing, gotPhase)
}
