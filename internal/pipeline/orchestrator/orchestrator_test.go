// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package orchestrator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fbuildd/fbuildd/internal/pipeline/fingerprint"
	"github.com/fbuildd/fbuildd/internal/pipeline/model"
	"github.com/fbuildd/fbuildd/internal/pipeline/pools"
	"github.com/fbuildd/fbuildd/internal/pipeline/scheduler"
	"github.com/stretchr/testify/require"
)

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func buildTarGz(t *testing.T, topDir string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: filepath.Join(topDir, name), Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type fixedDoer struct {
	body []byte
}

func (f *fixedDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Body:          io.NopCloser(bytes.NewReader(f.body)),
		ContentLength: int64(len(f.body)),
	}, nil
}

type failingDoer struct{}

func (failingDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

func newTestOrchestrator(t *testing.T, doer pools.HTTPDoer) (*Orchestrator, string) {
	t.Helper()
	workDir := t.TempDir()
	idx, err := fingerprint.Open(filepath.Join(t.TempDir(), "fp"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	download := pools.NewDownloadPool(doer, 2)
	unpack := pools.NewUnpackPool(2)
	install := pools.NewInstallPool(2)
	t.Cleanup(func() {
		download.Close()
		unpack.Close()
		install.Close()
	})

	return &Orchestrator{
		Download:     download,
		Unpack:       unpack,
		Install:      install,
		Fingerprints: idx,
		WorkDir:      workDir,
		TickInterval: 5 * time.Millisecond,
	}, workDir
}

func TestOrchestratorRunsSingleTaskToDone(t *testing.T) {
	archive := buildTarGz(t, "zlib-1.3", map[string]string{"README": "hi"})
	o, workDir := newTestOrchestrator(t, &fixedDoer{body: archive})

	destDir := filepath.Join(workDir, "installed", "zlib")
	task := model.NewTask("zlib", "https://example.com/zlib.tar.gz", "1.3", destDir, nil)
	g, err := scheduler.NewGraph([]*model.Task{task})
	require.NoError(t, err)
	o.Graph = g

	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, model.Done, task.Phase())
}

func TestOrchestratorFailedDependencyBlocksDependent(t *testing.T) {
	archive := buildTarGz(t, "x-1.0", map[string]string{"f": "v"})
	o, workDir := newTestOrchestrator(t, &fixedDoer{body: archive})

	root := model.NewTask("root", "https://example.com/missing.tar.gz", "1.0", filepath.Join(workDir, "root"), nil)
	dependent := model.NewTask("dependent", "https://example.com/x.tar.gz", "1.0", filepath.Join(workDir, "dependent"), []string{"root"})
	g, err := scheduler.NewGraph([]*model.Task{root, dependent})
	require.NoError(t, err)
	o.Graph = g
	o.Download = pools.NewDownloadPool(failingDoer{}, 2)

	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, model.Failed, root.Phase())
	require.Equal(t, model.Failed, dependent.Phase())
	require.Contains(t, dependent.ErrorDetail(), "root")
}

func TestOrchestratorCancellationMarksRemainingTasksFailed(t *testing.T) {
	o, workDir := newTestOrchestrator(t, &fixedDoer{body: []byte("irrelevant")})

	task := model.NewTask("slow", "https://example.com/slow.tar.gz", "1.0", filepath.Join(workDir, "slow"), nil)
	g, err := scheduler.NewGraph([]*model.Task{task})
	require.NoError(t, err)
	o.Graph = g

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = o.Run(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, model.Failed, task.Phase())
}

func TestOrchestratorSkipsAlreadyVerifiedPackage(t *testing.T) {
	o, workDir := newTestOrchestrator(t, &fixedDoer{body: []byte("unused")})

	destDir := filepath.Join(workDir, "installed", "zlib")
	require.NoError(t, writeFile(filepath.Join(destDir, "marker.txt"), "present"))

	require.NoError(t, o.Fingerprints.Put(fingerprint.Record{Name: "zlib", Version: "1.3", SHA256: "whatever"}))

	task := model.NewTask("zlib", "https://example.com/zlib.tar.gz", "1.3", destDir, nil)
	g, err := scheduler.NewGraph([]*model.Task{task})
	require.NoError(t, err)
	o.Graph = g

	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, model.Done, task.Phase())
}
