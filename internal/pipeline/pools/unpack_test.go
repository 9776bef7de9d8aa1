// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package pools

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/fbuildd/fbuildd/internal/pipeline/model"
	"github.com/stretchr/testify/require"
)

func writeTestTarGz(t *testing.T, path string, topLevelDir string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		fullName := name
		if topLevelDir != "" {
			fullName = filepath.Join(topLevelDir, name)
		}
		hdr := &tar.Header{Name: fullName, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestUnpackPoolStripsSingleTopLevelDirectory(t *testing.T) {
	workDir := t.TempDir()
	archivePath := filepath.Join(workDir, "zlib.tar.gz")
	writeTestTarGz(t, archivePath, "zlib-1.3", map[string]string{
		"README.md": "hello",
		"src/a.c":   "int main(){}",
	})

	destDir := filepath.Join(t.TempDir(), "installed", "zlib")
	task := model.NewTask("zlib", "", "1.3", destDir, nil)

	pool := NewUnpackPool(1)
	defer pool.Close()

	extractionPath, err := pool.Submit(task, DownloadResult{ArchivePath: archivePath}, workDir, nil)
	require.NoError(t, err)
	require.Equal(t, destDir, extractionPath)
	require.FileExists(t, filepath.Join(destDir, "README.md"))
	require.FileExists(t, filepath.Join(destDir, "src", "a.c"))
}

func TestUnpackPoolRejectsPathTraversal(t *testing.T) {
	workDir := t.TempDir()
	archivePath := filepath.Join(workDir, "evil.tar.gz")
	writeTestTarGz(t, archivePath, "", map[string]string{
		"../../etc/passwd": "pwned",
	})

	destDir := filepath.Join(t.TempDir(), "installed", "evil")
	task := model.NewTask("evil", "", "1.0", destDir, nil)

	pool := NewUnpackPool(1)
	defer pool.Close()

	_, err := pool.Submit(task, DownloadResult{ArchivePath: archivePath}, workDir, nil)
	require.Error(t, err)
}

func TestUnpackPoolRejectsUnsupportedFormat(t *testing.T) {
	workDir := t.TempDir()
	archivePath := filepath.Join(workDir, "thing.rar")
	require.NoError(t, os.WriteFile(archivePath, []byte("not-really-a-rar"), 0o644))

	destDir := filepath.Join(t.TempDir(), "installed", "thing")
	task := model.NewTask("thing", "", "1.0", destDir, nil)

	pool := NewUnpackPool(1)
	defer pool.Close()

	_, err := pool.Submit(task, DownloadResult{ArchivePath: archivePath}, workDir, nil)
	require.Error(t, err)
}

func TestSafeJoinRejectsEscapingPaths(t *testing.T) {
	_, err := safeJoin("/dest", "../escape")
	require.Error(t, err)

	p, err := safeJoin("/dest", "ok/file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/dest", "ok/file.txt"), p)
}
