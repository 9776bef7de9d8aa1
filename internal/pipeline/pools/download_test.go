// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package pools

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/fbuildd/fbuildd/internal/pipeline/model"
	"github.com/stretchr/testify/require"
)

type fakeDoer struct {
	responses []fakeResponse
	call      int
}

type fakeResponse struct {
	status int
	body   string
	err    error
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	r := f.responses[f.call]
	if f.call < len(f.responses)-1 {
		f.call++
	}
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode:    r.status,
		Body:          io.NopCloser(bytes.NewBufferString(r.body)),
		ContentLength: int64(len(r.body)),
	}, nil
}

func TestDownloadPoolSuccessWritesArchiveAndHash(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: "archive-bytes"}}}
	pool := NewDownloadPool(doer, 1)
	defer pool.Close()

	task := model.NewTask("zlib", "https://example.com/zlib.tar.gz", "1.3", t.TempDir(), nil)
	res, err := pool.Submit(context.Background(), task, t.TempDir(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.SHA256)
	require.FileExists(t, res.ArchivePath)
}

func TestDownloadPoolNonRetryableHTTPStatus(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 404, body: "not found"}, {status: 200, body: "ok"}}}
	pool := NewDownloadPool(doer, 1)
	defer pool.Close()

	task := model.NewTask("zlib", "https://example.com/missing.tar.gz", "1.3", t.TempDir(), nil)
	_, err := pool.Submit(context.Background(), task, t.TempDir(), nil)
	require.Error(t, err)
	require.Equal(t, 1, doer.call)
}

func TestDownloadPoolRetriesTransientErrorThenSucceeds(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{
		{err: io.ErrUnexpectedEOF},
		{err: io.ErrUnexpectedEOF},
		{status: 200, body: "ok"},
	}}
	pool := NewDownloadPool(doer, 1)
	defer pool.Close()

	task := model.NewTask("zlib", "https://example.com/zlib.tar.gz", "1.3", t.TempDir(), nil)
	res, err := pool.Submit(context.Background(), task, t.TempDir(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.SHA256)
}

func TestDownloadPoolReportsProgress(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: "0123456789"}}}
	pool := NewDownloadPool(doer, 1)
	defer pool.Close()

	var lastDownloaded int64
	cb := model.ProgressFunc(func(taskName string, phase model.Phase, progress, total int64, detail string) {
		lastDownloaded = progress
	})

	task := model.NewTask("zlib", "https://example.com/zlib.tar.gz", "1.3", t.TempDir(), nil)
	_, err := pool.Submit(context.Background(), task, t.TempDir(), cb)
	require.NoError(t, err)
	require.Equal(t, int64(10), lastDownloaded)
}
