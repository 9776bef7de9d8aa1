// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package fingerprint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "fingerprints"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestPutAndGetRoundTrip(t *testing.T) {
	idx := newTestIndex(t)
	rec := Record{Name: "zlib", Version: "1.3", SHA256: "abc123", FileCount: 42, TotalSize: 1024, InstalledAt: time.Now().UTC()}
	require.NoError(t, idx.Put(rec))

	got, err := idx.Get("zlib", "1.3")
	require.NoError(t, err)
	require.Equal(t, "abc123", got.SHA256)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Get("missing", "1.0")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIsVerifiedMatchesOnHash(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Put(Record{Name: "zlib", Version: "1.3", SHA256: "abc123"}))

	require.True(t, idx.IsVerified("zlib", "1.3", "abc123"))
	require.False(t, idx.IsVerified("zlib", "1.3", "different-hash"))
	require.False(t, idx.IsVerified("unknown", "1.0", "abc123"))
}

func TestPutOverwritesPriorRecord(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Put(Record{Name: "zlib", Version: "1.3", SHA256: "old"}))
	require.NoError(t, idx.Put(Record{Name: "zlib", Version: "1.3", SHA256: "new"}))

	got, err := idx.Get("zlib", "1.3")
	require.NoError(t, err)
	require.Equal(t, "new", got.SHA256)
}
