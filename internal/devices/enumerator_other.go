// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

//go:build !linux

package devices

import "context"

// SysfsEnumerator has no sysfs equivalent outside Linux; it degrades to
// reporting no devices rather than failing the daemon on macOS/Windows
// hosts used for development.
type SysfsEnumerator struct {
	TTYClassDir string
}

func (SysfsEnumerator) Enumerate(ctx context.Context) ([]Info, error) {
	return nil, nil
}

var _ Enumerator = SysfsEnumerator{}
