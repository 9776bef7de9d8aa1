// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

//go:build windows

package server

import (
	"fmt"
	"net"
)

// listenUnix has no equivalent on Windows; a configured unix_socket_path is
// a startup error there rather than a silent no-op.
func listenUnix(path string) (net.Listener, error) {
	return nil, fmt.Errorf("unix domain sockets are not supported on this platform")
}
