// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package serial

import (
	"context"
	"fmt"
	"io"
	"os"
)

// FilePortIO is the minimal default PortIO: it opens the OS device node
// directly. It does not program the termios baud/parity/stop-bit settings a
// production flasher would need — that belongs to the external
// compile/flash collaborators spec.md §1 places out of scope. Tests and the
// pipeline's own unit tests inject a fake PortIO instead; FilePortIO exists
// so `cmd/daemon` has something real to wire by default.
type FilePortIO struct{}

func (FilePortIO) Open(ctx context.Context, port string, baud int) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(port, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", port, err)
	}
	return f, nil
}

var _ PortIO = FilePortIO{}
