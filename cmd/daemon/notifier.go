// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/fbuildd/fbuildd/internal/devices"
)

// notifierProxy breaks the construction cycle between devices.Manager (which
// needs a devices.Notifier) and server.Server (which needs the device
// manager in its own Deps, and is itself the only real Notifier). It is
// constructed first and handed to devices.New; set is called once the
// server exists, a few lines later in main.
type notifierProxy struct {
	mu     sync.RWMutex
	target devices.Notifier
}

func (p *notifierProxy) set(target devices.Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
}

func (p *notifierProxy) Notify(ctx context.Context, clientID string, notice devices.PreemptionNotice) error {
	p.mu.RLock()
	target := p.target
	p.mu.RUnlock()
	if target == nil {
		return fmt.Errorf("notifier proxy: no target registered yet")
	}
	return target.Notify(ctx, clientID, notice)
}
