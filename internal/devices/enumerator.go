// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package devices

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// hashIdentity derives the stable device_id spec.md requires (§3: "USB
// VID/PID + serial-number hash") so unplug/replug on a different OS port
// path preserves identity.
func hashIdentity(vendor, product, serial string) string {
	sum := sha256.Sum256([]byte(vendor + ":" + product + ":" + serial))
	return hex.EncodeToString(sum[:])[:16]
}

// NullEnumerator reports no devices. Real USB/serial bus probing is an
// external collaborator per spec.md §1 ("actual... treat as pluggable
// collaborators"); this is the safe default for hosts or tests with no
// platform-specific enumerator wired in.
type NullEnumerator struct{}

func (NullEnumerator) Enumerate(ctx context.Context) ([]Info, error) {
	return nil, nil
}

var _ Enumerator = NullEnumerator{}
