// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

//go:build linux

package devices

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSysfsEnumeratorReadsVendorProductSerial(t *testing.T) {
	root := t.TempDir()

	usbDev := filepath.Join(root, "usb_device")
	require.NoError(t, os.MkdirAll(usbDev, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(usbDev, "idVendor"), []byte("2341\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(usbDev, "idProduct"), []byte("0043\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(usbDev, "serial"), []byte("AB12\n"), 0o644))

	ttyDir := filepath.Join(root, "ttyACM0")
	require.NoError(t, os.MkdirAll(ttyDir, 0o755))
	require.NoError(t, os.Symlink(usbDev, filepath.Join(ttyDir, "device")))

	e := SysfsEnumerator{TTYClassDir: root}
	infos, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "/dev/ttyACM0", infos[0].Port)
	require.Equal(t, "2341", infos[0].Descriptor.Vendor)
	require.Equal(t, "0043", infos[0].Descriptor.Product)
	require.NotEmpty(t, infos[0].DeviceID)
}

func TestSysfsEnumeratorIgnoresNonUSBTTYs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tty0"), 0o755))

	e := SysfsEnumerator{TTYClassDir: root}
	infos, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Empty(t, infos)
}
