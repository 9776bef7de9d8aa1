// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

//go:build linux

package devices

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// SysfsEnumerator probes /sys/class/tty for USB-backed serial devices
// (ttyUSB*, ttyACM*), reading the vendor/product/serial strings sysfs
// exposes for the owning USB device. This is the minimal default behind
// spec.md's pluggable Enumerator collaborator — good enough to drive the
// daemon end to end against real AVR/ESP32 boards without a cgo USB
// binding, but a production deployment is free to supply a richer one.
type SysfsEnumerator struct {
	// TTYClassDir overrides the sysfs root for tests; defaults to
	// "/sys/class/tty".
	TTYClassDir string
}

func (e SysfsEnumerator) classDir() string {
	if e.TTYClassDir != "" {
		return e.TTYClassDir
	}
	return "/sys/class/tty"
}

func (e SysfsEnumerator) Enumerate(ctx context.Context) ([]Info, error) {
	root := e.classDir()
	ents, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Info
	for _, ent := range ents {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
		name := ent.Name()
		if !strings.HasPrefix(name, "ttyUSB") && !strings.HasPrefix(name, "ttyACM") {
			continue
		}
		usbDir := findUSBDeviceDir(filepath.Join(root, name))
		if usbDir == "" {
			continue
		}
		vendor := readSysfsTrim(filepath.Join(usbDir, "idVendor"))
		product := readSysfsTrim(filepath.Join(usbDir, "idProduct"))
		serial := readSysfsTrim(filepath.Join(usbDir, "serial"))
		if vendor == "" && product == "" {
			continue
		}
		out = append(out, Info{
			DeviceID:   hashIdentity(vendor, product, serial),
			Port:       filepath.Join("/dev", name),
			Descriptor: Descriptor{Vendor: vendor, Product: product},
		})
	}
	return out, nil
}

// findUSBDeviceDir walks up a tty's sysfs "device" symlink until it finds
// the ancestor directory carrying idVendor/idProduct (the actual USB
// device node, as opposed to the tty's own interface subdirectory).
func findUSBDeviceDir(ttyDir string) string {
	dir, err := filepath.EvalSymlinks(filepath.Join(ttyDir, "device"))
	if err != nil {
		return ""
	}
	for i := 0; i < 6 && dir != "/" && dir != "."; i++ {
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir
		}
		dir = filepath.Dir(dir)
	}
	return ""
}

func readSysfsTrim(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

var _ Enumerator = SysfsEnumerator{}
