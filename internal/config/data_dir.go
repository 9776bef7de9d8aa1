// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package config

import (
	"os"
	"path/filepath"
)

// resolveDataDir implements spec.md's FBUILD_DEV_MODE switch: dev mode roots
// daemon state under a project-local .fbuild/daemon_dev tree, production
// mode roots it under the user's home directory.
func resolveDataDir(lookup envLookupFunc, explicit string, devMode bool) string {
	if explicit != "" {
		return explicit
	}
	if devMode {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		return filepath.Join(wd, ".fbuild", "daemon_dev")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".fbuild", "daemon")
}
