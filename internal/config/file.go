// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadFile reads an optional YAML config file and unmarshals it onto cfg.
// A missing file is not an error: callers are allowed to run on defaults
// and environment variables alone.
func loadFile(path string, cfg *DaemonConfig) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}
