// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigureSetsServiceAndVersion(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Service: "fbuildd-test", Version: "0.0.0-test"})

	L().Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["service"] != "fbuildd-test" {
		t.Errorf("service = %v, want fbuildd-test", entry["service"])
	}
	if entry["version"] != "0.0.0-test" {
		t.Errorf("version = %v, want 0.0.0-test", entry["version"])
	}
}

func TestConfigureDefaultsServiceName(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	L().Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["service"] != "fbuildd" {
		t.Errorf("service = %v, want fbuildd", entry["service"])
	}
}

func TestSetLevelRejectsInvalidLevel(t *testing.T) {
	Configure(Config{Output: &bytes.Buffer{}})
	if err := SetLevel(context.Background(), "tester", "not-a-level"); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestSetLevelChangesGlobalLevel(t *testing.T) {
	Configure(Config{Output: &bytes.Buffer{}})
	if err := SetLevel(context.Background(), "tester", "warn"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("global level = %v, want warn", zerolog.GlobalLevel())
	}
	// Restore so other tests in this package observe a sane default.
	Configure(Config{Output: &bytes.Buffer{}})
}

func TestAuditInfoBypassesLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Level: "error"})

	AuditInfo(context.Background(), "test.event", "something happened", map[string]any{"key": "value"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected audit line to be emitted despite error-level filter: %v", err)
	}
	if entry["component"] != "audit" {
		t.Errorf("component = %v, want audit", entry["component"])
	}
	if entry["event"] != "test.event" {
		t.Errorf("event = %v, want test.event", entry["event"])
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want value", entry["key"])
	}
}

func TestWithComponent(t *testing.T) {
	Configure(Config{Output: &bytes.Buffer{}})
	l := WithComponent("locks")
	if l.GetLevel() > zerolog.PanicLevel {
		t.Error("expected a valid logger from WithComponent")
	}
}

func TestDerive(t *testing.T) {
	logger1 := Derive(nil)
	if logger1.GetLevel() > zerolog.PanicLevel {
		t.Error("expected valid logger from Derive with nil builder")
	}

	logger2 := Derive(func(ctx *zerolog.Context) {
		ctx.Str("custom_field", "test_value")
	})
	if logger2.GetLevel() > zerolog.PanicLevel {
		t.Error("expected valid logger from Derive with custom builder")
	}
}
