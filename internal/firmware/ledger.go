// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package firmware implements the Firmware Ledger (C6): a durable
// key-value record of the last-flashed firmware per port, used to avoid
// redundant flashes.
package firmware

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fbuildd/fbuildd/internal/log"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO
)

// Entry is one port's recorded deployment.
type Entry struct {
	Port            string
	FirmwareHash    string
	SourceHash      string
	ProjectDir      string
	Environment     string
	BuildFlagsHash  string
	UploadedAt      time.Time
}

// QueryResult answers "is current?" for a candidate source/build-flags pair
// against whatever is currently recorded for a port.
type QueryResult struct {
	IsCurrent     bool
	NeedsRedeploy bool
	PriorEntry    *Entry
}

// Ledger is the sqlite-backed store. Write-through to disk, reloaded on
// daemon start (there is nothing to "reload" explicitly — sqlite itself is
// the persisted state; Open just re-attaches to the existing file).
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if absent) the ledger database at path and ensures
// its schema exists.
func Open(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open firmware ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping firmware ledger: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate firmware ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS firmware_ledger (
		port              TEXT PRIMARY KEY,
		firmware_hash     TEXT NOT NULL,
		source_hash       TEXT NOT NULL,
		project_dir       TEXT NOT NULL,
		environment       TEXT NOT NULL,
		build_flags_hash  TEXT NOT NULL,
		uploaded_at       TEXT NOT NULL
	);`
	_, err := l.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordDeployment writes a new entry for port, overwriting any previous
// entry for that port (spec.md's overwrite invariant, enforced directly in
// the upsert clause rather than application logic).
func (l *Ledger) RecordDeployment(ctx context.Context, port, firmwareHash, sourceHash, projectDir, environment, buildFlagsHash string) error {
	const stmt = `
	INSERT INTO firmware_ledger (port, firmware_hash, source_hash, project_dir, environment, build_flags_hash, uploaded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(port) DO UPDATE SET
		firmware_hash = excluded.firmware_hash,
		source_hash = excluded.source_hash,
		project_dir = excluded.project_dir,
		environment = excluded.environment,
		build_flags_hash = excluded.build_flags_hash,
		uploaded_at = excluded.uploaded_at
	`
	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx, stmt, port, firmwareHash, sourceHash, projectDir, environment, buildFlagsHash, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record deployment for port %q: %w", port, err)
	}
	log.WithComponent("firmware").Info().
		Str(log.FieldPort, port).
		Str("firmware_hash", firmwareHash).
		Str("event", "firmware.recorded").
		Msg("firmware deployment recorded")
	return nil
}

// GetDeployment returns the entry recorded for port, or nil if none exists.
func (l *Ledger) GetDeployment(ctx context.Context, port string) (*Entry, error) {
	const stmt = `
	SELECT port, firmware_hash, source_hash, project_dir, environment, build_flags_hash, uploaded_at
	FROM firmware_ledger WHERE port = ?
	`
	row := l.db.QueryRowContext(ctx, stmt, port)
	var e Entry
	var uploadedAt string
	if err := row.Scan(&e.Port, &e.FirmwareHash, &e.SourceHash, &e.ProjectDir, &e.Environment, &e.BuildFlagsHash, &uploadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get deployment for port %q: %w", port, err)
	}
	t, err := time.Parse(time.RFC3339Nano, uploadedAt)
	if err != nil {
		t = time.Time{}
	}
	e.UploadedAt = t
	return &e, nil
}

// Query answers whether sourceHash/buildFlagsHash match the prior entry for
// port. is_current holds iff a prior entry exists and both hashes match; an
// empty buildFlagsHash is treated as "don't care" so callers that have not
// yet computed a flags hash can still ask about source alone.
func (l *Ledger) Query(ctx context.Context, port, sourceHash, buildFlagsHash string) (QueryResult, error) {
	prior, err := l.GetDeployment(ctx, port)
	if err != nil {
		return QueryResult{}, err
	}
	if prior == nil {
		return QueryResult{IsCurrent: false, NeedsRedeploy: true}, nil
	}

	sourceMatches := prior.SourceHash == sourceHash
	flagsMatch := buildFlagsHash == "" || prior.BuildFlagsHash == buildFlagsHash
	current := sourceMatches && flagsMatch

	return QueryResult{
		IsCurrent:     current,
		NeedsRedeploy: !current,
		PriorEntry:    prior,
	}, nil
}
