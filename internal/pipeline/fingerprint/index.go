// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package fingerprint is the Parallel Package Pipeline's (C9)
// install-verification cache: a badger-backed index of packages already
// known-good, keyed by "name@version", consulted before re-downloading a
// package the pipeline has already verified once.
package fingerprint

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no record exists for a given name@version.
var ErrNotFound = errors.New("fingerprint: no record for package")

// Record is what the index remembers about a verified install.
type Record struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	SHA256      string    `json:"sha256"`
	FileCount   int       `json:"file_count"`
	TotalSize   int64     `json:"total_size"`
	InstalledAt time.Time `json:"installed_at"`
}

// Index is the embedded verified-install cache.
type Index struct {
	db *badger.DB
}

// Open opens (creating if absent) the badger database at path.
func Open(path string) (*Index, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (i *Index) Close() error {
	return i.db.Close()
}

func key(name, version string) []byte {
	return []byte(name + "@" + version)
}

// Put records a verified install, overwriting any prior record for the
// same name@version.
func (i *Index) Put(rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return i.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.Name, rec.Version), buf)
	})
}

// Get returns the verified-install record for name@version, or ErrNotFound
// if no such record exists.
func (i *Index) Get(name, version string) (Record, error) {
	var out Record
	err := i.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(name, version))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

// IsVerified reports whether name@version has a record matching sha256.
// The orchestrator's skip check does not call it; it uses Get and checks
// that the install directory is non-empty.
func (i *Index) IsVerified(name, version, sha256 string) bool {
	rec, err := i.Get(name, version)
	if err != nil {
		return false
	}
	return rec.SHA256 == sha256
}
