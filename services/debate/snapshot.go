// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package debate

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// DefaultSnapshotTTL controls how long a persisted session survives without
// being updated.
const DefaultSnapshotTTL = 24 * time.Hour

// SnapshotStore persists clinical state to an embedded Badger database so a
// restarted service can resume sessions that fell out of memory.
//
// Description:
//
//	Persistence is strictly best-effort: Save and Load log failures and
//	carry on, and a nil *SnapshotStore is a valid no-op store. Losing a
//	snapshot costs the caller a fresh debate, never an error.
//
// Thread Safety: Safe for concurrent use; Badger serializes internally.
type SnapshotStore struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenSnapshotStore opens (or creates) the snapshot database at path.
func OpenSnapshotStore(path string, ttl time.Duration) (*SnapshotStore, error) {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	return &SnapshotStore{db: db, ttl: ttl}, nil
}

// Save persists the state for sessionID, replacing any prior snapshot and
// resetting its TTL. Best-effort: failures are logged, not returned.
func (s *SnapshotStore) Save(sessionID string, state *ClinicalState) {
	if s == nil || state == nil {
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		slog.Warn("snapshot encode failed", "session_id", sessionID, "error", err)
		return
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(snapshotKey(sessionID), buf.Bytes()).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		slog.Warn("snapshot save failed", "session_id", sessionID, "error", err)
	}
}

// Load returns the persisted state for sessionID, or nil if no usable
// snapshot exists.
func (s *SnapshotStore) Load(sessionID string) *ClinicalState {
	if s == nil {
		return nil
	}
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(sessionID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			slog.Warn("snapshot load failed", "session_id", sessionID, "error", err)
		}
		return nil
	}
	var state ClinicalState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&state); err != nil {
		slog.Warn("snapshot decode failed", "session_id", sessionID, "error", err)
		return nil
	}
	if state.LabValues == nil {
		state.LabValues = make(map[string]LabValue)
	}
	return &state
}

// Close flushes and closes the underlying database.
func (s *SnapshotStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func snapshotKey(sessionID string) []byte {
	return []byte("session:" + sessionID)
}
