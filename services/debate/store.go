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
	"log/slog"
	"sync"
)

// DefaultSessionCapacity bounds the number of concurrently retained sessions.
const DefaultSessionCapacity = 512

// SessionStore maps session IDs to their clinical state.
//
// Description:
//
//	Bounded by capacity: when a new session would exceed it, the oldest
//	session by insertion order is evicted regardless of recent activity.
//	Insertion order is what the caller observes; a Get on an existing
//	session does not refresh its position.
//
// Thread Safety: The map itself is safe for concurrent use. The *states*
// returned from it are not; callers must serialize turns per session.
type SessionStore struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*ClinicalState
	order    []string
	snapshot *SnapshotStore
}

// NewSessionStore creates a store with the given capacity. A non-positive
// capacity falls back to DefaultSessionCapacity. The snapshot store is
// optional; pass nil to keep sessions memory-only.
func NewSessionStore(capacity int, snapshot *SnapshotStore) *SessionStore {
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	return &SessionStore{
		capacity: capacity,
		sessions: make(map[string]*ClinicalState, capacity),
		order:    make([]string, 0, capacity),
		snapshot: snapshot,
	}
}

// GetOrCreate returns the state for sessionID, creating a fresh one if none
// exists. The boolean reports whether the session already existed.
//
// Description:
//
//	On a miss the snapshot store is consulted first so a restarted service
//	can resume mid-debate; a restored session counts as existing. Creation
//	may evict the oldest session to stay within capacity.
func (st *SessionStore) GetOrCreate(sessionID string) (*ClinicalState, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if state, ok := st.sessions[sessionID]; ok {
		return state, true
	}

	restored := false
	state := st.snapshot.Load(sessionID)
	if state != nil {
		restored = true
	} else {
		state = &ClinicalState{LabValues: make(map[string]LabValue)}
	}

	if len(st.order) >= st.capacity {
		oldest := st.order[0]
		st.order = st.order[1:]
		delete(st.sessions, oldest)
		slog.Info("evicted oldest session", "session_id", oldest, "capacity", st.capacity)
	}
	st.sessions[sessionID] = state
	st.order = append(st.order, sessionID)
	return state, restored
}

// Get returns the state for sessionID, or nil if the session is unknown.
func (st *SessionStore) Get(sessionID string) *ClinicalState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[sessionID]
}

// Len reports the number of retained sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Persist writes the session's current state to the snapshot store,
// best-effort.
func (st *SessionStore) Persist(sessionID string, state *ClinicalState) {
	st.snapshot.Save(sessionID, state)
}
