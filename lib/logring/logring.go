// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package logring keeps the bounded rolling log of human-readable
// pipeline events surfaced to the UI collaborator. When the ring is
// full the oldest entry is dropped first.
package logring

import (
	"sync"
	"time"
)

// DefaultCapacity matches the most-recent-50 contract of the UI feed.
const DefaultCapacity = 50

// Entry is one logged event.
type Entry struct {
	Time    time.Time
	Message string
}

// Ring is a bounded FIFO of log entries. Safe for concurrent use.
type Ring struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
}

// New returns a Ring with the given capacity; values below 1 fall
// back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Ring{capacity: capacity}
}

// Append adds an entry, dropping the oldest when full.
func (r *Ring) Append(now time.Time, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Time: now, Message: message})
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
}

// Entries returns a snapshot, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Clear drops all entries.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}
