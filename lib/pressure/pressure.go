// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package pressure carries the processing-pressure signal shared
// between the push-channel client and the upload scheduler.
//
// The channel client raises the signal when the server reports that
// chunk materialization has started and clears it when the chunk
// completes (or errors, or its payload fetch resolves). The scheduler
// checks the signal before each upload batch and stalls while it is
// engaged, keeping upload traffic from competing with server-side
// reconstruction.
package pressure

import "sync"

// Signal is a boolean flag with sequentially-consistent reads and
// writes. The steady state is one writer (the channel client) and one
// reader (the scheduler), but the mutex keeps it safe regardless of
// who touches it.
type Signal struct {
	mu      sync.Mutex
	engaged bool
}

// Raise marks the server as busy materializing a chunk.
func (s *Signal) Raise() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engaged = true
}

// Clear marks the server as no longer busy. Clearing an already-clear
// signal is a no-op; completion, error, and fetch-resolution paths may
// all clear without coordinating.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engaged = false
}

// Engaged reports whether the signal is currently raised. The read
// observes the most recent Raise or Clear.
func (s *Signal) Engaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engaged
}
