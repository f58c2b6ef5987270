// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunkstore owns the bounded working set of reconstructed
// point-cloud chunks. Payloads are kept for at most RetentionWindow
// chunks; older chunks are evicted strictly in insertion order, and
// each eviction releases the chunk's resource handle exactly once.
//
// The metadata ledger is intentionally wider than the payload window:
// alignment state keeps advancing server-side after a chunk's payload
// is evicted, so Meta survives eviction and is only dropped by
// EvictAll.
package chunkstore

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/plyflow/plyflow/lib/ply"
)

// Alignment describes how far the server has aligned a chunk against
// its neighbors.
type Alignment int

const (
	AlignmentNone Alignment = iota
	AlignmentPairwise
	AlignmentGlobal
)

func (a Alignment) String() string {
	switch a {
	case AlignmentNone:
		return "unaligned"
	case AlignmentPairwise:
		return "pairwise"
	case AlignmentGlobal:
		return "global"
	default:
		return fmt.Sprintf("alignment(%d)", int(a))
	}
}

// Meta is the server-reported metadata for a chunk.
type Meta struct {
	FrameStart  int       `cbor:"frame_start"  json:"frame_start"`
	FrameEnd    int       `cbor:"frame_end"    json:"frame_end"`
	Alignment   Alignment `cbor:"alignment"    json:"alignment"`
	HasGaussian bool      `cbor:"has_gaussian" json:"has_gaussian"`
	Checksum    string    `cbor:"checksum,omitempty" json:"checksum,omitempty"`
	Size        int64     `cbor:"size"         json:"size"`
}

// Summary is a read-only view of one known chunk.
type Summary struct {
	ID       string `cbor:"id" json:"id"`
	Meta     Meta   `cbor:"meta" json:"meta"`
	Sequence uint64 `cbor:"sequence" json:"sequence"`
	Resident bool   `cbor:"resident" json:"resident"`
}

// ReleasedChunk is passed to the release hook when a chunk's payload
// leaves the window.
type ReleasedChunk struct {
	ID       string
	Sequence uint64
	Size     int64
}

// EmptyMergeError reports a merge request with nothing to merge:
// either no chunks are resident or every resident chunk decoded to
// zero vertices.
type EmptyMergeError struct{}

func (*EmptyMergeError) Error() string {
	return "chunkstore: no resident chunk data to merge"
}

// DefaultRetentionWindow bounds memory for potentially large per-chunk
// point clouds while keeping the current+previous overlap region
// mergeable. A policy default, not an architectural constant.
const DefaultRetentionWindow = 2

// Options configures a Manager.
type Options struct {
	// RetentionWindow is the maximum number of chunks with
	// materialized payloads. Values below 1 fall back to
	// DefaultRetentionWindow.
	RetentionWindow int

	// Release is invoked exactly once per chunk when its payload is
	// evicted or cleared. This is the single release point for any
	// transient resource handle tied to the payload. Called with the
	// Manager unlocked; hooks may call back into it. May be nil.
	Release func(ReleasedChunk)

	// Logger receives eviction and merge events. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

type entry struct {
	payload  []byte
	sequence uint64
}

// Manager is the chunk working set. Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	window  int
	release func(ReleasedChunk)
	logger  *slog.Logger

	sequence uint64
	closed   bool
	order    []string          // resident ids, oldest first
	resident map[string]*entry // payloads, keyed by chunk id
	meta     map[string]Meta   // survives payload eviction
	metaSeq  map[string]uint64 // first-seen sequence per chunk id
	metaIDs  []string          // first-seen order of all known ids
}

// NewManager returns an empty Manager.
func NewManager(opts Options) *Manager {
	window := opts.RetentionWindow
	if window < 1 {
		window = DefaultRetentionWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		window:   window,
		release:  opts.Release,
		logger:   logger,
		resident: make(map[string]*entry),
		meta:     make(map[string]Meta),
		metaSeq:  make(map[string]uint64),
	}
}

// Window returns the retention window.
func (m *Manager) Window() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window
}

// Insert stores a chunk payload. Returns false without side effects
// when the chunk id is already resident; re-delivered completion
// events are a no-op. On success the oldest residents beyond the
// retention window are evicted, each releasing its handle once.
func (m *Manager) Insert(id string, payload []byte, meta Meta) bool {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.resident[id]; ok {
		m.mu.Unlock()
		return false
	}

	m.sequence++
	m.resident[id] = &entry{payload: payload, sequence: m.sequence}
	m.order = append(m.order, id)
	m.recordMetaLocked(id, meta, m.sequence)

	var released []ReleasedChunk
	for len(m.order) > m.window {
		released = append(released, m.evictOldestLocked())
	}
	m.mu.Unlock()

	m.invokeRelease(released)
	return true
}

// recordMetaLocked updates the metadata ledger, tracking first-seen
// order for ids that are new to it.
func (m *Manager) recordMetaLocked(id string, meta Meta, seq uint64) {
	if _, known := m.metaSeq[id]; !known {
		m.metaSeq[id] = seq
		m.metaIDs = append(m.metaIDs, id)
	}
	m.meta[id] = meta
}

// UpdateMeta records metadata for a chunk without touching its
// payload. Used for completion events with no retrievable binary and
// for alignment updates that arrive after eviction.
func (m *Manager) UpdateMeta(id string, meta Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, known := m.metaSeq[id]; !known {
		m.sequence++
		m.metaSeq[id] = m.sequence
		m.metaIDs = append(m.metaIDs, id)
	}
	m.meta[id] = meta
}

// SetAlignment updates the alignment state of the given chunk ids, or
// of every known chunk when ids is empty.
func (m *Manager) SetAlignment(ids []string, alignment Alignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ids) == 0 {
		ids = m.metaIDs
	}
	for _, id := range ids {
		if meta, ok := m.meta[id]; ok {
			meta.Alignment = alignment
			m.meta[id] = meta
		}
	}
}

func (m *Manager) evictOldestLocked() ReleasedChunk {
	id := m.order[0]
	m.order = m.order[1:]
	ent := m.resident[id]
	delete(m.resident, id)

	m.logger.Debug("chunk evicted",
		"chunk_id", id,
		"sequence", ent.sequence,
		"bytes", len(ent.payload))

	return ReleasedChunk{ID: id, Sequence: ent.sequence, Size: int64(len(ent.payload))}
}

// invokeRelease runs the release hook for each evicted chunk, in
// eviction order, with the Manager unlocked. Hooks may safely call
// back into the Manager.
func (m *Manager) invokeRelease(released []ReleasedChunk) {
	if m.release == nil {
		return
	}
	for _, chunk := range released {
		m.release(chunk)
	}
}

// EvictAll releases every resident chunk's handle and clears both the
// payload window and the metadata ledger. Used on session close and
// explicit "clear scene" requests.
func (m *Manager) EvictAll() {
	m.mu.Lock()
	released := m.evictAllLocked()
	m.mu.Unlock()

	m.invokeRelease(released)
}

// Close evicts everything and permanently refuses further payloads
// and metadata. Used on session close, where a payload fetch racing
// the teardown must not repopulate the store; "clear scene" resets
// use EvictAll, which leaves the store reusable.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	released := m.evictAllLocked()
	m.mu.Unlock()

	m.invokeRelease(released)
}

func (m *Manager) evictAllLocked() []ReleasedChunk {
	var released []ReleasedChunk
	for len(m.order) > 0 {
		released = append(released, m.evictOldestLocked())
	}
	m.meta = make(map[string]Meta)
	m.metaSeq = make(map[string]uint64)
	m.metaIDs = nil
	return released
}

// Resident reports whether the chunk's payload is materialized.
func (m *Manager) Resident(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.resident[id]
	return ok
}

// List returns a snapshot of resident chunks in insertion order. The
// snapshot is stable: concurrent inserts and evictions never mutate a
// returned slice.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, Summary{
			ID:       id,
			Meta:     m.meta[id],
			Sequence: m.resident[id].sequence,
			Resident: true,
		})
	}
	return out
}

// MetaList returns a snapshot of every known chunk, resident or not,
// in first-seen order. This is what the UI collaborator renders.
func (m *Manager) MetaList() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.metaIDs))
	for _, id := range m.metaIDs {
		_, resident := m.resident[id]
		out = append(out, Summary{
			ID:       id,
			Meta:     m.meta[id],
			Sequence: m.metaSeq[id],
			Resident: resident,
		})
	}
	return out
}

// MergeAll decodes every resident payload and concatenates the vertex
// sequences, with chunks ordered by lexicographic id. That ordering
// reproduces the server contract as observed; it is not guaranteed to
// match frame order (see DESIGN.md). The returned count is the number
// of chunks actually merged, taken from the same snapshot as the
// payloads, so it cannot drift from the merge under concurrent
// inserts.
//
// A decode failure aborts the whole merge: silently dropping a corrupt
// chunk from an export would hand the user incomplete data without
// telling them.
func (m *Manager) MergeAll() (*ply.PointCloudBuffer, int, error) {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	payloads := make(map[string][]byte, len(ids))
	for _, id := range ids {
		payloads[id] = m.resident[id].payload
	}
	m.mu.Unlock()

	if len(ids) == 0 {
		return nil, 0, &EmptyMergeError{}
	}
	sort.Strings(ids)

	merged := ply.NewBuffer(nil)
	for _, id := range ids {
		buffer, err := ply.Decode(payloads[id])
		if err != nil {
			return nil, 0, fmt.Errorf("chunkstore: merging chunk %s: %w", id, err)
		}
		merged.Append(buffer)
	}
	if merged.Len() == 0 {
		return nil, 0, &EmptyMergeError{}
	}

	m.logger.Info("chunks merged",
		"chunks", len(ids),
		"vertices", merged.Len())
	return merged, len(ids), nil
}
