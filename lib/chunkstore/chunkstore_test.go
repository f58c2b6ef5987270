// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/plyflow/plyflow/lib/ply"
)

// encodedChunk builds a valid payload whose single vertex carries the
// marker value in Position[0], so merge ordering is observable.
func encodedChunk(marker float32) []byte {
	v := ply.Vertex{
		Position: [3]float32{marker, 0, 0},
		SH:       make([]float32, ply.SHCoefficients),
	}
	return ply.Encode(ply.NewBuffer([]ply.Vertex{v}))
}

func residentIDs(m *Manager) []string {
	var ids []string
	for _, s := range m.List() {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestEvictionSlidingWindow(t *testing.T) {
	var released []string
	m := NewManager(Options{
		RetentionWindow: 2,
		Release:         func(c ReleasedChunk) { released = append(released, c.ID) },
	})

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("c%d", i)
		if !m.Insert(id, encodedChunk(float32(i)), Meta{FrameStart: i}) {
			t.Fatalf("Insert(%s) reported duplicate", id)
		}
	}

	got := residentIDs(m)
	if len(got) != 2 || got[0] != "c4" || got[1] != "c5" {
		t.Errorf("resident = %v, want [c4 c5]", got)
	}
	want := []string{"c1", "c2", "c3"}
	if len(released) != len(want) {
		t.Fatalf("released = %v, want %v", released, want)
	}
	for i := range want {
		if released[i] != want[i] {
			t.Errorf("released[%d] = %s, want %s", i, released[i], want[i])
		}
	}
}

func TestInsertIdempotent(t *testing.T) {
	releases := 0
	m := NewManager(Options{
		RetentionWindow: 2,
		Release:         func(ReleasedChunk) { releases++ },
	})

	if !m.Insert("a", encodedChunk(1), Meta{}) {
		t.Fatal("first insert rejected")
	}
	first := m.List()
	if m.Insert("a", encodedChunk(2), Meta{}) {
		t.Error("duplicate insert accepted")
	}
	second := m.List()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("ledger length changed: %d then %d", len(first), len(second))
	}
	if first[0].Sequence != second[0].Sequence {
		t.Error("duplicate insert changed the resident entry")
	}
	if releases != 0 {
		t.Errorf("duplicate insert triggered %d releases", releases)
	}
}

func TestReleaseExactlyOnce(t *testing.T) {
	counts := map[string]int{}
	m := NewManager(Options{
		RetentionWindow: 1,
		Release:         func(c ReleasedChunk) { counts[c.ID]++ },
	})

	m.Insert("a", encodedChunk(1), Meta{})
	m.Insert("b", encodedChunk(2), Meta{}) // evicts a
	m.EvictAll()                           // releases b

	if counts["a"] != 1 || counts["b"] != 1 {
		t.Errorf("release counts = %v, want exactly one each", counts)
	}
	m.EvictAll() // idempotent
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Errorf("second EvictAll re-released: %v", counts)
	}
}

func TestEvictAllClearsLedger(t *testing.T) {
	m := NewManager(Options{RetentionWindow: 2})
	m.Insert("a", encodedChunk(1), Meta{})
	m.Insert("b", encodedChunk(2), Meta{})
	m.EvictAll()

	if got := m.List(); len(got) != 0 {
		t.Errorf("resident after EvictAll: %v", got)
	}
	if got := m.MetaList(); len(got) != 0 {
		t.Errorf("metadata after EvictAll: %v", got)
	}
}

func TestCloseRefusesLatePayloads(t *testing.T) {
	counts := map[string]int{}
	m := NewManager(Options{
		RetentionWindow: 2,
		Release:         func(c ReleasedChunk) { counts[c.ID]++ },
	})
	m.Insert("a", encodedChunk(1), Meta{})
	m.Close()

	if counts["a"] != 1 {
		t.Errorf("release counts = %v, want a released once on Close", counts)
	}

	// A payload fetch that was in flight during teardown resolves
	// after Close; it must not repopulate the closed store.
	if m.Insert("b", encodedChunk(2), Meta{}) {
		t.Error("Insert after Close must be refused")
	}
	m.UpdateMeta("c", Meta{FrameEnd: 10})

	if got := m.List(); len(got) != 0 {
		t.Errorf("resident after Close: %v", got)
	}
	if got := m.MetaList(); len(got) != 0 {
		t.Errorf("metadata after Close: %v", got)
	}
	if counts["b"] != 0 {
		t.Errorf("refused insert must not release: %v", counts)
	}
}

func TestEvictAllStaysReusable(t *testing.T) {
	m := NewManager(Options{RetentionWindow: 2})
	m.Insert("a", encodedChunk(1), Meta{})
	m.EvictAll()

	// Unlike Close, a clear-scene reset accepts new chunks.
	if !m.Insert("b", encodedChunk(2), Meta{}) {
		t.Error("Insert after EvictAll should succeed")
	}
	if !m.Resident("b") {
		t.Error("chunk inserted after EvictAll should be resident")
	}
}

func TestMergeSortsByChunkID(t *testing.T) {
	m := NewManager(Options{RetentionWindow: 2})
	// Insert in reverse lexicographic order: merge must still emit
	// a's vertices before b's.
	m.Insert("b", encodedChunk(2), Meta{})
	m.Insert("a", encodedChunk(1), Meta{})

	merged, chunks, err := m.MergeAll()
	if err != nil {
		t.Fatalf("MergeAll failed: %v", err)
	}
	if chunks != 2 {
		t.Fatalf("merged chunk count = %d, want 2", chunks)
	}
	if merged.Len() != 2 {
		t.Fatalf("merged %d vertices, want 2", merged.Len())
	}
	if merged.Vertices()[0].Position[0] != 1 || merged.Vertices()[1].Position[0] != 2 {
		t.Errorf("merge order = [%v %v], want a's vertex first",
			merged.Vertices()[0].Position[0], merged.Vertices()[1].Position[0])
	}
}

func TestMergeEmpty(t *testing.T) {
	m := NewManager(Options{})
	_, _, err := m.MergeAll()
	var emptyErr *EmptyMergeError
	if !errors.As(err, &emptyErr) {
		t.Fatalf("got %v, want *EmptyMergeError", err)
	}
}

func TestMergeAllZeroVertexChunks(t *testing.T) {
	m := NewManager(Options{})
	m.Insert("a", ply.Encode(ply.NewBuffer(nil)), Meta{})
	_, _, err := m.MergeAll()
	var emptyErr *EmptyMergeError
	if !errors.As(err, &emptyErr) {
		t.Fatalf("got %v, want *EmptyMergeError", err)
	}
}

func TestMergeCorruptChunkAborts(t *testing.T) {
	m := NewManager(Options{RetentionWindow: 2})
	m.Insert("a", encodedChunk(1), Meta{})
	m.Insert("b", []byte("not a point cloud"), Meta{})

	_, _, err := m.MergeAll()
	var formatErr *ply.FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("got %v, want wrapped *ply.FormatError", err)
	}
}

func TestMetaSurvivesEviction(t *testing.T) {
	m := NewManager(Options{RetentionWindow: 1})
	m.Insert("a", encodedChunk(1), Meta{FrameStart: 0, FrameEnd: 10})
	m.Insert("b", encodedChunk(2), Meta{FrameStart: 8, FrameEnd: 18})

	metas := m.MetaList()
	if len(metas) != 2 {
		t.Fatalf("MetaList length = %d, want 2", len(metas))
	}
	if metas[0].ID != "a" || metas[0].Resident {
		t.Errorf("evicted chunk a: got %+v, want non-resident metadata", metas[0])
	}
	if metas[1].ID != "b" || !metas[1].Resident {
		t.Errorf("chunk b: got %+v, want resident", metas[1])
	}

	m.SetAlignment(nil, AlignmentGlobal)
	for _, s := range m.MetaList() {
		if s.Meta.Alignment != AlignmentGlobal {
			t.Errorf("chunk %s alignment = %v after global update", s.ID, s.Meta.Alignment)
		}
	}
}

func TestUpdateMetaWithoutPayload(t *testing.T) {
	m := NewManager(Options{})
	m.UpdateMeta("pending", Meta{FrameStart: 5, FrameEnd: 15})

	if m.Resident("pending") {
		t.Error("UpdateMeta must not materialize a payload")
	}
	metas := m.MetaList()
	if len(metas) != 1 || metas[0].Meta.FrameEnd != 15 {
		t.Errorf("MetaList = %+v", metas)
	}
}

func TestListSnapshotStability(t *testing.T) {
	m := NewManager(Options{RetentionWindow: 2})
	m.Insert("a", encodedChunk(1), Meta{})
	m.Insert("b", encodedChunk(2), Meta{})

	snapshot := m.List()
	m.Insert("c", encodedChunk(3), Meta{}) // evicts a

	if len(snapshot) != 2 || snapshot[0].ID != "a" || snapshot[1].ID != "b" {
		t.Errorf("snapshot mutated by concurrent insert: %v", snapshot)
	}
}

func TestWindowClamp(t *testing.T) {
	if got := NewManager(Options{RetentionWindow: 0}).Window(); got != DefaultRetentionWindow {
		t.Errorf("Window() = %d, want default %d", got, DefaultRetentionWindow)
	}
	if got := NewManager(Options{RetentionWindow: -3}).Window(); got != DefaultRetentionWindow {
		t.Errorf("Window() = %d, want default %d", got, DefaultRetentionWindow)
	}
}

func TestSequenceMonotonic(t *testing.T) {
	m := NewManager(Options{RetentionWindow: 1})
	m.Insert("a", encodedChunk(1), Meta{})
	m.Insert("b", encodedChunk(2), Meta{})
	list := m.List()
	if len(list) != 1 || list[0].Sequence != 2 {
		t.Errorf("sequence = %+v, want monotonic continuation", list)
	}
}
