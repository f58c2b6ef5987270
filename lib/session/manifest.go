// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/plyflow/plyflow/lib/chunkstore"
	"github.com/plyflow/plyflow/lib/codec"
)

// Manifest is the on-disk snapshot of a session: its identity, the
// reconstruction parameters it was created with, and the metadata
// ledger of every chunk the server has announced. Payloads are not
// persisted; a restored session re-fetches them on demand.
type Manifest struct {
	SessionID     string               `cbor:"session_id"`
	SavedAt       time.Time            `cbor:"saved_at"`
	ChunkSize     int                  `cbor:"chunk_size"`
	Overlap       int                  `cbor:"overlap"`
	LoopDetection bool                 `cbor:"loop_detection"`
	Chunks        []chunkstore.Summary `cbor:"chunks"`
}

// SaveManifest writes the session's manifest to path as deterministic
// CBOR. The write is atomic: a temp file in the same directory is
// renamed over the target.
func (s *Session) SaveManifest(path string) error {
	if err := s.guard("save manifest"); err != nil {
		return err
	}

	manifest := Manifest{
		SessionID:     s.id,
		SavedAt:       s.clock.Now(),
		ChunkSize:     s.chunkSize,
		Overlap:       s.overlap,
		LoopDetection: s.loopDetection,
		Chunks:        s.store.MetaList(),
	}
	data, err := codec.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("session: encoding manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("session: writing manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("session: writing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("session: writing manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("session: writing manifest: %w", err)
	}

	s.note("manifest saved to %s (%d chunks)", path, len(manifest.Chunks))
	return nil
}

// LoadManifest reads a manifest written by SaveManifest.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("session: reading manifest: %w", err)
	}
	var manifest Manifest
	if err := codec.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("session: decoding manifest %s: %w", path, err)
	}
	return manifest, nil
}
