// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

package pushchan

import (
	"encoding/json"
	"fmt"

	"github.com/plyflow/plyflow/lib/chunkstore"
)

// EventType discriminates inbound channel frames.
type EventType string

const (
	EventConnected              EventType = "connected"
	EventImageAdded             EventType = "image_added"
	EventChunkProcessingStart   EventType = "chunk_processing_start"
	EventGlobalAlignmentUpdated EventType = "global_alignment_updated"
	EventLoopDetected           EventType = "loop_detected"
	EventChunkComplete          EventType = "chunk_complete"
	EventError                  EventType = "error"
)

// Event is one inbound frame from the push channel. Frames are JSON
// objects tagged by a "type" field; fields beyond the tag are
// type-specific and zero-valued for other kinds. Unrecognized tags
// decode into an Event whose Known method reports false; the client
// logs and ignores them, keeping the protocol forward-compatible.
type Event struct {
	Type EventType `json:"type"`

	// image_added
	ImageCount int `json:"image_count,omitempty"`

	// chunk_processing_start, chunk_complete
	ChunkID    string `json:"chunk_id,omitempty"`
	FrameStart int    `json:"frame_start,omitempty"`
	FrameEnd   int    `json:"frame_end,omitempty"`

	// chunk_complete. DownloadURL may be empty: the chunk has no
	// retrievable binary yet, which is a valid outcome.
	DownloadURL string `json:"download_url,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	HasGaussian bool   `json:"has_gaussian,omitempty"`
	Alignment   string `json:"alignment,omitempty"`

	// global_alignment_updated. Empty means every known chunk.
	ChunkIDs []string `json:"chunk_ids,omitempty"`

	// error, loop_detected
	Message string `json:"message,omitempty"`

	// Raw preserves the original frame for collaborators that need
	// fields this client does not model.
	Raw json.RawMessage `json:"-"`
}

// Known reports whether the event type is one the client handles.
func (e Event) Known() bool {
	switch e.Type {
	case EventConnected, EventImageAdded, EventChunkProcessingStart,
		EventGlobalAlignmentUpdated, EventLoopDetected, EventChunkComplete,
		EventError:
		return true
	}
	return false
}

// decodeEvent parses an inbound frame. A frame that is not a JSON
// object with a type tag is an error; a frame with an unrecognized
// tag is not (fail closed into an unknown Event, never a crash).
func decodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("pushchan: decoding frame: %w", err)
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("pushchan: frame has no type tag")
	}
	event.Raw = append(json.RawMessage(nil), data...)
	return event, nil
}

// alignmentFromWire maps the wire alignment string to the store enum.
// Unknown strings map to unaligned rather than failing the event.
func alignmentFromWire(s string) chunkstore.Alignment {
	switch s {
	case "pairwise":
		return chunkstore.AlignmentPairwise
	case "global":
		return chunkstore.AlignmentGlobal
	default:
		return chunkstore.AlignmentNone
	}
}
