// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	Name   string   `cbor:"name"`
	Count  int      `cbor:"count"`
	Labels []string `cbor:"labels,omitempty"`
}

func TestRoundTrip(t *testing.T) {
	in := sample{Name: "chunk-3", Count: 7, Labels: []string{"a", "b"}}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || len(out.Labels) != 2 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestDeterministic(t *testing.T) {
	in := sample{Name: "x", Count: 1}
	a, _ := Marshal(in)
	b, _ := Marshal(in)
	if !bytes.Equal(a, b) {
		t.Error("same value produced different encodings")
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	data, err := Marshal(map[string]any{"name": "y", "count": 2, "future_field": true})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal with unknown field failed: %v", err)
	}
	if out.Name != "y" || out.Count != 2 {
		t.Errorf("decoded %+v", out)
	}
}

func TestEncodeDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, sample{Name: "s", Count: 3}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var out sample
	if err := Decode(&buf, &out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out.Count != 3 {
		t.Errorf("decoded %+v", out)
	}
}
