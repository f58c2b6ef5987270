// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func newFetcher(t *testing.T, baseURL string) *Fetcher {
	t.Helper()
	fetcher, err := New(Config{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return fetcher
}

func TestGetPlain(t *testing.T) {
	payload := []byte("raw point cloud bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chunks/chunk-1.ply" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write(payload)
	}))
	defer server.Close()

	got, err := newFetcher(t, server.URL).Get(context.Background(), "/chunks/chunk-1.ply", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: got %q", got)
	}
}

func TestGetZstd(t *testing.T) {
	payload := bytes.Repeat([]byte("vertex"), 1000)

	var compressed bytes.Buffer
	encoder, err := zstd.NewWriter(&compressed)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	encoder.Write(payload)
	encoder.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "zstd")
		w.Write(compressed.Bytes())
	}))
	defer server.Close()

	got, err := newFetcher(t, server.URL).Get(context.Background(), "/chunks/z.ply", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("decompressed payload mismatch: %d bytes, want %d", len(got), len(payload))
	}
}

func TestGetChecksum(t *testing.T) {
	payload := []byte("checksummed payload")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	fetcher := newFetcher(t, server.URL)

	t.Run("match", func(t *testing.T) {
		if _, err := fetcher.Get(context.Background(), "/c", Checksum(payload)); err != nil {
			t.Fatalf("Get with valid checksum failed: %v", err)
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		_, err := fetcher.Get(context.Background(), "/c", Checksum([]byte("different")))
		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			t.Fatalf("got %v, want *TransportError", err)
		}
	})
}

func TestGetNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newFetcher(t, server.URL).Get(context.Background(), "/missing", "")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("got %v, want *TransportError", err)
	}
	if transportErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", transportErr.StatusCode)
	}
}

func TestGetTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	_, err := newFetcher(t, server.URL).Get(context.Background(), "/c", "")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("got %v, want *TransportError", err)
	}
	if transportErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for transport failure", transportErr.StatusCode)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing BaseURL")
	}
}
