// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch retrieves chunk payloads from the reconstruction
// server. Responses may arrive zstd-compressed (Content-Encoding:
// zstd); decompression is transparent to callers. When the completion
// event carried a checksum, the raw payload is verified against it
// before being handed to the chunk store.
package fetch

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// DefaultTimeout bounds a single payload download.
const DefaultTimeout = 30 * time.Second

// TransportError reports an HTTP-level payload fetch failure. Extract
// with errors.As to inspect the status code; StatusCode is zero for
// transport-layer failures that produced no response.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch: %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config holds configuration for creating a Fetcher.
type Config struct {
	// BaseURL is the server base; relative download URLs from
	// completion events are resolved against it.
	BaseURL string

	// HTTPClient is used for all requests. If nil, a client with
	// Timeout is constructed.
	HTTPClient *http.Client

	// Timeout bounds each download. Zero means DefaultTimeout.
	// Ignored when HTTPClient is provided.
	Timeout time.Duration

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Fetcher downloads chunk payloads.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Fetcher.
func New(config Config) (*Fetcher, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("fetch: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("fetch: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Get downloads the payload at the given server-relative URL. When
// checksum is non-empty it must be the hex BLAKE3-256 digest of the
// raw payload; a mismatch fails the fetch and the payload is
// discarded.
func (f *Fetcher) Get(ctx context.Context, relativeURL, checksum string) ([]byte, error) {
	target := f.baseURL + "/" + strings.TrimLeft(relativeURL, "/")

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &TransportError{URL: target, Err: err}
	}

	response, err := f.httpClient.Do(request)
	if err != nil {
		return nil, &TransportError{URL: target, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		io.Copy(io.Discard, response.Body)
		return nil, &TransportError{URL: target, StatusCode: response.StatusCode}
	}

	payload, err := readBody(response)
	if err != nil {
		return nil, &TransportError{URL: target, Err: err}
	}

	if checksum != "" {
		digest := blake3.Sum256(payload)
		if got := hex.EncodeToString(digest[:]); !strings.EqualFold(got, checksum) {
			return nil, &TransportError{
				URL: target,
				Err: fmt.Errorf("payload digest %s does not match declared checksum %s", got, checksum),
			}
		}
	}

	f.logger.Debug("chunk payload fetched",
		"url", relativeURL,
		"bytes", len(payload),
		"encoding", response.Header.Get("Content-Encoding"))
	return payload, nil
}

// readBody drains the response body, transparently decompressing
// zstd-encoded payloads.
func readBody(response *http.Response) ([]byte, error) {
	if !strings.EqualFold(response.Header.Get("Content-Encoding"), "zstd") {
		return io.ReadAll(response.Body)
	}

	decoder, err := zstd.NewReader(response.Body)
	if err != nil {
		return nil, fmt.Errorf("initializing zstd decoder: %w", err)
	}
	defer decoder.Close()

	payload, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return payload, nil
}

// Checksum returns the hex BLAKE3-256 digest of payload, in the form
// the server attaches to completion events.
func Checksum(payload []byte) string {
	digest := blake3.Sum256(payload)
	return hex.EncodeToString(digest[:])
}
