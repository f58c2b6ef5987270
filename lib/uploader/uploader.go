// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package uploader pushes image files to a reconstruction session in
// bounded concurrent batches. A run stalls before each batch while
// the shared processing-pressure signal is engaged, so upload traffic
// never competes with server-side chunk materialization, and it can
// be cancelled cooperatively at any point including mid-stall.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/plyflow/plyflow/lib/clock"
	"github.com/plyflow/plyflow/lib/pressure"
	"github.com/plyflow/plyflow/lib/telemetry"
)

// Concurrency and pacing bounds. MinConcurrency/MaxConcurrency clamp
// the configured batch width; DefaultPollInterval paces the
// backpressure stall loop. Defaults, not invariants.
const (
	MinConcurrency      = 1
	MaxConcurrency      = 5
	DefaultConcurrency  = 3
	DefaultPollInterval = 500 * time.Millisecond
)

// BusyError reports an Enqueue while a run is already in progress.
// The scheduler is single-flight: one run owns it until the run
// completes or is cancelled.
type BusyError struct{}

func (*BusyError) Error() string {
	return "uploader: an upload run is already in progress"
}

// File is one image queued for upload. Content is consumed during the
// run; the scheduler takes ownership of the reader.
type File struct {
	Name    string
	Content io.Reader
}

// FileResult records one file's outcome. StatusCode is zero when the
// request never produced a response.
type FileResult struct {
	Name       string
	StatusCode int
	Err        error
}

// Failed reports whether the upload of this file failed.
func (r FileResult) Failed() bool { return r.Err != nil }

// Result summarizes an upload run. Per-file failures do not abort the
// run, so Succeeded < Attempted is a normal outcome on flaky networks.
type Result struct {
	Attempted int
	Succeeded int
	Cancelled bool
	Files     []FileResult
}

// Config holds configuration for creating a Scheduler.
type Config struct {
	// BaseURL is the server base; files are posted to
	// {BaseURL}/upload_image/{sessionID}.
	BaseURL string

	// HTTPClient is used for all requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// Pressure is the shared processing-pressure signal checked
	// before each batch. May be nil (no backpressure).
	Pressure *pressure.Signal

	// Clock paces the backpressure stall loop. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *telemetry.Metrics

	// Concurrency is the batch width, clamped to
	// [MinConcurrency, MaxConcurrency]. Zero means
	// DefaultConcurrency.
	Concurrency int

	// PollInterval is the backpressure poll period. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration

	// OnProgress, when set, observes upload progress in [0,1] after
	// each batch.
	OnProgress func(float64)
}

// Scheduler uploads files in batches. Safe for concurrent use; only
// one run may be active at a time.
type Scheduler struct {
	baseURL    string
	httpClient *http.Client
	pressure   *pressure.Signal
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	onProgress func(float64)

	mu           sync.Mutex
	concurrency  int
	pollInterval time.Duration
	running      bool
	cancelCh     chan struct{}
	uploaded     int
	total        int
}

// New creates a Scheduler.
func New(config Config) (*Scheduler, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("uploader: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("uploader: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	scheduler := &Scheduler{
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		httpClient:   config.HTTPClient,
		pressure:     config.Pressure,
		clock:        config.Clock,
		logger:       config.Logger,
		metrics:      config.Metrics,
		onProgress:   config.OnProgress,
		concurrency:  clampConcurrency(config.Concurrency),
		pollInterval: config.PollInterval,
	}
	if scheduler.httpClient == nil {
		scheduler.httpClient = http.DefaultClient
	}
	if scheduler.clock == nil {
		scheduler.clock = clock.Real()
	}
	if scheduler.logger == nil {
		scheduler.logger = slog.Default()
	}
	if scheduler.pollInterval <= 0 {
		scheduler.pollInterval = DefaultPollInterval
	}
	return scheduler, nil
}

func clampConcurrency(n int) int {
	switch {
	case n == 0:
		return DefaultConcurrency
	case n < MinConcurrency:
		return MinConcurrency
	case n > MaxConcurrency:
		return MaxConcurrency
	default:
		return n
	}
}

// SetConcurrency adjusts the batch width for subsequent batches,
// clamped to [MinConcurrency, MaxConcurrency]. Takes effect at the
// next batch boundary of a running run.
func (s *Scheduler) SetConcurrency(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.concurrency = clampConcurrency(n)
}

// SetPollInterval adjusts the backpressure poll period. Non-positive
// values restore the default.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		d = DefaultPollInterval
	}
	s.pollInterval = d
}

// Progress returns the fraction of the current (or most recent) run's
// files that have resolved, in [0,1].
func (s *Scheduler) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == 0 {
		return 0
	}
	return float64(s.uploaded) / float64(s.total)
}

// Running reports whether a run is in progress.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Cancel stops the active run, if any. The scheduling loop observes
// the cancellation at its next suspension point (batch boundary or
// backpressure stall), clears queued-but-unstarted work, and exits.
// In-flight requests are not aborted; their results are discarded.
// Safe to call at any time.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cancelCh == nil {
		return
	}
	select {
	case <-s.cancelCh:
	default:
		close(s.cancelCh)
	}
}

// Enqueue takes ownership of files and uploads them to the session in
// batches of the configured concurrency, blocking until the run
// completes, is cancelled, or ctx is done. Returns *BusyError if a
// run is already in progress.
//
// Within a batch, one request per file runs concurrently; batch N+1
// never starts before every file of batch N has resolved. Per-file
// failures are recorded in the Result, never aborting the run.
func (s *Scheduler) Enqueue(ctx context.Context, files []File, sessionID string) (*Result, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("uploader: session id is required")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, &BusyError{}
	}
	s.running = true
	s.cancelCh = make(chan struct{})
	cancelCh := s.cancelCh
	s.uploaded = 0
	s.total = len(files)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancelCh = nil
		s.mu.Unlock()
	}()

	result := &Result{}
	s.logger.Info("upload run started",
		"session_id", sessionID,
		"files", len(files))

	for start := 0; start < len(files); {
		if err := s.waitForPressure(ctx, cancelCh); err != nil {
			result.Cancelled = true
			s.logger.Info("upload run cancelled",
				"session_id", sessionID,
				"attempted", result.Attempted)
			return result, nil
		}

		s.mu.Lock()
		width := s.concurrency
		s.mu.Unlock()

		end := start + width
		if end > len(files) {
			end = len(files)
		}
		batch := files[start:end]

		outcomes := make([]FileResult, len(batch))
		var wg sync.WaitGroup
		for i, file := range batch {
			wg.Add(1)
			go func(i int, file File) {
				defer wg.Done()
				outcomes[i] = s.uploadOne(ctx, file, sessionID)
			}(i, file)
		}
		wg.Wait()

		for _, outcome := range outcomes {
			result.Attempted++
			if outcome.Failed() {
				s.metrics.UploadFailed()
				s.logger.Warn("file upload failed",
					"file", outcome.Name,
					"status", outcome.StatusCode,
					"error", outcome.Err)
			} else {
				result.Succeeded++
				s.metrics.UploadSucceeded()
			}
			result.Files = append(result.Files, outcome)
		}

		s.mu.Lock()
		s.uploaded += len(batch)
		progress := float64(s.uploaded) / float64(s.total)
		s.mu.Unlock()
		if s.onProgress != nil {
			s.onProgress(progress)
		}

		start = end
	}

	s.logger.Info("upload run finished",
		"session_id", sessionID,
		"succeeded", result.Succeeded,
		"attempted", result.Attempted)
	return result, nil
}

// waitForPressure stalls while the pressure signal is engaged,
// polling at the configured interval. Returns an error when the run
// was cancelled or ctx expired during the stall.
func (s *Scheduler) waitForPressure(ctx context.Context, cancelCh chan struct{}) error {
	for {
		select {
		case <-cancelCh:
			return fmt.Errorf("uploader: run cancelled")
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if s.pressure == nil || !s.pressure.Engaged() {
			return nil
		}

		s.mu.Lock()
		interval := s.pollInterval
		s.mu.Unlock()
		s.logger.Debug("uploads paused under processing pressure",
			"poll_interval", interval)

		select {
		case <-cancelCh:
			return fmt.Errorf("uploader: run cancelled")
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(interval):
		}
	}
}

// uploadOne posts a single file as multipart form data.
func (s *Scheduler) uploadOne(ctx context.Context, file File, sessionID string) FileResult {
	s.metrics.UploadAttempted()
	result := FileResult{Name: file.Name}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", file.Name)
	if err != nil {
		result.Err = fmt.Errorf("uploader: building form: %w", err)
		return result
	}
	if _, err := io.Copy(part, file.Content); err != nil {
		result.Err = fmt.Errorf("uploader: reading %s: %w", file.Name, err)
		return result
	}
	if err := writer.Close(); err != nil {
		result.Err = fmt.Errorf("uploader: finalizing form: %w", err)
		return result
	}

	target := fmt.Sprintf("%s/upload_image/%s", s.baseURL, url.PathEscape(sessionID))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		result.Err = fmt.Errorf("uploader: building request: %w", err)
		return result
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := s.httpClient.Do(request)
	if err != nil {
		result.Err = fmt.Errorf("uploader: posting %s: %w", file.Name, err)
		return result
	}
	defer response.Body.Close()
	result.StatusCode = response.StatusCode

	if response.StatusCode < 200 || response.StatusCode > 299 {
		io.Copy(io.Discard, response.Body)
		result.Err = fmt.Errorf("uploader: %s: unexpected status %d", file.Name, response.StatusCode)
		return result
	}

	// The server echoes the session's image count; useful in logs,
	// not load-bearing for the run.
	var ack struct {
		ImageCount int `json:"image_count"`
	}
	if err := json.NewDecoder(response.Body).Decode(&ack); err == nil {
		s.logger.Debug("file uploaded",
			"file", file.Name,
			"image_count", ack.ImageCount)
	}
	return result
}
