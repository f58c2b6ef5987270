// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package session is the composition root of the ingestion pipeline.
// A Session owns the chunk store, push-channel client, upload
// scheduler, and payload fetcher, wires the shared pressure signal
// between them, and exposes the control surface consumed by the UI
// layer: uploads, connection lifecycle, chunk clearing, and
// merge/export. Components never reach into shared globals; all
// cross-component state flows through this package and is published
// to the UI via observer callbacks.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/plyflow/plyflow/lib/chunkstore"
	"github.com/plyflow/plyflow/lib/clock"
	"github.com/plyflow/plyflow/lib/config"
	"github.com/plyflow/plyflow/lib/fetch"
	"github.com/plyflow/plyflow/lib/logring"
	"github.com/plyflow/plyflow/lib/ply"
	"github.com/plyflow/plyflow/lib/pressure"
	"github.com/plyflow/plyflow/lib/pushchan"
	"github.com/plyflow/plyflow/lib/telemetry"
	"github.com/plyflow/plyflow/lib/uploader"
)

// SessionError reports an operation against a closed or absent
// session. These are rejected synchronously, before any I/O.
type SessionError struct {
	Op string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session: %s: no active session", e.Op)
}

// Observers receive state published by the session. All callbacks are
// optional and may be invoked from pipeline goroutines; implementations
// must not block.
type Observers struct {
	// ConnectionState observes push-channel state transitions.
	ConnectionState func(pushchan.State)

	// Chunks observes the per-chunk metadata list after every
	// change.
	Chunks func([]chunkstore.Summary)

	// Progress observes upload progress in [0,1].
	Progress func(float64)

	// Log observes every rolling-log entry as it is appended.
	Log func(logring.Entry)

	// Notify observes failure classes that warrant an immediate
	// user-facing signal (transport and session errors), beyond the
	// rolling log.
	Notify func(message string)
}

// Config holds configuration for creating a Session.
type Config struct {
	// Client carries the loaded file configuration (endpoints and
	// tuning knobs).
	Client config.Config

	// SessionID identifies an existing server-side session. Empty
	// generates a fresh id.
	SessionID string

	// HTTPClient is shared by uploads and payload fetches. If nil,
	// per-component defaults apply.
	HTTPClient *http.Client

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *telemetry.Metrics

	// Observers may be zero.
	Observers Observers

	// Dial overrides the websocket dialer (tests).
	Dial func(ctx context.Context, channelURL string) (pushchan.Conn, error)
}

// Session is one reconstruction session's client-side state.
type Session struct {
	id        string
	createdAt time.Time
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	observers Observers

	signal    *pressure.Signal
	store     *chunkstore.Manager
	fetcher   *fetch.Fetcher
	channel   *pushchan.Client
	scheduler *uploader.Scheduler
	ring      *logring.Ring

	chunkSize     int
	overlap       int
	loopDetection bool
	maxAttempts   int

	mu     sync.Mutex
	closed bool
}

// New creates a Session from the given configuration. The session
// exists until Close; closing disconnects the channel and resets the
// chunk store.
func New(cfg Config) (*Session, error) {
	if err := cfg.Client.Validate(); err != nil {
		return nil, err
	}

	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id)

	s := &Session{
		id:            id,
		createdAt:     clk.Now(),
		clock:         clk,
		logger:        logger,
		metrics:       cfg.Metrics,
		observers:     cfg.Observers,
		signal:        &pressure.Signal{},
		ring:          logring.New(logring.DefaultCapacity),
		chunkSize:     cfg.Client.Session.ChunkSize,
		overlap:       cfg.Client.Session.Overlap,
		loopDetection: cfg.Client.Session.LoopDetection,
		maxAttempts:   cfg.Client.Channel.MaxAttempts,
	}
	if s.maxAttempts == 0 {
		s.maxAttempts = pushchan.DefaultMaxAttempts
	}

	s.store = chunkstore.NewManager(chunkstore.Options{
		RetentionWindow: cfg.Client.Chunks.RetentionWindow,
		Logger:          logger,
		Release: func(released chunkstore.ReleasedChunk) {
			s.metrics.ChunkEvicted()
			s.note("chunk %s evicted (%s)", released.ID, humanize.IBytes(uint64(released.Size)))
		},
	})

	fetcher, err := fetch.New(fetch.Config{
		BaseURL:    cfg.Client.Server.BaseURL,
		HTTPClient: cfg.HTTPClient,
		Timeout:    cfg.Client.Server.FetchTimeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	s.fetcher = fetcher

	s.channel, err = pushchan.New(pushchan.Config{
		BaseURL:        cfg.Client.Server.BaseURL,
		Store:          s.store,
		Fetcher:        fetcher,
		Pressure:       s.signal,
		Clock:          clk,
		Logger:         logger,
		Metrics:        cfg.Metrics,
		ConnectTimeout: cfg.Client.Channel.ConnectTimeout,
		InitialBackoff: cfg.Client.Channel.InitialBackoff,
		MaxBackoff:     cfg.Client.Channel.MaxBackoff,
		MaxAttempts:    cfg.Client.Channel.MaxAttempts,
		OnState:        s.handleState,
		OnEvent:        s.handleEvent,
		Dial:           cfg.Dial,
	})
	if err != nil {
		return nil, err
	}

	s.scheduler, err = uploader.New(uploader.Config{
		BaseURL:      cfg.Client.Server.BaseURL,
		HTTPClient:   cfg.HTTPClient,
		Pressure:     s.signal,
		Clock:        clk,
		Logger:       logger,
		Metrics:      cfg.Metrics,
		Concurrency:  cfg.Client.Uploads.Concurrency,
		PollInterval: cfg.Client.Uploads.PollInterval,
		OnProgress:   cfg.Observers.Progress,
	})
	if err != nil {
		return nil, err
	}

	s.note("session created (chunk size %d, overlap %d)", s.chunkSize, s.overlap)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// note appends to the rolling log and publishes to the log observer.
func (s *Session) note(format string, args ...any) {
	entry := logring.Entry{Time: s.clock.Now(), Message: fmt.Sprintf(format, args...)}
	s.ring.Append(entry.Time, entry.Message)
	if s.observers.Log != nil {
		s.observers.Log(entry)
	}
}

// notify surfaces a failure both to the log and the notification
// observer.
func (s *Session) notify(format string, args ...any) {
	s.note(format, args...)
	if s.observers.Notify != nil {
		s.observers.Notify(fmt.Sprintf(format, args...))
	}
}

func (s *Session) handleState(state pushchan.State) {
	s.note("channel %s", state)
	if state == pushchan.StateDisconnected && s.channel.Terminal() {
		s.notify("connection lost: gave up reconnecting after %d attempts", s.maxAttempts)
	}
	if s.observers.ConnectionState != nil {
		s.observers.ConnectionState(state)
	}
}

func (s *Session) handleEvent(event pushchan.Event) {
	switch event.Type {
	case pushchan.EventConnected:
		s.note("server acknowledged session")
	case pushchan.EventImageAdded:
		s.note("image added (%d total)", event.ImageCount)
	case pushchan.EventChunkProcessingStart:
		s.note("processing chunk %s (frames %d-%d)", event.ChunkID, event.FrameStart, event.FrameEnd)
	case pushchan.EventGlobalAlignmentUpdated:
		s.note("global alignment updated")
	case pushchan.EventLoopDetected:
		s.note("loop detected: %s", event.Message)
	case pushchan.EventChunkComplete:
		s.note("chunk %s complete", event.ChunkID)
	case pushchan.EventError:
		s.notify("server error: %s", event.Message)
	}
	if s.observers.Chunks != nil {
		s.observers.Chunks(s.store.MetaList())
	}
}

// guard returns a SessionError when the session is closed.
func (s *Session) guard(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &SessionError{Op: op}
	}
	return nil
}

// Connect opens the push channel for this session.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.guard("connect"); err != nil {
		return err
	}
	if err := s.channel.Connect(ctx, s.id); err != nil {
		s.notify("connection failed: %v", err)
		return err
	}
	return nil
}

// Disconnect closes the push channel intentionally. Ingested chunks
// stay resident.
func (s *Session) Disconnect() {
	s.channel.Disconnect()
}

// Close tears the session down: uploads are cancelled, the channel is
// disconnected, and the chunk store is reset. Subsequent operations
// fail with SessionError.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.scheduler.Cancel()
	s.channel.Disconnect()
	s.store.Close()
	s.note("session closed")
}

// EnqueueUploads uploads the files to this session in batches,
// blocking until the run resolves. See uploader.Scheduler.Enqueue.
func (s *Session) EnqueueUploads(ctx context.Context, files []uploader.File) (*uploader.Result, error) {
	if err := s.guard("upload"); err != nil {
		return nil, err
	}
	result, err := s.scheduler.Enqueue(ctx, files, s.id)
	if err != nil {
		return nil, err
	}
	if failed := result.Attempted - result.Succeeded; failed > 0 {
		s.notify("upload run: %d of %d files failed", failed, result.Attempted)
	} else {
		s.note("uploaded %d of %d files", result.Succeeded, result.Attempted)
	}
	return result, nil
}

// CancelUploads stops the active upload run, if any.
func (s *Session) CancelUploads() {
	s.scheduler.Cancel()
	s.note("upload run cancelled")
}

// SetConcurrency adjusts the upload batch width.
func (s *Session) SetConcurrency(n int) {
	s.scheduler.SetConcurrency(n)
}

// SetPollInterval adjusts the backpressure poll period.
func (s *Session) SetPollInterval(d time.Duration) {
	s.scheduler.SetPollInterval(d)
}

// ClearChunks releases every resident chunk and clears the metadata
// ledger.
func (s *Session) ClearChunks() {
	s.store.EvictAll()
	s.note("chunks cleared")
	if s.observers.Chunks != nil {
		s.observers.Chunks(nil)
	}
}

// Chunks returns the per-chunk metadata list, resident or not.
func (s *Session) Chunks() []chunkstore.Summary {
	return s.store.MetaList()
}

// ConnectionState returns the push-channel state.
func (s *Session) ConnectionState() pushchan.State {
	return s.channel.State()
}

// Terminal reports whether the channel gave up reconnecting after
// exhausting its attempt budget.
func (s *Session) Terminal() bool {
	return s.channel.Terminal()
}

// Progress returns the current upload progress in [0,1].
func (s *Session) Progress() float64 {
	return s.scheduler.Progress()
}

// Log returns a snapshot of the rolling event log, oldest first.
func (s *Session) Log() []logring.Entry {
	return s.ring.Entries()
}

// ExportInfo summarizes a merge/export.
type ExportInfo struct {
	Chunks   int
	Vertices int
	Bytes    int
}

// MergeExport merges every resident chunk (sorted by chunk id),
// re-encodes the combined point cloud, and writes it to w. A corrupt
// chunk aborts the whole export; it is never silently skipped.
func (s *Session) MergeExport(w io.Writer) (ExportInfo, error) {
	if err := s.guard("export"); err != nil {
		return ExportInfo{}, err
	}

	merged, chunks, err := s.store.MergeAll()
	if err != nil {
		s.notify("export failed: %v", err)
		return ExportInfo{}, err
	}

	encoded := ply.Encode(merged)
	if _, err := w.Write(encoded); err != nil {
		s.notify("export failed: %v", err)
		return ExportInfo{}, fmt.Errorf("session: writing export: %w", err)
	}

	info := ExportInfo{Chunks: chunks, Vertices: merged.Len(), Bytes: len(encoded)}
	s.note("exported %d vertices from %d chunks (%s)",
		info.Vertices, info.Chunks, humanize.IBytes(uint64(info.Bytes)))
	return info, nil
}

// ExportFilename returns custom (with a .ply extension ensured) or an
// auto-generated unique name when custom is empty.
func (s *Session) ExportFilename(custom string) string {
	if custom != "" {
		if !strings.HasSuffix(custom, ".ply") {
			custom += ".ply"
		}
		return custom
	}
	return fmt.Sprintf("pointcloud-%s.ply", uuid.NewString()[:8])
}
