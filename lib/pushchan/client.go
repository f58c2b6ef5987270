// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package pushchan maintains the long-lived websocket channel over
// which the reconstruction service pushes session progress. The
// client dispatches typed inbound events, fetches completed chunk
// payloads into the chunk store, reconnects with exponential backoff
// on unexpected closure, and raises/clears the processing-pressure
// signal consumed by the upload scheduler.
package pushchan

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plyflow/plyflow/lib/chunkstore"
	"github.com/plyflow/plyflow/lib/clock"
	"github.com/plyflow/plyflow/lib/fetch"
	"github.com/plyflow/plyflow/lib/pressure"
	"github.com/plyflow/plyflow/lib/telemetry"
)

// State is the channel connection state. After reconnect exhaustion
// the client settles in StateDisconnected with Terminal() true; it
// does not retry further on its own.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reconnect policy defaults. Configuration fields override them; they
// are observed behavior, not protocol invariants.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxAttempts    = 5
)

// Conn is the subset of a websocket connection the client reads from.
// *websocket.Conn satisfies it; tests substitute scripted
// connections via Config.Dial.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the server's HTTP base URL. The channel endpoint is
	// derived from it by swapping the scheme to ws/wss and appending
	// /ws/{sessionID}.
	BaseURL string

	// Store receives fetched chunk payloads and metadata updates.
	Store *chunkstore.Manager

	// Fetcher downloads chunk payloads named by completion events.
	Fetcher *fetch.Fetcher

	// Pressure is the shared processing-pressure signal.
	Pressure *pressure.Signal

	// Clock drives backoff waits. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *telemetry.Metrics

	// ConnectTimeout bounds the websocket handshake. Defaults to
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// InitialBackoff, MaxBackoff, and MaxAttempts shape the
	// reconnect policy. Zero values take the defaults above.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int

	// OnState, when set, observes every state transition.
	OnState func(State)

	// OnEvent, when set, observes every decoded inbound event after
	// the client's own handling. This is the UI collaborator's feed.
	OnEvent func(Event)

	// Dial overrides the websocket dialer. Tests use it to script
	// connection outcomes.
	Dial func(ctx context.Context, channelURL string) (Conn, error)
}

// Client is the push-channel client. One Client serves one session at
// a time; Connect rejects while a channel is already up.
type Client struct {
	baseURL        string
	store          *chunkstore.Manager
	fetcher        *fetch.Fetcher
	pressure       *pressure.Signal
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	connectTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int
	onState        func(State)
	onEvent        func(Event)
	dial           func(ctx context.Context, channelURL string) (Conn, error)

	mu          sync.Mutex
	state       State
	terminal    bool
	intentional bool
	conn        Conn
	sessionID   string
	stop        chan struct{}
	connCancel  context.CancelFunc

	// State notifications are queued and delivered by one goroutine so
	// the observer sees transitions in the order they happened.
	stateMu      sync.Mutex
	statePending []State
	stateKick    chan struct{}
}

// New creates a Client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("pushchan: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("pushchan: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if config.Store == nil {
		return nil, fmt.Errorf("pushchan: Store is required")
	}
	if config.Pressure == nil {
		return nil, fmt.Errorf("pushchan: Pressure is required")
	}

	client := &Client{
		baseURL:        strings.TrimRight(config.BaseURL, "/"),
		store:          config.Store,
		fetcher:        config.Fetcher,
		pressure:       config.Pressure,
		clock:          config.Clock,
		logger:         config.Logger,
		metrics:        config.Metrics,
		connectTimeout: config.ConnectTimeout,
		initialBackoff: config.InitialBackoff,
		maxBackoff:     config.MaxBackoff,
		maxAttempts:    config.MaxAttempts,
		onState:        config.OnState,
		onEvent:        config.OnEvent,
		dial:           config.Dial,
	}
	if client.clock == nil {
		client.clock = clock.Real()
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	if client.connectTimeout <= 0 {
		client.connectTimeout = DefaultConnectTimeout
	}
	if client.initialBackoff <= 0 {
		client.initialBackoff = DefaultInitialBackoff
	}
	if client.maxBackoff <= 0 {
		client.maxBackoff = DefaultMaxBackoff
	}
	if client.maxAttempts <= 0 {
		client.maxAttempts = DefaultMaxAttempts
	}
	if client.dial == nil {
		client.dial = client.dialWebsocket
	}
	if client.onState != nil {
		client.stateKick = make(chan struct{}, 1)
		go client.notifyStates()
	}
	return client, nil
}

// ChannelURL returns the websocket endpoint for the given session:
// the HTTP base with its scheme swapped to ws/wss and /ws/{sessionID}
// appended.
func (c *Client) ChannelURL(sessionID string) (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("pushchan: parsing base URL: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws/" + sessionID
	return parsed.String(), nil
}

func (c *Client) dialWebsocket(ctx context.Context, channelURL string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.connectTimeout}
	conn, _, err := dialer.DialContext(ctx, channelURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Terminal reports whether the client exhausted its reconnect budget
// and settled in StateDisconnected. A later Connect clears it.
func (c *Client) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// SessionID returns the session of the current or most recent channel.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	c.metrics.SetChannelState(int(state))
	if c.onState != nil {
		c.stateMu.Lock()
		c.statePending = append(c.statePending, state)
		c.stateMu.Unlock()
		select {
		case c.stateKick <- struct{}{}:
		default:
		}
	}
}

// notifyStates drains the pending transitions in order. The observer
// runs without any client lock held, so it may call back into State()
// or the store.
func (c *Client) notifyStates() {
	for range c.stateKick {
		for {
			c.stateMu.Lock()
			if len(c.statePending) == 0 {
				c.stateMu.Unlock()
				break
			}
			state := c.statePending[0]
			c.statePending = c.statePending[1:]
			c.stateMu.Unlock()
			c.onState(state)
		}
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(state)
}

// Connect opens the push channel for the given session. It returns
// once the channel is established or the handshake fails; the
// handshake is bounded by ConnectTimeout. An initial connect failure
// is returned to the caller without retry; automatic backoff applies
// only to channels that drop after being established.
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("pushchan: session id is required")
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("pushchan: connect while %s", state)
	}
	c.sessionID = sessionID
	c.intentional = false
	c.terminal = false
	c.stop = make(chan struct{})
	stop := c.stop
	// connCtx outlives the handshake: it covers payload fetches
	// triggered by this channel's events, so Disconnect can cancel a
	// fetch in flight.
	connCtx, connCancel := context.WithCancel(context.Background())
	c.connCancel = connCancel
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	channelURL, err := c.ChannelURL(sessionID)
	if err != nil {
		connCancel()
		c.setState(StateDisconnected)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	conn, err := c.dial(dialCtx, channelURL)
	if err != nil {
		connCancel()
		c.setState(StateDisconnected)
		return fmt.Errorf("pushchan: opening channel %s: %w", channelURL, err)
	}

	c.mu.Lock()
	if c.intentional {
		// Disconnect raced the handshake; drop the late connection.
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("pushchan: disconnected during connect")
	}
	c.conn = conn
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("push channel connected", "session_id", sessionID)
	go c.readLoop(connCtx, conn, channelURL, stop)
	return nil
}

// Disconnect marks the closure as intentional, closes the channel,
// and suppresses all reconnect logic, including a backoff wait in
// progress.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	conn := c.conn
	c.conn = nil
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.setStateLocked(StateDisconnected)
	sessionID := c.sessionID
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		c.logger.Info("push channel disconnected", "session_id", sessionID)
	}
}

// readLoop consumes frames until the connection drops, dispatching
// each in arrival order. Dispatch is synchronous on this goroutine:
// events mutate shared chunk metadata, so reordering is not allowed.
func (c *Client) readLoop(ctx context.Context, conn Conn, channelURL string, stop chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(ctx, err, channelURL, stop)
			return
		}
		c.dispatch(ctx, data)
	}
}

// handleClosure runs the reconnect policy after an unexpected drop.
// Intentional closures (Disconnect) skip it entirely.
func (c *Client) handleClosure(ctx context.Context, cause error, channelURL string, stop chan struct{}) {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	c.logger.Warn("push channel closed unexpectedly", "error", cause)

	backoff := c.initialBackoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-stop:
			return
		case <-c.clock.After(backoff):
		}
		if backoff *= 2; backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}

		c.mu.Lock()
		if c.intentional {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()

		c.metrics.Reconnect()
		dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
		conn, err := c.dial(dialCtx, channelURL)
		cancel()
		if err == nil {
			c.mu.Lock()
			if c.intentional {
				c.mu.Unlock()
				conn.Close()
				return
			}
			c.conn = conn
			c.setStateLocked(StateConnected)
			c.mu.Unlock()
			c.logger.Info("push channel reconnected", "attempt", attempt)
			c.readLoop(ctx, conn, channelURL, stop)
			return
		}

		c.logger.Warn("push channel reconnect failed",
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"next_backoff_ms", backoff.Milliseconds(),
			"error", err)
		c.setState(StateReconnecting)
	}

	// Reconnect budget exhausted: settle disconnected and surface
	// the terminal state rather than retrying forever. Chunks
	// already ingested stay valid.
	c.mu.Lock()
	c.terminal = true
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	c.logger.Error("push channel gave up reconnecting",
		"attempts", c.maxAttempts)
}

// dispatch handles one inbound frame.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	event, err := decodeEvent(data)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	switch event.Type {
	case EventConnected:
		c.logger.Debug("server acknowledged channel", "session_id", c.SessionID())

	case EventImageAdded:
		c.logger.Debug("image added", "image_count", event.ImageCount)

	case EventChunkProcessingStart:
		c.pressure.Raise()
		c.logger.Info("chunk processing started",
			"chunk_id", event.ChunkID,
			"frames", fmt.Sprintf("%d-%d", event.FrameStart, event.FrameEnd))

	case EventGlobalAlignmentUpdated:
		c.store.SetAlignment(event.ChunkIDs, chunkstore.AlignmentGlobal)
		c.logger.Info("global alignment updated", "chunks", len(event.ChunkIDs))

	case EventLoopDetected:
		c.logger.Info("loop detected", "message", event.Message)

	case EventChunkComplete:
		c.handleChunkComplete(ctx, event)

	case EventError:
		c.pressure.Clear()
		c.logger.Error("server reported error", "message", event.Message)

	default:
		// Forward-compatible: unknown types are logged and ignored.
		c.logger.Warn("unhandled event type", "type", string(event.Type))
	}

	if c.onEvent != nil {
		c.onEvent(event)
	}
}

// handleChunkComplete fetches the chunk payload (when one is
// advertised) and inserts it into the store. The pressure signal is
// cleared once the fetch resolves, whether it succeeded or failed; a
// completion without a download URL clears it immediately.
func (c *Client) handleChunkComplete(ctx context.Context, event Event) {
	defer c.pressure.Clear()

	meta := chunkstore.Meta{
		FrameStart:  event.FrameStart,
		FrameEnd:    event.FrameEnd,
		Alignment:   alignmentFromWire(event.Alignment),
		HasGaussian: event.HasGaussian,
		Checksum:    event.Checksum,
	}

	if event.DownloadURL == "" || c.fetcher == nil {
		// No retrievable binary yet. Record the metadata; a later
		// completion event for the same chunk may carry the URL.
		c.store.UpdateMeta(event.ChunkID, meta)
		c.logger.Info("chunk complete without payload", "chunk_id", event.ChunkID)
		return
	}

	payload, err := c.fetcher.Get(ctx, event.DownloadURL, event.Checksum)
	if err != nil {
		// Absorbed locally: a failed fetch never takes down the
		// channel, and already-ingested chunks stay valid.
		c.metrics.FetchFailed()
		c.store.UpdateMeta(event.ChunkID, meta)
		c.logger.Error("chunk payload fetch failed",
			"chunk_id", event.ChunkID,
			"url", event.DownloadURL,
			"error", err)
		return
	}

	meta.Size = int64(len(payload))
	if c.store.Insert(event.ChunkID, payload, meta) {
		c.metrics.ChunkIngested(len(payload))
	} else {
		// Re-delivered completion: payload insert is a no-op but the
		// metadata (alignment state in particular) still advances.
		c.store.UpdateMeta(event.ChunkID, meta)
	}
	c.metrics.SetResidentChunks(len(c.store.List()))
	c.logger.Info("chunk ingested",
		"chunk_id", event.ChunkID,
		"bytes", len(payload),
		"frames", fmt.Sprintf("%d-%d", event.FrameStart, event.FrameEnd))
}
