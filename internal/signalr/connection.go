package signalr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/satriahrh/voxlink/domain/repositories"
	"github.com/satriahrh/voxlink/internal/dynamic"
	"github.com/satriahrh/voxlink/internal/metrics"
)

const (
	defaultKeepAliveInterval = 10 * time.Second
	defaultServerTimeout     = 30 * time.Second
	defaultHandshakeTimeout  = 15 * time.Second

	closeNormal = 1000
)

var (
	ErrNotConnected      = errors.New("hub connection is not connected")
	ErrAlreadyStarted    = errors.New("hub connection already started")
	ErrHandshakeTimeout  = errors.New("hub handshake timed out")
	ErrServerTimeout     = errors.New("no message received from server")
	ErrConnectionStopped = errors.New("hub connection stopped")
)

// ConnectionState is the lifecycle state of a HubConnection.
type ConnectionState int32

const (
	Connecting ConnectionState = iota
	Connected
	Disconnecting
	Disconnected
)

// String returns the lower-case state name.
func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ReconnectPolicy controls automatic reconnection after an unexpected drop.
// One attempt is made per entry in Delays, each after waiting that long.
type ReconnectPolicy struct {
	Enabled bool
	Delays  []time.Duration
	// PerMinute caps attempts across reconnect cycles. Zero means no cap.
	PerMinute int
}

// DefaultReconnectDelays mirrors the usual SignalR client back-off.
func DefaultReconnectDelays() []time.Duration {
	return []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}
}

// Config holds the HubConnection settings. URL is the http(s) hub endpoint.
type Config struct {
	URL               string
	AccessToken       string
	SkipNegotiation   bool
	Headers           http.Header
	HTTPClient        *http.Client
	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration
	HandshakeTimeout  time.Duration
	Reconnect         ReconnectPolicy
}

// InvocationHandler handles a server-initiated invocation.
type InvocationHandler func(args []dynamic.Value)

type hooks struct {
	onConnected       func()
	onClosed          func(err error)
	onConnectionError func(err error)
	onReconnecting    func(err error)
	onReconnected     func()
}

// HubConnection is a client session with a SignalR hub over a single
// TransportSocket.
type HubConnection struct {
	cfg        Config
	dial       repositories.SocketFactory
	protocol   *JSONHubProtocol
	callbacks  *CallbackRegistry
	negotiator *Negotiator
	limiter    *rate.Limiter
	logger     *zap.Logger

	// writeMu orders socket writes so waiting calls flush before new sends.
	writeMu sync.Mutex

	mu            sync.Mutex
	state         ConnectionState
	gen           uint64
	socket        repositories.TransportSocket
	handlers      map[string]InvocationHandler
	waiting       []string
	handshakeBuf  string
	handshakeCh   chan error
	lastReceive   time.Time
	connectedAt   time.Time
	stopRequested bool
	lifetime      context.Context
	cancel        context.CancelFunc
	keepAliveStop context.CancelFunc
	hooks         hooks
}

// NewHubConnection creates a disconnected hub connection.
func NewHubConnection(cfg Config, dial repositories.SocketFactory, logger *zap.Logger) *HubConnection {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
		logger.Debug("Using default keep-alive interval", zap.Duration("keepAliveInterval", cfg.KeepAliveInterval))
	}
	if cfg.ServerTimeout <= 0 {
		cfg.ServerTimeout = defaultServerTimeout
		logger.Debug("Using default server timeout", zap.Duration("serverTimeout", cfg.ServerTimeout))
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
		logger.Debug("Using default handshake timeout", zap.Duration("handshakeTimeout", cfg.HandshakeTimeout))
	}
	if cfg.Reconnect.Enabled && len(cfg.Reconnect.Delays) == 0 {
		cfg.Reconnect.Delays = DefaultReconnectDelays()
	}

	var limiter *rate.Limiter
	if cfg.Reconnect.PerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.Reconnect.PerMinute)), 1)
	}

	h := &HubConnection{
		cfg:        cfg,
		dial:       dial,
		protocol:   NewJSONHubProtocol(logger),
		callbacks:  NewCallbackRegistry(),
		negotiator: NewNegotiator(cfg.HTTPClient, logger),
		limiter:    limiter,
		logger:     logger,
		state:      Disconnected,
		handlers:   make(map[string]InvocationHandler),
		cancel:     func() {},
	}
	metrics.HubConnectionState.Set(float64(Disconnected))
	return h
}

// State returns the current connection state.
func (h *HubConnection) State() ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// PendingInvocations returns the number of invocations still awaiting a
// completion.
func (h *HubConnection) PendingInvocations() int {
	return h.callbacks.Len()
}

// OnConnected fires once the handshake has been acknowledged.
func (h *HubConnection) OnConnected(fn func()) {
	h.mu.Lock()
	h.hooks.onConnected = fn
	h.mu.Unlock()
}

// OnClosed fires after the connection is gone for good. err is nil when Stop
// was called.
func (h *HubConnection) OnClosed(fn func(err error)) {
	h.mu.Lock()
	h.hooks.onClosed = fn
	h.mu.Unlock()
}

// OnConnectionError fires when Start fails before the handshake completes.
func (h *HubConnection) OnConnectionError(fn func(err error)) {
	h.mu.Lock()
	h.hooks.onConnectionError = fn
	h.mu.Unlock()
}

// OnReconnecting fires when a dropped connection starts reconnecting.
func (h *HubConnection) OnReconnecting(fn func(err error)) {
	h.mu.Lock()
	h.hooks.onReconnecting = fn
	h.mu.Unlock()
}

// OnReconnected fires after a reconnect completes its handshake.
func (h *HubConnection) OnReconnected(fn func()) {
	h.mu.Lock()
	h.hooks.onReconnected = fn
	h.mu.Unlock()
}

// On registers the handler for server invocations of target. A later
// registration for the same target replaces the earlier one.
func (h *HubConnection) On(target string, handler InvocationHandler) {
	h.mu.Lock()
	h.handlers[target] = handler
	h.mu.Unlock()
}

// Start begins connecting in the background. The outcome is reported through
// OnConnected or OnConnectionError.
func (h *HubConnection) Start() error {
	h.mu.Lock()
	if h.state != Disconnected {
		state := h.state
		h.mu.Unlock()
		h.logger.Warn("Hub connection already started", zap.Stringer("state", state))
		return ErrAlreadyStarted
	}
	h.stopRequested = false
	h.lifetime, h.cancel = context.WithCancel(context.Background())
	ctx := h.lifetime
	h.setStateLocked(Connecting)
	h.mu.Unlock()

	h.logger.Info("Starting hub connection", zap.String("url", h.cfg.URL))

	go func() {
		err := h.establish(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			h.logger.Info("Hub connection established", zap.String("url", h.cfg.URL))
			if fn := h.snapshotHooks().onConnected; fn != nil {
				fn()
			}
			return
		}

		h.logger.Error("Failed to connect to hub", zap.String("url", h.cfg.URL), zap.Error(err))
		h.teardown("connection failed")
		if fn := h.snapshotHooks().onConnectionError; fn != nil {
			fn(err)
		}
	}()
	return nil
}

// Stop closes the connection and fails every pending invocation. It returns
// once the connection is Disconnected.
func (h *HubConnection) Stop() error {
	h.mu.Lock()
	if h.state == Disconnected || h.state == Disconnecting {
		h.mu.Unlock()
		h.logger.Warn("Hub connection already stopped")
		return ErrNotConnected
	}
	h.stopRequested = true
	h.setStateLocked(Disconnecting)
	h.gen++
	sock := h.socket
	h.socket = nil
	h.waiting = nil
	h.handshakeCh = nil
	h.stopKeepAliveLocked()
	cancel := h.cancel
	h.mu.Unlock()

	cancel()
	if sock != nil {
		if err := sock.Close(closeNormal, "client stopped"); err != nil {
			h.logger.Debug("Error closing socket", zap.Error(err))
		}
	}
	h.callbacks.Clear("connection stopped")
	metrics.HubPendingInvocations.Set(0)

	h.mu.Lock()
	h.setStateLocked(Disconnected)
	onClosed := h.hooks.onClosed
	h.mu.Unlock()

	h.logger.Info("Hub connection stopped", zap.String("url", h.cfg.URL))
	if onClosed != nil {
		onClosed(nil)
	}
	return nil
}

// Invoke calls target on the server and returns a handle to its completion.
// While Connecting the call is queued and sent once the handshake completes.
func (h *HubConnection) Invoke(target string, args ...dynamic.Value) (*PendingCall, error) {
	call := newPendingCall()
	started := time.Now()

	id := h.callbacks.Register(func(result dynamic.Value, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.HubInvocationsTotal.WithLabelValues(target, outcome).Inc()
		metrics.HubInvocationLatency.WithLabelValues(target).Observe(float64(time.Since(started).Milliseconds()))
		call.resolve(result, err)
	})
	call.id = id

	record, err := h.protocol.Serialize(Invocation{InvocationID: id, Target: target, Arguments: args})
	if err != nil {
		h.callbacks.Remove(id)
		return nil, err
	}
	if err := h.sendRecord(record); err != nil {
		h.callbacks.Remove(id)
		metrics.HubInvocationsTotal.WithLabelValues(target, "send_failed").Inc()
		return nil, fmt.Errorf("failed to invoke %s: %w", target, err)
	}

	metrics.HubPendingInvocations.Set(float64(h.callbacks.Len()))
	h.logger.Debug("Invocation sent", zap.String("target", target), zap.String("invocationID", id))
	return call, nil
}

// Send calls target without expecting a completion.
func (h *HubConnection) Send(target string, args ...dynamic.Value) error {
	record, err := h.protocol.Serialize(Invocation{Target: target, Arguments: args})
	if err != nil {
		return err
	}
	if err := h.sendRecord(record); err != nil {
		metrics.HubInvocationsTotal.WithLabelValues(target, "send_failed").Inc()
		return fmt.Errorf("failed to send %s: %w", target, err)
	}
	metrics.HubInvocationsTotal.WithLabelValues(target, "sent").Inc()
	return nil
}

func (h *HubConnection) sendRecord(record string) error {
	h.mu.Lock()
	switch h.state {
	case Connecting:
		h.waiting = append(h.waiting, record)
		h.mu.Unlock()
		return nil
	case Connected:
		sock := h.socket
		h.mu.Unlock()
		h.writeMu.Lock()
		defer h.writeMu.Unlock()
		return sock.Send(record)
	default:
		h.mu.Unlock()
		return ErrNotConnected
	}
}

// establish opens one socket and waits for the handshake ack.
func (h *HubConnection) establish(ctx context.Context) error {
	h.mu.Lock()
	if ctx.Err() != nil {
		h.mu.Unlock()
		return ErrConnectionStopped
	}
	h.gen++
	gen := h.gen
	h.handshakeBuf = ""
	ch := make(chan error, 1)
	h.handshakeCh = ch
	h.mu.Unlock()

	wsURL, err := h.resolveURL(ctx)
	if err != nil {
		return err
	}

	sock := h.dial(wsURL, h.cfg.Headers.Clone(), h.eventsFor(gen))

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return ErrConnectionStopped
	}
	h.socket = sock
	h.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()

	if err := sock.Connect(attemptCtx); err != nil {
		return fmt.Errorf("failed to open websocket: %w", err)
	}

	handshake, err := CreateHandshakeMessage(h.protocol.Name(), h.protocol.Version())
	if err != nil {
		_ = sock.Close(closeNormal, "handshake failed")
		return err
	}
	if err := sock.Send(handshake); err != nil {
		_ = sock.Close(closeNormal, "handshake failed")
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	select {
	case err := <-ch:
		if err != nil {
			_ = sock.Close(closeNormal, "handshake failed")
			return err
		}
		return nil
	case <-attemptCtx.Done():
		_ = sock.Close(closeNormal, "handshake timeout")
		if ctx.Err() != nil {
			return ErrConnectionStopped
		}
		return ErrHandshakeTimeout
	}
}

func (h *HubConnection) resolveURL(ctx context.Context) (string, error) {
	if h.cfg.SkipNegotiation {
		return WebSocketURL(h.cfg.URL, "", h.cfg.AccessToken)
	}
	wsURL, _, err := h.negotiator.Negotiate(ctx, h.cfg.URL, h.cfg.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to negotiate: %w", err)
	}
	return wsURL, nil
}

func (h *HubConnection) eventsFor(gen uint64) repositories.SocketEvents {
	return repositories.SocketEvents{
		OnMessage: func(text string) {
			h.handleText(gen, text)
		},
		OnClosed: func(code int, reason string, clean bool) {
			err := fmt.Errorf("websocket closed (code %d): %s", code, reason)
			h.handleDisconnect(gen, err, !clean)
		},
	}
}

func (h *HubConnection) handleText(gen uint64, text string) {
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.lastReceive = time.Now()

	if h.state == Connecting && h.handshakeCh != nil {
		h.handshakeBuf += text
		resp, rest, err := ParseHandshakeResponse(h.handshakeBuf)
		if errors.Is(err, ErrIncompleteHandshake) {
			h.mu.Unlock()
			return
		}
		ch := h.handshakeCh
		h.handshakeCh = nil
		h.handshakeBuf = ""
		h.mu.Unlock()

		if err == nil && resp.Error != "" {
			err = fmt.Errorf("handshake rejected: %s", resp.Error)
		}
		if err != nil {
			ch <- err
			return
		}
		h.completeHandshake(gen)
		ch <- nil
		if rest == "" {
			return
		}
		text = rest
	} else {
		h.mu.Unlock()
	}

	h.dispatch(gen, h.protocol.ParseMessages(text))
}

func (h *HubConnection) completeHandshake(gen uint64) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.Lock()
	if h.gen != gen || h.state != Connecting {
		h.mu.Unlock()
		return
	}
	h.setStateLocked(Connected)
	h.connectedAt = time.Now()
	sock := h.socket
	waiting := h.waiting
	h.waiting = nil
	kaCtx, kaCancel := context.WithCancel(h.lifetime)
	h.keepAliveStop = kaCancel
	h.mu.Unlock()

	go h.keepAlive(kaCtx, gen)

	for _, record := range waiting {
		if err := sock.Send(record); err != nil {
			h.logger.Warn("Failed to flush waiting call", zap.Error(err))
		}
	}
	if len(waiting) > 0 {
		h.logger.Debug("Flushed waiting calls", zap.Int("count", len(waiting)))
	}
}

func (h *HubConnection) dispatch(gen uint64, msgs []HubMessage) {
	for _, msg := range msgs {
		switch m := msg.(type) {
		case Invocation:
			metrics.HubMessagesReceivedTotal.WithLabelValues("invocation").Inc()
			h.mu.Lock()
			handler := h.handlers[m.Target]
			h.mu.Unlock()
			if handler == nil {
				h.logger.Debug("No handler registered for server invocation", zap.String("target", m.Target))
				continue
			}
			handler(m.Arguments)

		case Completion:
			metrics.HubMessagesReceivedTotal.WithLabelValues("completion").Inc()
			var err error
			if m.Error != "" {
				err = &CompletionError{InvocationID: m.InvocationID, Message: m.Error}
			}
			if !h.callbacks.Invoke(m.InvocationID, m.Result, err, true) {
				h.logger.Warn("Completion for unknown invocation", zap.String("invocationID", m.InvocationID))
			}
			metrics.HubPendingInvocations.Set(float64(h.callbacks.Len()))

		case Ping:
			metrics.HubMessagesReceivedTotal.WithLabelValues("ping").Inc()

		case Close:
			metrics.HubMessagesReceivedTotal.WithLabelValues("close").Inc()
			err := errors.New("server closed the connection")
			if m.Error != "" {
				err = fmt.Errorf("server closed the connection: %s", m.Error)
			}
			h.handleDisconnect(gen, err, m.AllowReconnect)
			return
		}
	}
}

// handleDisconnect reacts to the socket going away, a Close message or a
// server timeout on connection gen.
func (h *HubConnection) handleDisconnect(gen uint64, cause error, allowReconnect bool) {
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	if h.state == Connecting {
		ch := h.handshakeCh
		h.handshakeCh = nil
		h.mu.Unlock()
		if ch != nil {
			ch <- cause
		}
		return
	}
	if h.state != Connected {
		h.mu.Unlock()
		return
	}

	h.gen++
	sock := h.socket
	h.socket = nil
	h.stopKeepAliveLocked()
	connectedFor := time.Since(h.connectedAt)
	reconnect := allowReconnect && h.cfg.Reconnect.Enabled && !h.stopRequested
	if reconnect {
		h.setStateLocked(Connecting)
	} else {
		h.setStateLocked(Disconnected)
		h.waiting = nil
		h.cancel()
	}
	ctx := h.lifetime
	hk := h.hooks
	h.mu.Unlock()

	if sock != nil {
		_ = sock.Close(closeNormal, "connection lost")
	}
	h.logger.Warn("Hub connection lost",
		zap.Error(cause),
		zap.Duration("connectedFor", connectedFor),
		zap.Bool("reconnect", reconnect),
	)
	h.callbacks.Clear("connection lost")
	metrics.HubPendingInvocations.Set(0)

	if reconnect {
		if hk.onReconnecting != nil {
			hk.onReconnecting(cause)
		}
		go h.reconnect(ctx, cause)
		return
	}
	if hk.onClosed != nil {
		hk.onClosed(cause)
	}
}

func (h *HubConnection) reconnect(ctx context.Context, cause error) {
	lastErr := cause
	for attempt, delay := range h.cfg.Reconnect.Delays {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return
			}
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		h.logger.Info("Reconnecting to hub",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		err := h.establish(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			metrics.HubReconnectAttemptsTotal.WithLabelValues("success").Inc()
			h.logger.Info("Reconnected to hub", zap.Int("attempt", attempt+1))
			if fn := h.snapshotHooks().onReconnected; fn != nil {
				fn()
			}
			return
		}
		metrics.HubReconnectAttemptsTotal.WithLabelValues("failure").Inc()
		h.logger.Warn("Reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		lastErr = err
	}

	h.logger.Error("Giving up reconnecting to hub", zap.Error(lastErr))
	h.teardown("connection lost")
	if fn := h.snapshotHooks().onClosed; fn != nil {
		fn(lastErr)
	}
}

// teardown moves a Connecting connection to Disconnected after a failed
// attempt.
func (h *HubConnection) teardown(msg string) {
	h.mu.Lock()
	h.gen++
	sock := h.socket
	h.socket = nil
	h.waiting = nil
	h.handshakeCh = nil
	h.stopKeepAliveLocked()
	h.setStateLocked(Disconnected)
	cancel := h.cancel
	h.mu.Unlock()

	cancel()
	if sock != nil {
		_ = sock.Close(closeNormal, msg)
	}
	h.callbacks.Clear(msg)
	metrics.HubPendingInvocations.Set(0)
}

func (h *HubConnection) keepAlive(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(h.cfg.KeepAliveInterval)
	defer ticker.Stop()

	ping, _ := h.protocol.Serialize(Ping{})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			if h.gen != gen || h.state != Connected {
				h.mu.Unlock()
				return
			}
			idle := time.Since(h.lastReceive)
			h.mu.Unlock()

			if idle > h.cfg.ServerTimeout {
				h.handleDisconnect(gen, fmt.Errorf("%w for %s", ErrServerTimeout, idle.Round(time.Millisecond)), true)
				return
			}
			if err := h.sendRecord(ping); err != nil {
				h.logger.Debug("Failed to send ping", zap.Error(err))
			}
		}
	}
}

func (h *HubConnection) stopKeepAliveLocked() {
	if h.keepAliveStop != nil {
		h.keepAliveStop()
		h.keepAliveStop = nil
	}
}

func (h *HubConnection) setStateLocked(state ConnectionState) {
	h.state = state
	metrics.HubConnectionState.Set(float64(state))
}

func (h *HubConnection) snapshotHooks() hooks {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hooks
}

// PendingCall is the completion handle returned by Invoke.
type PendingCall struct {
	id   string
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	result dynamic.Value
	err    error
	thens  []CompletionFunc
}

func newPendingCall() *PendingCall {
	return &PendingCall{done: make(chan struct{})}
}

// ID returns the invocation id.
func (c *PendingCall) ID() string { return c.id }

// Done is closed once the call has a result or an error.
func (c *PendingCall) Done() <-chan struct{} { return c.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *PendingCall) Result() (dynamic.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Wait blocks until the call completes or ctx ends.
func (c *PendingCall) Wait(ctx context.Context) (dynamic.Value, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return dynamic.Null(), ctx.Err()
	}
}

// Then runs fn with the outcome, immediately if the call already completed.
func (c *PendingCall) Then(fn CompletionFunc) {
	c.mu.Lock()
	select {
	case <-c.done:
		result, err := c.result, c.err
		c.mu.Unlock()
		fn(result, err)
		return
	default:
	}
	c.thens = append(c.thens, fn)
	c.mu.Unlock()
}

func (c *PendingCall) resolve(result dynamic.Value, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.result, c.err = result, err
		thens := c.thens
		c.thens = nil
		close(c.done)
		c.mu.Unlock()

		for _, fn := range thens {
			fn(result, err)
		}
	})
}
