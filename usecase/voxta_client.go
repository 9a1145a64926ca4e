package usecase

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/entities"
	"github.com/satriahrh/voxlink/domain/repositories"
	"github.com/satriahrh/voxlink/internal/dynamic"
	"github.com/satriahrh/voxlink/internal/logging"
	"github.com/satriahrh/voxlink/internal/metrics"
	"github.com/satriahrh/voxlink/internal/playback"
	"github.com/satriahrh/voxlink/internal/signalr"
	"github.com/satriahrh/voxlink/internal/voxta"
)

const (
	hubPath           = "/hub"
	defaultContextKey = "voxlink"
	persistTimeout    = 5 * time.Second
)

var (
	ErrInvalidState     = errors.New("operation not allowed in current state")
	ErrInvalidAddress   = errors.New("invalid server address")
	ErrInvalidPort      = errors.New("invalid server port")
	ErrUnknownCharacter = errors.New("unknown character")
	ErrMissingServices  = errors.New("chat is missing required services")
	ErrEmptyInput       = errors.New("user input is empty")
	ErrUnknownMessage   = errors.New("message is not part of the active chat")
)

var (
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	numericPattern  = regexp.MustCompile(`^[0-9.]+$`)
)

// AudioPlayback plays finalized replies. *playback.Queue implements it.
type AudioPlayback interface {
	Enqueue(messageID string, urls []string) *playback.MessageAudio
	Clear()
}

// AudioInput streams the microphone for one chat session.
type AudioInput interface {
	Start(ctx context.Context, sessionID string) error
	Stop() error
}

// AudioInputFactory creates the microphone stream for the server at
// host:port once a connection is requested.
type AudioInputFactory func(host string, port int) AudioInput

// Options wires the client's collaborators. Hub is a template; its URL is
// set by StartConnection.
type Options struct {
	Info        voxta.ClientInfo
	Hub         signalr.Config
	Dial        repositories.SocketFactory
	ContextKey  string
	Censor      *logging.Censor
	Transcripts repositories.TranscriptRepository
	AudioInput  AudioInputFactory
}

// Client is the application-level Voxta client. It owns the public state
// machine and the active chat session and broadcasts every change to its
// subscribers. Server pushes are handled on the hub's receive goroutine;
// public operations may be called from any goroutine.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	state      entities.ClientState
	hub        *signalr.HubConnection
	baseURL    *url.URL
	user       entities.User
	characters []entities.Character
	session    *entities.ChatSession
	playback   AudioPlayback
	input      AudioInput
	// inputCancel aborts the current session's input, including a Start
	// still in flight.
	inputCancel context.CancelFunc
	newInput    func() AudioInput

	subMu       sync.RWMutex
	subscribers map[int]func(Event)
	nextSubID   int

	persistWG sync.WaitGroup
}

// NewClient creates a Disconnected client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.ContextKey == "" {
		opts.ContextKey = defaultContextKey
	}
	if opts.Censor == nil {
		opts.Censor = logging.NewCensor(false)
	}
	metrics.ClientState.Set(float64(entities.StateDisconnected))
	return &Client{
		opts:        opts,
		logger:      logger,
		state:       entities.StateDisconnected,
		subscribers: make(map[int]func(Event)),
	}
}

// SetPlayback attaches the player finalized replies are queued on. Without
// one the application reports playback completion itself.
func (c *Client) SetPlayback(p AudioPlayback) {
	c.mu.Lock()
	c.playback = p
	c.mu.Unlock()
}

// SetCensorLogs toggles hiding of user and character text in logs.
func (c *Client) SetCensorLogs(enabled bool) {
	c.opts.Censor.SetEnabled(enabled)
	c.logger.Info("Log censoring changed", zap.Bool("enabled", enabled))
}

// Subscribe registers fn for every event and returns a function removing
// it. fn runs synchronously on the goroutine that caused the event and must
// not block.
func (c *Client) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

func (c *Client) broadcast(ev Event) {
	c.subMu.RLock()
	fns := make([]func(Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// GetCurrentState returns the public client state.
func (c *Client) GetCurrentState() entities.ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Characters returns the characters loaded after authentication.
func (c *Client) Characters() []entities.Character {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]entities.Character(nil), c.characters...)
}

// User returns the authenticated user, or the zero User before welcome.
func (c *Client) User() entities.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Session returns the active chat session, or nil.
func (c *Client) Session() *entities.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// announce records and broadcasts a transition that has already been
// applied under mu.
func (c *Client) announce(prev, next entities.ClientState) {
	if prev == next {
		return
	}
	metrics.ClientState.Set(float64(next))
	metrics.ClientStateTransitionsTotal.WithLabelValues(next.String()).Inc()
	c.logger.Info("Client state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next))
	c.broadcast(StateChangedEvent{Previous: prev, Current: next})
}

func (c *Client) moveTo(next entities.ClientState) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	c.announce(prev, next)
}

// moveFrom transitions to next only if the current state is one of from.
func (c *Client) moveFrom(next entities.ClientState, from ...entities.ClientState) bool {
	c.mu.Lock()
	prev := c.state
	allowed := false
	for _, s := range from {
		if s == prev {
			allowed = true
			break
		}
	}
	if allowed {
		c.state = next
	}
	c.mu.Unlock()

	if allowed {
		c.announce(prev, next)
	}
	return allowed
}

func (c *Client) isCurrent(hub *signalr.HubConnection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hub != nil && c.hub == hub
}

func validateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: address is empty", ErrInvalidAddress)
	}
	if ip := net.ParseIP(address); ip != nil {
		if ip.To4() == nil {
			return fmt.Errorf("%w: %s is not an IPv4 address", ErrInvalidAddress, address)
		}
		return nil
	}
	if len(address) > 253 || numericPattern.MatchString(address) || !hostnamePattern.MatchString(address) {
		return fmt.Errorf("%w: %q is neither an IPv4 address nor a hostname", ErrInvalidAddress, address)
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

// StartConnection connects to the Voxta server at address:port. The client
// authenticates and loads the character list on its own and ends up Idle.
func (c *Client) StartConnection(address string, port int) error {
	if err := validateAddress(address); err != nil {
		c.logger.Error("Invalid server address", zap.String("address", address), zap.Error(err))
		return err
	}
	if err := validatePort(port); err != nil {
		c.logger.Error("Invalid server port", zap.Int("port", port), zap.Error(err))
		return err
	}

	c.mu.Lock()
	if c.state != entities.StateDisconnected {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("Ignoring connection request", zap.Stringer("state", state))
		return ErrInvalidState
	}

	base := &url.URL{Scheme: "http", Host: net.JoinHostPort(address, strconv.Itoa(port))}
	cfg := c.opts.Hub
	cfg.URL = base.String() + hubPath

	hub := signalr.NewHubConnection(cfg, c.opts.Dial, c.logger.Named("hub"))
	hub.On(voxta.ReceiveTarget, func(args []dynamic.Value) { c.onReceive(hub, args) })
	hub.OnConnected(func() { c.onHubConnected(hub) })
	hub.OnConnectionError(func(err error) { c.onHubConnectionError(hub, err) })
	hub.OnClosed(func(err error) { c.onHubClosed(hub, err) })
	hub.OnReconnecting(func(err error) { c.onHubReconnecting(hub, err) })
	hub.OnReconnected(func() { c.onHubReconnected(hub) })

	c.hub = hub
	c.baseURL = base
	c.newInput = nil
	if c.opts.AudioInput != nil {
		factory := c.opts.AudioInput
		c.newInput = func() AudioInput { return factory(address, port) }
	}
	prev := c.state
	c.state = entities.StateAttemptingToConnect
	c.mu.Unlock()

	c.logger.Info("Connecting to Voxta", zap.String("url", cfg.URL))
	c.announce(prev, entities.StateAttemptingToConnect)

	if err := hub.Start(); err != nil {
		c.mu.Lock()
		if c.hub == hub {
			c.hub = nil
		}
		c.mu.Unlock()
		c.moveTo(entities.StateDisconnected)
		return fmt.Errorf("failed to start hub connection: %w", err)
	}
	return nil
}

// Disconnect closes the connection and drops the chat. Pending requests fail
// with a connection-stopped error. A silent disconnect ends in Disconnected
// without a broadcast; otherwise the client is Terminated.
func (c *Client) Disconnect(silent bool) error {
	c.mu.Lock()
	if c.state == entities.StateDisconnected || c.state == entities.StateTerminated {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("Ignoring disconnect request", zap.Stringer("state", state))
		return ErrInvalidState
	}
	hub := c.hub
	c.hub = nil
	c.mu.Unlock()

	if hub != nil {
		if err := hub.Stop(); err != nil && !errors.Is(err, signalr.ErrNotConnected) {
			c.logger.Warn("Error stopping hub connection", zap.Error(err))
		}
	}
	c.endChat()
	c.persistWG.Wait()

	if silent {
		c.mu.Lock()
		c.state = entities.StateDisconnected
		c.mu.Unlock()
		metrics.ClientState.Set(float64(entities.StateDisconnected))
		c.logger.Info("Disconnected silently")
		return nil
	}
	c.moveTo(entities.StateTerminated)
	return nil
}

// StartChatWithCharacter asks the server to open a chat with a loaded
// character. The client moves to GeneratingReply once the server confirms the
// chat with every required service active.
func (c *Client) StartChatWithCharacter(characterID, context string) error {
	c.mu.Lock()
	prev := c.state
	if prev != entities.StateIdle && prev != entities.StateWaitingForUserResponse {
		c.mu.Unlock()
		c.logger.Warn("Cannot start chat", zap.Stringer("state", prev))
		return ErrInvalidState
	}
	known := false
	for _, ch := range c.characters {
		if ch.ID == characterID {
			known = true
			break
		}
	}
	if characterID == "" || !known {
		c.mu.Unlock()
		c.logger.Error("Cannot start chat with unknown character", zap.String("characterID", characterID))
		return fmt.Errorf("%w: %q", ErrUnknownCharacter, characterID)
	}
	hub := c.hub
	c.mu.Unlock()
	if hub == nil {
		return ErrInvalidState
	}

	if prev == entities.StateWaitingForUserResponse {
		c.endChat()
	}
	c.moveTo(entities.StateStartingChat)

	call, err := hub.Invoke(voxta.SendTarget, voxta.StartChat(characterID, c.opts.ContextKey, context))
	if err != nil {
		c.logger.Error("Failed to request chat start", zap.String("characterID", characterID), zap.Error(err))
		c.moveFrom(entities.StateIdle, entities.StateStartingChat)
		return err
	}

	c.logger.Info("Starting chat",
		zap.String("characterID", characterID),
		c.opts.Censor.String("context", context))

	call.Then(func(_ dynamic.Value, err error) {
		if err == nil {
			return
		}
		c.logger.Error("Start chat request failed", zap.String("characterID", characterID), zap.Error(err))
		if !c.isCurrent(hub) {
			return
		}
		c.broadcast(ErrorEvent{Message: "failed to start chat", Details: err.Error()})
		c.moveFrom(entities.StateIdle, entities.StateStartingChat)
	})
	return nil
}

// SendUserInput sends text as the user's turn. The client moves to
// GeneratingReply right away when a reply is requested; the reply itself
// arrives as server pushes.
func (c *Client) SendUserInput(text string, generateReply, characterActionInference bool) error {
	c.mu.Lock()
	state := c.state
	hub := c.hub
	session := c.session
	c.mu.Unlock()

	if state != entities.StateWaitingForUserResponse || session == nil || hub == nil {
		c.logger.Warn("Cannot send user input", zap.Stringer("state", state))
		return ErrInvalidState
	}
	if strings.TrimSpace(text) == "" {
		c.logger.Warn("Ignoring empty user input")
		return ErrEmptyInput
	}

	call, err := hub.Invoke(voxta.SendTarget, voxta.Send(session.SessionID, text, generateReply, characterActionInference))
	if err != nil {
		c.logger.Error("Failed to send user input", zap.String("sessionID", session.SessionID), zap.Error(err))
		return err
	}
	c.logger.Info("User input sent",
		zap.String("sessionID", session.SessionID),
		c.opts.Censor.String("text", text),
		zap.Bool("generateReply", generateReply))

	call.Then(func(_ dynamic.Value, err error) {
		if err != nil {
			c.logger.Error("User input request failed", zap.String("sessionID", session.SessionID), zap.Error(err))
		}
	})

	if generateReply {
		c.moveFrom(entities.StateGeneratingReply, entities.StateWaitingForUserResponse)
	}
	return nil
}

// NotifyAudioPlaybackComplete tells the server the reply messageID has been
// played so it can continue listening.
func (c *Client) NotifyAudioPlaybackComplete(messageID string) error {
	c.mu.Lock()
	hub := c.hub
	session := c.session
	c.mu.Unlock()

	if session == nil || hub == nil {
		c.logger.Warn("No active chat for playback completion", zap.String("messageID", messageID))
		return ErrInvalidState
	}
	if _, ok := session.Message(messageID); !ok {
		c.logger.Warn("Ignoring playback completion for another chat", zap.String("messageID", messageID))
		return ErrUnknownMessage
	}
	if err := hub.Send(voxta.SendTarget, voxta.SpeechPlaybackComplete(session.SessionID, messageID)); err != nil {
		c.logger.Error("Failed to report playback completion", zap.String("messageID", messageID), zap.Error(err))
		return err
	}
	c.logger.Debug("Playback completion reported", zap.String("messageID", messageID))
	c.moveFrom(entities.StateWaitingForUserResponse, entities.StateAudioPlayback)
	return nil
}

// StopChat ends the active chat and returns to Idle.
func (c *Client) StopChat() error {
	c.mu.Lock()
	state := c.state
	hub := c.hub
	session := c.session
	c.mu.Unlock()

	if !state.InChat() && state != entities.StateStartingChat {
		c.logger.Warn("No chat to stop", zap.Stringer("state", state))
		return ErrInvalidState
	}
	if session != nil && hub != nil {
		if err := hub.Send(voxta.SendTarget, voxta.StopChat(session.SessionID)); err != nil {
			c.logger.Error("Failed to send stop chat", zap.String("sessionID", session.SessionID), zap.Error(err))
			return err
		}
		c.logger.Info("Chat stopped", zap.String("sessionID", session.SessionID))
	}
	c.endChat()
	c.moveTo(entities.StateIdle)
	return nil
}

// UpdateContext replaces the client-provided context of the active chat.
func (c *Client) UpdateContext(context string) error {
	c.mu.Lock()
	hub := c.hub
	session := c.session
	c.mu.Unlock()

	if session == nil || hub == nil {
		c.logger.Warn("No active chat for context update")
		return ErrInvalidState
	}
	if err := hub.Send(voxta.SendTarget, voxta.UpdateContext(session.SessionID, c.opts.ContextKey, context)); err != nil {
		c.logger.Error("Failed to update context", zap.String("sessionID", session.SessionID), zap.Error(err))
		return err
	}
	session.SetContext(context)
	return nil
}

// endChat drops the active session with its audio streams.
func (c *Client) endChat() {
	c.mu.Lock()
	session := c.session
	player := c.playback
	input := c.input
	cancelInput := c.inputCancel
	c.session = nil
	c.input = nil
	c.inputCancel = nil
	c.mu.Unlock()

	if cancelInput != nil {
		cancelInput()
	}

	if session != nil {
		session.Close()
	}
	if player != nil {
		player.Clear()
	}
	if input != nil {
		if err := input.Stop(); err != nil {
			c.logger.Warn("Error stopping audio input", zap.Error(err))
		}
	}
}

// audioURL resolves a server-relative audio path against the connected
// server.
func (c *Client) audioURL(raw string) string {
	c.mu.Lock()
	base := c.baseURL
	c.mu.Unlock()

	ref, err := url.Parse(raw)
	if err != nil || base == nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

func (c *Client) persist(session *entities.ChatSession, msg entities.ChatMessage) {
	repo := c.opts.Transcripts
	if repo == nil {
		return
	}
	entry := entities.NewTranscriptEntry(session.ChatID, session.SessionID, msg)

	c.persistWG.Add(1)
	go func() {
		defer c.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := repo.Append(ctx, entry); err != nil {
			metrics.TranscriptMessagesTotal.WithLabelValues("failed").Inc()
			c.logger.Error("Failed to store transcript entry",
				zap.String("chatID", entry.ChatID),
				zap.String("messageID", entry.MessageID),
				zap.Error(err))
			return
		}
		metrics.TranscriptMessagesTotal.WithLabelValues("stored").Inc()
	}()
}

func (c *Client) onHubConnected(hub *signalr.HubConnection) {
	if !c.isCurrent(hub) {
		return
	}
	c.authenticate(hub)
}

func (c *Client) authenticate(hub *signalr.HubConnection) {
	call, err := hub.Invoke(voxta.SendTarget, voxta.Authenticate(c.opts.Info))
	if err != nil {
		c.logger.Error("Failed to send authentication", zap.Error(err))
		return
	}
	c.logger.Info("Authenticating",
		zap.String("client", c.opts.Info.Name),
		zap.String("clientVersion", c.opts.Info.Version))

	call.Then(func(_ dynamic.Value, err error) {
		if err == nil {
			return
		}
		c.logger.Error("Authentication failed", zap.Error(err))
		if !c.isCurrent(hub) {
			return
		}
		c.broadcast(ErrorEvent{Message: "authentication failed", Details: err.Error()})
		go c.dropConnection(hub)
	})
}

// dropConnection abandons hub after a failure the server will not recover
// from.
func (c *Client) dropConnection(hub *signalr.HubConnection) {
	c.mu.Lock()
	if c.hub != hub {
		c.mu.Unlock()
		return
	}
	c.hub = nil
	c.mu.Unlock()

	if err := hub.Stop(); err != nil && !errors.Is(err, signalr.ErrNotConnected) {
		c.logger.Warn("Error stopping hub connection", zap.Error(err))
	}
	c.endChat()
	c.moveTo(entities.StateDisconnected)
}

func (c *Client) onHubConnectionError(hub *signalr.HubConnection, err error) {
	c.mu.Lock()
	if c.hub != hub {
		c.mu.Unlock()
		return
	}
	c.hub = nil
	c.mu.Unlock()

	c.logger.Error("Could not connect to Voxta", zap.Error(err))
	c.broadcast(ErrorEvent{Message: "connection failed", Details: err.Error()})
	c.moveTo(entities.StateDisconnected)
}

func (c *Client) onHubClosed(hub *signalr.HubConnection, err error) {
	c.mu.Lock()
	if c.hub != hub {
		c.mu.Unlock()
		return
	}
	c.hub = nil
	c.mu.Unlock()

	c.logger.Warn("Connection to Voxta closed", zap.Error(err))
	c.endChat()
	c.moveTo(entities.StateDisconnected)
}

func (c *Client) onHubReconnecting(hub *signalr.HubConnection, err error) {
	if !c.isCurrent(hub) {
		return
	}
	c.logger.Warn("Connection to Voxta lost, reconnecting", zap.Error(err))
	c.endChat()
	c.moveTo(entities.StateAttemptingToConnect)
}

func (c *Client) onHubReconnected(hub *signalr.HubConnection) {
	if !c.isCurrent(hub) {
		return
	}
	c.logger.Info("Reconnected to Voxta")
	c.authenticate(hub)
}
