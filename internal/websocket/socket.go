package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/repositories"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024 * 1024

	// Outbound frames buffered before Send blocks.
	sendBufferSize = 256
)

var (
	ErrSocketClosed       = errors.New("websocket is closed")
	ErrSocketNotConnected = errors.New("websocket is not connected")
)

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Socket is a client websocket connection driven by a read pump and a write
// pump. It implements repositories.TransportSocket.
type Socket struct {
	url    string
	header http.Header
	events repositories.SocketEvents
	dialer *websocket.Dialer
	logger *zap.Logger

	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData
	done chan struct{}

	mu          sync.Mutex
	connected   bool
	closeOnce   sync.Once
	closeCode   int
	closeReason string
	localClose  bool
}

var _ repositories.TransportSocket = (*Socket)(nil)

// NewSocket creates an unconnected socket for url.
func NewSocket(url string, header http.Header, events repositories.SocketEvents, logger *zap.Logger) *Socket {
	return &Socket{
		url:    url,
		header: header,
		events: events,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger,
		send:   make(chan WriteData, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// NewFactory returns a SocketFactory producing gorilla-backed sockets.
func NewFactory(logger *zap.Logger) repositories.SocketFactory {
	return func(url string, header http.Header, events repositories.SocketEvents) repositories.TransportSocket {
		return NewSocket(url, header, events, logger)
	}
}

// Connect dials the endpoint and starts the pumps.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected || s.localClose {
		s.mu.Unlock()
		return fmt.Errorf("socket for %s already used", s.url)
	}
	s.mu.Unlock()

	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial %s (status %d): %w", s.url, resp.StatusCode, err)
		}
		return fmt.Errorf("failed to dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	if s.localClose {
		s.mu.Unlock()
		conn.Close()
		return ErrSocketClosed
	}
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.logger.Debug("WebSocket connected", zap.String("url", s.url))

	go s.writePump()
	go s.readPump()
	return nil
}

// Send queues a text frame.
func (s *Socket) Send(text string) error {
	return s.enqueue(WriteData{Type: websocket.TextMessage, Payload: []byte(text)})
}

// SendBinary queues a binary frame.
func (s *Socket) SendBinary(data []byte) error {
	return s.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: data})
}

func (s *Socket) enqueue(data WriteData) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return ErrSocketNotConnected
	}

	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSocketClosed
	}
}

// Close sends a close frame with code and reason and tears down the
// connection. Calling it again is a no-op.
func (s *Socket) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.localClose = true
		s.closeCode = code
		s.closeReason = reason
		connected := s.connected
		s.mu.Unlock()

		close(s.done)
		if !connected {
			return
		}
		s.logger.Debug("Closing WebSocket",
			zap.String("url", s.url),
			zap.Int("code", code),
			zap.String("reason", reason))
	})
	return nil
}

// readPump pumps messages from the websocket connection to the events.
func (s *Socket) readPump() {
	code := websocket.CloseAbnormalClosure
	reason := ""
	clean := false

	defer func() {
		s.closeOnce.Do(func() { close(s.done) })
		s.conn.Close()

		s.mu.Lock()
		if s.localClose {
			code, reason, clean = s.closeCode, s.closeReason, true
		}
		s.mu.Unlock()

		if s.events.OnClosed != nil {
			s.events.OnClosed(code, reason, clean)
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				reason = closeErr.Text
				clean = closeErr.Code == websocket.CloseNormalClosure
			} else {
				reason = err.Error()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("WebSocket error", zap.String("url", s.url), zap.Error(err))
			}
			return
		}

		// A read succeeded so the peer is alive.
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.TextMessage:
			if s.events.OnMessage != nil {
				s.events.OnMessage(string(message))
			}
		case websocket.BinaryMessage:
			if s.events.OnBinary != nil {
				s.events.OnBinary(message)
			}
		default:
			s.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps queued frames to the websocket connection.
func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(message.Type, message.Payload); err != nil {
				s.logger.Error("Failed to write message", zap.String("url", s.url), zap.Error(err))
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.mu.Lock()
			code, reason := s.closeCode, s.closeReason
			local := s.localClose
			s.mu.Unlock()
			if local {
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason),
					time.Now().Add(writeWait))
			}
			return
		}
	}
}
