package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Subscribers only send control frames.
	maxMessageSize = 1024

	// Events buffered per subscriber before it is considered too slow.
	eventBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventStream forwards client events to one websocket subscriber.
type eventStream struct {
	conn   *websocket.Conn
	send   chan EventMessage
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (h *handler) streamEvents(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("Failed to upgrade event stream", zap.Error(err))
		return err
	}

	s := &eventStream{
		conn:   conn,
		send:   make(chan EventMessage, eventBufferSize),
		logger: h.logger,
		done:   make(chan struct{}),
	}

	// Start from the current state so late subscribers need no extra call.
	s.send <- EventMessage{
		Type:      "snapshot",
		Timestamp: time.Now(),
		Data:      StateResponse{State: h.opts.Client.GetCurrentState()},
	}

	unsubscribe := h.opts.Client.Subscribe(s.publish)
	h.logger.Info("Event subscriber connected", zap.String("remote", c.RealIP()))

	go s.writePump()
	s.readPump()

	unsubscribe()
	s.close()
	h.logger.Info("Event subscriber disconnected", zap.String("remote", c.RealIP()))
	return nil
}

// publish runs on the client's goroutine and must not block.
func (s *eventStream) publish(ev usecase.Event) {
	msg := EventMessage{Type: ev.EventName(), Timestamp: time.Now(), Data: ev}
	select {
	case <-s.done:
	case s.send <- msg:
	default:
		s.logger.Warn("Event subscriber too slow, disconnecting")
		s.close()
	}
}

func (s *eventStream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump discards incoming frames and returns once the peer is gone.
func (s *eventStream) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Event stream read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *eventStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Debug("Failed to write event", zap.Error(err))
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
