package repositories

import (
	"context"
	"net/http"
)

// SocketEvents are the callbacks a TransportSocket reports through. They run
// on the socket's receive goroutine.
type SocketEvents struct {
	// OnMessage receives every text frame.
	OnMessage func(text string)
	// OnBinary receives every binary frame. May be nil.
	OnBinary func(data []byte)
	// OnClosed fires once when the socket goes away after a successful
	// Connect, whether the peer closed it or the read failed.
	OnClosed func(code int, reason string, clean bool)
}

// TransportSocket is a single websocket connection.
type TransportSocket interface {
	// Connect dials the endpoint. A returned error is the connection-error
	// event; nil means connected.
	Connect(ctx context.Context) error
	Send(text string) error
	SendBinary(data []byte) error
	// Close is safe to call more than once.
	Close(code int, reason string) error
}

// SocketFactory creates an unconnected socket for url.
type SocketFactory func(url string, header http.Header, events SocketEvents) TransportSocket
