package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxlink/domain/repositories"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type serverFrame struct {
	typ  int
	data []byte
}

// newEchoServer upgrades every request and echoes frames back. Received
// frames are also published on the returned channel.
func newEchoServer(t *testing.T) (*httptest.Server, <-chan serverFrame, <-chan *http.Request) {
	t.Helper()
	frames := make(chan serverFrame, 64)
	requests := make(chan *http.Request, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		requests <- r
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- serverFrame{typ: mt, data: data}
			if mt == websocket.TextMessage && string(data) == "close-me" {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, frames, requests
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestSocket_SendAndReceive(t *testing.T) {
	srv, _, _ := newEchoServer(t)

	received := make(chan string, 1)
	binary := make(chan []byte, 1)
	sock := NewSocket(wsURL(srv, "/hub"), nil, repositories.SocketEvents{
		OnMessage: func(text string) { received <- text },
		OnBinary:  func(data []byte) { binary <- data },
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("Expected connect to succeed, got %v", err)
	}
	defer sock.Close(1000, "done")

	if err := sock.Send("hello\x1e"); err != nil {
		t.Fatalf("Expected send to succeed, got %v", err)
	}
	select {
	case text := <-received:
		if text != "hello\x1e" {
			t.Errorf("Expected echo of hello, got %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected echoed text frame")
	}

	if err := sock.SendBinary([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Expected binary send to succeed, got %v", err)
	}
	select {
	case data := <-binary:
		if len(data) != 3 || data[2] != 3 {
			t.Errorf("Expected echoed bytes, got %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected echoed binary frame")
	}
}

func TestSocket_SendBeforeConnect(t *testing.T) {
	sock := NewSocket("ws://127.0.0.1:1/hub", nil, repositories.SocketEvents{}, zap.NewNop())
	if err := sock.Send("x"); err != ErrSocketNotConnected {
		t.Errorf("Expected ErrSocketNotConnected, got %v", err)
	}
}

func TestSocket_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	sock := NewSocket(wsURL(srv, "/hub"), nil, repositories.SocketEvents{}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err == nil {
		t.Fatal("Expected connect to fail against a non-websocket endpoint")
	}
}

func TestSocket_PeerCloseReported(t *testing.T) {
	srv, _, _ := newEchoServer(t)

	type closeEvent struct {
		code   int
		reason string
		clean  bool
	}
	closed := make(chan closeEvent, 1)
	sock := NewSocket(wsURL(srv, "/hub"), nil, repositories.SocketEvents{
		OnMessage: func(string) {},
		OnClosed: func(code int, reason string, clean bool) {
			closed <- closeEvent{code, reason, clean}
		},
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("Expected connect to succeed, got %v", err)
	}
	sock.Send("close-me")

	select {
	case ev := <-closed:
		if ev.code != websocket.CloseGoingAway {
			t.Errorf("Expected close code %d, got %d", websocket.CloseGoingAway, ev.code)
		}
		if ev.clean {
			t.Error("Expected going-away close to be reported as not clean")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected OnClosed after peer close")
	}

	if err := sock.Send("after"); err != ErrSocketClosed {
		t.Errorf("Expected ErrSocketClosed, got %v", err)
	}
}

func TestSocket_LocalCloseIsClean(t *testing.T) {
	srv, _, _ := newEchoServer(t)

	closed := make(chan bool, 1)
	sock := NewSocket(wsURL(srv, "/hub"), nil, repositories.SocketEvents{
		OnClosed: func(code int, reason string, clean bool) { closed <- clean },
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("Expected connect to succeed, got %v", err)
	}

	sock.Close(1000, "client stopped")
	sock.Close(1000, "again")

	select {
	case clean := <-closed:
		if !clean {
			t.Error("Expected local close to be clean")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected OnClosed after local close")
	}
}

type fakeCapture struct {
	mu          sync.Mutex
	initialized bool
	started     bool
	stopped     bool
	chunks      [][]byte
	onStart     func()
}

func (f *fakeCapture) Initialize(sampleRate, channels int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return nil
}

func (f *fakeCapture) Start() error {
	f.mu.Lock()
	f.started = true
	onStart := f.onStart
	f.mu.Unlock()
	if onStart != nil {
		onStart()
	}
	return nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeCapture) Poll() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chunks) == 0 {
		return nil, nil
	}
	next := f.chunks[0]
	f.chunks = f.chunks[1:]
	return next, nil
}

func TestAudioInputStream_HeaderThenPCM(t *testing.T) {
	srv, frames, requests := newEchoServer(t)
	host, portText, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("Expected host:port, got %v", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("Expected numeric port, got %v", err)
	}

	capture := &fakeCapture{chunks: [][]byte{{1, 2}, {3, 4}}}
	logger := zaptest.NewLogger(t)
	stream := NewAudioInputStream(AudioInputConfig{
		Host:               host,
		Port:               port,
		SampleRate:         16000,
		Channels:           1,
		BufferMilliseconds: 10,
	}, capture, NewFactory(logger), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := stream.Start(ctx, ""); err != nil {
		t.Fatalf("Expected stream to start, got %v", err)
	}
	if err := stream.Start(ctx, ""); err != ErrAlreadyStreaming {
		t.Errorf("Expected ErrAlreadyStreaming, got %v", err)
	}

	req := <-requests
	if req.URL.Path != "/ws/audio/input/stream" {
		t.Errorf("Expected audio input path, got %s", req.URL.Path)
	}
	if req.URL.Query().Get("sessionId") != stream.SessionID() || stream.SessionID() == "" {
		t.Errorf("Expected generated sessionId in query, got %q", req.URL.RawQuery)
	}

	first := <-frames
	if first.typ != websocket.TextMessage {
		t.Fatalf("Expected header text frame first, got type %d", first.typ)
	}
	var header map[string]interface{}
	if err := json.Unmarshal(first.data, &header); err != nil {
		t.Fatalf("Expected JSON header, got %v", err)
	}
	if header["contentType"] != "audio/wav" || header["bitsPerSample"] != float64(16) {
		t.Errorf("Unexpected header %v", header)
	}

	for i, want := range [][]byte{{1, 2}, {3, 4}} {
		select {
		case f := <-frames:
			if f.typ != websocket.BinaryMessage || string(f.data) != string(want) {
				t.Errorf("Frame %d: expected %v, got type %d %v", i, want, f.typ, f.data)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Expected PCM frame %d", i)
		}
	}

	if err := stream.Stop(); err != nil {
		t.Errorf("Expected clean stop, got %v", err)
	}
	if stream.Streaming() {
		t.Error("Expected stream to be stopped")
	}
	capture.mu.Lock()
	defer capture.mu.Unlock()
	if !capture.initialized || !capture.started || !capture.stopped {
		t.Errorf("Expected capture to be initialized, started and stopped, got %+v", capture)
	}
}

func TestAudioInputStream_CancelledWhileStarting(t *testing.T) {
	srv, _, _ := newEchoServer(t)
	host, portText, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("Expected host:port, got %v", err)
	}
	port, _ := strconv.Atoi(portText)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	capture := &fakeCapture{onStart: cancel}
	logger := zaptest.NewLogger(t)
	stream := NewAudioInputStream(AudioInputConfig{Host: host, Port: port, BufferMilliseconds: 10}, capture, NewFactory(logger), logger)

	if err := stream.Start(ctx, "session-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if stream.Streaming() {
		t.Error("Expected no stream after cancellation")
	}
	capture.mu.Lock()
	defer capture.mu.Unlock()
	if !capture.stopped {
		t.Error("Expected capture to be stopped")
	}
}
