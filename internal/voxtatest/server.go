// Package voxtatest runs an in-process stand-in for a Voxta server: the
// SignalR negotiate endpoint, the hub websocket, audio downloads and the
// microphone stream socket. It answers requests the way the real server does
// closely enough for end-to-end client tests.
package voxtatest

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/entities"
	"github.com/satriahrh/voxlink/internal/dynamic"
	"github.com/satriahrh/voxlink/internal/signalr"
	"github.com/satriahrh/voxlink/internal/voxta"
)

const (
	writeWait  = 5 * time.Second
	waitPeriod = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Options shapes the server's answers.
type Options struct {
	User       entities.User
	Characters []entities.Character
	// Services offered by every started chat. Nil means all required ones.
	Services []entities.ServiceType
	// Greeting, when set, is spoken by the character after chatStarted.
	Greeting string
	// Reply is spoken after each user message that asks for a reply.
	Reply string
	// AudioPaths are attached to every reply, one chunk each.
	AudioPaths []string
	// HoldCompletions lists request types whose completion is never sent.
	HoldCompletions []string
}

func (o Options) withDefaults() Options {
	if o.User.ID == "" {
		o.User = entities.User{ID: "user-1", Name: "Tester"}
	}
	if len(o.Characters) == 0 {
		o.Characters = []entities.Character{{ID: "char-1", Name: "Aria"}}
	}
	if o.Services == nil {
		o.Services = entities.RequiredServices
	}
	if o.Reply == "" {
		o.Reply = "Nice to meet you."
	}
	return o
}

// Server is a fake Voxta server listening on 127.0.0.1.
type Server struct {
	Address string
	Port    int

	opts     Options
	echo     *echo.Echo
	http     *httptest.Server
	protocol *signalr.JSONHubProtocol
	logger   *zap.Logger

	mu          sync.Mutex
	clients     map[string]*hubClient
	requests    []dynamic.Value
	received    chan dynamic.Value
	audio       map[string][]byte
	inputFrames [][]byte
	inputHeader string
	sessions    int
}

// hubClient is one connected hub socket.
type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewServer starts a server and stops it when the test ends.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	s := &Server{
		opts:     opts.withDefaults(),
		echo:     echo.New(),
		protocol: signalr.NewJSONHubProtocol(zap.NewNop()),
		logger:   zap.NewNop(),
		clients:  make(map[string]*hubClient),
		received: make(chan dynamic.Value, 256),
		audio:    make(map[string][]byte),
	}
	s.echo.HideBanner = true
	s.echo.POST("/hub/negotiate", s.handleNegotiate)
	s.echo.GET("/hub", s.handleHub)
	s.echo.GET("/audio/:name", s.handleAudio)
	s.echo.GET("/ws/audio/input/stream", s.handleAudioInput)

	s.http = httptest.NewServer(s.echo)
	host, port, err := net.SplitHostPort(strings.TrimPrefix(s.http.URL, "http://"))
	if err != nil {
		t.Fatalf("Expected listener address, got %v", err)
	}
	s.Address = host
	s.Port, _ = strconv.Atoi(port)

	t.Cleanup(s.Close)
	return s
}

// URL is the http base address of the server.
func (s *Server) URL() string { return s.http.URL }

// Close drops every client and stops listening.
func (s *Server) Close() {
	s.DropClients()
	s.http.Close()
}

// AddAudio serves data at /audio/{name}.
func (s *Server) AddAudio(name string, data []byte) string {
	s.mu.Lock()
	s.audio[name] = data
	s.mu.Unlock()
	return "/audio/" + name
}

// Requests returns every request payload received so far.
func (s *Server) Requests() []dynamic.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dynamic.Value(nil), s.requests...)
}

// WaitForRequest blocks until a request of type typ arrives, skipping
// others, and fails the test after a few seconds.
func (s *Server) WaitForRequest(t testing.TB, typ string) dynamic.Value {
	t.Helper()
	deadline := time.After(waitPeriod)
	for {
		select {
		case req := <-s.received:
			if req.OptString("$type") == typ {
				return req
			}
		case <-deadline:
			t.Fatalf("Expected %s request, got none", typ)
			return dynamic.Null()
		}
	}
}

// ConnectedClients returns the number of open hub sockets.
func (s *Server) ConnectedClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// InputFrames returns the binary frames received on the microphone socket
// and its header.
func (s *Server) InputFrames() (string, [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputHeader, append([][]byte(nil), s.inputFrames...)
}

// Push sends a ReceiveMessage invocation carrying payload to every client.
func (s *Server) Push(payload dynamic.Value) {
	record, err := s.protocol.Serialize(signalr.Invocation{
		Target:    voxta.ReceiveTarget,
		Arguments: []dynamic.Value{payload},
	})
	if err != nil {
		s.logger.Error("Failed to serialize push", zap.Error(err))
		return
	}
	s.broadcast([]byte(record))
}

// CloseWithReconnect sends a Close message allowing the client to
// reconnect, then drops the sockets.
func (s *Server) CloseWithReconnect() {
	record, _ := s.protocol.Serialize(signalr.Close{Error: "server restarting", AllowReconnect: true})
	s.broadcast([]byte(record))
	time.Sleep(50 * time.Millisecond)
	s.DropClients()
}

// DropClients closes every hub socket without a Close message.
func (s *Server) DropClients() {
	s.mu.Lock()
	clients := make([]*hubClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (s *Server) broadcast(data []byte) {
	s.mu.Lock()
	clients := make([]*hubClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		case <-c.done:
		}
	}
}

func (s *Server) handleNegotiate(c echo.Context) error {
	id := uuid.NewString()
	return c.JSON(http.StatusOK, signalr.NegotiateResponse{
		ConnectionID:     id,
		ConnectionToken:  id,
		NegotiateVersion: 1,
		AvailableTransports: []signalr.TransportDescription{
			{Transport: "WebSockets", TransferFormats: []string{"Text", "Binary"}},
		},
	})
}

func (s *Server) handleAudio(c echo.Context) error {
	s.mu.Lock()
	data, ok := s.audio[c.Param("name")]
	s.mu.Unlock()
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.Blob(http.StatusOK, voxta.AudioContentTypeWAV, data)
}

func (s *Server) handleHub(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &hubClient{
		id:   c.QueryParam("id"),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	if client.id == "" {
		client.id = uuid.NewString()
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	go client.writePump()
	s.readPump(client)
	return nil
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *hubClient) writePump() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *hubClient) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (s *Server) readPump(client *hubClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		client.close()
	}()

	handshaken := false
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		text := string(data)

		if !handshaken {
			idx := strings.IndexByte(text, signalr.RecordSeparator)
			if idx < 0 {
				continue
			}
			handshaken = true
			client.enqueue([]byte("{}" + string(signalr.RecordSeparator)))
			text = text[idx+1:]
		}

		for _, msg := range s.protocol.ParseMessages(text) {
			inv, ok := msg.(signalr.Invocation)
			if !ok || inv.Target != voxta.SendTarget || len(inv.Arguments) == 0 {
				continue
			}
			s.handleRequest(client, inv)
		}
	}
}

func (s *Server) handleRequest(client *hubClient, inv signalr.Invocation) {
	req := inv.Arguments[0]
	typ := req.OptString("$type")

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	select {
	case s.received <- req:
	default:
	}

	if inv.InvocationID != "" && !s.holds(typ) {
		record, _ := s.protocol.Serialize(signalr.Completion{InvocationID: inv.InvocationID})
		client.enqueue([]byte(record))
	}

	switch typ {
	case "authenticate":
		s.pushTo(client, s.welcome())
	case "loadCharactersList":
		s.pushTo(client, s.charactersList())
	case "startChat":
		sessionID := s.startChat(client, req)
		if s.opts.Greeting != "" {
			s.reply(client, sessionID, s.opts.Greeting)
		}
	case "send":
		sessionID := req.OptString("sessionId")
		s.pushTo(client, object(map[string]dynamic.Value{
			"$type":     dynamic.String("update"),
			"messageId": dynamic.String(uuid.NewString()),
			"senderId":  dynamic.String(s.opts.User.ID),
			"sessionId": dynamic.String(sessionID),
			"text":      dynamic.String(req.OptString("text")),
			"role":      dynamic.String("User"),
		}))
		if req.OptBool("doReply", false) {
			s.reply(client, sessionID, s.opts.Reply)
		}
	case "stopChat":
		s.pushTo(client, object(map[string]dynamic.Value{
			"$type":     dynamic.String("chatClosed"),
			"sessionId": dynamic.String(req.OptString("sessionId")),
		}))
	}
}

func (s *Server) holds(typ string) bool {
	for _, h := range s.opts.HoldCompletions {
		if h == typ {
			return true
		}
	}
	return false
}

func (s *Server) pushTo(client *hubClient, payload dynamic.Value) {
	record, err := s.protocol.Serialize(signalr.Invocation{
		Target:    voxta.ReceiveTarget,
		Arguments: []dynamic.Value{payload},
	})
	if err != nil {
		return
	}
	client.enqueue([]byte(record))
}

func object(fields map[string]dynamic.Value) dynamic.Value { return dynamic.Object(fields) }

func (s *Server) userValue() dynamic.Value {
	return object(map[string]dynamic.Value{
		"id":   dynamic.String(s.opts.User.ID),
		"name": dynamic.String(s.opts.User.Name),
	})
}

func (s *Server) characterValues() dynamic.Value {
	items := make([]dynamic.Value, len(s.opts.Characters))
	for i, ch := range s.opts.Characters {
		items[i] = object(map[string]dynamic.Value{
			"id":   dynamic.String(ch.ID),
			"name": dynamic.String(ch.Name),
		})
	}
	return dynamic.Array(items...)
}

func (s *Server) welcome() dynamic.Value {
	return object(map[string]dynamic.Value{
		"$type":              dynamic.String("welcome"),
		"voxtaServerVersion": dynamic.String("1.0.0-test"),
		"user":               s.userValue(),
	})
}

func (s *Server) charactersList() dynamic.Value {
	return object(map[string]dynamic.Value{
		"$type":      dynamic.String("charactersListLoaded"),
		"characters": s.characterValues(),
	})
}

func (s *Server) startChat(client *hubClient, req dynamic.Value) string {
	s.mu.Lock()
	s.sessions++
	n := s.sessions
	s.mu.Unlock()

	sessionID := fmt.Sprintf("session-%d", n)
	services := make(map[string]dynamic.Value, len(s.opts.Services))
	for _, st := range s.opts.Services {
		services[string(st)] = object(map[string]dynamic.Value{
			"serviceName": dynamic.String("Fake" + string(st)),
			"serviceId":   dynamic.String(uuid.NewString()),
		})
	}

	contexts := req.OptField("contexts")
	if contexts.Kind() != dynamic.KindArray {
		contexts = dynamic.Array()
	}

	requested, _ := req.ArrayField("characterIds")
	var chars []dynamic.Value
	for _, id := range requested {
		for _, ch := range s.opts.Characters {
			if id.Kind() == dynamic.KindString && ch.ID == id.AsString() {
				chars = append(chars, object(map[string]dynamic.Value{
					"id":   dynamic.String(ch.ID),
					"name": dynamic.String(ch.Name),
				}))
			}
		}
	}

	s.pushTo(client, object(map[string]dynamic.Value{
		"$type":      dynamic.String("chatStarted"),
		"chatId":     dynamic.String(fmt.Sprintf("chat-%d", n)),
		"sessionId":  dynamic.String(sessionID),
		"user":       s.userValue(),
		"characters": dynamic.Array(chars...),
		"services":   object(services),
		"contexts":   contexts,
	}))
	return sessionID
}

// reply speaks text as the first character, one chunk per audio path.
func (s *Server) reply(client *hubClient, sessionID, text string) {
	messageID := uuid.NewString()
	senderID := s.opts.Characters[0].ID
	base := map[string]dynamic.Value{
		"messageId": dynamic.String(messageID),
		"senderId":  dynamic.String(senderID),
		"sessionId": dynamic.String(sessionID),
	}
	with := func(typ string, extra map[string]dynamic.Value) dynamic.Value {
		fields := map[string]dynamic.Value{"$type": dynamic.String(typ)}
		for k, v := range base {
			fields[k] = v
		}
		for k, v := range extra {
			fields[k] = v
		}
		return object(fields)
	}

	s.pushTo(client, with("replyGenerating", nil))
	s.pushTo(client, with("replyStart", nil))

	paths := s.opts.AudioPaths
	if len(paths) == 0 {
		paths = []string{""}
	}
	offset := 0
	for i, path := range paths {
		part := text
		if len(paths) > 1 {
			part = fmt.Sprintf("%s (%d)", text, i)
		}
		extra := map[string]dynamic.Value{
			"startIndex": dynamic.Int(offset),
			"endIndex":   dynamic.Int(offset + len(part)),
			"text":       dynamic.String(part),
		}
		if path != "" {
			extra["audioUrl"] = dynamic.String(path)
		}
		s.pushTo(client, with("replyChunk", extra))
		offset += len(part)
	}
	s.pushTo(client, with("replyEnd", nil))
}

func (s *Server) handleAudioInput(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		s.mu.Lock()
		if kind == websocket.TextMessage {
			s.inputHeader = string(data)
		} else {
			s.inputFrames = append(s.inputFrames, data)
		}
		s.mu.Unlock()
	}
}
