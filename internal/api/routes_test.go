package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxlink/adapters"
	"github.com/satriahrh/voxlink/domain/entities"
	"github.com/satriahrh/voxlink/internal/auth"
	"github.com/satriahrh/voxlink/internal/signalr"
	"github.com/satriahrh/voxlink/usecase"
)

type fakeController struct {
	mu          sync.Mutex
	state       entities.ClientState
	user        entities.User
	characters  []entities.Character
	session     *entities.ChatSession
	calls       []string
	err         error
	subscribers []func(usecase.Event)
	connectedTo string
	input       struct {
		text          string
		generateReply bool
	}
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) GetCurrentState() entities.ClientState { return f.state }
func (f *fakeController) Characters() []entities.Character      { return f.characters }
func (f *fakeController) User() entities.User                   { return f.user }
func (f *fakeController) Session() *entities.ChatSession        { return f.session }

func (f *fakeController) StartConnection(address string, port int) error {
	f.mu.Lock()
	f.connectedTo = address + ":" + strconv.Itoa(port)
	f.mu.Unlock()
	return f.record("connect")
}

func (f *fakeController) Disconnect(silent bool) error { return f.record("disconnect") }

func (f *fakeController) StartChatWithCharacter(characterID, context string) error {
	return f.record("chat:" + characterID)
}

func (f *fakeController) SendUserInput(text string, generateReply, characterActionInference bool) error {
	f.mu.Lock()
	f.input.text = text
	f.input.generateReply = generateReply
	f.mu.Unlock()
	return f.record("input")
}

func (f *fakeController) NotifyAudioPlaybackComplete(messageID string) error {
	return f.record("complete:" + messageID)
}

func (f *fakeController) StopChat() error                    { return f.record("stop") }
func (f *fakeController) UpdateContext(context string) error { return f.record("context:" + context) }

func (f *fakeController) Subscribe(fn func(usecase.Event)) func() {
	f.mu.Lock()
	f.subscribers = append(f.subscribers, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeController) emit(ev usecase.Event) {
	f.mu.Lock()
	subs := append([]func(usecase.Event){}, f.subscribers...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeController) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

func newTestEcho(t *testing.T, opts Options) *echo.Echo {
	e := echo.New()
	InitRoutes(e, opts, zaptest.NewLogger(t))
	return e
}

func do(e *echo.Echo, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEcho(t, Options{Client: &fakeController{state: entities.StateIdle}})

	rec := do(e, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"Idle"`)

	rec = do(e, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voxlink_client_state")
}

func TestGetState(t *testing.T) {
	client := &fakeController{state: entities.StateDisconnected}
	e := newTestEcho(t, Options{Client: client})

	rec := do(e, http.MethodGet, "/api/v1/state", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"Disconnected"}`, rec.Body.String())

	client.state = entities.StateIdle
	client.user = entities.User{ID: "user-1", Name: "Tester"}
	rec = do(e, http.MethodGet, "/api/v1/state", "", "")
	assert.JSONEq(t, `{"state":"Idle","user":{"id":"user-1","name":"Tester"}}`, rec.Body.String())
}

func TestGetCharactersAndChat(t *testing.T) {
	client := &fakeController{}
	e := newTestEcho(t, Options{Client: client})

	rec := do(e, http.MethodGet, "/api/v1/characters", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(e, http.MethodGet, "/api/v1/chat", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	client.session = entities.NewChatSession("chat-1", "session-1", entities.User{ID: "user-1"}, []string{"char-1"}, nil)
	client.session.UpsertMessage("msg-1", "user-1", entities.MessageRoleUser, "Hello")

	rec = do(e, http.MethodGet, "/api/v1/chat", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var chat ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))
	assert.Equal(t, "session-1", chat.SessionID)
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, "Hello", chat.Messages[0].Text)
}

func TestControlRequests(t *testing.T) {
	client := &fakeController{state: entities.StateIdle}
	e := newTestEcho(t, Options{Client: client, DefaultAddress: "127.0.0.1", DefaultPort: 5384})

	tests := []struct {
		path string
		body string
		call string
	}{
		{"/api/v1/connect", `{}`, "connect"},
		{"/api/v1/chat", `{"characterId":"char-1"}`, "chat:char-1"},
		{"/api/v1/input", `{"text":"Hi"}`, "input"},
		{"/api/v1/playback/complete", `{"messageId":"msg-1"}`, "complete:msg-1"},
		{"/api/v1/chat/context", `{"context":"At the beach"}`, "context:At the beach"},
		{"/api/v1/chat/stop", ``, "stop"},
		{"/api/v1/disconnect", ``, "disconnect"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(e, http.MethodPost, tt.path, tt.body, "")
			if rec.Code != http.StatusAccepted {
				t.Errorf("Expected status 202, got %d: %s", rec.Code, rec.Body.String())
			}
			assert.Equal(t, tt.call, client.calls[len(client.calls)-1])
		})
	}

	assert.Equal(t, "127.0.0.1:5384", client.connectedTo)
	assert.True(t, client.input.generateReply)

	do(e, http.MethodPost, "/api/v1/input", `{"text":"Hi","generateReply":false}`, "")
	assert.False(t, client.input.generateReply)
}

func TestControlRequestValidation(t *testing.T) {
	e := newTestEcho(t, Options{Client: &fakeController{}})

	rec := do(e, http.MethodPost, "/api/v1/chat", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/playback/complete", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/chat", `{not json`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{usecase.ErrInvalidState, http.StatusConflict, "invalid_state"},
		{usecase.ErrInvalidAddress, http.StatusBadRequest, "invalid_endpoint"},
		{usecase.ErrInvalidPort, http.StatusBadRequest, "invalid_endpoint"},
		{usecase.ErrEmptyInput, http.StatusBadRequest, "empty_input"},
		{usecase.ErrUnknownCharacter, http.StatusNotFound, "unknown_character"},
		{usecase.ErrUnknownMessage, http.StatusNotFound, "unknown_message"},
		{signalr.ErrNotConnected, http.StatusServiceUnavailable, "not_connected"},
		{context.DeadlineExceeded, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			e := newTestEcho(t, Options{Client: &fakeController{err: tt.err}})
			rec := do(e, http.MethodPost, "/api/v1/chat/stop", "", "")
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error)
		})
	}
}

func TestTokenChecks(t *testing.T) {
	issuer, err := auth.NewTokenIssuer("secret", time.Hour)
	require.NoError(t, err)
	operator, _, err := issuer.GenerateToken("alice", auth.RoleOperator)
	require.NoError(t, err)
	viewer, _, err := issuer.GenerateToken("bob", auth.RoleViewer)
	require.NoError(t, err)

	e := newTestEcho(t, Options{Client: &fakeController{}, Issuer: issuer})

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/api/v1/state", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/api/v1/state", "", "garbage").Code)

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/api/v1/state", "", viewer).Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/api/v1/state?token="+viewer, "", "").Code)
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodPost, "/api/v1/chat/stop", "", viewer).Code)
	assert.Equal(t, http.StatusAccepted, do(e, http.MethodPost, "/api/v1/chat/stop", "", operator).Code)
}

func TestTranscripts(t *testing.T) {
	e := newTestEcho(t, Options{Client: &fakeController{}})
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/v1/transcripts/chat-1", "", "").Code)

	repo := adapters.NewMemoryTranscriptRepository()
	for _, id := range []string{"a", "b", "c"} {
		entry := entities.NewTranscriptEntry("chat-1", "session-1", entities.ChatMessage{ID: id, Text: id})
		require.NoError(t, repo.Append(context.Background(), entry))
	}

	e = newTestEcho(t, Options{Client: &fakeController{}, Transcripts: repo})

	rec := do(e, http.MethodGet, "/api/v1/transcripts/chat-1?limit=2", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TranscriptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat-1", resp.ChatID)
	assert.Len(t, resp.Entries, 2)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/api/v1/transcripts/chat-1?limit=x", "", "").Code)
}

func TestEventStream(t *testing.T) {
	client := &fakeController{state: entities.StateIdle}
	srv := httptest.NewServer(newTestEcho(t, Options{Client: client}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot map[string]any
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "snapshot", snapshot["type"])
	assert.Equal(t, map[string]any{"state": "Idle"}, snapshot["data"])

	require.Eventually(t, func() bool { return client.subscriberCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	client.emit(usecase.StateChangedEvent{Previous: entities.StateIdle, Current: entities.StateStartingChat})

	var event map[string]any
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "stateChanged", event["type"])
	assert.Equal(t, map[string]any{"previous": "Idle", "current": "StartingChat"}, event["data"])
}
