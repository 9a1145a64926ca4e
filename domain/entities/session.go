package entities

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// SessionStatus represents the status of a chat session
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusClosed SessionStatus = "closed"
)

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleCharacter MessageRole = "character"
	MessageRoleSystem    MessageRole = "system"
)

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrMessageExists    = errors.New("message already exists")
	ErrMessageFinalized = errors.New("message already finalized")
)

// ChatMessage is one message of a chat. Character replies arrive in chunks;
// Text and AudioURLs accumulate until the message is finalized.
type ChatMessage struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"senderId"`
	Role        MessageRole `json:"role"`
	Text        string      `json:"text"`
	AudioURLs   []string    `json:"audioUrls"`
	Finalized   bool        `json:"finalized"`
	StartedAt   time.Time   `json:"startedAt"`
	FinalizedAt *time.Time  `json:"finalizedAt,omitempty"`
}

func (m ChatMessage) clone() ChatMessage {
	m.AudioURLs = append([]string(nil), m.AudioURLs...)
	if m.FinalizedAt != nil {
		t := *m.FinalizedAt
		m.FinalizedAt = &t
	}
	return m
}

// ChatSession is the server-assigned chat context. The message list is
// mutated from the hub receive goroutine and read by API callers, so all
// access goes through mu. Getters return copies.
type ChatSession struct {
	ChatID       string
	SessionID    string
	User         User
	CharacterIDs []string
	Services     map[ServiceType]ServiceDescriptor
	CreatedAt    time.Time

	mu           sync.RWMutex
	status       SessionStatus
	context      string
	lastActiveAt time.Time
	messages     []*ChatMessage
	index        map[string]*ChatMessage
}

// NewChatSession creates an active session.
func NewChatSession(chatID, sessionID string, user User, characterIDs []string, services map[ServiceType]ServiceDescriptor) *ChatSession {
	now := time.Now()
	svc := make(map[ServiceType]ServiceDescriptor, len(services))
	for k, v := range services {
		svc[k] = v
	}
	return &ChatSession{
		ChatID:       chatID,
		SessionID:    sessionID,
		User:         user,
		CharacterIDs: append([]string(nil), characterIDs...),
		Services:     svc,
		CreatedAt:    now,
		status:       SessionStatusActive,
		lastActiveAt: now,
		messages:     make([]*ChatMessage, 0),
		index:        make(map[string]*ChatMessage),
	}
}

// MissingServices returns which of required are not active in services.
func MissingServices(services map[ServiceType]ServiceDescriptor, required ...ServiceType) []ServiceType {
	var missing []ServiceType
	for _, st := range required {
		if _, ok := services[st]; !ok {
			missing = append(missing, st)
		}
	}
	return missing
}

// HasCharacter reports whether id takes part in the chat.
func (s *ChatSession) HasCharacter(id string) bool {
	for _, c := range s.CharacterIDs {
		if c == id {
			return true
		}
	}
	return false
}

// StartMessage opens a new message.
func (s *ChatSession) StartMessage(id, senderID string, role MessageRole) (ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; ok {
		return ChatMessage{}, fmt.Errorf("%w: %s", ErrMessageExists, id)
	}
	msg := &ChatMessage{
		ID:        id,
		SenderID:  senderID,
		Role:      role,
		AudioURLs: make([]string, 0),
		StartedAt: time.Now(),
	}
	s.messages = append(s.messages, msg)
	s.index[id] = msg
	s.touch()
	return msg.clone(), nil
}

// AppendChunk adds text and an optional audio url to an open message.
func (s *ChatSession) AppendChunk(id, text, audioURL string) (ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.index[id]
	if !ok {
		return ChatMessage{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if msg.Finalized {
		return ChatMessage{}, fmt.Errorf("%w: %s", ErrMessageFinalized, id)
	}
	msg.Text += text
	if audioURL != "" {
		msg.AudioURLs = append(msg.AudioURLs, audioURL)
	}
	s.touch()
	return msg.clone(), nil
}

// FinalizeMessage marks a message complete.
func (s *ChatSession) FinalizeMessage(id string) (ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.index[id]
	if !ok {
		return ChatMessage{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if msg.Finalized {
		return ChatMessage{}, fmt.Errorf("%w: %s", ErrMessageFinalized, id)
	}
	now := time.Now()
	msg.Finalized = true
	msg.FinalizedAt = &now
	s.touch()
	return msg.clone(), nil
}

// UpsertMessage replaces the text of an existing message or appends a new
// finalized one. The server uses this for user messages and edits.
func (s *ChatSession) UpsertMessage(id, senderID string, role MessageRole, text string) ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if msg, ok := s.index[id]; ok {
		msg.Text = text
		s.touch()
		return msg.clone()
	}
	msg := &ChatMessage{
		ID:          id,
		SenderID:    senderID,
		Role:        role,
		Text:        text,
		AudioURLs:   make([]string, 0),
		Finalized:   true,
		StartedAt:   now,
		FinalizedAt: &now,
	}
	s.messages = append(s.messages, msg)
	s.index[id] = msg
	s.touch()
	return msg.clone()
}

// RemoveMessage drops a message, e.g. after the reply was cancelled.
func (s *ChatSession) RemoveMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	s.touch()
	return true
}

// Message returns a copy of the message with id.
func (s *ChatSession) Message(id string) (ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.index[id]
	if !ok {
		return ChatMessage{}, false
	}
	return msg.clone(), true
}

// Messages returns a copy of the ordered message list.
func (s *ChatSession) Messages() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ChatMessage, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// SetContext replaces the chat context.
func (s *ChatSession) SetContext(context string) {
	s.mu.Lock()
	s.context = context
	s.touch()
	s.mu.Unlock()
}

// Context returns the current chat context.
func (s *ChatSession) Context() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.context
}

// LastActiveAt returns when the session last changed.
func (s *ChatSession) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// Close marks the session closed. Further messages are still readable.
func (s *ChatSession) Close() {
	s.mu.Lock()
	s.status = SessionStatusClosed
	s.touch()
	s.mu.Unlock()
}

// Status returns whether the session is active or closed.
func (s *ChatSession) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *ChatSession) touch() {
	s.lastActiveAt = time.Now()
}

// Validate validates the session data
func (s *ChatSession) Validate() error {
	if s.ChatID == "" {
		return errors.New("chat_id is required")
	}
	if s.SessionID == "" {
		return errors.New("session_id is required")
	}
	if missing := MissingServices(s.Services, RequiredServices...); len(missing) > 0 {
		return fmt.Errorf("missing required services: %v", missing)
	}
	return nil
}
