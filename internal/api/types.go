package api

import (
	"time"

	"github.com/satriahrh/voxlink/domain/entities"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type StateResponse struct {
	State entities.ClientState `json:"state"`
	User  *entities.User       `json:"user,omitempty"`
}

type ConnectRequest struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type StartChatRequest struct {
	CharacterID string `json:"characterId"`
	Context     string `json:"context"`
}

type UserInputRequest struct {
	Text string `json:"text"`
	// GenerateReply defaults to true when omitted.
	GenerateReply            *bool `json:"generateReply,omitempty"`
	CharacterActionInference bool  `json:"characterActionInference"`
}

type PlaybackCompleteRequest struct {
	MessageID string `json:"messageId"`
}

type ContextRequest struct {
	Context string `json:"context"`
}

type DisconnectRequest struct {
	Silent bool `json:"silent"`
}

// ChatResponse describes the active chat session.
type ChatResponse struct {
	ChatID       string                 `json:"chatId"`
	SessionID    string                 `json:"sessionId"`
	CharacterIDs []string               `json:"characterIds"`
	Status       entities.SessionStatus `json:"status"`
	Context      string                 `json:"context,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	LastActiveAt time.Time              `json:"lastActiveAt"`
	Messages     []entities.ChatMessage `json:"messages"`
}

type TranscriptResponse struct {
	ChatID  string                      `json:"chatId"`
	Entries []*entities.TranscriptEntry `json:"entries"`
}

// EventMessage is one frame of the event stream.
type EventMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}
