package usecase

import (
	"github.com/satriahrh/voxlink/domain/entities"
	"github.com/satriahrh/voxlink/internal/dynamic"
)

// Event is anything the client broadcasts to subscribers. The concrete types
// below are the complete set.
type Event interface {
	EventName() string
}

// StateChangedEvent fires on every public state transition.
type StateChangedEvent struct {
	Previous entities.ClientState `json:"previous"`
	Current  entities.ClientState `json:"current"`
}

type CharactersLoadedEvent struct {
	Characters []entities.Character `json:"characters"`
}

type ChatStartedEvent struct {
	ChatID       string   `json:"chatId"`
	SessionID    string   `json:"sessionId"`
	CharacterIDs []string `json:"characterIds"`
}

// MessageChange says what happened to a chat message.
type MessageChange string

const (
	MessageStarted   MessageChange = "started"
	MessageUpdated   MessageChange = "updated"
	MessageFinalized MessageChange = "finalized"
	MessageRemoved   MessageChange = "removed"
)

type ChatMessageEvent struct {
	Change  MessageChange        `json:"change"`
	Message entities.ChatMessage `json:"message"`
}

// TranscriptionEvent carries speech recognized from the microphone stream.
// Final is set once recognition ended and the text is being sent.
type TranscriptionEvent struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// TranscriptionCancelledEvent fires when the server abandons a recognition.
// The server may resume listening afterwards, so no state changes.
type TranscriptionCancelledEvent struct{}

// HintStopChat tells subscribers that StopChat returns the client to Idle.
const HintStopChat = "stopChat"

// ErrorEvent surfaces server and business-rule errors.
type ErrorEvent struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retry     bool   `json:"retry"`
	// Hint names the operation that recovers from the error, if any.
	Hint string `json:"hint,omitempty"`
}

type ContextUpdatedEvent struct {
	SessionID string `json:"sessionId"`
	Context   string `json:"context"`
}

type ChatClosedEvent struct {
	ChatID    string `json:"chatId"`
	SessionID string `json:"sessionId"`
}

type ConfigurationEvent struct {
	Raw dynamic.Value `json:"raw"`
}

func (StateChangedEvent) EventName() string           { return "stateChanged" }
func (CharactersLoadedEvent) EventName() string       { return "charactersLoaded" }
func (ChatStartedEvent) EventName() string            { return "chatStarted" }
func (ChatMessageEvent) EventName() string            { return "chatMessage" }
func (TranscriptionEvent) EventName() string          { return "transcription" }
func (TranscriptionCancelledEvent) EventName() string { return "transcriptionCancelled" }
func (ErrorEvent) EventName() string                  { return "error" }
func (ContextUpdatedEvent) EventName() string         { return "contextUpdated" }
func (ChatClosedEvent) EventName() string             { return "chatClosed" }
func (ConfigurationEvent) EventName() string          { return "configuration" }
