package entities

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TranscriptEntry is one finalized chat message kept for history.
type TranscriptEntry struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ChatID      string             `json:"chat_id" bson:"chat_id"`
	SessionID   string             `json:"session_id" bson:"session_id"`
	MessageID   string             `json:"message_id" bson:"message_id"`
	SenderID    string             `json:"sender_id" bson:"sender_id"`
	Role        MessageRole        `json:"role" bson:"role"`
	Text        string             `json:"text" bson:"text"`
	AudioChunks int                `json:"audio_chunks" bson:"audio_chunks"`
	CreatedAt   time.Time          `json:"created_at" bson:"created_at"`
}

// NewTranscriptEntry records msg as spoken in chat.
func NewTranscriptEntry(chatID, sessionID string, msg ChatMessage) *TranscriptEntry {
	return &TranscriptEntry{
		ID:          primitive.NewObjectID(),
		ChatID:      chatID,
		SessionID:   sessionID,
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		Role:        msg.Role,
		Text:        msg.Text,
		AudioChunks: len(msg.AudioURLs),
		CreatedAt:   time.Now(),
	}
}

// Validate checks the fields required to store an entry.
func (e *TranscriptEntry) Validate() error {
	if e.ChatID == "" {
		return errors.New("chat_id is required")
	}
	if e.MessageID == "" {
		return errors.New("message_id is required")
	}
	return nil
}
