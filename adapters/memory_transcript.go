package adapters

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/satriahrh/voxlink/domain/entities"
)

// MemoryTranscriptRepository is an in-memory implementation of
// TranscriptRepository, used when no MongoDB URI is configured.
type MemoryTranscriptRepository struct {
	mu       sync.RWMutex
	chats    map[string][]*entities.TranscriptEntry // chat_id -> entries, oldest first
	messages map[string]struct{}                    // message_id set
}

// NewMemoryTranscriptRepository creates an empty in-memory repository.
func NewMemoryTranscriptRepository() *MemoryTranscriptRepository {
	return &MemoryTranscriptRepository{
		chats:    make(map[string][]*entities.TranscriptEntry),
		messages: make(map[string]struct{}),
	}
}

// Append implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) Append(ctx context.Context, entry *entities.TranscriptEntry) error {
	if entry == nil {
		return errors.New("transcript entry cannot be nil")
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.messages[entry.MessageID]; exists {
		return nil
	}

	stored := *entry
	if stored.ID.IsZero() {
		stored.ID = primitive.NewObjectID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	entries := append(m.chats[stored.ChatID], &stored)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	m.chats[stored.ChatID] = entries
	m.messages[stored.MessageID] = struct{}{}
	return nil
}

// ListByChat implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) ListByChat(ctx context.Context, chatID string, limit int) ([]*entities.TranscriptEntry, error) {
	if chatID == "" {
		return nil, errors.New("chat ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.chats[chatID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	result := make([]*entities.TranscriptEntry, len(entries))
	for i, entry := range entries {
		copied := *entry
		result[i] = &copied
	}
	return result, nil
}

// DeleteOlderThan implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for chatID, entries := range m.chats {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.CreatedAt.Before(cutoff) {
				delete(m.messages, entry.MessageID)
				deleted++
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(m.chats, chatID)
		} else {
			m.chats[chatID] = kept
		}
	}
	return deleted, nil
}
