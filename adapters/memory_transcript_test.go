package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/voxlink/domain/entities"
)

func entryAt(chatID, messageID string, at time.Time) *entities.TranscriptEntry {
	entry := entities.NewTranscriptEntry(chatID, "session-1", entities.ChatMessage{
		ID:   messageID,
		Role: entities.MessageRoleCharacter,
		Text: "text " + messageID,
	})
	entry.CreatedAt = at
	return entry
}

func TestMemoryTranscriptRepository_AppendAndList(t *testing.T) {
	repo := NewMemoryTranscriptRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Append(ctx, entryAt("chat-1", "b", now.Add(time.Second))))
	require.NoError(t, repo.Append(ctx, entryAt("chat-1", "a", now)))
	require.NoError(t, repo.Append(ctx, entryAt("chat-2", "c", now)))

	entries, err := repo.ListByChat(ctx, "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].MessageID)
	assert.Equal(t, "b", entries[1].MessageID)

	limited, err := repo.ListByChat(ctx, "chat-1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a", limited[0].MessageID)

	empty, err := repo.ListByChat(ctx, "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryTranscriptRepository_AppendIgnoresDuplicates(t *testing.T) {
	repo := NewMemoryTranscriptRepository()
	ctx := context.Background()

	entry := entryAt("chat-1", "a", time.Now())
	require.NoError(t, repo.Append(ctx, entry))
	require.NoError(t, repo.Append(ctx, entry))

	entries, err := repo.ListByChat(ctx, "chat-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemoryTranscriptRepository_Validation(t *testing.T) {
	repo := NewMemoryTranscriptRepository()
	ctx := context.Background()

	assert.Error(t, repo.Append(ctx, nil))
	assert.Error(t, repo.Append(ctx, &entities.TranscriptEntry{MessageID: "a"}))
	assert.Error(t, repo.Append(ctx, &entities.TranscriptEntry{ChatID: "chat-1"}))

	_, err := repo.ListByChat(ctx, "", 0)
	assert.Error(t, err)
}

func TestMemoryTranscriptRepository_ListReturnsCopies(t *testing.T) {
	repo := NewMemoryTranscriptRepository()
	ctx := context.Background()
	require.NoError(t, repo.Append(ctx, entryAt("chat-1", "a", time.Now())))

	entries, err := repo.ListByChat(ctx, "chat-1", 0)
	require.NoError(t, err)
	entries[0].Text = "changed"

	again, err := repo.ListByChat(ctx, "chat-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "text a", again[0].Text)
}

func TestMemoryTranscriptRepository_DeleteOlderThan(t *testing.T) {
	repo := NewMemoryTranscriptRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Append(ctx, entryAt("chat-1", "old", now.Add(-2*time.Hour))))
	require.NoError(t, repo.Append(ctx, entryAt("chat-1", "new", now)))
	require.NoError(t, repo.Append(ctx, entryAt("chat-2", "older", now.Add(-3*time.Hour))))

	deleted, err := repo.DeleteOlderThan(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	entries, err := repo.ListByChat(ctx, "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].MessageID)

	// A deleted message may be stored again.
	require.NoError(t, repo.Append(ctx, entryAt("chat-2", "older", now)))
	entries, err = repo.ListByChat(ctx, "chat-2", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
