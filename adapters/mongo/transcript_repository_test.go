package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxlink/domain/entities"
)

// TestTranscriptRepository_Integration requires a running MongoDB instance
// (skipped if MONGODB_URI is not set)
func TestTranscriptRepository_Integration(t *testing.T) {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	client, err := NewClient(ctx, mongoURI, "voxlink_test", logger)
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		client.Database.Drop(ctx)
		client.Close(ctx)
	}()

	repo, err := NewTranscriptRepository(ctx, client.Database, logger)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}

	t.Run("AppendAndList", func(t *testing.T) {
		for i, text := range []string{"Hello", "Hi there"} {
			entry := entities.NewTranscriptEntry("chat-1", "session-1", entities.ChatMessage{
				ID:       "msg-" + text,
				SenderID: "char-1",
				Role:     entities.MessageRoleCharacter,
				Text:     text,
			})
			entry.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
			if err := repo.Append(ctx, entry); err != nil {
				t.Fatalf("Failed to append entry: %v", err)
			}
			if err := repo.Append(ctx, entry); err != nil {
				t.Errorf("Expected duplicate append to be ignored, got %v", err)
			}
		}

		entries, err := repo.ListByChat(ctx, "chat-1", 0)
		if err != nil {
			t.Fatalf("Failed to list entries: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("Expected 2 entries, got %d", len(entries))
		}
		if entries[0].Text != "Hello" {
			t.Errorf("Expected oldest entry first, got %s", entries[0].Text)
		}
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		old := entities.NewTranscriptEntry("chat-2", "session-2", entities.ChatMessage{ID: "old", Text: "old"})
		old.CreatedAt = time.Now().Add(-48 * time.Hour)
		if err := repo.Append(ctx, old); err != nil {
			t.Fatalf("Failed to append entry: %v", err)
		}

		deleted, err := repo.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("Failed to delete entries: %v", err)
		}
		if deleted != 1 {
			t.Errorf("Expected 1 deleted entry, got %d", deleted)
		}
	})
}
