package repositories

import (
	"context"
	"time"

	"github.com/satriahrh/voxlink/domain/entities"
)

// TranscriptRepository stores finalized chat messages.
type TranscriptRepository interface {
	Append(ctx context.Context, entry *entities.TranscriptEntry) error
	// ListByChat returns entries oldest first. limit <= 0 means all.
	ListByChat(ctx context.Context, chatID string, limit int) ([]*entities.TranscriptEntry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
