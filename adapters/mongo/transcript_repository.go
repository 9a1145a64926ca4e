package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/entities"
	"github.com/satriahrh/voxlink/domain/repositories"
)

const transcriptCollection = "transcripts"

// TranscriptRepository stores chat transcripts in MongoDB
type TranscriptRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewTranscriptRepository creates the repository and ensures its indexes.
func NewTranscriptRepository(ctx context.Context, db *mongo.Database, logger *zap.Logger) (repositories.TranscriptRepository, error) {
	collection := db.Collection(transcriptCollection)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript indexes: %w", err)
	}
	logger.Info("Transcript indexes created successfully")

	return &TranscriptRepository{
		collection: collection,
		logger:     logger,
	}, nil
}

// Append implements repositories.TranscriptRepository. Appending a message
// twice is not an error.
func (r *TranscriptRepository) Append(ctx context.Context, entry *entities.TranscriptEntry) error {
	if entry == nil {
		return errors.New("transcript entry cannot be nil")
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.ID.IsZero() {
		entry.ID = primitive.NewObjectID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := r.collection.InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		r.logger.Debug("Transcript entry already stored", zap.String("messageID", entry.MessageID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert transcript entry: %w", err)
	}
	return nil
}

// ListByChat implements repositories.TranscriptRepository
func (r *TranscriptRepository) ListByChat(ctx context.Context, chatID string, limit int) ([]*entities.TranscriptEntry, error) {
	if chatID == "" {
		return nil, errors.New("chat ID cannot be empty")
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{"chat_id": chatID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find transcript for chat %s: %w", chatID, err)
	}
	defer cursor.Close(ctx)

	var entries []*entities.TranscriptEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode transcript entries: %w", err)
	}
	return entries, nil
}

// DeleteOlderThan implements repositories.TranscriptRepository
func (r *TranscriptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old transcript entries: %w", err)
	}
	return result.DeletedCount, nil
}
