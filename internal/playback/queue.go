package playback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/repositories"
	"github.com/satriahrh/voxlink/internal/metrics"
)

// CompletionFunc is called after a message has finished playing.
type CompletionFunc func(messageID string)

// Queue plays finalized replies one after another in arrival order. Each
// enqueued message starts preparing immediately so its first chunk is ready
// by the time the previous message ends.
type Queue struct {
	cfg        Config
	player     repositories.AudioPlayer
	onComplete CompletionFunc
	logger     *zap.Logger

	mu      sync.Mutex
	pending []*MessageAudio
	current *MessageAudio
	wake    chan struct{}
}

// NewQueue creates an idle queue. Call Run to start playing.
func NewQueue(cfg Config, player repositories.AudioPlayer, onComplete CompletionFunc, logger *zap.Logger) *Queue {
	return &Queue{
		cfg:        cfg.withDefaults(),
		player:     player,
		onComplete: onComplete,
		logger:     logger,
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue schedules the audio of a finalized message. Messages without
// audio complete immediately, in order.
func (q *Queue) Enqueue(messageID string, urls []string) *MessageAudio {
	msg := NewMessageAudio(messageID, urls, q.cfg, q.logger)
	msg.Prepare()

	q.mu.Lock()
	q.pending = append(q.pending, msg)
	metrics.PlaybackQueueLength.Set(float64(len(q.pending)))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.logger.Debug("Message audio queued",
		zap.String("messageID", messageID),
		zap.Int("chunks", len(urls)))
	return msg
}

// Run plays queued messages until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	for {
		msg := q.next()
		if msg == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}

		err := msg.Play(ctx, q.player)
		msg.Cleanup()

		q.mu.Lock()
		if q.current == msg {
			q.current = nil
		}
		q.mu.Unlock()

		switch {
		case err == nil:
			q.logger.Debug("Message audio finished", zap.String("messageID", msg.MessageID))
			if q.onComplete != nil {
				q.onComplete(msg.MessageID)
			}
		case errors.Is(err, ErrCleanedUp):
			q.logger.Debug("Message audio dropped", zap.String("messageID", msg.MessageID))
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			q.logger.Error("Message playback failed", zap.String("messageID", msg.MessageID), zap.Error(err))
			if q.onComplete != nil {
				q.onComplete(msg.MessageID)
			}
		}
	}
}

func (q *Queue) next() *MessageAudio {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	q.current = msg
	metrics.PlaybackQueueLength.Set(float64(len(q.pending)))
	return msg
}

// Len returns the number of messages waiting behind the one playing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear drops every queued message and aborts the one playing. Their buffers
// are released.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := q.pending
	current := q.current
	q.pending = nil
	metrics.PlaybackQueueLength.Set(0)
	q.mu.Unlock()

	for _, msg := range dropped {
		msg.Cleanup()
	}
	if current != nil {
		current.Cleanup()
	}
}

// MarkCustomLipSyncComplete routes application lip-sync results to the
// message owning chunkID.
func (q *Queue) MarkCustomLipSyncComplete(chunkID string, data *repositories.LipSyncData) error {
	sep := strings.LastIndex(chunkID, "/")
	if sep < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownChunk, chunkID)
	}
	messageID := chunkID[:sep]

	q.mu.Lock()
	var target *MessageAudio
	if q.current != nil && q.current.MessageID == messageID {
		target = q.current
	}
	for _, msg := range q.pending {
		if target == nil && msg.MessageID == messageID {
			target = msg
		}
	}
	q.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChunk, chunkID)
	}
	return target.MarkCustomLipSyncComplete(chunkID, data)
}
