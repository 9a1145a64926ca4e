package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxlink/adapters"
	"github.com/satriahrh/voxlink/domain/entities"
)

type cutoffRecorder struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (r *cutoffRecorder) Append(ctx context.Context, entry *entities.TranscriptEntry) error {
	return nil
}

func (r *cutoffRecorder) ListByChat(ctx context.Context, chatID string, limit int) ([]*entities.TranscriptEntry, error) {
	return nil, nil
}

func (r *cutoffRecorder) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoffs = append(r.cutoffs, cutoff)
	return 0, r.err
}

func (r *cutoffRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cutoffs)
}

func TestRetentionRunOnceDeletesExpiredEntries(t *testing.T) {
	repo := adapters.NewMemoryTranscriptRepository()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	old := entities.NewTranscriptEntry("chat-1", "session-1", entities.ChatMessage{ID: "old", Text: "old"})
	old.CreatedAt = now.Add(-25 * time.Hour)
	fresh := entities.NewTranscriptEntry("chat-1", "session-1", entities.ChatMessage{ID: "fresh", Text: "fresh"})
	fresh.CreatedAt = now.Add(-time.Hour)
	require.NoError(t, repo.Append(ctx, old))
	require.NoError(t, repo.Append(ctx, fresh))

	svc := NewTranscriptRetentionService(repo, 24*time.Hour, 0, zaptest.NewLogger(t))
	svc.now = func() time.Time { return now }

	deleted, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	entries, err := repo.ListByChat(ctx, "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].MessageID)
}

func TestRetentionRunOnceUsesRetentionForCutoff(t *testing.T) {
	repo := &cutoffRecorder{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	svc := NewTranscriptRetentionService(repo, 2*time.Hour, 0, zaptest.NewLogger(t))
	svc.now = func() time.Time { return now }

	_, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, repo.cutoffs, 1)
	if !repo.cutoffs[0].Equal(now.Add(-2 * time.Hour)) {
		t.Errorf("Expected cutoff %v, got %v", now.Add(-2*time.Hour), repo.cutoffs[0])
	}

	repo.err = errors.New("boom")
	_, err = svc.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRetentionLoopRunsUntilStopped(t *testing.T) {
	repo := &cutoffRecorder{}
	svc := NewTranscriptRetentionService(repo, time.Hour, 20*time.Millisecond, zaptest.NewLogger(t))

	svc.Start()
	assert.Eventually(t, func() bool { return repo.count() >= 2 }, waitFor, tick)
	svc.Stop()

	stopped := repo.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, repo.count())

	// Stop is idempotent.
	svc.Stop()
}

func TestRetentionDisabled(t *testing.T) {
	repo := &cutoffRecorder{}
	svc := NewTranscriptRetentionService(repo, 0, 10*time.Millisecond, zaptest.NewLogger(t))

	svc.Start()
	time.Sleep(40 * time.Millisecond)
	svc.Stop()

	assert.Equal(t, 0, repo.count())
}
