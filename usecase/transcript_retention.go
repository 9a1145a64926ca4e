package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/repositories"
	"github.com/satriahrh/voxlink/internal/metrics"
)

const (
	defaultRetentionInterval = 30 * time.Minute
	initialRetentionDelay    = time.Minute
	retentionRunTimeout      = 5 * time.Minute
)

// TranscriptRetentionService periodically drops transcript entries older
// than the configured retention.
type TranscriptRetentionService struct {
	repo      repositories.TranscriptRepository
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewTranscriptRetentionService creates the service. interval <= 0 uses the
// default of 30 minutes.
func NewTranscriptRetentionService(repo repositories.TranscriptRepository, retention, interval time.Duration, logger *zap.Logger) *TranscriptRetentionService {
	if interval <= 0 {
		interval = defaultRetentionInterval
	}
	return &TranscriptRetentionService{
		repo:      repo,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the background retention loop. A retention of zero keeps
// everything and Start does nothing.
func (s *TranscriptRetentionService) Start() {
	if s.retention <= 0 {
		s.logger.Info("Transcript retention disabled")
		close(s.done)
		return
	}
	go s.retentionLoop()
	s.logger.Info("Transcript retention service started",
		zap.Duration("retention", s.retention),
		zap.Duration("interval", s.interval))
}

// Stop ends the loop and waits for a running pass to finish.
func (s *TranscriptRetentionService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	<-s.done
	s.logger.Info("Transcript retention service stopped")
}

func (s *TranscriptRetentionService) retentionLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	initialDelay := initialRetentionDelay
	if s.interval < initialDelay {
		initialDelay = s.interval
	}
	initialTimer := time.NewTimer(initialDelay)
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.runRetention()
		case <-ticker.C:
			s.runRetention()
		}
	}
}

func (s *TranscriptRetentionService) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), retentionRunTimeout)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("Failed to expire transcript entries", zap.Error(err))
	}
}

// RunOnce deletes every entry created before now minus the retention and
// returns how many were removed.
func (s *TranscriptRetentionService) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	deleted, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.TranscriptMessagesTotal.WithLabelValues("expired").Add(float64(deleted))
	s.logger.Info("Transcript retention completed",
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", deleted))
	return deleted, nil
}
