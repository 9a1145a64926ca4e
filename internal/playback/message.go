package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/repositories"
)

var (
	// ErrOutOfOrder is returned when custom lip-sync results are not
	// reported in chunk index order.
	ErrOutOfOrder   = errors.New("custom lip-sync completed out of order")
	ErrUnknownChunk = errors.New("unknown chunk")
	ErrCleanedUp    = errors.New("message audio cleaned up")
)

const (
	defaultRetryDelay  = 500 * time.Millisecond
	defaultMaxAttempts = 3
)

// Config wires the collaborators used to prepare chunks.
type Config struct {
	Downloader  repositories.AudioDownloader
	Importer    repositories.AudioImporter
	LipSyncType repositories.LipSyncType
	Generator   repositories.LipSyncGenerator
	// CustomHandler receives chunks when LipSyncType is custom.
	CustomHandler repositories.CustomLipSyncHandler
	// RetryDelay is the pause before a failed or parked step is retried.
	RetryDelay time.Duration
	// MaxAttempts bounds retries of a failing download or import. A chunk
	// that keeps failing is skipped during playback.
	MaxAttempts int
}

// MessageAudio owns the ordered chunks of one reply. Preparation of later
// chunks runs ahead of playback, but Play only starts chunk i+1 after chunk i
// has finished playing.
type MessageAudio struct {
	MessageID string

	cfg    Config
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	chunks []*Chunk

	// handOffMu keeps custom handler calls in index order.
	handOffMu sync.Mutex

	mu          sync.Mutex
	signal      chan struct{}
	attempts    map[int]int
	skipped     map[int]bool
	customQueue []string
	awaiting    map[int]bool
	nextHandOff int
	started     bool
	cleaned     bool
	onReady     func(c *Chunk)
}

func (cfg Config) withDefaults() Config {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.LipSyncType == "" {
		cfg.LipSyncType = repositories.LipSyncNone
	}
	return cfg
}

// NewMessageAudio creates the chunk pipelines for urls. Nothing is fetched
// until Prepare or Play is called.
func NewMessageAudio(messageID string, urls []string, cfg Config, logger *zap.Logger) *MessageAudio {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &MessageAudio{
		MessageID: messageID,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		signal:    make(chan struct{}),
		attempts:  make(map[int]int),
		skipped:   make(map[int]bool),
		awaiting:  make(map[int]bool),
	}

	deps := chunkDeps{
		downloader:  cfg.Downloader,
		importer:    cfg.Importer,
		lipSyncType: cfg.LipSyncType,
		generator:   cfg.Generator,
		handOff:     m.handOff,
		logger:      logger,
	}
	m.chunks = make([]*Chunk, len(urls))
	for i, url := range urls {
		m.chunks[i] = newChunk(ctx, messageID, i, url, deps, m.onChunkStateChange)
	}
	return m
}

// Chunks returns the chunk pipelines in index order.
func (m *MessageAudio) Chunks() []*Chunk {
	return append([]*Chunk(nil), m.chunks...)
}

// OnChunkReady registers a hook fired when a chunk becomes ready for
// playback.
func (m *MessageAudio) OnChunkReady(fn func(c *Chunk)) {
	m.mu.Lock()
	m.onReady = fn
	m.mu.Unlock()
}

// Prepare starts preparing the first chunk. Later chunks follow as earlier
// ones advance.
func (m *MessageAudio) Prepare() {
	m.mu.Lock()
	if m.started || m.cleaned || len(m.chunks) == 0 {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.chunks[0].Continue()
}

func (m *MessageAudio) onChunkStateChange(c *Chunk) {
	m.mu.Lock()
	if m.cleaned {
		m.mu.Unlock()
		return
	}
	onReady := m.onReady
	m.mu.Unlock()

	state := c.State()
	failed := c.Err() != nil && (state == ChunkIdle || state == ChunkDownloaded)
	switch {
	case failed:
		m.handleFailure(c)
	case state == ChunkDownloaded:
		c.Continue()
	case state == ChunkImported && c.Parked():
		m.retryLater(c)
	case state == ChunkImported:
		c.Continue()
	case state == ChunkReadyForPlayback && onReady != nil:
		onReady(c)
	}

	// The next chunk starts as soon as this one has moved past download.
	if state != ChunkIdle && state != ChunkCleanedUp {
		if next := c.Index + 1; next < len(m.chunks) && m.chunks[next].State() == ChunkIdle && m.chunks[next].Err() == nil {
			m.chunks[next].Continue()
		}
	}

	m.notify()
}

func (m *MessageAudio) handleFailure(c *Chunk) {
	m.mu.Lock()
	m.attempts[c.Index]++
	attempts := m.attempts[c.Index]
	if attempts >= m.cfg.MaxAttempts {
		m.skipped[c.Index] = true
		m.mu.Unlock()
		m.logger.Error("Giving up on audio chunk",
			zap.String("chunkID", c.ID),
			zap.Int("attempts", attempts),
			zap.Error(c.Err()))
		m.flushHandOffs()
		return
	}
	m.mu.Unlock()
	m.retryLater(c)
}

func (m *MessageAudio) retryLater(c *Chunk) {
	time.AfterFunc(m.cfg.RetryDelay, func() {
		if m.ctx.Err() != nil {
			return
		}
		c.Continue()
	})
}

// handOff parks c until every earlier chunk has been handed to the custom
// handler or skipped.
func (m *MessageAudio) handOff(c *Chunk) {
	m.mu.Lock()
	m.awaiting[c.Index] = true
	m.mu.Unlock()
	m.flushHandOffs()
}

func (m *MessageAudio) flushHandOffs() {
	m.handOffMu.Lock()
	defer m.handOffMu.Unlock()

	m.mu.Lock()
	if m.cleaned {
		m.mu.Unlock()
		return
	}
	var due []*Chunk
	for m.nextHandOff < len(m.chunks) {
		i := m.nextHandOff
		if !m.skipped[i] {
			if !m.awaiting[i] {
				break
			}
			delete(m.awaiting, i)
			due = append(due, m.chunks[i])
			m.customQueue = append(m.customQueue, m.chunks[i].ID)
		}
		m.nextHandOff++
	}
	handler := m.cfg.CustomHandler
	m.mu.Unlock()

	for _, c := range due {
		if handler == nil {
			m.logger.Warn("No custom lip-sync handler, completing without data", zap.String("chunkID", c.ID))
			if err := m.MarkCustomLipSyncComplete(c.ID, nil); err != nil {
				m.logger.Error("Failed to complete lip-sync", zap.String("chunkID", c.ID), zap.Error(err))
			}
			continue
		}
		raw, buffer := c.rawAndBuffer()
		handler(c.ID, raw, buffer)
	}
}

// MarkCustomLipSyncComplete delivers application-generated lip-sync data.
// Chunks must be completed in index order; skipped chunks are never handed
// out.
func (m *MessageAudio) MarkCustomLipSyncComplete(chunkID string, data *repositories.LipSyncData) error {
	m.mu.Lock()
	if m.cleaned {
		m.mu.Unlock()
		return ErrCleanedUp
	}
	if len(m.customQueue) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChunk, chunkID)
	}
	if m.customQueue[0] != chunkID {
		expected := m.customQueue[0]
		m.mu.Unlock()
		return fmt.Errorf("%w: got %s, expected %s", ErrOutOfOrder, chunkID, expected)
	}
	m.customQueue = m.customQueue[1:]
	m.mu.Unlock()

	for _, c := range m.chunks {
		if c.ID == chunkID {
			return c.completeLipSync(data)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownChunk, chunkID)
}

// Play prepares and plays every chunk in index order, returning once the
// last chunk has played. Chunks that could not be prepared are skipped.
func (m *MessageAudio) Play(ctx context.Context, player repositories.AudioPlayer) error {
	m.Prepare()

	// Cleanup aborts the chunk that is playing.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	for _, c := range m.chunks {
		ready, err := m.waitReady(ctx, c)
		if err != nil {
			if m.isCleaned() {
				return ErrCleanedUp
			}
			return err
		}
		if !ready {
			m.logger.Warn("Skipping audio chunk", zap.String("chunkID", c.ID), zap.Error(c.Err()))
			continue
		}

		buffer, lipSync := c.Buffer()
		if buffer == nil {
			return ErrCleanedUp
		}
		err = player.Play(ctx, buffer, lipSync)
		if m.isCleaned() {
			return ErrCleanedUp
		}
		if err != nil {
			return fmt.Errorf("failed to play chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func (m *MessageAudio) isCleaned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleaned
}

// waitReady blocks until c is ready (true) or skipped (false).
func (m *MessageAudio) waitReady(ctx context.Context, c *Chunk) (bool, error) {
	for {
		m.mu.Lock()
		signal := m.signal
		skipped := m.skipped[c.Index]
		cleaned := m.cleaned
		m.mu.Unlock()

		if cleaned {
			return false, ErrCleanedUp
		}
		if c.State() == ChunkReadyForPlayback {
			return true, nil
		}
		if skipped {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-signal:
		}
	}
}

func (m *MessageAudio) notify() {
	m.mu.Lock()
	close(m.signal)
	m.signal = make(chan struct{})
	m.mu.Unlock()
}

// Cleanup stops all preparation and releases every chunk's buffers.
func (m *MessageAudio) Cleanup() {
	m.mu.Lock()
	if m.cleaned {
		m.mu.Unlock()
		return
	}
	m.cleaned = true
	m.customQueue = nil
	m.mu.Unlock()

	m.cancel()
	for _, c := range m.chunks {
		c.Cleanup()
	}
	m.notify()
}
