// Package playback prepares and plays the audio of character replies. Each
// reply is split into chunks that are downloaded, decoded and lip-synced
// independently but always played in index order.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/repositories"
	"github.com/satriahrh/voxlink/internal/metrics"
)

// ChunkState is the preparation stage of one audio chunk.
type ChunkState int

const (
	ChunkIdle ChunkState = iota
	ChunkDownloading
	ChunkDownloaded
	ChunkImporting
	ChunkImported
	ChunkGeneratingLipSync
	ChunkReadyForPlayback
	ChunkCleanedUp
)

func (s ChunkState) String() string {
	switch s {
	case ChunkIdle:
		return "Idle"
	case ChunkDownloading:
		return "Downloading"
	case ChunkDownloaded:
		return "Downloaded"
	case ChunkImporting:
		return "Importing"
	case ChunkImported:
		return "Imported"
	case ChunkGeneratingLipSync:
		return "GeneratingLipSync"
	case ChunkReadyForPlayback:
		return "ReadyForPlayback"
	case ChunkCleanedUp:
		return "CleanedUp"
	default:
		return fmt.Sprintf("ChunkState(%d)", int(s))
	}
}

// Busy reports whether a step is in flight.
func (s ChunkState) Busy() bool {
	return s == ChunkDownloading || s == ChunkImporting || s == ChunkGeneratingLipSync
}

// chunkDeps are the collaborators shared by every chunk of a pipeline.
type chunkDeps struct {
	downloader  repositories.AudioDownloader
	importer    repositories.AudioImporter
	lipSyncType repositories.LipSyncType
	generator   repositories.LipSyncGenerator
	handOff     func(c *Chunk)
	logger      *zap.Logger
}

// Chunk is one audio segment of a reply. Continue advances it by exactly one
// step; every transition is reported through onChange.
type Chunk struct {
	ID    string
	Index int
	URL   string

	deps     chunkDeps
	ctx      context.Context
	onChange func(c *Chunk)

	mu      sync.Mutex
	state   ChunkState
	raw     []byte
	buffer  repositories.PlayableBuffer
	lipSync *repositories.LipSyncData
	lastErr error
	parked  bool
}

func newChunk(ctx context.Context, messageID string, index int, url string, deps chunkDeps, onChange func(c *Chunk)) *Chunk {
	return &Chunk{
		ID:       fmt.Sprintf("%s/%d", messageID, index),
		Index:    index,
		URL:      url,
		deps:     deps,
		ctx:      ctx,
		onChange: onChange,
	}
}

// State returns the current preparation stage.
func (c *Chunk) State() ChunkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error of the last failed step, if any.
func (c *Chunk) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Parked reports whether the last lip-sync attempt found the backend busy
// and put the chunk back to Imported.
func (c *Chunk) Parked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parked
}

// Buffer returns the decoded audio and lip-sync data once the chunk is ready.
func (c *Chunk) Buffer() (repositories.PlayableBuffer, *repositories.LipSyncData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer, c.lipSync
}

// Continue starts the next step. It is a no-op with a warning while a step
// is in flight or once the chunk is ready.
func (c *Chunk) Continue() {
	c.mu.Lock()
	state := c.state
	switch state {
	case ChunkIdle:
		c.state = ChunkDownloading
		c.lastErr = nil
		c.mu.Unlock()
		c.changed()
		go c.download()

	case ChunkDownloaded:
		c.state = ChunkImporting
		c.lastErr = nil
		raw := c.raw
		c.mu.Unlock()
		c.changed()
		go c.importAudio(raw)

	case ChunkImported:
		c.parked = false
		switch c.deps.lipSyncType {
		case repositories.LipSyncCustom:
			c.state = ChunkGeneratingLipSync
			c.mu.Unlock()
			c.changed()
			c.deps.handOff(c)
		case repositories.LipSyncAudio2Face:
			c.state = ChunkGeneratingLipSync
			raw, buffer := c.raw, c.buffer
			c.mu.Unlock()
			c.changed()
			go c.generate(raw, buffer)
		default:
			c.state = ChunkReadyForPlayback
			c.raw = nil
			c.mu.Unlock()
			c.changed()
		}

	default:
		c.mu.Unlock()
		c.deps.logger.Warn("Chunk cannot continue",
			zap.String("chunkID", c.ID),
			zap.Stringer("state", state))
	}
}

func (c *Chunk) download() {
	start := time.Now()
	data, err := c.deps.downloader.Download(c.ctx, c.URL)
	metrics.AudioChunkStepDuration.WithLabelValues("download").Observe(float64(time.Since(start).Milliseconds()))

	c.mu.Lock()
	if c.state == ChunkCleanedUp {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.state = ChunkIdle
		c.lastErr = fmt.Errorf("failed to download %s: %w", c.URL, err)
		c.mu.Unlock()
		metrics.AudioChunkFailuresTotal.WithLabelValues("download").Inc()
		c.deps.logger.Warn("Audio chunk download failed",
			zap.String("chunkID", c.ID),
			zap.String("url", c.URL),
			zap.Error(err))
		c.changed()
		return
	}
	c.raw = data
	c.state = ChunkDownloaded
	c.mu.Unlock()
	c.changed()
}

func (c *Chunk) importAudio(raw []byte) {
	start := time.Now()
	buffer, err := c.deps.importer.Import(c.ctx, raw)
	metrics.AudioChunkStepDuration.WithLabelValues("import").Observe(float64(time.Since(start).Milliseconds()))

	c.mu.Lock()
	if c.state == ChunkCleanedUp {
		c.mu.Unlock()
		if buffer != nil {
			buffer.Release()
		}
		return
	}
	if err != nil {
		c.state = ChunkDownloaded
		c.lastErr = fmt.Errorf("failed to import chunk %s: %w", c.ID, err)
		c.mu.Unlock()
		metrics.AudioChunkFailuresTotal.WithLabelValues("import").Inc()
		c.deps.logger.Warn("Audio chunk import failed", zap.String("chunkID", c.ID), zap.Error(err))
		c.changed()
		return
	}
	c.buffer = buffer
	c.state = ChunkImported
	c.mu.Unlock()
	c.changed()
}

func (c *Chunk) generate(raw []byte, buffer repositories.PlayableBuffer) {
	start := time.Now()
	data, err := c.deps.generator.Generate(c.ctx, raw, buffer)
	metrics.AudioChunkStepDuration.WithLabelValues("lipsync").Observe(float64(time.Since(start).Milliseconds()))

	c.mu.Lock()
	if c.state == ChunkCleanedUp {
		c.mu.Unlock()
		return
	}
	switch {
	case errors.Is(err, repositories.ErrLipSyncBusy):
		// The only backwards move: retry once the backend is free.
		c.state = ChunkImported
		c.parked = true
		c.mu.Unlock()
		metrics.LipSyncBusyTotal.Inc()
		c.deps.logger.Debug("Lip-sync backend busy, parking chunk", zap.String("chunkID", c.ID))
		c.changed()
		return
	case err != nil:
		c.lastErr = fmt.Errorf("failed to generate lip-sync for %s: %w", c.ID, err)
		metrics.AudioChunkFailuresTotal.WithLabelValues("lipsync").Inc()
		c.deps.logger.Warn("Lip-sync generation failed, playing without it",
			zap.String("chunkID", c.ID),
			zap.Error(err))
		data = nil
	}
	c.lipSync = data
	c.raw = nil
	c.state = ChunkReadyForPlayback
	c.mu.Unlock()
	c.changed()
}

// completeLipSync finishes an application-generated lip-sync step.
func (c *Chunk) completeLipSync(data *repositories.LipSyncData) error {
	c.mu.Lock()
	if c.state != ChunkGeneratingLipSync {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("chunk %s is %s, not generating lip-sync", c.ID, state)
	}
	c.lipSync = data
	c.raw = nil
	c.state = ChunkReadyForPlayback
	c.mu.Unlock()
	c.changed()
	return nil
}

// rawAndBuffer is used to hand the chunk to a custom lip-sync handler.
func (c *Chunk) rawAndBuffer() ([]byte, repositories.PlayableBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw, c.buffer
}

// Cleanup releases the chunk's buffers, even while a step is in flight. The
// result of that step is discarded when it lands.
func (c *Chunk) Cleanup() {
	c.mu.Lock()
	if c.state == ChunkCleanedUp {
		c.mu.Unlock()
		return
	}
	buffer := c.buffer
	c.state = ChunkCleanedUp
	c.raw = nil
	c.buffer = nil
	c.lipSync = nil
	c.mu.Unlock()

	if buffer != nil {
		buffer.Release()
	}
	c.changed()
}

func (c *Chunk) changed() {
	if c.onChange != nil {
		c.onChange(c)
	}
}
