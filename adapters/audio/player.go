package audio

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/repositories"
)

// TimedPlayer "plays" a buffer by holding for its duration, optionally
// copying the PCM to a sink such as a pipe into an external audio device.
// It keeps reply pacing realistic on hosts without an audio device.
type TimedPlayer struct {
	sink   io.Writer
	speed  float64
	logger *zap.Logger
}

// NewTimedPlayer creates a player. sink may be nil. speed scales the hold
// time; values <= 0 mean real time.
func NewTimedPlayer(sink io.Writer, speed float64, logger *zap.Logger) *TimedPlayer {
	if speed <= 0 {
		speed = 1
	}
	return &TimedPlayer{sink: sink, speed: speed, logger: logger}
}

// Play implements repositories.AudioPlayer
func (p *TimedPlayer) Play(ctx context.Context, buffer repositories.PlayableBuffer, lipSync *repositories.LipSyncData) error {
	duration := buffer.Duration()
	fields := []zap.Field{zap.Duration("duration", duration)}
	if lipSync != nil {
		fields = append(fields,
			zap.String("lipSync", string(lipSync.Type)),
			zap.Int("frames", len(lipSync.Frames)))
	}
	p.logger.Debug("Playing audio chunk", fields...)

	if p.sink != nil {
		if _, err := p.sink.Write(buffer.PCM()); err != nil {
			return err
		}
	}

	timer := time.NewTimer(time.Duration(float64(duration) / p.speed))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
