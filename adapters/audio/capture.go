package audio

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/satriahrh/voxlink/domain/repositories"
)

const captureBitsPerSample = 16

var ErrCaptureNotStarted = errors.New("capture not started")

// PCMCapture replays PCM as if it came from a microphone: each Poll returns
// the bytes that would have been recorded since the previous call. Once the
// source is exhausted it produces silence.
type PCMCapture struct {
	source []byte
	format repositories.AudioFormat
	now    func() time.Time

	mu       sync.Mutex
	started  bool
	lastPoll time.Time
	offset   int
}

// NewSilenceCapture creates a capture that only ever produces silence.
func NewSilenceCapture() *PCMCapture {
	return &PCMCapture{now: time.Now}
}

// NewWAVFileCapture loads a 16-bit PCM WAV file to stream as microphone
// input. The file's sample rate and channels must match the stream.
func NewWAVFileCapture(path string) (*PCMCapture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	format, pcm, err := DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if format.BitsPerSample != captureBitsPerSample {
		return nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, format.BitsPerSample)
	}
	return &PCMCapture{source: pcm, format: format, now: time.Now}, nil
}

// Initialize implements repositories.AudioCapture
func (c *PCMCapture) Initialize(sampleRate, channels int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.source != nil && (c.format.SampleRate != sampleRate || c.format.Channels != channels) {
		return fmt.Errorf("%w: source is %d Hz %d channels, stream wants %d Hz %d channels",
			ErrUnsupportedFormat, c.format.SampleRate, c.format.Channels, sampleRate, channels)
	}
	c.format = repositories.AudioFormat{
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: captureBitsPerSample,
	}
	return nil
}

// Start implements repositories.AudioCapture. Each start replays the source
// from the beginning.
func (c *PCMCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.format.BytesPerSecond() == 0 {
		return errors.New("capture not initialized")
	}
	c.started = true
	c.offset = 0
	c.lastPoll = c.now()
	return nil
}

// Stop implements repositories.AudioCapture
func (c *PCMCapture) Stop() error {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return nil
}

// Poll implements repositories.AudioCapture
func (c *PCMCapture) Poll() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil, ErrCaptureNotStarted
	}

	now := c.now()
	elapsed := now.Sub(c.lastPoll)
	blockAlign := c.format.Channels * c.format.BitsPerSample / 8
	n := int(elapsed * time.Duration(c.format.BytesPerSecond()) / time.Second)
	n -= n % blockAlign
	if n <= 0 {
		return nil, nil
	}
	c.lastPoll = c.lastPoll.Add(time.Duration(n) * time.Second / time.Duration(c.format.BytesPerSecond()))

	out := make([]byte, n)
	if c.offset < len(c.source) {
		c.offset += copy(out, c.source[c.offset:])
	}
	return out, nil
}
