package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/repositories"
	"github.com/satriahrh/voxlink/internal/metrics"
)

const (
	defaultInputSampleRate = 16000
	defaultInputChannels   = 1
	defaultInputBufferMs   = 200
	inputBitsPerSample     = 16
)

var ErrAlreadyStreaming = errors.New("audio input already streaming")

// AudioInputConfig configures the microphone stream socket.
type AudioInputConfig struct {
	Host               string
	Port               int
	SampleRate         int
	Channels           int
	BufferMilliseconds int
}

// audioStreamHeader is the first text frame on the audio input socket.
type audioStreamHeader struct {
	ContentType        string `json:"contentType"`
	SampleRate         int    `json:"sampleRate"`
	Channels           int    `json:"channels"`
	BitsPerSample      int    `json:"bitsPerSample"`
	BufferMilliseconds int    `json:"bufferMilliseconds"`
}

// AudioInputStream streams microphone PCM to the server on its own socket.
// Each Start runs one pump goroutine; Stop cancels it and waits for it to
// exit before releasing the capture device.
type AudioInputStream struct {
	cfg     AudioInputConfig
	capture repositories.AudioCapture
	dial    repositories.SocketFactory
	logger  *zap.Logger

	mu        sync.Mutex
	running   bool
	sessionID string
	socket    repositories.TransportSocket
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewAudioInputStream creates an idle stream.
func NewAudioInputStream(cfg AudioInputConfig, capture repositories.AudioCapture, dial repositories.SocketFactory, logger *zap.Logger) *AudioInputStream {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultInputSampleRate
		logger.Info("Using default input sample rate", zap.Int("sampleRate", cfg.SampleRate))
	}
	if cfg.Channels <= 0 {
		cfg.Channels = defaultInputChannels
		logger.Info("Using default input channels", zap.Int("channels", cfg.Channels))
	}
	if cfg.BufferMilliseconds <= 0 {
		cfg.BufferMilliseconds = defaultInputBufferMs
		logger.Info("Using default input buffer", zap.Int("bufferMilliseconds", cfg.BufferMilliseconds))
	}
	return &AudioInputStream{
		cfg:     cfg,
		capture: capture,
		dial:    dial,
		logger:  logger,
	}
}

// StreamURL returns the audio input endpoint for sessionID.
func (a *AudioInputStream) StreamURL(sessionID string) string {
	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port)),
		Path:     "/ws/audio/input/stream",
		RawQuery: url.Values{"sessionId": []string{sessionID}}.Encode(),
	}
	return u.String()
}

// Start connects, sends the stream header and begins pumping captured audio.
// An empty sessionID gets a fresh GUID.
func (a *AudioInputStream) Start(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAlreadyStreaming
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	sock := a.dial(a.StreamURL(sessionID), nil, repositories.SocketEvents{
		OnClosed: func(code int, reason string, clean bool) {
			if !clean {
				a.logger.Warn("Audio input socket closed",
					zap.String("sessionID", sessionID),
					zap.Int("code", code),
					zap.String("reason", reason))
			}
			cancel()
		},
	})

	if err := sock.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to connect audio input socket: %w", err)
	}

	header, err := json.Marshal(audioStreamHeader{
		ContentType:        "audio/wav",
		SampleRate:         a.cfg.SampleRate,
		Channels:           a.cfg.Channels,
		BitsPerSample:      inputBitsPerSample,
		BufferMilliseconds: a.cfg.BufferMilliseconds,
	})
	if err != nil {
		cancel()
		sock.Close(1000, "header encoding failed")
		return fmt.Errorf("failed to encode audio stream header: %w", err)
	}
	if err := sock.Send(string(header)); err != nil {
		cancel()
		sock.Close(1000, "header send failed")
		return fmt.Errorf("failed to send audio stream header: %w", err)
	}

	if err := a.capture.Initialize(a.cfg.SampleRate, a.cfg.Channels); err != nil {
		cancel()
		sock.Close(1000, "capture unavailable")
		return fmt.Errorf("failed to initialize audio capture: %w", err)
	}
	if err := a.capture.Start(); err != nil {
		cancel()
		sock.Close(1000, "capture unavailable")
		return fmt.Errorf("failed to start audio capture: %w", err)
	}
	if err := ctx.Err(); err != nil {
		cancel()
		a.capture.Stop()
		sock.Close(1000, "stream cancelled")
		return err
	}

	done := make(chan struct{})
	a.running = true
	a.sessionID = sessionID
	a.socket = sock
	a.cancel = cancel
	a.done = done

	go a.pump(streamCtx, sock, done)

	a.logger.Info("Audio input stream started",
		zap.String("sessionID", sessionID),
		zap.Int("sampleRate", a.cfg.SampleRate),
		zap.Int("channels", a.cfg.Channels))
	return nil
}

// Stop ends the stream and waits for the pump to exit. It is a no-op when not
// streaming.
func (a *AudioInputStream) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	cancel, done, sock, sessionID := a.cancel, a.done, a.socket, a.sessionID
	a.running = false
	a.socket = nil
	a.mu.Unlock()

	cancel()
	<-done

	var errs []error
	if err := a.capture.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop audio capture: %w", err))
	}
	if err := sock.Close(1000, "stream stopped"); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("Audio input stream stopped", zap.String("sessionID", sessionID))
	return errors.Join(errs...)
}

// Streaming reports whether a stream is active.
func (a *AudioInputStream) Streaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// SessionID returns the id of the current or last stream.
func (a *AudioInputStream) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *AudioInputStream) pump(ctx context.Context, sock repositories.TransportSocket, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Duration(a.cfg.BufferMilliseconds) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := a.capture.Poll()
			if err != nil {
				a.logger.Error("Failed to read captured audio", zap.Error(err))
				return
			}
			if len(data) == 0 {
				continue
			}
			if err := sock.SendBinary(data); err != nil {
				a.logger.Warn("Failed to send audio frame", zap.Error(err))
				return
			}
			metrics.AudioInputBytesTotal.Add(float64(len(data)))
		}
	}
}
