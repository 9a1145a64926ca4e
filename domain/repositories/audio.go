package repositories

import (
	"context"
	"errors"
	"time"
)

// ErrLipSyncBusy means the shared lip-sync backend is serving another chunk.
// The caller should retry later.
var ErrLipSyncBusy = errors.New("lip-sync backend busy")

// AudioFormat describes PCM sample layout.
type AudioFormat struct {
	SampleRate    int `json:"sampleRate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bitsPerSample"`
}

// BytesPerSecond returns the PCM byte rate of f.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// AudioCapture abstracts the microphone.
type AudioCapture interface {
	Initialize(sampleRate, channels int) error
	Start() error
	Stop() error
	// Poll returns whatever PCM was captured since the last call.
	Poll() ([]byte, error)
}

// PlayableBuffer is decoded audio ready for a player.
type PlayableBuffer interface {
	Format() AudioFormat
	Duration() time.Duration
	PCM() []byte
	Release()
}

// AudioDownloader fetches a chunk's raw audio bytes.
type AudioDownloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// AudioImporter decodes raw audio into a playable buffer.
type AudioImporter interface {
	Import(ctx context.Context, data []byte) (PlayableBuffer, error)
}

// AudioPlayer plays a buffer and returns once playback has finished.
type AudioPlayer interface {
	Play(ctx context.Context, buffer PlayableBuffer, lipSync *LipSyncData) error
}

// LipSyncType selects how lip-sync data is produced for a chunk.
type LipSyncType string

const (
	LipSyncNone       LipSyncType = "none"
	LipSyncCustom     LipSyncType = "custom"
	LipSyncAudio2Face LipSyncType = "audio2face"
)

// LipSyncData holds per-frame blendshape weights aligned to a chunk's audio.
type LipSyncData struct {
	Type   LipSyncType `json:"type"`
	FPS    float64     `json:"fps"`
	Names  []string    `json:"names"`
	Frames [][]float64 `json:"frames"`
}

// LipSyncGenerator produces lip-sync data from raw audio. Implementations
// backed by a single shared service return ErrLipSyncBusy instead of
// queueing.
type LipSyncGenerator interface {
	Type() LipSyncType
	Generate(ctx context.Context, raw []byte, buffer PlayableBuffer) (*LipSyncData, error)
}

// CustomLipSyncHandler receives chunks when lip-sync is produced by the
// application. It must answer through the owning message's
// MarkCustomLipSyncComplete, in the order chunks were handed out.
type CustomLipSyncHandler func(chunkID string, raw []byte, buffer PlayableBuffer)
