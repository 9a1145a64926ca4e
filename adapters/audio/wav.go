package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/satriahrh/voxlink/domain/repositories"
)

const wavFormatPCM = 1

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Buffer is decoded PCM audio.
type Buffer struct {
	format repositories.AudioFormat

	mu       sync.Mutex
	pcm      []byte
	released bool
}

// NewBuffer wraps raw PCM in format.
func NewBuffer(format repositories.AudioFormat, pcm []byte) *Buffer {
	return &Buffer{format: format, pcm: pcm}
}

func (b *Buffer) Format() repositories.AudioFormat { return b.format }

func (b *Buffer) PCM() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pcm
}

func (b *Buffer) Duration() time.Duration {
	rate := b.format.BytesPerSecond()
	if rate == 0 {
		return 0
	}
	b.mu.Lock()
	n := len(b.pcm)
	b.mu.Unlock()
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// Release drops the PCM data. It is safe to call more than once.
func (b *Buffer) Release() {
	b.mu.Lock()
	b.pcm = nil
	b.released = true
	b.mu.Unlock()
}

// Released reports whether Release was called.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// WAVImporter decodes RIFF/WAVE PCM files.
type WAVImporter struct{}

// NewWAVImporter creates an importer for PCM WAV data.
func NewWAVImporter() *WAVImporter {
	return &WAVImporter{}
}

// Import implements repositories.AudioImporter
func (WAVImporter) Import(ctx context.Context, data []byte) (repositories.PlayableBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, pcm, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	return NewBuffer(format, pcm), nil
}

// DecodeWAV returns the format and PCM payload of a WAV file.
func DecodeWAV(data []byte) (repositories.AudioFormat, []byte, error) {
	var format repositories.AudioFormat

	r := bytes.NewReader(data)
	var header struct {
		RIFF [4]byte
		Size uint32
		WAVE [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return format, nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(header.RIFF[:]) != "RIFF" || string(header.WAVE[:]) != "WAVE" {
		return format, nil, fmt.Errorf("%w: not a WAV file", ErrUnsupportedFormat)
	}

	var haveFormat bool
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return format, nil, errors.New("WAV file has no data chunk")
			}
			return format, nil, fmt.Errorf("failed to read WAV chunk: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			var fmtChunk struct {
				AudioFormat   uint16
				Channels      uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if chunk.Size < 16 {
				return format, nil, errors.New("WAV fmt chunk too short")
			}
			if err := binary.Read(r, binary.LittleEndian, &fmtChunk); err != nil {
				return format, nil, fmt.Errorf("failed to read WAV fmt chunk: %w", err)
			}
			if fmtChunk.AudioFormat != wavFormatPCM {
				return format, nil, fmt.Errorf("%w: WAV encoding %d", ErrUnsupportedFormat, fmtChunk.AudioFormat)
			}
			format = repositories.AudioFormat{
				SampleRate:    int(fmtChunk.SampleRate),
				Channels:      int(fmtChunk.Channels),
				BitsPerSample: int(fmtChunk.BitsPerSample),
			}
			haveFormat = true
			if _, err := r.Seek(int64(chunk.Size-16)+int64(chunk.Size&1), io.SeekCurrent); err != nil {
				return format, nil, fmt.Errorf("failed to skip WAV fmt extension: %w", err)
			}
		case "data":
			if !haveFormat {
				return format, nil, errors.New("WAV data chunk before fmt chunk")
			}
			size := int(chunk.Size)
			if remaining := r.Len(); size > remaining {
				size = remaining
			}
			pcm := make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return format, nil, fmt.Errorf("failed to read WAV data: %w", err)
			}
			return format, pcm, nil
		default:
			if _, err := r.Seek(int64(chunk.Size)+int64(chunk.Size&1), io.SeekCurrent); err != nil {
				return format, nil, fmt.Errorf("failed to skip WAV chunk: %w", err)
			}
		}
	}
}

// EncodeWAV wraps pcm in a RIFF/WAVE container.
func EncodeWAV(format repositories.AudioFormat, pcm []byte) []byte {
	var buf bytes.Buffer
	blockAlign := format.Channels * format.BitsPerSample / 8

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	binary.Write(&buf, binary.LittleEndian, uint16(format.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(format.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(format.BytesPerSecond()))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(format.BitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
