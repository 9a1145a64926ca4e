package audio

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxlink/domain/repositories"
)

var testFormat = repositories.AudioFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

func TestWAVRoundTrip(t *testing.T) {
	pcm := bytes.Repeat([]byte{1, 2}, 8000)
	data := EncodeWAV(testFormat, pcm)

	buffer, err := NewWAVImporter().Import(context.Background(), data)
	require.NoError(t, err)

	assert.Equal(t, testFormat, buffer.Format())
	assert.Equal(t, pcm, buffer.PCM())
	if buffer.Duration() != 500*time.Millisecond {
		t.Errorf("Expected duration 500ms, got %v", buffer.Duration())
	}

	buffer.Release()
	assert.Nil(t, buffer.PCM())
	assert.True(t, buffer.(*Buffer).Released())
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	plain := EncodeWAV(testFormat, pcm)

	// Insert an odd-sized LIST chunk between fmt and data.
	var data bytes.Buffer
	data.Write(plain[:36])
	data.WriteString("LIST")
	data.Write([]byte{3, 0, 0, 0, 'a', 'b', 'c', 0})
	data.Write(plain[36:])

	format, got, err := DecodeWAV(data.Bytes())
	require.NoError(t, err)
	assert.Equal(t, testFormat, format)
	assert.Equal(t, pcm, got)
}

func TestDecodeWAVRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("ID3\x03\x00\x00\x00\x00\x00\x00\x00\x00")},
		{"no data", EncodeWAV(testFormat, nil)[:36]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Errorf("Expected error for %s input", tt.name)
			}
		})
	}

	notPCM := EncodeWAV(testFormat, []byte{0, 0})
	notPCM[20] = 3 // IEEE float
	_, _, err := DecodeWAV(notPCM)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestHTTPDownloader(t *testing.T) {
	body := EncodeWAV(testFormat, []byte{0, 0})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			w.Write(body)
		case "/empty":
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewHTTPDownloader(nil, "secret", zaptest.NewLogger(t))

	data, err := d.Download(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, body, data)

	_, err = d.Download(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)

	_, err = d.Download(context.Background(), srv.URL+"/empty")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Download(ctx, srv.URL+"/ok")
	assert.Error(t, err)
}

func TestTimedPlayer(t *testing.T) {
	var sink bytes.Buffer
	player := NewTimedPlayer(&sink, 10, zaptest.NewLogger(t))
	buffer := NewBuffer(testFormat, make([]byte, 3200)) // 100ms

	start := time.Now()
	err := player.Play(context.Background(), buffer, &repositories.LipSyncData{Type: repositories.LipSyncCustom})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 3200, sink.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewTimedPlayer(nil, 0, zaptest.NewLogger(t))
	err = slow.Play(ctx, NewBuffer(testFormat, make([]byte, 32000)), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPCMCapturePacesOutput(t *testing.T) {
	source := bytes.Repeat([]byte{7, 0}, 1600) // 100ms at 16kHz mono
	path := filepath.Join(t.TempDir(), "input.wav")
	require.NoError(t, os.WriteFile(path, EncodeWAV(testFormat, source), 0o644))

	capture, err := NewWAVFileCapture(path)
	require.NoError(t, err)

	clock := time.Unix(0, 0)
	capture.now = func() time.Time { return clock }

	_, err = capture.Poll()
	assert.ErrorIs(t, err, ErrCaptureNotStarted)

	assert.Error(t, capture.Initialize(48000, 1))
	require.NoError(t, capture.Initialize(16000, 1))
	require.NoError(t, capture.Start())

	data, err := capture.Poll()
	require.NoError(t, err)
	assert.Empty(t, data)

	clock = clock.Add(50 * time.Millisecond)
	data, err = capture.Poll()
	require.NoError(t, err)
	assert.Equal(t, source[:1600], data)

	// Past the end of the file the capture yields silence.
	clock = clock.Add(100 * time.Millisecond)
	data, err = capture.Poll()
	require.NoError(t, err)
	require.Len(t, data, 3200)
	assert.Equal(t, source[1600:], data[:1600])
	assert.Equal(t, make([]byte, 1600), data[1600:])

	require.NoError(t, capture.Stop())
	_, err = capture.Poll()
	assert.ErrorIs(t, err, ErrCaptureNotStarted)
}

func TestSilenceCapture(t *testing.T) {
	capture := NewSilenceCapture()
	assert.Error(t, capture.Start())

	require.NoError(t, capture.Initialize(16000, 2))
	require.NoError(t, capture.Start())

	clock := capture.lastPoll
	capture.now = func() time.Time { return clock.Add(10 * time.Millisecond) }

	data, err := capture.Poll()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 640), data)
}
