package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxlink/domain/repositories"
)

type fakeBuffer struct {
	url      string
	released atomic.Bool
}

func (b *fakeBuffer) Format() repositories.AudioFormat {
	return repositories.AudioFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}
func (b *fakeBuffer) Duration() time.Duration { return time.Millisecond }
func (b *fakeBuffer) PCM() []byte             { return []byte(b.url) }
func (b *fakeBuffer) Release()                { b.released.Store(true) }

// fakeDownloader returns the url as the audio bytes after a per-url delay.
type fakeDownloader struct {
	delays map[string]time.Duration
	fails  map[string]int

	mu    sync.Mutex
	calls map[string]int
}

func (d *fakeDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[url]++
	call := d.calls[url]
	d.mu.Unlock()

	select {
	case <-time.After(d.delays[url]):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if call <= d.fails[url] {
		return nil, errors.New("404 not found")
	}
	return []byte(url), nil
}

func (d *fakeDownloader) Calls(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[url]
}

type fakeImporter struct {
	mu      sync.Mutex
	buffers []*fakeBuffer
}

func (i *fakeImporter) Import(_ context.Context, data []byte) (repositories.PlayableBuffer, error) {
	b := &fakeBuffer{url: string(data)}
	i.mu.Lock()
	i.buffers = append(i.buffers, b)
	i.mu.Unlock()
	return b, nil
}

// recordingPlayer records the order chunks were played in and whether each
// chunk was ready when playback started.
type recordingPlayer struct {
	mu     sync.Mutex
	played []string
}

func (p *recordingPlayer) Play(_ context.Context, buffer repositories.PlayableBuffer, _ *repositories.LipSyncData) error {
	p.mu.Lock()
	p.played = append(p.played, string(buffer.PCM()))
	p.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return nil
}

func (p *recordingPlayer) Played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

// busyGenerator reports busy for the first n calls.
type busyGenerator struct {
	busy  atomic.Int32
	calls atomic.Int32
}

func (g *busyGenerator) Type() repositories.LipSyncType { return repositories.LipSyncAudio2Face }

func (g *busyGenerator) Generate(context.Context, []byte, repositories.PlayableBuffer) (*repositories.LipSyncData, error) {
	g.calls.Add(1)
	if g.busy.Add(-1) >= 0 {
		return nil, repositories.ErrLipSyncBusy
	}
	return &repositories.LipSyncData{Type: repositories.LipSyncAudio2Face, FPS: 30}, nil
}

func TestPlaybackOrderIndependentOfPreparationOrder(t *testing.T) {
	urls := []string{"/a/0.wav", "/a/1.wav", "/a/2.wav"}
	downloader := &fakeDownloader{delays: map[string]time.Duration{
		urls[0]: 60 * time.Millisecond,
		urls[1]: 30 * time.Millisecond,
		urls[2]: 0,
	}}

	msg := NewMessageAudio("m1", urls, Config{Downloader: downloader, Importer: &fakeImporter{}}, zaptest.NewLogger(t))

	var mu sync.Mutex
	var readyOrder []int
	msg.OnChunkReady(func(c *Chunk) {
		mu.Lock()
		readyOrder = append(readyOrder, c.Index)
		mu.Unlock()
	})

	player := &recordingPlayer{}
	require.NoError(t, msg.Play(context.Background(), player))

	if got := player.Played(); len(got) != 3 || got[0] != urls[0] || got[1] != urls[1] || got[2] != urls[2] {
		t.Errorf("Expected playback order %v, got %v", urls, got)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, readyOrder, 3)
	assert.Equal(t, 2, readyOrder[0], "the fastest download should be ready first")
}

func TestPlaybackPipelinesPreparation(t *testing.T) {
	urls := []string{"/p/0.wav", "/p/1.wav"}
	downloader := &fakeDownloader{}
	msg := NewMessageAudio("m1", urls, Config{Downloader: downloader, Importer: &fakeImporter{}}, zaptest.NewLogger(t))

	msg.Prepare()

	require.Eventually(t, func() bool {
		return msg.Chunks()[1].State() == ChunkReadyForPlayback
	}, time.Second, 5*time.Millisecond, "second chunk should be prepared before playback starts")
	msg.Cleanup()
}

func TestChunkContinueWhileBusyIsNoop(t *testing.T) {
	block := make(chan struct{})
	downloader := blockingDownloader(block)
	msg := NewMessageAudio("m1", []string{"/x.wav"}, Config{Downloader: downloader, Importer: &fakeImporter{}}, zaptest.NewLogger(t))
	chunk := msg.Chunks()[0]

	chunk.Continue()
	if chunk.State() != ChunkDownloading {
		t.Fatalf("Expected Downloading, got %s", chunk.State())
	}

	chunk.Continue()
	if chunk.State() != ChunkDownloading {
		t.Errorf("Expected Continue while busy to be a no-op, got %s", chunk.State())
	}

	close(block)
	require.Eventually(t, func() bool { return chunk.State() == ChunkReadyForPlayback }, time.Second, 5*time.Millisecond)

	chunk.Continue()
	if chunk.State() != ChunkReadyForPlayback {
		t.Errorf("Expected Continue when ready to be a no-op, got %s", chunk.State())
	}
	msg.Cleanup()
}

type blockingDownloader chan struct{}

func (b blockingDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	select {
	case <-b:
		return []byte(url), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestDownloadFailureRetriesThenSkips(t *testing.T) {
	urls := []string{"/f/0.wav", "/f/1.wav"}
	downloader := &fakeDownloader{fails: map[string]int{urls[0]: 100}}
	cfg := Config{Downloader: downloader, Importer: &fakeImporter{}, RetryDelay: time.Millisecond, MaxAttempts: 2}
	msg := NewMessageAudio("m1", urls, cfg, zaptest.NewLogger(t))

	player := &recordingPlayer{}
	require.NoError(t, msg.Play(context.Background(), player))

	assert.Equal(t, []string{urls[1]}, player.Played())
	assert.Equal(t, 2, downloader.Calls(urls[0]))
	assert.Equal(t, ChunkIdle, msg.Chunks()[0].State())
}

func TestDownloadFailureRecovers(t *testing.T) {
	urls := []string{"/r/0.wav"}
	downloader := &fakeDownloader{fails: map[string]int{urls[0]: 1}}
	cfg := Config{Downloader: downloader, Importer: &fakeImporter{}, RetryDelay: time.Millisecond}
	msg := NewMessageAudio("m1", urls, cfg, zaptest.NewLogger(t))

	player := &recordingPlayer{}
	require.NoError(t, msg.Play(context.Background(), player))
	assert.Equal(t, urls, player.Played())
}

func TestLipSyncBusyParksChunk(t *testing.T) {
	generator := &busyGenerator{}
	generator.busy.Store(2)
	cfg := Config{
		Downloader:  &fakeDownloader{},
		Importer:    &fakeImporter{},
		LipSyncType: repositories.LipSyncAudio2Face,
		Generator:   generator,
		RetryDelay:  time.Millisecond,
	}
	msg := NewMessageAudio("m1", []string{"/l/0.wav"}, cfg, zaptest.NewLogger(t))

	require.NoError(t, msg.Play(context.Background(), &recordingPlayer{}))

	if generator.calls.Load() != 3 {
		t.Errorf("Expected 3 generate calls, got %d", generator.calls.Load())
	}
	_, lipSync := msg.Chunks()[0].Buffer()
	require.NotNil(t, lipSync)
	assert.Equal(t, repositories.LipSyncAudio2Face, lipSync.Type)
}

func TestCustomLipSyncOrder(t *testing.T) {
	var mu sync.Mutex
	var handed []string
	cfg := Config{
		Downloader: &fakeDownloader{delays: map[string]time.Duration{
			"/c/0.wav": 80 * time.Millisecond,
			"/c/1.wav": 0,
			"/c/2.wav": 20 * time.Millisecond,
		}},
		Importer:    &fakeImporter{},
		LipSyncType: repositories.LipSyncCustom,
		CustomHandler: func(chunkID string, raw []byte, buffer repositories.PlayableBuffer) {
			mu.Lock()
			handed = append(handed, chunkID)
			mu.Unlock()
		},
	}
	msg := NewMessageAudio("m1", []string{"/c/0.wav", "/c/1.wav", "/c/2.wav"}, cfg, zaptest.NewLogger(t))
	msg.Prepare()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handed) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	got := append([]string(nil), handed...)
	mu.Unlock()
	assert.Equal(t, []string{"m1/0", "m1/1", "m1/2"}, got, "chunks are handed out in index order")

	err := msg.MarkCustomLipSyncComplete("m1/1", nil)
	assert.True(t, errors.Is(err, ErrOutOfOrder), "expected ErrOutOfOrder, got %v", err)

	require.NoError(t, msg.MarkCustomLipSyncComplete("m1/0", &repositories.LipSyncData{Type: repositories.LipSyncCustom}))
	require.NoError(t, msg.MarkCustomLipSyncComplete("m1/1", nil))
	require.NoError(t, msg.MarkCustomLipSyncComplete("m1/2", nil))

	player := &recordingPlayer{}
	require.NoError(t, msg.Play(context.Background(), player))
	assert.Equal(t, []string{"/c/0.wav", "/c/1.wav", "/c/2.wav"}, player.Played())
}

func TestCustomLipSyncSkipsFailedChunk(t *testing.T) {
	var mu sync.Mutex
	var handed []string
	cfg := Config{
		Downloader:  &fakeDownloader{fails: map[string]int{"/f/0.wav": 10}},
		Importer:    &fakeImporter{},
		LipSyncType: repositories.LipSyncCustom,
		RetryDelay:  time.Millisecond,
		MaxAttempts: 2,
		CustomHandler: func(chunkID string, raw []byte, buffer repositories.PlayableBuffer) {
			mu.Lock()
			handed = append(handed, chunkID)
			mu.Unlock()
		},
	}
	msg := NewMessageAudio("m1", []string{"/f/0.wav", "/f/1.wav"}, cfg, zaptest.NewLogger(t))
	msg.Prepare()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handed) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"m1/1"}, handed)
	mu.Unlock()
	require.NoError(t, msg.MarkCustomLipSyncComplete("m1/1", nil))
}

func TestCleanupReleasesBuffers(t *testing.T) {
	importer := &fakeImporter{}
	msg := NewMessageAudio("m1", []string{"/k/0.wav", "/k/1.wav"}, Config{Downloader: &fakeDownloader{}, Importer: importer}, zaptest.NewLogger(t))
	msg.Prepare()

	require.Eventually(t, func() bool {
		return msg.Chunks()[1].State() == ChunkReadyForPlayback && msg.Chunks()[0].State() == ChunkReadyForPlayback
	}, time.Second, 5*time.Millisecond)

	msg.Cleanup()

	for _, c := range msg.Chunks() {
		if c.State() != ChunkCleanedUp {
			t.Errorf("Expected chunk %s to be cleaned up, got %s", c.ID, c.State())
		}
	}
	importer.mu.Lock()
	defer importer.mu.Unlock()
	for _, b := range importer.buffers {
		if !b.released.Load() {
			t.Errorf("Expected buffer %s to be released", b.url)
		}
	}

	err := msg.Play(context.Background(), &recordingPlayer{})
	assert.True(t, errors.Is(err, ErrCleanedUp))
}

func TestCleanupWhileDownloading(t *testing.T) {
	block := make(chan struct{})
	msg := NewMessageAudio("m1", []string{"/d/0.wav"}, Config{Downloader: blockingDownloader(block), Importer: &fakeImporter{}}, zaptest.NewLogger(t))
	msg.Prepare()
	msg.Cleanup()

	if state := msg.Chunks()[0].State(); state != ChunkCleanedUp {
		t.Errorf("Expected CleanedUp, got %s", state)
	}
}

func TestQueuePlaysMessagesInOrder(t *testing.T) {
	downloader := &fakeDownloader{delays: map[string]time.Duration{"/q1/0.wav": 40 * time.Millisecond}}
	player := &recordingPlayer{}

	completed := make(chan string, 4)
	queue := NewQueue(Config{Downloader: downloader, Importer: &fakeImporter{}}, player, func(id string) {
		completed <- id
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	queue.Enqueue("q1", []string{"/q1/0.wav"})
	queue.Enqueue("q2", []string{"/q2/0.wav", "/q2/1.wav"})
	queue.Enqueue("q3", nil)

	for _, want := range []string{"q1", "q2", "q3"} {
		select {
		case got := <-completed:
			if got != want {
				t.Errorf("Expected %s to complete, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for %s", want)
		}
	}

	assert.Equal(t, []string{"/q1/0.wav", "/q2/0.wav", "/q2/1.wav"}, player.Played())
}

func TestQueueClearDropsMessages(t *testing.T) {
	block := make(chan struct{})
	completed := make(chan string, 2)
	queue := NewQueue(Config{Downloader: blockingDownloader(block), Importer: &fakeImporter{}}, &recordingPlayer{}, func(id string) {
		completed <- id
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	queue.Enqueue("a", []string{"/a.wav"})
	queue.Enqueue("b", []string{"/b.wav"})
	require.Eventually(t, func() bool { return queue.Len() == 1 }, time.Second, 5*time.Millisecond)

	queue.Clear()
	assert.Equal(t, 0, queue.Len())

	select {
	case id := <-completed:
		t.Errorf("Expected no completion after clear, got %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

// slowPlayer holds each chunk for delay or until ctx is done.
type slowPlayer struct {
	delay   time.Duration
	started chan struct{}
	aborted atomic.Bool
}

func (p *slowPlayer) Play(ctx context.Context, _ repositories.PlayableBuffer, _ *repositories.LipSyncData) error {
	select {
	case p.started <- struct{}{}:
	default:
	}
	select {
	case <-time.After(p.delay):
		return nil
	case <-ctx.Done():
		p.aborted.Store(true)
		return ctx.Err()
	}
}

func TestQueueClearAbortsPlayingMessage(t *testing.T) {
	player := &slowPlayer{delay: 300 * time.Millisecond, started: make(chan struct{}, 1)}
	var completions atomic.Int32
	queue := NewQueue(Config{Downloader: &fakeDownloader{}, Importer: &fakeImporter{}}, player, func(string) {
		completions.Add(1)
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	queue.Enqueue("old-msg", []string{"/old.wav"})
	select {
	case <-player.started:
	case <-time.After(time.Second):
		t.Fatal("Expected playback to start")
	}

	queue.Clear()

	require.Eventually(t, player.aborted.Load, time.Second, 5*time.Millisecond)
	time.Sleep(350 * time.Millisecond)
	if n := completions.Load(); n != 0 {
		t.Errorf("Expected no completion for a cleared message, got %d", n)
	}
}
