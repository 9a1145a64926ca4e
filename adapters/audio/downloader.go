package audio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDownloadTimeout = 30 * time.Second
	maxChunkBytes          = 32 << 20
)

// HTTPDownloader fetches reply audio from the Voxta server.
type HTTPDownloader struct {
	client *http.Client
	token  string
	logger *zap.Logger
}

// NewHTTPDownloader creates a downloader. A non-empty token is sent as a
// bearer credential.
func NewHTTPDownloader(client *http.Client, token string, logger *zap.Logger) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: defaultDownloadTimeout}
	}
	return &HTTPDownloader{client: client, token: token, logger: logger}
}

// Download implements repositories.AudioDownloader
func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching audio", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxChunkBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio body: %w", err)
	}
	if len(data) > maxChunkBytes {
		return nil, fmt.Errorf("audio chunk exceeds %d bytes", maxChunkBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty audio body")
	}

	d.logger.Debug("Audio chunk downloaded",
		zap.String("url", url),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))
	return data, nil
}
