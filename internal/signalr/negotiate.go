package signalr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const maxNegotiateRedirects = 100

// ErrTooManyRedirects is returned when the negotiate endpoint keeps
// redirecting.
var ErrTooManyRedirects = errors.New("negotiate exceeded redirect limit")

// NegotiateResponse is the body returned by POST {base}/negotiate.
// Redirect responses set URL (and optionally AccessToken) instead of a
// connection id.
type NegotiateResponse struct {
	ConnectionID        string                 `json:"connectionId"`
	ConnectionToken     string                 `json:"connectionToken"`
	NegotiateVersion    int                    `json:"negotiateVersion"`
	AvailableTransports []TransportDescription `json:"availableTransports"`
	URL                 string                 `json:"url"`
	AccessToken         string                 `json:"accessToken"`
	Error               string                 `json:"error"`
}

type TransportDescription struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// SupportsWebSockets reports whether the server offers the WebSockets
// transport. An empty transport list is treated as yes.
func (r NegotiateResponse) SupportsWebSockets() bool {
	if len(r.AvailableTransports) == 0 {
		return true
	}
	for _, t := range r.AvailableTransports {
		if strings.EqualFold(t.Transport, "WebSockets") {
			return true
		}
	}
	return false
}

// Negotiator performs the HTTP negotiate exchange.
type Negotiator struct {
	client *http.Client
	logger *zap.Logger
}

// NewNegotiator creates a negotiator. A nil client uses http.DefaultClient.
func NewNegotiator(client *http.Client, logger *zap.Logger) *Negotiator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Negotiator{client: client, logger: logger}
}

// Negotiate follows redirects until the server hands out a connection, and
// returns the websocket URL to dial plus the bearer token to use on it.
func (n *Negotiator) Negotiate(ctx context.Context, baseURL, accessToken string) (string, string, error) {
	current := baseURL
	token := accessToken

	for i := 0; i < maxNegotiateRedirects; i++ {
		resp, err := n.negotiateOnce(ctx, current, token)
		if err != nil {
			return "", "", err
		}

		if resp.URL != "" {
			n.logger.Info("Negotiate redirected",
				zap.String("from", current),
				zap.String("to", resp.URL),
			)
			current = resp.URL
			if resp.AccessToken != "" {
				token = resp.AccessToken
			}
			continue
		}

		if !resp.SupportsWebSockets() {
			return "", "", fmt.Errorf("server at %s does not offer WebSockets transport", current)
		}

		id := resp.ConnectionToken
		if resp.NegotiateVersion == 0 || id == "" {
			id = resp.ConnectionID
		}

		wsURL, err := WebSocketURL(current, id, token)
		if err != nil {
			return "", "", err
		}
		return wsURL, token, nil
	}

	return "", "", ErrTooManyRedirects
}

func (n *Negotiator) negotiateOnce(ctx context.Context, baseURL, token string) (NegotiateResponse, error) {
	negotiateURL, err := NegotiateURL(baseURL)
	if err != nil {
		return NegotiateResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, negotiateURL, nil)
	if err != nil {
		return NegotiateResponse{}, fmt.Errorf("failed to create negotiate request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	n.logger.Debug("Sending negotiate request", zap.String("url", negotiateURL))

	resp, err := n.client.Do(req)
	if err != nil {
		return NegotiateResponse{}, fmt.Errorf("failed to send negotiate request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NegotiateResponse{}, fmt.Errorf("failed to read negotiate response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return NegotiateResponse{}, fmt.Errorf("negotiate returned status %d: %s", resp.StatusCode, string(body))
	}

	var out NegotiateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return NegotiateResponse{}, fmt.Errorf("failed to parse negotiate response: %w", err)
	}
	if out.Error != "" {
		return NegotiateResponse{}, fmt.Errorf("negotiate rejected: %s", out.Error)
	}
	return out, nil
}

// NegotiateURL appends /negotiate to the hub path and sets negotiateVersion=1,
// keeping any existing query parameters.
func NegotiateURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid hub url %q: %w", baseURL, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WebSocketURL derives the ws(s) URL from an http(s) hub URL. id and token are
// added as query parameters when set.
func WebSocketURL(baseURL, id, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid hub url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}

	q := u.Query()
	if id != "" {
		q.Set("id", id)
	}
	if token != "" {
		q.Set("access_token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
