package signalr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrIncompleteHandshake means the buffer does not yet hold a full handshake
// record; the caller should wait for more data.
var ErrIncompleteHandshake = errors.New("incomplete handshake response")

// HandshakeRequest is the first record a client sends on a fresh socket.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse is the server's answer; a non-empty Error rejects the
// connection.
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// CreateHandshakeMessage encodes the handshake request record.
func CreateHandshakeMessage(protocol string, version int) (string, error) {
	data, err := json.Marshal(HandshakeRequest{Protocol: protocol, Version: version})
	if err != nil {
		return "", fmt.Errorf("failed to encode handshake: %w", err)
	}
	return string(data) + string(RecordSeparator), nil
}

// ParseHandshakeResponse reads the handshake record at the head of data and
// returns whatever follows it. The remainder may already hold hub messages.
func ParseHandshakeResponse(data string) (HandshakeResponse, string, error) {
	idx := strings.IndexByte(data, RecordSeparator)
	if idx < 0 {
		return HandshakeResponse{}, data, ErrIncompleteHandshake
	}

	var resp HandshakeResponse
	if err := json.Unmarshal([]byte(data[:idx]), &resp); err != nil {
		return HandshakeResponse{}, data[idx+1:], fmt.Errorf("invalid handshake response: %w", err)
	}
	return resp, data[idx+1:], nil
}
