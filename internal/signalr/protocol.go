package signalr

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/internal/dynamic"
)

// JSONHubProtocol encodes hub messages as record-separated JSON objects.
type JSONHubProtocol struct {
	logger *zap.Logger
}

// NewJSONHubProtocol creates the "json" v1 hub protocol.
func NewJSONHubProtocol(logger *zap.Logger) *JSONHubProtocol {
	return &JSONHubProtocol{logger: logger}
}

func (p *JSONHubProtocol) Name() string { return "json" }
func (p *JSONHubProtocol) Version() int { return 1 }

type invocationRecord struct {
	Type         MessageType     `json:"type"`
	InvocationID string          `json:"invocationId,omitempty"`
	Target       string          `json:"target"`
	Arguments    []dynamic.Value `json:"arguments"`
	StreamIDs    []string        `json:"streamIds,omitempty"`
}

type completionErrorRecord struct {
	Type         MessageType `json:"type"`
	InvocationID string      `json:"invocationId"`
	Error        string      `json:"error"`
}

type completionResultRecord struct {
	Type         MessageType   `json:"type"`
	InvocationID string        `json:"invocationId"`
	Result       dynamic.Value `json:"result"`
}

type completionVoidRecord struct {
	Type         MessageType `json:"type"`
	InvocationID string      `json:"invocationId"`
}

type pingRecord struct {
	Type MessageType `json:"type"`
}

type closeRecord struct {
	Type           MessageType `json:"type"`
	Error          string      `json:"error,omitempty"`
	AllowReconnect bool        `json:"allowReconnect,omitempty"`
}

// Serialize writes msg as a single record terminated by the record separator.
func (p *JSONHubProtocol) Serialize(msg HubMessage) (string, error) {
	var record any
	switch m := msg.(type) {
	case Invocation:
		args := m.Arguments
		if args == nil {
			args = []dynamic.Value{}
		}
		record = invocationRecord{
			Type:         InvocationType,
			InvocationID: m.InvocationID,
			Target:       m.Target,
			Arguments:    args,
			StreamIDs:    m.StreamIDs,
		}
	case Completion:
		switch {
		case m.Error != "":
			record = completionErrorRecord{Type: CompletionType, InvocationID: m.InvocationID, Error: m.Error}
		case m.HasResult:
			record = completionResultRecord{Type: CompletionType, InvocationID: m.InvocationID, Result: m.Result}
		default:
			record = completionVoidRecord{Type: CompletionType, InvocationID: m.InvocationID}
		}
	case Ping:
		record = pingRecord{Type: PingType}
	case Close:
		record = closeRecord{Type: CloseType, Error: m.Error, AllowReconnect: m.AllowReconnect}
	default:
		return "", fmt.Errorf("unsupported hub message %T", msg)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode hub message: %w", err)
	}
	return string(data) + string(RecordSeparator), nil
}

// ParseMessages decodes every record in text. A record that fails to parse is
// logged and dropped; the rest are still returned. Unknown types are ignored.
func (p *JSONHubProtocol) ParseMessages(text string) []HubMessage {
	var out []HubMessage
	for _, record := range strings.Split(text, string(RecordSeparator)) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		msg, err := parseRecord(record)
		if err != nil {
			p.logger.Warn("Dropping malformed hub message", zap.Error(err), zap.Int("length", len(record)))
			continue
		}
		if msg == nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func parseRecord(record string) (HubMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(record), &fields); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("missing type field")
	}
	var typ MessageType
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, fmt.Errorf("invalid type field: %w", err)
	}

	switch typ {
	case InvocationType:
		var m Invocation
		if err := optionalString(fields, "invocationId", &m.InvocationID); err != nil {
			return nil, err
		}
		if err := requiredString(fields, "target", &m.Target); err != nil {
			return nil, err
		}
		if raw, ok := fields["arguments"]; ok {
			if err := json.Unmarshal(raw, &m.Arguments); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		} else {
			return nil, fmt.Errorf("missing arguments field")
		}
		if raw, ok := fields["streamIds"]; ok {
			if err := json.Unmarshal(raw, &m.StreamIDs); err != nil {
				return nil, fmt.Errorf("invalid streamIds: %w", err)
			}
		}
		return m, nil

	case CompletionType:
		var m Completion
		if err := requiredString(fields, "invocationId", &m.InvocationID); err != nil {
			return nil, err
		}
		if err := optionalString(fields, "error", &m.Error); err != nil {
			return nil, err
		}
		if raw, ok := fields["result"]; ok {
			if m.Error != "" {
				return nil, fmt.Errorf("completion carries both error and result")
			}
			if err := json.Unmarshal(raw, &m.Result); err != nil {
				return nil, fmt.Errorf("invalid result: %w", err)
			}
			m.HasResult = true
		}
		return m, nil

	case PingType:
		return Ping{}, nil

	case CloseType:
		var m Close
		if err := optionalString(fields, "error", &m.Error); err != nil {
			return nil, err
		}
		if raw, ok := fields["allowReconnect"]; ok {
			if err := json.Unmarshal(raw, &m.AllowReconnect); err != nil {
				return nil, fmt.Errorf("invalid allowReconnect: %w", err)
			}
		}
		return m, nil
	}

	// Streaming and cancel messages are not used by this client.
	return nil, nil
}

func requiredString(fields map[string]json.RawMessage, name string, dst *string) error {
	if _, ok := fields[name]; !ok {
		return fmt.Errorf("missing %s field", name)
	}
	return optionalString(fields, name, dst)
}

func optionalString(fields map[string]json.RawMessage, name string, dst *string) error {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid %s field: %w", name, err)
	}
	return nil
}
