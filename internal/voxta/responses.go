package voxta

import (
	"errors"
	"fmt"

	"github.com/satriahrh/voxlink/domain/entities"
	"github.com/satriahrh/voxlink/internal/dynamic"
	"github.com/satriahrh/voxlink/internal/metrics"
)

// Response is one decoded server push. The concrete type is one of the
// structs below.
type Response interface {
	ResponseType() string
}

type Welcome struct {
	User          entities.User
	ServerVersion string
}

type CharactersListLoaded struct {
	Characters []entities.Character
}

type ChatStarted struct {
	ChatID     string
	SessionID  string
	User       entities.User
	Characters []entities.Character
	Services   map[entities.ServiceType]entities.ServiceDescriptor
	Context    string
}

type ReplyStart struct {
	MessageID string
	SenderID  string
	SessionID string
}

type ReplyChunk struct {
	MessageID   string
	SenderID    string
	SessionID   string
	StartIndex  int
	EndIndex    int
	Text        string
	AudioURL    string
	IsNarration bool
}

type ReplyEnd struct {
	MessageID string
	SenderID  string
	SessionID string
}

type ReplyCancelled struct {
	MessageID string
	SessionID string
}

// ChatUpdate carries a complete message, usually the user's own input echoed
// back by the server.
type ChatUpdate struct {
	MessageID string
	SenderID  string
	SessionID string
	Text      string
	Role      entities.MessageRole
}

// TranscriptionKind tells apart the speech recognition pushes.
type TranscriptionKind int

const (
	TranscriptionPartial TranscriptionKind = iota
	TranscriptionEnd
	// TranscriptionCancelled is an end push without text. The server may
	// resume listening afterwards.
	TranscriptionCancelled
)

func (k TranscriptionKind) String() string {
	switch k {
	case TranscriptionPartial:
		return "partial"
	case TranscriptionEnd:
		return "end"
	case TranscriptionCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("transcription(%d)", int(k))
	}
}

type SpeechTranscription struct {
	Kind TranscriptionKind
	Text string
}

type ServerError struct {
	Message string
	Details string
}

type ChatSessionError struct {
	SessionID string
	Message   string
	Details   string
	Retry     bool
}

type ContextUpdated struct {
	SessionID  string
	ContextKey string
	Context    string
}

type ChatClosed struct {
	ChatID    string
	SessionID string
}

// Configuration lists the server's service configuration. It is kept as a
// raw value since the client only forwards it.
type Configuration struct {
	Raw dynamic.Value
}

// Ignored is returned for pushes the client deliberately does not handle.
type Ignored struct {
	Type string
}

func (Welcome) ResponseType() string              { return "welcome" }
func (CharactersListLoaded) ResponseType() string { return "charactersListLoaded" }
func (ChatStarted) ResponseType() string          { return "chatStarted" }
func (ReplyStart) ResponseType() string           { return "replyStart" }
func (ReplyChunk) ResponseType() string           { return "replyChunk" }
func (ReplyEnd) ResponseType() string             { return "replyEnd" }
func (ReplyCancelled) ResponseType() string       { return "replyCancelled" }
func (ChatUpdate) ResponseType() string           { return "update" }
func (ServerError) ResponseType() string          { return "error" }
func (ChatSessionError) ResponseType() string     { return "chatSessionError" }
func (ContextUpdated) ResponseType() string       { return "contextUpdated" }
func (ChatClosed) ResponseType() string           { return "chatClosed" }
func (Configuration) ResponseType() string        { return "configuration" }
func (i Ignored) ResponseType() string            { return i.Type }

func (s SpeechTranscription) ResponseType() string {
	if s.Kind == TranscriptionPartial {
		return "speechRecognitionPartial"
	}
	return "speechRecognitionEnd"
}

var ignorable = map[string]bool{
	"chatStarting":           true,
	"chatLoadingMessage":     true,
	"chatsSessionsUpdated":   true,
	"replyGenerating":        true,
	"chatFlow":               true,
	"speechRecognitionStart": true,
	"recordingRequest":       true,
	"recordingStatus":        true,
	"speechPlaybackComplete": true,
	"memoryUpdated":          true,
	"moduleRuntimeInstances": true,
	"inspectorEnabled":       true,
}

// IsIgnorable reports whether typ is a known push the client drops.
func IsIgnorable(typ string) bool {
	return ignorable[typ]
}

// UnknownTypeError is returned for a $type the client does not know.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown response type %q", e.Type)
}

// DecodeError is returned when a known $type is missing required fields.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode maps a push payload to its typed response.
func Decode(v dynamic.Value) (Response, error) {
	if v.Kind() != dynamic.KindObject {
		return nil, &DecodeError{Type: "", Err: fmt.Errorf("payload is %s, not object", v.Kind())}
	}
	typ, err := v.StringField("$type")
	if err != nil {
		return nil, &DecodeError{Type: "", Err: err}
	}

	resp, err := decodeTyped(typ, v)
	if err != nil {
		var unknown *UnknownTypeError
		if errors.As(err, &unknown) {
			metrics.ResponsesDecodedTotal.WithLabelValues(typ, "unknown").Inc()
			return nil, err
		}
		metrics.ResponsesDecodedTotal.WithLabelValues(typ, "invalid").Inc()
		return nil, &DecodeError{Type: typ, Err: err}
	}
	class := "handled"
	if _, ok := resp.(Ignored); ok {
		class = "ignored"
	}
	metrics.ResponsesDecodedTotal.WithLabelValues(typ, class).Inc()
	return resp, nil
}

func decodeTyped(typ string, v dynamic.Value) (Response, error) {
	switch typ {
	case "welcome":
		user, err := decodeUser(v)
		if err != nil {
			return nil, err
		}
		return Welcome{User: user, ServerVersion: v.OptString("voxtaServerVersion")}, nil

	case "charactersListLoaded":
		chars, err := decodeCharacters(v)
		if err != nil {
			return nil, err
		}
		return CharactersListLoaded{Characters: chars}, nil

	case "chatStarted":
		return decodeChatStarted(v)

	case "replyStart":
		messageID, err := v.StringField("messageId")
		if err != nil {
			return nil, err
		}
		return ReplyStart{
			MessageID: messageID,
			SenderID:  v.OptString("senderId"),
			SessionID: v.OptString("sessionId"),
		}, nil

	case "replyChunk":
		messageID, err := v.StringField("messageId")
		if err != nil {
			return nil, err
		}
		return ReplyChunk{
			MessageID:   messageID,
			SenderID:    v.OptString("senderId"),
			SessionID:   v.OptString("sessionId"),
			StartIndex:  int(v.OptNumber("startIndex", 0)),
			EndIndex:    int(v.OptNumber("endIndex", 0)),
			Text:        v.OptString("text"),
			AudioURL:    v.OptString("audioUrl"),
			IsNarration: v.OptBool("isNarration", false),
		}, nil

	case "replyEnd":
		messageID, err := v.StringField("messageId")
		if err != nil {
			return nil, err
		}
		return ReplyEnd{
			MessageID: messageID,
			SenderID:  v.OptString("senderId"),
			SessionID: v.OptString("sessionId"),
		}, nil

	case "replyCancelled":
		messageID, err := v.StringField("messageId")
		if err != nil {
			return nil, err
		}
		return ReplyCancelled{MessageID: messageID, SessionID: v.OptString("sessionId")}, nil

	case "update":
		messageID, err := v.StringField("messageId")
		if err != nil {
			return nil, err
		}
		role := entities.MessageRole(v.OptString("role"))
		return ChatUpdate{
			MessageID: messageID,
			SenderID:  v.OptString("senderId"),
			SessionID: v.OptString("sessionId"),
			Text:      v.OptString("text"),
			Role:      normalizeRole(role),
		}, nil

	case "speechRecognitionPartial":
		return SpeechTranscription{Kind: TranscriptionPartial, Text: v.OptString("text")}, nil

	case "speechRecognitionEnd":
		text := v.OptString("text")
		if text == "" {
			return SpeechTranscription{Kind: TranscriptionCancelled}, nil
		}
		return SpeechTranscription{Kind: TranscriptionEnd, Text: text}, nil

	case "error":
		return ServerError{Message: v.OptString("message"), Details: v.OptString("details")}, nil

	case "chatSessionError":
		return ChatSessionError{
			SessionID: v.OptString("chatSessionId"),
			Message:   v.OptString("message"),
			Details:   v.OptString("details"),
			Retry:     v.OptBool("retry", false),
		}, nil

	case "contextUpdated":
		return ContextUpdated{
			SessionID:  v.OptString("sessionId"),
			ContextKey: v.OptString("contextKey"),
			Context:    joinContexts(v.OptField("contexts")),
		}, nil

	case "chatClosed":
		return ChatClosed{ChatID: v.OptString("chatId"), SessionID: v.OptString("sessionId")}, nil

	case "configuration":
		return Configuration{Raw: v}, nil
	}

	if IsIgnorable(typ) {
		return Ignored{Type: typ}, nil
	}
	return nil, &UnknownTypeError{Type: typ}
}

func normalizeRole(role entities.MessageRole) entities.MessageRole {
	switch role {
	case "User", "user":
		return entities.MessageRoleUser
	case "System", "system":
		return entities.MessageRoleSystem
	default:
		return entities.MessageRoleCharacter
	}
}

func decodeUser(v dynamic.Value) (entities.User, error) {
	obj, err := v.ObjectField("user")
	if err != nil {
		return entities.User{}, err
	}
	id, err := obj.StringField("id")
	if err != nil {
		return entities.User{}, fmt.Errorf("user: %w", err)
	}
	return entities.User{ID: id, Name: obj.OptString("name")}, nil
}

func decodeCharacters(v dynamic.Value) ([]entities.Character, error) {
	items, err := v.ArrayField("characters")
	if err != nil {
		return nil, err
	}
	out := make([]entities.Character, 0, len(items))
	for i, item := range items {
		id, err := item.StringField("id")
		if err != nil {
			return nil, fmt.Errorf("characters[%d]: %w", i, err)
		}
		out = append(out, entities.Character{
			ID:           id,
			Name:         item.OptString("name"),
			CreatorNotes: item.OptString("creatorNotes"),
			ThumbnailURL: item.OptString("thumbnailUrl"),
			Explicit:     item.OptBool("explicit", false),
			Favorite:     item.OptBool("favorite", false),
		})
	}
	return out, nil
}

func decodeChatStarted(v dynamic.Value) (Response, error) {
	chatID, err := v.StringField("chatId")
	if err != nil {
		return nil, err
	}
	sessionID, err := v.StringField("sessionId")
	if err != nil {
		return nil, err
	}
	user, err := decodeUser(v)
	if err != nil {
		return nil, err
	}
	chars, err := decodeCharacters(v)
	if err != nil {
		return nil, err
	}

	services := make(map[entities.ServiceType]entities.ServiceDescriptor)
	if raw := v.OptField("services"); raw.Kind() == dynamic.KindObject {
		for _, key := range raw.Keys() {
			svc, _ := raw.Field(key)
			if svc.Kind() != dynamic.KindObject {
				continue
			}
			st := entities.ServiceType(key)
			services[st] = entities.ServiceDescriptor{
				Type:        st,
				ServiceName: svc.OptString("serviceName"),
				ServiceID:   svc.OptString("serviceId"),
			}
		}
	}

	return ChatStarted{
		ChatID:     chatID,
		SessionID:  sessionID,
		User:       user,
		Characters: chars,
		Services:   services,
		Context:    joinContexts(v.OptField("contexts")),
	}, nil
}

func joinContexts(v dynamic.Value) string {
	if v.Kind() != dynamic.KindArray {
		return ""
	}
	out := ""
	for _, item := range v.AsArray() {
		text := item.OptString("text")
		if text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += text
	}
	return out
}
