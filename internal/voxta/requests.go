// Package voxta builds the payloads the client sends to the Voxta hub and
// decodes the pushes it receives back.
package voxta

import (
	"github.com/satriahrh/voxlink/internal/dynamic"
)

const (
	// SendTarget is the hub method every request is invoked on.
	SendTarget = "SendMessage"
	// ReceiveTarget is the client method the server pushes responses to.
	ReceiveTarget = "ReceiveMessage"
)

// AudioContentTypeWAV is the only playback format the client accepts.
const AudioContentTypeWAV = "audio/x-wav"

// ClientInfo identifies this client to the server.
type ClientInfo struct {
	Name    string
	Version string
	// AudioInput announces the microphone websocket stream.
	AudioInput bool
}

func request(typ string, fields map[string]dynamic.Value) dynamic.Value {
	obj := make(map[string]dynamic.Value, len(fields)+1)
	for k, v := range fields {
		obj[k] = v
	}
	obj["$type"] = dynamic.String(typ)
	return dynamic.Object(obj)
}

// Authenticate builds the first request sent after the handshake.
func Authenticate(info ClientInfo) dynamic.Value {
	audioInput := "None"
	if info.AudioInput {
		audioInput = "WebSocketStream"
	}
	return request("authenticate", map[string]dynamic.Value{
		"client":        dynamic.String(info.Name),
		"clientVersion": dynamic.String(info.Version),
		"scope":         dynamic.Strings("role:app"),
		"capabilities": dynamic.Object(map[string]dynamic.Value{
			"audioInput":                dynamic.String(audioInput),
			"audioOutput":               dynamic.String("Url"),
			"acceptedAudioContentTypes": dynamic.Strings(AudioContentTypeWAV),
		}),
	})
}

// LoadCharactersList asks for the characters available to the user.
func LoadCharactersList() dynamic.Value {
	return request("loadCharactersList", nil)
}

// LoadScenariosList asks for the available scenarios.
func LoadScenariosList() dynamic.Value {
	return request("loadScenariosList", nil)
}

// LoadChatsList lists previous chats, optionally for one character.
func LoadChatsList(characterID string) dynamic.Value {
	fields := map[string]dynamic.Value{}
	if characterID != "" {
		fields["characterId"] = dynamic.String(characterID)
	}
	return request("loadChatsList", fields)
}

// StartChat opens a chat with one character. context is optional scene
// text, registered under contextKey.
func StartChat(characterID, contextKey, context string) dynamic.Value {
	fields := map[string]dynamic.Value{
		"characterIds": dynamic.Strings(characterID),
	}
	if context != "" {
		fields["contextKey"] = dynamic.String(contextKey)
		fields["contexts"] = dynamic.Array(dynamic.Object(map[string]dynamic.Value{
			"text": dynamic.String(context),
		}))
	}
	return request("startChat", fields)
}

// Send posts user text to the chat.
func Send(sessionID, text string, doReply, doCharacterActionInference bool) dynamic.Value {
	return request("send", map[string]dynamic.Value{
		"sessionId":                  dynamic.String(sessionID),
		"text":                       dynamic.String(text),
		"doReply":                    dynamic.Bool(doReply),
		"doCharacterActionInference": dynamic.Bool(doCharacterActionInference),
	})
}

// SpeechPlaybackComplete reports that a message's audio finished playing.
func SpeechPlaybackComplete(sessionID, messageID string) dynamic.Value {
	return request("speechPlaybackComplete", map[string]dynamic.Value{
		"sessionId": dynamic.String(sessionID),
		"messageId": dynamic.String(messageID),
	})
}

// StopChat ends the chat session.
func StopChat(sessionID string) dynamic.Value {
	return request("stopChat", map[string]dynamic.Value{
		"sessionId": dynamic.String(sessionID),
	})
}

// UpdateContext replaces the context registered under contextKey. An empty
// context clears it.
func UpdateContext(sessionID, contextKey, context string) dynamic.Value {
	contexts := dynamic.Array()
	if context != "" {
		contexts = dynamic.Array(dynamic.Object(map[string]dynamic.Value{
			"text": dynamic.String(context),
		}))
	}
	return request("updateContext", map[string]dynamic.Value{
		"sessionId":  dynamic.String(sessionID),
		"contextKey": dynamic.String(contextKey),
		"contexts":   contexts,
	})
}
