package voxta

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticatePayload(t *testing.T) {
	v := Authenticate(ClientInfo{Name: "Voxlink", Version: "0.1.0", AudioInput: true})

	raw, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"$type":"authenticate",
		"client":"Voxlink",
		"clientVersion":"0.1.0",
		"scope":["role:app"],
		"capabilities":{
			"audioInput":"WebSocketStream",
			"audioOutput":"Url",
			"acceptedAudioContentTypes":["audio/x-wav"]
		}
	}`, string(raw))

	v = Authenticate(ClientInfo{Name: "Voxlink"})
	caps, err := v.ObjectField("capabilities")
	require.NoError(t, err)
	assert.Equal(t, "None", caps.OptString("audioInput"))
}

func TestStartChatPayload(t *testing.T) {
	raw, err := json.Marshal(StartChat("c1", "", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"$type":"startChat","characterIds":["c1"]}`, string(raw))

	raw, err = json.Marshal(StartChat("c1", "scene", "In a garden."))
	require.NoError(t, err)
	assert.JSONEq(t, `{"$type":"startChat","characterIds":["c1"],"contextKey":"scene","contexts":[{"text":"In a garden."}]}`, string(raw))
}

func TestSendPayloads(t *testing.T) {
	raw, err := json.Marshal(Send("s-1", "hi", true, false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"$type":"send","sessionId":"s-1","text":"hi","doReply":true,"doCharacterActionInference":false}`, string(raw))

	raw, err = json.Marshal(SpeechPlaybackComplete("s-1", "m1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"$type":"speechPlaybackComplete","sessionId":"s-1","messageId":"m1"}`, string(raw))
}

func TestOptionalRequests(t *testing.T) {
	assert.Equal(t, "loadCharactersList", LoadCharactersList().OptString("$type"))
	assert.Equal(t, "loadScenariosList", LoadScenariosList().OptString("$type"))

	chats := LoadChatsList("")
	assert.Equal(t, []string{"$type"}, chats.Keys())
	assert.Equal(t, "c1", LoadChatsList("c1").OptString("characterId"))

	assert.Equal(t, "s-1", StopChat("s-1").OptString("sessionId"))

	cleared := UpdateContext("s-1", "scene", "")
	contexts, err := cleared.ArrayField("contexts")
	require.NoError(t, err)
	assert.Empty(t, contexts)

	raw, err := json.Marshal(UpdateContext("s-1", "scene", "At night."))
	require.NoError(t, err)
	assert.JSONEq(t, `{"$type":"updateContext","sessionId":"s-1","contextKey":"scene","contexts":[{"text":"At night."}]}`, string(raw))
}
