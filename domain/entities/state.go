package entities

import "fmt"

// ClientState is the public, application-level state of the Voxta client.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateAttemptingToConnect
	StateAuthenticated
	StateIdle
	StateStartingChat
	StateGeneratingReply
	StateAudioPlayback
	StateWaitingForUserResponse
	StateTerminated
)

// String returns the state name.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateAttemptingToConnect:
		return "AttemptingToConnect"
	case StateAuthenticated:
		return "Authenticated"
	case StateIdle:
		return "Idle"
	case StateStartingChat:
		return "StartingChat"
	case StateGeneratingReply:
		return "GeneratingReply"
	case StateAudioPlayback:
		return "AudioPlayback"
	case StateWaitingForUserResponse:
		return "WaitingForUserResponse"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("ClientState(%d)", int(s))
	}
}

// MarshalText lets states appear by name in JSON and logs.
func (s ClientState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// InChat reports whether a chat session is active in this state.
func (s ClientState) InChat() bool {
	switch s {
	case StateGeneratingReply, StateAudioPlayback, StateWaitingForUserResponse:
		return true
	}
	return false
}
