// Package signalr implements the client side of the ASP.NET SignalR hub
// protocol (JSON encoding over websockets) used by the Voxta server.
package signalr

import (
	"github.com/satriahrh/voxlink/internal/dynamic"
)

// MessageType is the "type" discriminator of a hub message on the wire.
type MessageType int

const (
	InvocationType       MessageType = 1
	StreamItemType       MessageType = 2
	CompletionType       MessageType = 3
	StreamInvocationType MessageType = 4
	CancelInvocationType MessageType = 5
	PingType             MessageType = 6
	CloseType            MessageType = 7
)

// RecordSeparator terminates every JSON record on the wire.
const RecordSeparator = '\x1e'

// HubMessage is one of Invocation, Completion, Ping or Close.
type HubMessage interface {
	Type() MessageType
}

// Invocation calls Target on the peer. InvocationID is empty for
// fire-and-forget sends.
type Invocation struct {
	InvocationID string
	Target       string
	Arguments    []dynamic.Value
	StreamIDs    []string
}

// Completion answers an Invocation. Error and Result are mutually exclusive.
type Completion struct {
	InvocationID string
	Error        string
	Result       dynamic.Value
	HasResult    bool
}

// Ping keeps the connection alive.
type Ping struct{}

// Close is sent by the server before it drops the connection.
type Close struct {
	Error          string
	AllowReconnect bool
}

func (Invocation) Type() MessageType { return InvocationType }
func (Completion) Type() MessageType { return CompletionType }
func (Ping) Type() MessageType       { return PingType }
func (Close) Type() MessageType      { return CloseType }
