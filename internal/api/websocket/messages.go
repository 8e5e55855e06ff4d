package websocket

import (
	"time"

	"github.com/KevinKickass/ecatmaster/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Cycle values
	MessageTypeDeviceIO MessageType = "device_io"

	// Lifecycle messages
	MessageTypeSystemState MessageType = "system_state"

	// Connection handshake
	MessageTypeAuth        MessageType = "auth"
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// DeviceIOData carries one cycle's decoded inputs
type DeviceIOData struct {
	Cycle   uint64  `json:"cycle"`
	Analog  []int32 `json:"analog"`
	Digital []bool  `json:"digital,omitempty"`
}

type SystemStateData struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type authData struct {
	Reason      string   `json:"reason,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewDeviceIOMessage(rec types.InputRecord) Message {
	msg := NewMessage(MessageTypeDeviceIO, DeviceIOData{
		Cycle:   rec.Cycle,
		Analog:  rec.Analog,
		Digital: rec.Digital,
	})
	msg.Timestamp = rec.Timestamp
	return msg
}

func NewSystemStateMessage(state, errText string) Message {
	return NewMessage(MessageTypeSystemState, SystemStateData{
		State: state,
		Error: errText,
	})
}
