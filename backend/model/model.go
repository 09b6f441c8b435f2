package model

import (
	"encoding/json"
)

// ConnID identifies one live transport connection. It is assigned by the broker
// and never reused.
type ConnID string

// Inbound events sent by endpoints.
const (
	EventRegisterHost = "register-host"
	EventJoinSession  = "join-session"
	EventScreenData   = "screen-data"
	EventInputEvent   = "input-event"
)

// Outbound events sent by broker.
const (
	EventError              = "error"
	EventClientConnected    = "client-connected"
	EventClientDisconnected = "client-disconnected"
	EventHostDisconnected   = "host-disconnected"
	EventScreenFrame        = "screen-frame"
	EventRemoteInput        = "remote-input"
)

// User-facing texts of error events.
const (
	ErrTextCodeInUse   = "Access code already in use."
	ErrTextInvalidCode = "Invalid access code."
	ErrTextEmptyCode   = "Access code must not be empty."
	ErrTextMalformed   = "Malformed message."
)

// Message is the envelope of every transport message.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ScreenData is the payload of screen-data. Frame is kept raw so the broker
// can forward it without decoding.
type ScreenData struct {
	Code  string          `json:"code"`
	Frame json.RawMessage `json:"frame"`
}

// FrameData is screen-data as produced by host, frame bytes travel base64 encoded.
type FrameData struct {
	Code  string `json:"code"`
	Frame []byte `json:"frame"`
}

// Addressed picks the code out of any relay payload, the rest stays opaque to broker.
type Addressed struct {
	Code string `json:"code"`
}

// NewMessage marshals data into an envelope. Nil data produces an event without payload.
func NewMessage(event string, data any) (Message, error) {
	msg := Message{Event: event}
	if data == nil {
		return msg, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return msg, err
	}
	msg.Data = b
	return msg, nil
}

// ErrorMessage builds an error event carrying a user-facing text.
func ErrorMessage(text string) Message {
	b, _ := json.Marshal(text)
	return Message{Event: EventError, Data: b}
}

// Wire is a pair of channels bound to one transport connection.
// RX carries inbound messages, TX outbound ones.
// Abort, if set, tears down the connection. Broker uses it when
// an endpoint cannot take a message that must not be lost.
type Wire struct {
	RX    chan Message
	TX    chan Message
	Abort func()
}

func NewWire(txBuffer int) Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message, txBuffer),
	}
}
