package model

import (
	"errors"
	"fmt"
)

// Input event types.
const (
	InputMouseMove = "mousemove"
	InputMouseDown = "mousedown"
	InputMouseUp   = "mouseup"
	InputClick     = "click"
	InputKeyDown   = "keydown"
	InputKeyUp     = "keyup"
	InputScroll    = "scroll"
)

// Mouse buttons.
const (
	ButtonLeft   = "left"
	ButtonRight  = "right"
	ButtonMiddle = "middle"
)

var (
	ErrUnsupportedEvent = errors.New("unsupported input event")
	ErrMissingKey       = errors.New("key event without key")
)

// InputEvent is a control event produced by viewer and injected by host.
type InputEvent struct {
	Code      string   `json:"code"`
	Type      string   `json:"type"`
	X         float64  `json:"x,omitempty"`
	Y         float64  `json:"y,omitempty"`
	Button    string   `json:"button,omitempty"`
	Key       string   `json:"key,omitempty"`
	Modifiers []string `json:"modifiers,omitempty"`
	DeltaX    float64  `json:"deltaX,omitempty"`
	DeltaY    float64  `json:"deltaY,omitempty"`
}

// Validate checks that event type is known and that type specific fields are present.
func (e *InputEvent) Validate() error {
	switch e.Type {
	case InputMouseMove, InputScroll:
		return nil
	case InputMouseDown, InputMouseUp, InputClick:
		switch e.Button {
		case "", ButtonLeft, ButtonRight, ButtonMiddle:
			return nil
		}
		return fmt.Errorf("%w: button %q", ErrUnsupportedEvent, e.Button)
	case InputKeyDown, InputKeyUp:
		if e.Key == "" {
			return ErrMissingKey
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedEvent, e.Type)
}
