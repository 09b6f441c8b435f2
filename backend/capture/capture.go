// Package capture produces successive JPEG encodings of a display.
package capture

import (
	"errors"
	"image"
)

var (
	ErrNoSources     = errors.New("no capture sources available")
	ErrSourceUnknown = errors.New("unknown capture source")
	ErrCapture       = errors.New("capture failed")
)

// Source is a capturable display.
type Source struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"name"`
	Bounds      image.Rectangle `json:"-"`
}

// Session is an open capture of one source.
type Session interface {
	// PullFrame returns latest encoded frame if it was not pulled before.
	// It never waits for a new frame.
	PullFrame() ([]byte, bool)
	Stop()
}

type Adapter interface {
	ListSources() ([]Source, error)
	Open(sourceID string) (Session, error)
}
