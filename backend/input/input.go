// Package input injects remote control events into local OS input subsystem.
package input

import (
	"errors"
	"fmt"
	"math"

	"github.com/adwski/screen-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	// browsers report one wheel notch as 100 pixels
	scrollUnit     = 100
	maxScrollSteps = 10
)

var (
	ErrUnknownKey  = errors.New("unknown key")
	ErrUnavailable = errors.New("input injection is not available")
)

// Backend talks to platform input facility.
type Backend interface {
	MoveTo(x, y int) error
	Button(button string, down bool) error
	Key(keysym uint32, down bool) error
	Wheel(dx, dy int) error
	Close() error
}

// Adapter turns control events into backend calls. Failures never leave Inject,
// they are logged and the event is dropped.
type Adapter struct {
	backend Backend
	logger  zerolog.Logger
}

func NewAdapter(backend Backend, logger *zerolog.Logger) *Adapter {
	return &Adapter{
		backend: backend,
		logger:  logger.With().Str("component", "input").Logger(),
	}
}

func (a *Adapter) Inject(ev model.InputEvent) {
	if err := a.inject(ev); err != nil {
		a.logger.Warn().Err(err).Str("type", ev.Type).Msg("input event dropped")
		return
	}
	a.logger.Trace().Str("type", ev.Type).Msg("input event injected")
}

func (a *Adapter) Close() error {
	return a.backend.Close()
}

func (a *Adapter) inject(ev model.InputEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Type {
	case model.InputMouseMove:
		return a.backend.MoveTo(int(math.Round(ev.X)), int(math.Round(ev.Y)))
	case model.InputMouseDown:
		return a.backend.Button(button(ev.Button), true)
	case model.InputMouseUp:
		return a.backend.Button(button(ev.Button), false)
	case model.InputClick:
		if err := a.backend.Button(button(ev.Button), true); err != nil {
			return err
		}
		return a.backend.Button(button(ev.Button), false)
	case model.InputKeyDown, model.InputKeyUp:
		sym, ok := Keysym(ev.Key)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownKey, ev.Key)
		}
		return a.backend.Key(sym, ev.Type == model.InputKeyDown)
	case model.InputScroll:
		dx, dy := WheelSteps(ev.DeltaX), WheelSteps(ev.DeltaY)
		if dx == 0 && dy == 0 {
			return nil
		}
		return a.backend.Wheel(dx, dy)
	}
	return model.ErrUnsupportedEvent
}

func button(b string) string {
	if b == "" {
		return model.ButtonLeft
	}
	return b
}

// WheelSteps converts scroll delta to signed number of wheel notches.
func WheelSteps(delta float64) int {
	if delta == 0 {
		return 0
	}
	steps := int(math.Round(math.Abs(delta) / scrollUnit))
	steps = min(max(steps, 1), maxScrollSteps)
	if delta < 0 {
		return -steps
	}
	return steps
}

// LogBackend only logs events. Used where no injection facility exists.
type LogBackend struct {
	Logger zerolog.Logger
}

func (b LogBackend) MoveTo(x, y int) error {
	b.Logger.Debug().Int("x", x).Int("y", y).Msg("move")
	return nil
}

func (b LogBackend) Button(button string, down bool) error {
	b.Logger.Debug().Str("button", button).Bool("down", down).Msg("button")
	return nil
}

func (b LogBackend) Key(keysym uint32, down bool) error {
	b.Logger.Debug().Uint32("keysym", keysym).Bool("down", down).Msg("key")
	return nil
}

func (b LogBackend) Wheel(dx, dy int) error {
	b.Logger.Debug().Int("dx", dx).Int("dy", dy).Msg("wheel")
	return nil
}

func (b LogBackend) Close() error { return nil }
