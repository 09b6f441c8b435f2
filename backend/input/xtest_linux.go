//go:build linux

package input

import (
	"errors"
	"fmt"

	"github.com/adwski/screen-relay/backend/model"
	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/jezek/xgb/xtest"
	"github.com/rs/zerolog"
)

// XTestBackend injects events into X server through XTEST extension.
type XTestBackend struct {
	conn     *xgb.Conn
	root     xproto.Window
	keycodes map[xproto.Keysym]xproto.Keycode
}

func NewXTestBackend() (*XTestBackend, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	if err = xtest.Init(conn); err != nil {
		conn.Close()
		return nil, errors.Join(ErrUnavailable, err)
	}
	setup := xproto.Setup(conn)
	keycodes, err := loadKeymap(conn, setup)
	if err != nil {
		conn.Close()
		return nil, errors.Join(ErrUnavailable, err)
	}
	return &XTestBackend{
		conn:     conn,
		root:     setup.DefaultScreen(conn).Root,
		keycodes: keycodes,
	}, nil
}

func loadKeymap(conn *xgb.Conn, setup *xproto.SetupInfo) (map[xproto.Keysym]xproto.Keycode, error) {
	count := byte(setup.MaxKeycode - setup.MinKeycode + 1)
	reply, err := xproto.GetKeyboardMapping(conn, setup.MinKeycode, count).Reply()
	if err != nil {
		return nil, fmt.Errorf("cannot get keyboard mapping: %w", err)
	}
	per := int(reply.KeysymsPerKeycode)
	keycodes := make(map[xproto.Keysym]xproto.Keycode, len(reply.Keysyms))
	for i := 0; i < int(count); i++ {
		for j := 0; j < per && i*per+j < len(reply.Keysyms); j++ {
			sym := reply.Keysyms[i*per+j]
			if sym == 0 {
				continue
			}
			if _, ok := keycodes[sym]; !ok {
				keycodes[sym] = setup.MinKeycode + xproto.Keycode(i)
			}
		}
	}
	return keycodes, nil
}

func (b *XTestBackend) MoveTo(x, y int) error {
	return b.fake(xproto.MotionNotify, 0, clamp16(x), clamp16(y))
}

func (b *XTestBackend) Button(button string, down bool) error {
	var detail byte
	switch button {
	case model.ButtonLeft:
		detail = 1
	case model.ButtonMiddle:
		detail = 2
	case model.ButtonRight:
		detail = 3
	default:
		return fmt.Errorf("%w: button %q", model.ErrUnsupportedEvent, button)
	}
	return b.press(detail, down)
}

func (b *XTestBackend) Key(keysym uint32, down bool) error {
	kc, ok := b.keycodes[xproto.Keysym(keysym)]
	if !ok {
		return fmt.Errorf("%w: keysym %#x is not mapped", ErrUnknownKey, keysym)
	}
	typ := byte(xproto.KeyRelease)
	if down {
		typ = xproto.KeyPress
	}
	return b.fake(typ, byte(kc), 0, 0)
}

// Wheel emulates notches with buttons 4-7.
func (b *XTestBackend) Wheel(dx, dy int) error {
	if err := b.notches(dy, 5, 4); err != nil {
		return err
	}
	return b.notches(dx, 7, 6)
}

func (b *XTestBackend) Close() error {
	b.conn.Close()
	return nil
}

func (b *XTestBackend) notches(steps int, positive, negative byte) error {
	detail := positive
	if steps < 0 {
		detail, steps = negative, -steps
	}
	for i := 0; i < steps; i++ {
		if err := b.press(detail, true); err != nil {
			return err
		}
		if err := b.press(detail, false); err != nil {
			return err
		}
	}
	return nil
}

func (b *XTestBackend) press(detail byte, down bool) error {
	typ := byte(xproto.ButtonRelease)
	if down {
		typ = xproto.ButtonPress
	}
	return b.fake(typ, detail, 0, 0)
}

func (b *XTestBackend) fake(typ, detail byte, x, y int16) error {
	return xtest.FakeInputChecked(b.conn, typ, detail, 0, b.root, x, y, 0).Check()
}

func clamp16(v int) int16 {
	return int16(min(max(v, -32768), 32767))
}

// NewPlatformBackend returns XTEST backend, or log-only backend if X server is unreachable.
func NewPlatformBackend(logger *zerolog.Logger) Backend {
	b, err := NewXTestBackend()
	if err != nil {
		logger.Warn().Err(err).Msg("remote input will only be logged")
		return LogBackend{Logger: logger.With().Str("component", "input").Logger()}
	}
	return b
}
