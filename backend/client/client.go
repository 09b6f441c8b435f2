// Package client is the endpoint side of the transport channel.
// Host and viewer agents use it to talk to broker.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/screen-relay/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultSendBuffer        = 8
	defaultEventBuffer       = 64
	defaultMaxMessageSize    = 8 * 1024 * 1024
	defaultWriteDeadline     = 5 * time.Second
	defaultCloseWriteTimeout = time.Second
)

var (
	ErrClosed = errors.New("connection is closed")
	ErrDial   = errors.New("unable to connect to broker")
)

type Config struct {
	Logger         *zerolog.Logger
	URL            string
	SendBuffer     int
	MaxMessageSize int64
}

type Client struct {
	conn   *websocket.Conn
	out    chan model.Message
	events chan model.Message
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// Dial connects to broker websocket endpoint and starts reader and writer pumps.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger.With().Str("component", "client").Logger()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	conn.SetReadLimit(cfg.MaxMessageSize)

	c := &Client{
		conn:   conn,
		out:    make(chan model.Message, cfg.SendBuffer),
		events: make(chan model.Message, defaultEventBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.readPump()
	go c.writePump()

	logger.Debug().Str("url", cfg.URL).Msg("connected to broker")
	return c, nil
}

// Events returns inbound broker messages. Channel is closed when connection ends.
func (c *Client) Events() <-chan model.Message {
	return c.events
}

// Done is closed once connection is closed by either side.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) RegisterHost(ctx context.Context, code string) error {
	return c.emit(ctx, model.EventRegisterHost, code)
}

func (c *Client) JoinSession(ctx context.Context, code string) error {
	return c.emit(ctx, model.EventJoinSession, code)
}

func (c *Client) SendInput(ctx context.Context, ev model.InputEvent) error {
	return c.emit(ctx, model.EventInputEvent, ev)
}

// SendFrame queues a frame without waiting. False means the frame was skipped
// because outbound queue is full or connection is gone.
func (c *Client) SendFrame(code string, frame []byte) bool {
	msg, err := model.NewMessage(model.EventScreenData, model.FrameData{Code: code, Frame: frame})
	if err != nil || c.closed() {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultCloseWriteTimeout))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) emit(ctx context.Context, event string, data any) error {
	msg, err := model.NewMessage(event, data)
	if err != nil {
		return err
	}
	if c.closed() {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case c.out <- msg:
		return nil
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		close(c.events)
		_ = c.Close()
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug().Err(err).Msg("broker connection lost")
			}
			return
		}
		var msg model.Message
		if err = json.Unmarshal(raw, &msg); err != nil {
			c.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}
		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			b, err := json.Marshal(&msg)
			if err != nil {
				c.logger.Error().Err(err).Msg("failed to marshall outgoing message")
				continue
			}
			if err = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				c.logger.Error().Err(err).Msg("failed to set write deadline")
				_ = c.Close()
				return
			}
			if err = c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Debug().Err(err).Msg("failed to write message")
				_ = c.Close()
				return
			}
		}
	}
}
