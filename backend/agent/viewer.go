package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adwski/screen-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultRetryDelay = time.Second
)

type (
	// ViewerTransport is the viewer side of transport channel.
	ViewerTransport interface {
		JoinSession(ctx context.Context, code string) error
		SendInput(ctx context.Context, ev model.InputEvent) error
		Events() <-chan model.Message
		Done() <-chan struct{}
	}

	// FrameSink receives every decoded frame in arrival order.
	FrameSink interface {
		WriteFrame(frame []byte) error
	}

	ViewerConfig struct {
		Logger    *zerolog.Logger
		Transport ViewerTransport
		Sink      FrameSink
		// Input is optional, events are addressed to Code before sending.
		Input       <-chan model.InputEvent
		Code        string
		JoinRetries int
		RetryDelay  time.Duration
	}

	Viewer struct {
		cfg     ViewerConfig
		logger  zerolog.Logger
		frames  atomic.Uint64
		retries int
	}
)

func NewViewer(cfg ViewerConfig) *Viewer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Viewer{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "viewer").Str("code", cfg.Code).Logger(),
	}
}

// Run joins the session and consumes frames until host goes away,
// broker connection is lost or ctx is done.
//
// There is no join acknowledgement, first frame confirms the session.
// Invalid code errors before that are retried, the host may not have
// registered yet.
func (v *Viewer) Run(ctx context.Context) error {
	if err := v.cfg.Transport.JoinSession(ctx, v.cfg.Code); err != nil {
		return err
	}
	v.logger.Info().Msg("join requested")

	events := v.cfg.Transport.Events()
	input := v.cfg.Input
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-v.cfg.Transport.Done():
			return ErrDisconnected
		case msg, ok := <-events:
			if !ok {
				return ErrDisconnected
			}
			if err := v.handle(ctx, msg); err != nil {
				return err
			}
		case ev, ok := <-input:
			if !ok {
				input = nil
				continue
			}
			ev.Code = v.cfg.Code
			if err := v.cfg.Transport.SendInput(ctx, ev); err != nil {
				v.logger.Debug().Err(err).Str("type", ev.Type).Msg("input not sent")
			}
		}
	}
}

// Frames returns number of frames received so far, safe to call while Run is active.
func (v *Viewer) Frames() uint64 {
	return v.frames.Load()
}

func (v *Viewer) handle(ctx context.Context, msg model.Message) error {
	switch msg.Event {
	case model.EventScreenFrame:
		var frame []byte
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			v.logger.Warn().Err(err).Msg("cannot decode screen frame")
			return nil
		}
		if v.frames.Add(1) == 1 {
			v.logger.Info().Msg("receiving frames")
		}
		if err := v.cfg.Sink.WriteFrame(frame); err != nil {
			v.logger.Error().Err(err).Msg("failed to render frame")
		}

	case model.EventHostDisconnected:
		v.logger.Info().Msg("host disconnected")
		return ErrHostGone

	case model.EventError:
		text := errorText(msg)
		if v.frames.Load() == 0 && text == model.ErrTextInvalidCode && v.retries < v.cfg.JoinRetries {
			v.retries++
			v.logger.Debug().Int("attempt", v.retries).Msg("session not found, retrying join")
			return v.rejoin(ctx)
		}
		return fmt.Errorf("%w: %s", ErrRejected, text)

	default:
		v.logger.Debug().Str("event", msg.Event).Msg("ignored event")
	}
	return nil
}

func (v *Viewer) rejoin(ctx context.Context) error {
	t := time.NewTimer(v.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
	}
	return v.cfg.Transport.JoinSession(ctx, v.cfg.Code)
}
