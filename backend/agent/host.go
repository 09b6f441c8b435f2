// Package agent implements endpoint behavior: host streams its screen and
// executes remote input, viewer consumes frames and produces input.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/screen-relay/backend/capture"
	"github.com/adwski/screen-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	// DefaultFrameInterval is about 15 frames per second.
	DefaultFrameInterval = 66 * time.Millisecond

	defaultInputQueue = 64
)

var (
	ErrRejected     = errors.New("rejected by broker")
	ErrDisconnected = errors.New("broker connection lost")
	ErrHostGone     = errors.New("host has disconnected")
)

type (
	// HostTransport is the host side of transport channel.
	HostTransport interface {
		RegisterHost(ctx context.Context, code string) error
		SendFrame(code string, frame []byte) bool
		Events() <-chan model.Message
		Done() <-chan struct{}
	}

	Injector interface {
		Inject(ev model.InputEvent)
	}

	// HostStatus is a snapshot of host session for presentation.
	HostStatus struct {
		Code          string
		Source        string
		Viewers       int
		FramesSent    uint64
		FramesSkipped uint64
		FramesDropped uint64
		InputEvents   uint64
	}

	HostConfig struct {
		Logger    *zerolog.Logger
		Transport HostTransport
		Capture   capture.Adapter
		Input     Injector
		Code      string
		SourceID  string
		Interval  time.Duration
		// OnStatus is called from host loop whenever status changes.
		OnStatus func(HostStatus)
	}

	Host struct {
		cfg    HostConfig
		logger zerolog.Logger

		mx     sync.Mutex
		status HostStatus
	}
)

func NewHost(cfg HostConfig) *Host {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFrameInterval
	}
	return &Host{
		cfg:    cfg,
		status: HostStatus{Code: cfg.Code},
		logger: cfg.Logger.With().Str("component", "host").Str("code", cfg.Code).Logger(),
	}
}

// Run registers the code and streams frames on a fixed interval until ctx is done,
// broker rejects registration or connection is lost.
func (h *Host) Run(ctx context.Context) error {
	if err := h.cfg.Transport.RegisterHost(ctx, h.cfg.Code); err != nil {
		return err
	}
	h.logger.Info().Msg("host registered")

	session := h.openCapture()
	if session != nil {
		defer session.Stop()
	}
	h.update(func(*HostStatus) {})

	// injection may be slow, it must not hold back frame ticks
	inputs := make(chan model.InputEvent, defaultInputQueue)
	injectDone := make(chan struct{})
	defer func() {
		close(inputs)
		<-injectDone
	}()
	go func() {
		defer close(injectDone)
		for ev := range inputs {
			h.cfg.Input.Inject(ev)
		}
	}()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	events := h.cfg.Transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.cfg.Transport.Done():
			return ErrDisconnected
		case msg, ok := <-events:
			if !ok {
				return ErrDisconnected
			}
			if err := h.handle(ctx, msg, inputs); err != nil {
				return err
			}
		case <-ticker.C:
			if session != nil {
				h.tick(session)
			}
		}
	}
}

// openCapture picks configured or first source. Without sources host stays
// registered but sends nothing.
func (h *Host) openCapture() capture.Session {
	sources, err := h.cfg.Capture.ListSources()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list capture sources")
		return nil
	}
	if len(sources) == 0 {
		h.logger.Warn().Err(capture.ErrNoSources).Msg("check screen capture permissions")
		return nil
	}
	src := sources[0]
	if h.cfg.SourceID != "" {
		src = capture.Source{ID: h.cfg.SourceID, DisplayName: h.cfg.SourceID}
		for _, s := range sources {
			if s.ID == h.cfg.SourceID {
				src = s
				break
			}
		}
	}
	session, err := h.cfg.Capture.Open(src.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("source", src.ID).Msg("failed to open capture")
		return nil
	}
	h.update(func(s *HostStatus) { s.Source = src.DisplayName })
	h.logger.Info().Str("source", src.ID).Msg("capture started")
	return session
}

func (h *Host) tick(session capture.Session) {
	frame, ok := session.PullFrame()
	if !ok {
		h.mx.Lock()
		h.status.FramesSkipped++
		h.mx.Unlock()
		return
	}
	sent := h.cfg.Transport.SendFrame(h.cfg.Code, frame)
	h.update(func(s *HostStatus) {
		if sent {
			s.FramesSent++
		} else {
			s.FramesDropped++
		}
	})
}

func (h *Host) handle(ctx context.Context, msg model.Message, inputs chan<- model.InputEvent) error {
	switch msg.Event {
	case model.EventRemoteInput:
		var ev model.InputEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			h.logger.Warn().Err(err).Msg("cannot decode remote input")
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case inputs <- ev:
		}
		h.update(func(s *HostStatus) { s.InputEvents++ })
	case model.EventClientConnected:
		h.update(func(s *HostStatus) { s.Viewers++ })
		h.logger.Info().Msg("client connected and viewing")
	case model.EventClientDisconnected:
		h.update(func(s *HostStatus) { s.Viewers = max(0, s.Viewers-1) })
		h.logger.Info().Msg("client disconnected")
	case model.EventError:
		return fmt.Errorf("%w: %s", ErrRejected, errorText(msg))
	default:
		h.logger.Debug().Str("event", msg.Event).Msg("ignored event")
	}
	return nil
}

// Status returns a snapshot, safe to call while Run is active.
func (h *Host) Status() HostStatus {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.status
}

func (h *Host) update(fn func(*HostStatus)) {
	h.mx.Lock()
	fn(&h.status)
	status := h.status
	h.mx.Unlock()

	if h.cfg.OnStatus != nil {
		h.cfg.OnStatus(status)
	}
}

func errorText(msg model.Message) string {
	var text string
	if err := json.Unmarshal(msg.Data, &text); err != nil {
		return string(msg.Data)
	}
	return text
}
