package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adwski/screen-relay/backend/model"
	"github.com/adwski/screen-relay/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrMalformed = errors.New("malformed message")
)

type (
	RoomStore interface {
		Attach(conn model.ConnID)
		Register(code string, conn model.ConnID) error
		Join(code string, conn model.ConnID) ([]model.ConnID, error)
		RelayTargets(code string, src model.ConnID) ([]model.ConnID, error)
		Detach(conn model.ConnID) memory.Cleanup
	}

	Switch interface {
		Connect(ctx context.Context, conn model.ConnID, wire model.Wire)
		Disconnect(conn model.ConnID)
		Deliver(ctx context.Context, msg model.Message, dsts ...model.ConnID) int
		Relay(msg model.Message, dsts ...model.ConnID) int
	}

	// Delivery is an effect of handling one inbound message.
	// Relay deliveries may be dropped for slow endpoints, others may not.
	// Only screen frames are relayed this way, a lost frame is replaced by the next one.
	Delivery struct {
		Msg   model.Message
		To    []model.ConnID
		Relay bool
	}

	// Service is the relay broker. It owns per-connection message loops,
	// keeps registry and rooms in store and pushes effects through switch.
	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "broker").Logger(),
	}
}

// Connect starts serving a new transport channel. Messages arriving on wire.RX are
// handled one at a time until ctx is done.
func (svc *Service) Connect(ctx context.Context, conn model.ConnID, wire model.Wire) error {
	svc.store.Attach(conn)
	svc.sw.Connect(ctx, conn, wire)
	svc.logger.Debug().Str("connID", string(conn)).Msg("connection attached")

	go svc.serve(ctx, conn, wire.RX)
	return nil
}

// Disconnect performs cleanup for a closed transport channel. Rooms hosted by conn
// get host-disconnected and are destroyed, other rooms get client-disconnected.
func (svc *Service) Disconnect(ctx context.Context, conn model.ConnID) error {
	cl := svc.store.Detach(conn)
	svc.sw.Disconnect(conn)

	hostGone := model.Message{Event: model.EventHostDisconnected}
	for _, notice := range cl.HostGone {
		n := svc.sw.Deliver(ctx, hostGone, notice.Recipients...)
		svc.logger.Info().
			Str("connID", string(conn)).
			Str("code", notice.Code).
			Int("notified", n).
			Msg("session closed due to host disconnect")
	}
	left := model.Message{Event: model.EventClientDisconnected}
	for _, notice := range cl.ViewerLeft {
		svc.sw.Deliver(ctx, left, notice.Recipients...)
		svc.logger.Debug().
			Str("connID", string(conn)).
			Str("code", notice.Code).
			Msg("viewer left session")
	}
	svc.logger.Debug().Str("connID", string(conn)).Msg("connection detached")
	return nil
}

func (svc *Service) serve(ctx context.Context, conn model.ConnID, rx <-chan model.Message) {
serveLoop:
	for {
		select {
		case <-ctx.Done():
			break serveLoop
		case msg := <-rx:
			svc.dispatch(ctx, svc.Handle(conn, msg))
		}
	}
}

func (svc *Service) dispatch(ctx context.Context, deliveries []Delivery) {
	for _, d := range deliveries {
		if len(d.To) == 0 {
			continue
		}
		if d.Relay {
			svc.sw.Relay(d.Msg, d.To...)
		} else {
			svc.sw.Deliver(ctx, d.Msg, d.To...)
		}
	}
}

// Handle applies one inbound message from conn and returns resulting deliveries.
// Store is mutated under its own lock, nothing is sent here.
func (svc *Service) Handle(conn model.ConnID, msg model.Message) []Delivery {
	logger := svc.logger.With().Str("connID", string(conn)).Str("event", msg.Event).Logger()

	switch msg.Event {
	case model.EventRegisterHost:
		code, err := decodeCode(msg.Data)
		if err != nil {
			return replyError(conn, err, &logger)
		}
		if err = svc.store.Register(code, conn); err != nil {
			logger.Debug().Err(err).Str("code", code).Msg("register rejected")
			return replyError(conn, err, &logger)
		}
		logger.Info().Str("code", code).Msg("host registered")
		return nil

	case model.EventJoinSession:
		code, err := decodeCode(msg.Data)
		if err != nil {
			return replyError(conn, err, &logger)
		}
		others, err := svc.store.Join(code, conn)
		if err != nil {
			logger.Debug().Err(err).Str("code", code).Msg("join rejected")
			return replyError(conn, err, &logger)
		}
		logger.Info().Str("code", code).Msg("client joined session")
		return []Delivery{{Msg: model.Message{Event: model.EventClientConnected}, To: others}}

	case model.EventScreenData:
		var data model.ScreenData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logger.Debug().Err(err).Msg("cannot decode screen data")
			return nil
		}
		return svc.relay(conn, data.Code, model.Message{Event: model.EventScreenFrame, Data: data.Frame}, true, &logger)

	case model.EventInputEvent:
		var addr model.Addressed
		if err := json.Unmarshal(msg.Data, &addr); err != nil {
			logger.Debug().Err(err).Msg("cannot decode input event")
			return nil
		}
		// a lost button or key release would leave it stuck on host
		return svc.relay(conn, addr.Code, model.Message{Event: model.EventRemoteInput, Data: msg.Data}, false, &logger)
	}

	logger.Warn().Msg("unknown event")
	if e := logger.Trace(); e.Enabled() {
		e.Str("dump", spew.Sdump(msg)).Msg("unknown event payload")
	}
	return nil
}

func (svc *Service) relay(conn model.ConnID, code string, out model.Message, droppable bool, logger *zerolog.Logger) []Delivery {
	targets, err := svc.store.RelayTargets(code, conn)
	if err != nil {
		logger.Debug().Err(err).Str("code", code).Msg("relay dropped")
		return nil
	}
	return []Delivery{{Msg: out, To: targets, Relay: droppable}}
}

func decodeCode(data json.RawMessage) (string, error) {
	var code string
	if err := json.Unmarshal(data, &code); err != nil {
		return "", errors.Join(ErrMalformed, err)
	}
	return code, nil
}

func replyError(conn model.ConnID, err error, logger *zerolog.Logger) []Delivery {
	var text string
	switch {
	case errors.Is(err, memory.ErrCodeInUse):
		text = model.ErrTextCodeInUse
	case errors.Is(err, memory.ErrInvalidCode):
		text = model.ErrTextInvalidCode
	case errors.Is(err, memory.ErrEmptyCode):
		text = model.ErrTextEmptyCode
	case errors.Is(err, ErrMalformed):
		text = model.ErrTextMalformed
	case errors.Is(err, memory.ErrConnClosed):
		return nil
	default:
		logger.Error().Err(err).Msg("unexpected broker error")
		return nil
	}
	return []Delivery{{Msg: model.ErrorMessage(text), To: []model.ConnID{conn}}}
}
