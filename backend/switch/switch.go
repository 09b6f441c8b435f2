package _switch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/screen-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

type endpoint struct {
	tx    chan<- model.Message
	done  <-chan struct{}
	abort func()
}

// Switch delivers messages to connected endpoints. It knows nothing about rooms,
// callers resolve recipients beforehand.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[model.ConnID]endpoint
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[model.ConnID]endpoint),
	}
}

// Connect binds endpoint TX to conn. Sends to this endpoint stop once ctx is done.
func (sw *Switch) Connect(ctx context.Context, conn model.ConnID, wire model.Wire) {
	sw.mx.Lock()
	sw.fwd[conn] = endpoint{tx: wire.TX, done: ctx.Done(), abort: wire.Abort}
	sw.mx.Unlock()

	sw.logger.Debug().Str("connID", string(conn)).Msg("endpoint connected")
}

func (sw *Switch) Disconnect(conn model.ConnID) {
	sw.mx.Lock()
	delete(sw.fwd, conn)
	sw.mx.Unlock()

	sw.logger.Debug().Str("connID", string(conn)).Msg("endpoint disconnected")
}

// Deliver sends msg to every dst concurrently, waiting at most defaultFwdTimout
// per endpoint. Used for messages which must not be dropped silently: an endpoint
// that cannot take msg in time is aborted so its peer sees the connection close.
// Returns number of endpoints reached.
func (sw *Switch) Deliver(ctx context.Context, msg model.Message, dsts ...model.ConnID) int {
	var (
		sent atomic.Int32
		wg   sync.WaitGroup
	)
	for _, dst := range dsts {
		ep, ok := sw.lookup(dst)
		if !ok {
			sw.logger.Debug().Str("dst", string(dst)).Str("event", msg.Event).Msg("cannot deliver, dst not found")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger := sw.logger.With().Str("dst", string(dst)).Logger()
			if send(ctx, msg, ep, &logger) {
				sent.Add(1)
			}
		}()
	}
	wg.Wait()
	return int(sent.Load())
}

// Relay sends msg to every dst without waiting. Endpoints with full
// outbound buffer lose this message, next one may get through.
func (sw *Switch) Relay(msg model.Message, dsts ...model.ConnID) int {
	var sent int
	for _, dst := range dsts {
		ep, ok := sw.lookup(dst)
		if !ok {
			continue
		}
		select {
		case <-ep.done:
		case ep.tx <- msg:
			sent++
		default:
			sw.logger.Trace().Str("dst", string(dst)).Str("event", msg.Event).Msg("slow endpoint, relay dropped")
		}
	}
	return sent
}

func (sw *Switch) lookup(conn model.ConnID) (endpoint, bool) {
	sw.mx.RLock()
	ep, ok := sw.fwd[conn]
	sw.mx.RUnlock()
	return ep, ok
}

func send(ctx context.Context, msg model.Message, ep endpoint, logger *zerolog.Logger) bool {
	tCh := time.NewTimer(defaultFwdTimout)
	defer tCh.Stop()
	select {
	case <-ctx.Done():
		logger.Debug().Str("event", msg.Event).Msg("delivery canceled")
	case <-ep.done:
		logger.Debug().Str("event", msg.Event).Msg("endpoint is gone")
	case <-tCh.C:
		logger.Error().Str("event", msg.Event).Msg("dead endpoint, aborting")
		if ep.abort != nil {
			ep.abort()
		}
	case ep.tx <- msg:
		logger.Trace().Str("event", msg.Event).Msg("message is delivered")
		return true
	}
	return false
}
