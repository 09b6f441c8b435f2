package _switch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adwski/screen-relay/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger)
}

func TestRelayDropsOnFullBuffer(t *testing.T) {
	sw := newTestSwitch()
	ctx := context.Background()

	fast := model.NewWire(4)
	slow := model.NewWire(1)
	sw.Connect(ctx, "fast", fast)
	sw.Connect(ctx, "slow", slow)

	msg := model.Message{Event: model.EventScreenFrame}
	assert.Equal(t, 2, sw.Relay(msg, "fast", "slow"))
	assert.Equal(t, 1, sw.Relay(msg, "fast", "slow"))
	assert.Len(t, fast.TX, 2)
	assert.Len(t, slow.TX, 1)

	assert.Equal(t, 0, sw.Relay(msg, "unknown"))
}

func TestRelaySkipsClosedEndpoint(t *testing.T) {
	sw := newTestSwitch()
	ctx, cancel := context.WithCancel(context.Background())
	wire := model.NewWire(0)
	sw.Connect(ctx, "c", wire)
	cancel()

	assert.Equal(t, 0, sw.Relay(model.Message{Event: model.EventRemoteInput}, "c"))
}

func TestDeliver(t *testing.T) {
	sw := newTestSwitch()
	ctx := context.Background()

	a := model.NewWire(1)
	b := model.NewWire(1)
	sw.Connect(ctx, "a", a)
	sw.Connect(ctx, "b", b)

	n := sw.Deliver(ctx, model.Message{Event: model.EventHostDisconnected}, "a", "b", "missing")
	assert.Equal(t, 2, n)
	assert.Equal(t, model.EventHostDisconnected, (<-a.TX).Event)
	assert.Equal(t, model.EventHostDisconnected, (<-b.TX).Event)

	sw.Disconnect("b")
	assert.Equal(t, 0, sw.Deliver(ctx, model.Message{Event: model.EventError}, "b"))
}

func TestDeliverGivesUpOnGoneEndpoint(t *testing.T) {
	sw := newTestSwitch()
	epCtx, cancel := context.WithCancel(context.Background())
	wire := model.NewWire(0)
	sw.Connect(epCtx, "c", wire)
	cancel()

	assert.Equal(t, 0, sw.Deliver(context.Background(), model.Message{Event: model.EventError}, "c"))
}

func TestDeliverAbortsStuckEndpointsAndReachesOthers(t *testing.T) {
	sw := newTestSwitch()
	ctx := context.Background()

	var aborted atomic.Int32
	var dsts []model.ConnID
	for _, id := range []model.ConnID{"s1", "s2", "s3"} {
		wire := model.NewWire(1)
		wire.TX <- model.Message{Event: model.EventScreenFrame}
		wire.Abort = func() { aborted.Add(1) }
		sw.Connect(ctx, id, wire)
		dsts = append(dsts, id)
	}
	healthy := model.NewWire(1)
	sw.Connect(ctx, "healthy", healthy)
	dsts = append(dsts, "healthy")

	start := time.Now()
	n := sw.Deliver(ctx, model.Message{Event: model.EventHostDisconnected}, dsts...)

	assert.Equal(t, 1, n)
	assert.Equal(t, int32(3), aborted.Load())
	assert.Equal(t, model.EventHostDisconnected, (<-healthy.TX).Event)
	assert.Less(t, time.Since(start), 2*defaultFwdTimout)
}
