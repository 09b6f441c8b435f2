package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/screen-relay/backend/capture"
	"github.com/adwski/screen-relay/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	joins    []string
	regs     []string
	inputs   []model.InputEvent
	frames   [][]byte
	accept   bool
	joinErr  error
	events   chan model.Message
	done     chan struct{}
	joinedCh chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		accept:   true,
		events:   make(chan model.Message, 16),
		done:     make(chan struct{}),
		joinedCh: make(chan struct{}, 16),
	}
}

func (f *fakeTransport) RegisterHost(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = append(f.regs, code)
	return nil
}

func (f *fakeTransport) JoinSession(_ context.Context, code string) error {
	f.mu.Lock()
	f.joins = append(f.joins, code)
	f.mu.Unlock()
	f.joinedCh <- struct{}{}
	return f.joinErr
}

func (f *fakeTransport) SendInput(_ context.Context, ev model.InputEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, ev)
	return nil
}

func (f *fakeTransport) SendFrame(_ string, frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeTransport) Events() <-chan model.Message { return f.events }
func (f *fakeTransport) Done() <-chan struct{}        { return f.done }

func (f *fakeTransport) push(t *testing.T, event string, data any) {
	t.Helper()
	msg, err := model.NewMessage(event, data)
	require.NoError(t, err)
	f.events <- msg
}

func (f *fakeTransport) sentFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) sentInputs() []model.InputEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.InputEvent(nil), f.inputs...)
}

type fakeSession struct {
	mu      sync.Mutex
	frame   []byte
	fresh   bool
	stopped bool
}

func (s *fakeSession) put(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame, s.fresh = frame, true
}

func (s *fakeSession) PullFrame() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fresh {
		return nil, false
	}
	s.fresh = false
	return s.frame, true
}

func (s *fakeSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *fakeSession) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeCapture struct {
	sources []capture.Source
	session *fakeSession
	opened  string
}

func (c *fakeCapture) ListSources() ([]capture.Source, error) { return c.sources, nil }

func (c *fakeCapture) Open(id string) (capture.Session, error) {
	c.opened = id
	return c.session, nil
}

type injector struct {
	mu     sync.Mutex
	events []model.InputEvent
}

func (i *injector) Inject(ev model.InputEvent) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events = append(i.events, ev)
}

func (i *injector) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.events)
}

type memSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *memSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func runAsync(fn func(context.Context) error) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()
	return cancel, errc
}

func result(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	return nil
}

func TestGenerateCode(t *testing.T) {
	for range 100 {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		assert.NotEqual(t, byte('0'), code[0])
	}
	assert.Equal(t, "482 913", FormatCode("482913"))
	assert.Equal(t, "abc", FormatCode("abc"))
	assert.Equal(t, "482913", NormalizeCode(" 482 913\n"))
}

func TestHostStreamsAndInjects(t *testing.T) {
	logger := zerolog.Nop()
	tr := newFakeTransport()
	sess := &fakeSession{}
	capt := &fakeCapture{
		sources: []capture.Source{{ID: "screen:0", DisplayName: "Screen 0"}, {ID: "screen:1", DisplayName: "Screen 1"}},
		session: sess,
	}
	inj := &injector{}

	var (
		mu   sync.Mutex
		last HostStatus
	)
	host := NewHost(HostConfig{
		Logger:    &logger,
		Transport: tr,
		Capture:   capt,
		Input:     inj,
		Code:      "482913",
		SourceID:  "screen:1",
		Interval:  5 * time.Millisecond,
		OnStatus: func(s HostStatus) {
			mu.Lock()
			last = s
			mu.Unlock()
		},
	})
	status := func() HostStatus {
		mu.Lock()
		defer mu.Unlock()
		return last
	}

	cancel, errc := runAsync(host.Run)
	defer cancel()

	sess.put([]byte("frame-1"))
	require.Eventually(t, func() bool { return tr.sentFrames() == 1 }, time.Second, 5*time.Millisecond)

	tr.push(t, model.EventClientConnected, nil)
	tr.push(t, model.EventRemoteInput, model.InputEvent{Code: "482913", Type: model.InputClick})
	tr.push(t, model.EventRemoteInput, json.RawMessage(`"garbage"`))
	require.Eventually(t, func() bool { return status().InputEvents == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return inj.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, status().Viewers)
	assert.Equal(t, "Screen 1", status().Source)

	tr.mu.Lock()
	tr.accept = false
	tr.mu.Unlock()
	sess.put([]byte("frame-2"))
	require.Eventually(t, func() bool { return status().FramesDropped == 1 }, time.Second, 5*time.Millisecond)

	tr.push(t, model.EventClientDisconnected, nil)
	require.Eventually(t, func() bool { return status().Viewers == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, result(t, errc))
	assert.Equal(t, "screen:1", capt.opened)
	assert.Equal(t, []string{"482913"}, tr.regs)
	assert.True(t, sess.isStopped())
	assert.Positive(t, host.Status().FramesSkipped)
	assert.Equal(t, uint64(1), host.Status().FramesSent)
}

type blockingInjector struct {
	release  chan struct{}
	injected chan model.InputEvent
}

func (b *blockingInjector) Inject(ev model.InputEvent) {
	<-b.release
	b.injected <- ev
}

func TestHostSlowInjectionKeepsFrameCadence(t *testing.T) {
	logger := zerolog.Nop()
	tr := newFakeTransport()
	sess := &fakeSession{}
	inj := &blockingInjector{
		release:  make(chan struct{}),
		injected: make(chan model.InputEvent, 4),
	}
	host := NewHost(HostConfig{
		Logger:    &logger,
		Transport: tr,
		Capture:   &fakeCapture{sources: []capture.Source{{ID: "screen:0"}}, session: sess},
		Input:     inj,
		Code:      "1",
		Interval:  5 * time.Millisecond,
	})

	cancel, errc := runAsync(host.Run)
	defer cancel()

	tr.push(t, model.EventRemoteInput, model.InputEvent{Code: "1", Type: model.InputMouseDown})
	tr.push(t, model.EventRemoteInput, model.InputEvent{Code: "1", Type: model.InputMouseUp})
	require.Eventually(t, func() bool { return host.Status().InputEvents == 2 }, time.Second, 5*time.Millisecond)

	// injector is stuck, frames still go out
	for i := range 3 {
		sess.put([]byte{byte(i)})
		require.Eventually(t, func() bool { return tr.sentFrames() == i+1 }, time.Second, 5*time.Millisecond)
	}

	close(inj.release)
	assert.Equal(t, model.InputMouseDown, (<-inj.injected).Type)
	assert.Equal(t, model.InputMouseUp, (<-inj.injected).Type)

	cancel()
	require.NoError(t, result(t, errc))
}

func TestHostRejected(t *testing.T) {
	logger := zerolog.Nop()
	tr := newFakeTransport()
	host := NewHost(HostConfig{
		Logger:    &logger,
		Transport: tr,
		Capture:   &fakeCapture{},
		Input:     &injector{},
		Code:      "482913",
	})

	_, errc := runAsync(host.Run)
	tr.push(t, model.EventError, model.ErrTextCodeInUse)

	err := result(t, errc)
	require.ErrorIs(t, err, ErrRejected)
	assert.True(t, strings.Contains(err.Error(), model.ErrTextCodeInUse))
}

func TestHostConnectionLost(t *testing.T) {
	logger := zerolog.Nop()
	tr := newFakeTransport()
	host := NewHost(HostConfig{
		Logger:    &logger,
		Transport: tr,
		Capture:   &fakeCapture{},
		Input:     &injector{},
		Code:      "1",
	})

	_, errc := runAsync(host.Run)
	close(tr.done)
	assert.ErrorIs(t, result(t, errc), ErrDisconnected)
}

func TestViewerReceivesAndSendsInput(t *testing.T) {
	logger := zerolog.Nop()
	tr := newFakeTransport()
	sink := &memSink{}
	input := make(chan model.InputEvent, 1)

	viewer := NewViewer(ViewerConfig{
		Logger:    &logger,
		Transport: tr,
		Sink:      sink,
		Input:     input,
		Code:      "482913",
	})

	_, errc := runAsync(viewer.Run)

	tr.push(t, model.EventScreenFrame, []byte{0xff, 0xd8})
	tr.push(t, model.EventScreenFrame, []byte{0xff, 0xd9})
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	input <- model.InputEvent{Type: model.InputKeyDown, Key: "a"}
	require.Eventually(t, func() bool { return len(tr.sentInputs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "482913", tr.sentInputs()[0].Code)

	tr.push(t, model.EventHostDisconnected, nil)
	assert.ErrorIs(t, result(t, errc), ErrHostGone)
	assert.Equal(t, [][]byte{{0xff, 0xd8}, {0xff, 0xd9}}, sink.frames)
	assert.Equal(t, uint64(2), viewer.Frames())
}

func TestViewerRetriesInvalidCode(t *testing.T) {
	logger := zerolog.Nop()
	tr := newFakeTransport()

	viewer := NewViewer(ViewerConfig{
		Logger:      &logger,
		Transport:   tr,
		Sink:        DiscardSink{},
		Code:        "482913",
		JoinRetries: 1,
		RetryDelay:  time.Millisecond,
	})

	_, errc := runAsync(viewer.Run)
	<-tr.joinedCh

	tr.push(t, model.EventError, model.ErrTextInvalidCode)
	<-tr.joinedCh

	tr.push(t, model.EventError, model.ErrTextInvalidCode)
	err := result(t, errc)
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, []string{"482913", "482913"}, tr.joins)
}

func TestFileSinkReplacesFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.jpg")
	sink := FileSink{Path: path}

	require.NoError(t, sink.WriteFrame([]byte("first")))
	require.NoError(t, sink.WriteFrame([]byte("second")))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadInputEvents(t *testing.T) {
	logger := zerolog.Nop()
	lines := strings.Join([]string{
		`{"type":"mousemove","x":1,"y":2}`,
		``,
		`not json`,
		`{"type":"keydown"}`,
		`{"type":"scroll","deltaY":-120}`,
	}, "\n")

	out := make(chan model.InputEvent, 8)
	require.NoError(t, ReadInputEvents(context.Background(), strings.NewReader(lines), out, &logger))

	var got []model.InputEvent
	for ev := range out {
		got = append(got, ev)
	}
	assert.Equal(t, []model.InputEvent{
		{Type: model.InputMouseMove, X: 1, Y: 2},
		{Type: model.InputScroll, DeltaY: -120},
	}, got)
}
