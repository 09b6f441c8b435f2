package capture

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func TestJPEGEncoderScales(t *testing.T) {
	b, err := JPEGEncoder{Quality: 50, Scale: 0.5}.Encode(testImage(64, 32))
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)
	assert.Equal(t, 16, cfg.Height)

	b, err = JPEGEncoder{}.Encode(testImage(10, 10))
	require.NoError(t, err)
	cfg, err = jpeg.DecodeConfig(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Width)
}

func newFakeAdapter(grab grabFunc, screens ...image.Rectangle) *ScreenAdapter {
	logger := zerolog.Nop()
	a := NewScreenAdapter(ScreenConfig{Logger: &logger, FPS: 100})
	a.grab = grab
	a.screens = func() []image.Rectangle { return screens }
	return a
}

func TestListSources(t *testing.T) {
	a := newFakeAdapter(nil)
	sources, err := a.ListSources()
	require.NoError(t, err)
	assert.Empty(t, sources)

	a = newFakeAdapter(nil, image.Rect(0, 0, 1920, 1080), image.Rect(1920, 0, 3200, 1024))
	sources, err = a.ListSources()
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "screen:1", sources[1].ID)
	assert.Equal(t, "Screen 1 (1920x1080)", sources[0].DisplayName)
}

func TestOpenUnknownSource(t *testing.T) {
	a := newFakeAdapter(nil, image.Rect(0, 0, 8, 8))
	for _, id := range []string{"screen:1", "window:0", "screen:x", "0"} {
		_, err := a.Open(id)
		assert.ErrorIs(t, err, ErrSourceUnknown, id)
	}
}

func TestPullFrameIsNonBlockingAndFresh(t *testing.T) {
	var grabs atomic.Int32
	a := newFakeAdapter(func(r image.Rectangle) (*image.RGBA, error) {
		grabs.Add(1)
		return testImage(r.Dx(), r.Dy()), nil
	}, image.Rect(0, 0, 16, 16))

	s, err := a.Open("screen:0")
	require.NoError(t, err)
	defer s.Stop()

	start := time.Now()
	_, ok := s.PullFrame()
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Millisecond)

	var frame []byte
	require.Eventually(t, func() bool {
		frame, ok = s.PullFrame()
		return ok
	}, time.Second, 5*time.Millisecond)
	_, err = jpeg.DecodeConfig(bytes.NewReader(frame))
	require.NoError(t, err)

	// the same frame is never returned twice
	s.Stop()
	_, ok = s.PullFrame()
	if ok {
		_, ok = s.PullFrame()
	}
	assert.False(t, ok)
	assert.Positive(t, grabs.Load())
}

func TestCaptureFailureIsSwallowed(t *testing.T) {
	a := newFakeAdapter(func(image.Rectangle) (*image.RGBA, error) {
		return nil, errors.New("permission denied")
	}, image.Rect(0, 0, 8, 8))

	s, err := a.Open("screen:0")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, ok := s.PullFrame()
	assert.False(t, ok)
	s.Stop()
	s.Stop()
}
