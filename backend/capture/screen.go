package capture

import (
	"fmt"
	"image"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kbinani/screenshot"
	"github.com/rs/zerolog"
)

const (
	sourcePrefix      = "screen:"
	defaultCaptureFPS = 15
)

type grabFunc func(image.Rectangle) (*image.RGBA, error)

// ScreenAdapter captures physical displays.
type ScreenAdapter struct {
	logger  zerolog.Logger
	encoder JPEGEncoder
	fps     int
	grab    grabFunc
	screens func() []image.Rectangle
}

type ScreenConfig struct {
	Logger  *zerolog.Logger
	Encoder JPEGEncoder
	FPS     int
}

func NewScreenAdapter(cfg ScreenConfig) *ScreenAdapter {
	if cfg.FPS <= 0 {
		cfg.FPS = defaultCaptureFPS
	}
	return &ScreenAdapter{
		logger:  cfg.Logger.With().Str("component", "capture").Logger(),
		encoder: cfg.Encoder,
		fps:     cfg.FPS,
		grab:    screenshot.CaptureRect,
		screens: activeDisplays,
	}
}

func activeDisplays() []image.Rectangle {
	n := screenshot.NumActiveDisplays()
	bounds := make([]image.Rectangle, n)
	for i := 0; i < n; i++ {
		bounds[i] = screenshot.GetDisplayBounds(i)
	}
	return bounds
}

// ListSources returns active displays. The result may be empty.
func (a *ScreenAdapter) ListSources() ([]Source, error) {
	screens := a.screens()
	sources := make([]Source, len(screens))
	for i, b := range screens {
		sources[i] = Source{
			ID:          sourcePrefix + strconv.Itoa(i),
			DisplayName: fmt.Sprintf("Screen %d (%dx%d)", i+1, b.Dx(), b.Dy()),
			Bounds:      b,
		}
	}
	return sources, nil
}

func (a *ScreenAdapter) Open(sourceID string) (Session, error) {
	idx, err := strconv.Atoi(strings.TrimPrefix(sourceID, sourcePrefix))
	if err != nil || !strings.HasPrefix(sourceID, sourcePrefix) {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnknown, sourceID)
	}
	screens := a.screens()
	if idx < 0 || idx >= len(screens) {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnknown, sourceID)
	}

	s := &grabSession{
		bounds:  screens[idx],
		grab:    a.grab,
		encoder: a.encoder,
		period:  time.Second / time.Duration(a.fps),
		stop:    make(chan struct{}),
		logger:  a.logger.With().Str("source", sourceID).Logger(),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// grabSession grabs and encodes frames in background, keeping only the latest one.
type grabSession struct {
	bounds  image.Rectangle
	grab    grabFunc
	encoder JPEGEncoder
	period  time.Duration
	logger  zerolog.Logger

	mx     sync.Mutex
	latest []byte
	fresh  bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *grabSession) PullFrame() ([]byte, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if !s.fresh {
		return nil, false
	}
	s.fresh = false
	return s.latest, true
}

func (s *grabSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

func (s *grabSession) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	var failing bool
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			frame, err := s.capture()
			if err != nil {
				if !failing {
					s.logger.Warn().Err(err).Msg("frame capture failed")
				}
				failing = true
				continue
			}
			if failing {
				s.logger.Info().Msg("frame capture recovered")
			}
			failing = false

			s.mx.Lock()
			s.latest, s.fresh = frame, true
			s.mx.Unlock()
		}
	}
}

func (s *grabSession) capture() ([]byte, error) {
	img, err := s.grab(s.bounds)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	return s.encoder.Encode(img)
}
