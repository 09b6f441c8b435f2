package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/adwski/screen-relay/backend/model"
	"github.com/rs/zerolog"
)

const maxInputLine = 64 * 1024

// FileSink keeps the latest frame in a file. Writes go through a temp file
// and rename so readers never see a partial image.
type FileSink struct {
	Path string
}

func (s FileSink) WriteFrame(frame []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".frame-*")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(frame); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}

// DiscardSink drops frames.
type DiscardSink struct{}

func (DiscardSink) WriteFrame([]byte) error { return nil }

// ReadInputEvents decodes one JSON input event per line from r and sends
// valid ones to out. It returns when r is exhausted or ctx is done, out is closed then.
func ReadInputEvents(ctx context.Context, r io.Reader, out chan<- model.InputEvent, logger *zerolog.Logger) error {
	defer close(out)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxInputLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.InputEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Warn().Err(err).Msg("skipping malformed input line")
			continue
		}
		if err := ev.Validate(); err != nil {
			logger.Warn().Err(err).Str("type", ev.Type).Msg("skipping invalid input event")
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case out <- ev:
		}
	}
	return sc.Err()
}
