//go:build !linux

package input

import "github.com/rs/zerolog"

// NewPlatformBackend returns log-only backend, injection is implemented for X11 only.
func NewPlatformBackend(logger *zerolog.Logger) Backend {
	logger.Warn().Err(ErrUnavailable).Msg("remote input will only be logged")
	return LogBackend{Logger: logger.With().Str("component", "input").Logger()}
}
