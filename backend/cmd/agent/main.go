package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adwski/screen-relay/backend/agent"
	"github.com/adwski/screen-relay/backend/capture"
	"github.com/adwski/screen-relay/backend/client"
	"github.com/adwski/screen-relay/backend/input"
	"github.com/adwski/screen-relay/backend/model"
	"github.com/adwski/screen-relay/backend/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type options struct {
	server      string
	logLevel    string
	fps         int
	quality     int
	scale       float64
	source      string
	code        string
	out         string
	input       string
	joinRetries int
	plain       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "relay-agent",
		Short: "Share or view a screen through a relay broker",
		Long: `relay-agent connects to a relay broker over WebSocket.

A host registers a 6-digit access code and streams its screen, a viewer
joins with that code, renders frames and sends input back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", "ws://localhost:8888/ws", "broker websocket URL")
	root.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "info", "log level")

	host := &cobra.Command{
		Use:   "host",
		Short: "Register an access code and stream the screen",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd.Context(), opts)
		},
	}
	host.Flags().IntVar(&opts.fps, "fps", 15, "frames per second")
	host.Flags().IntVarP(&opts.quality, "quality", "q", capture.DefaultQuality, "JPEG quality 1-100")
	host.Flags().Float64Var(&opts.scale, "scale", capture.DefaultScale, "downscale factor in (0, 1]")
	host.Flags().StringVar(&opts.source, "source", "", "capture source id (default first display)")
	host.Flags().StringVarP(&opts.code, "code", "c", "", "access code (default random)")
	host.Flags().BoolVar(&opts.plain, "plain", false, "plain log output even on a terminal")

	view := &cobra.Command{
		Use:   "view CODE",
		Short: "Join a session and receive frames",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.code = agent.NormalizeCode(args[0])
			return runViewer(cmd.Context(), opts)
		},
	}
	view.Flags().StringVarP(&opts.out, "out", "o", "frame.jpg", "file that always holds the latest frame")
	view.Flags().StringVarP(&opts.input, "input", "i", "", "read JSON input events line by line from file, - for stdin")
	view.Flags().IntVar(&opts.joinRetries, "join-retries", 5, "join attempts while access code is not registered yet")

	sources := &cobra.Command{
		Use:   "sources",
		Short: "List capture sources",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger, err := newLogger(opts.logLevel, os.Stderr)
			if err != nil {
				return err
			}
			list, err := capture.NewScreenAdapter(capture.ScreenConfig{Logger: &logger}).ListSources()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				return capture.ErrNoSources
			}
			for _, src := range list {
				fmt.Printf("%-10s %s\n", src.ID, src.DisplayName)
			}
			return nil
		},
	}

	root.AddCommand(host, view, sources)
	return root
}

func newLogger(level string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("failed to parse loglevel: %w", err)
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl), nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runHost(parent context.Context, opts *options) error {
	code := agent.NormalizeCode(opts.code)
	if code == "" {
		var err error
		if code, err = agent.GenerateCode(); err != nil {
			return fmt.Errorf("cannot generate access code: %w", err)
		}
	}
	if opts.fps <= 0 {
		return fmt.Errorf("invalid fps %d", opts.fps)
	}

	interactive := !opts.plain && term.IsTerminal(int(os.Stdout.Fd()))

	logOut := io.Writer(os.Stderr)
	if interactive {
		// terminal belongs to status screen
		f, err := os.Create(filepath.Join(os.TempDir(), "relay-agent.log"))
		if err != nil {
			logOut = io.Discard
		} else {
			defer func() { _ = f.Close() }()
			logOut = f
		}
	}
	logger, err := newLogger(opts.logLevel, logOut)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(parent)
	defer cancel()

	conn, err := client.Dial(ctx, client.Config{Logger: &logger, URL: opts.server})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	injector := input.NewAdapter(input.NewPlatformBackend(&logger), &logger)
	defer func() { _ = injector.Close() }()

	cfg := agent.HostConfig{
		Logger:    &logger,
		Transport: conn,
		Capture: capture.NewScreenAdapter(capture.ScreenConfig{
			Logger:  &logger,
			Encoder: capture.JPEGEncoder{Quality: opts.quality, Scale: opts.scale},
			FPS:     opts.fps,
		}),
		Input:    injector,
		Code:     code,
		SourceID: opts.source,
		Interval: time.Second / time.Duration(opts.fps),
	}

	if !interactive {
		logger.Info().Str("code", agent.FormatCode(code)).Msg("share this access code with viewer")
		return ignoreCancel(agent.NewHost(cfg).Run(ctx))
	}

	prog := tea.NewProgram(tui.NewModel(code), tea.WithAltScreen(), tea.WithContext(ctx))
	cfg.OnStatus = func(s agent.HostStatus) { prog.Send(tui.StatusMsg(s)) }

	errc := make(chan error, 1)
	go func() {
		err := agent.NewHost(cfg).Run(ctx)
		prog.Send(tui.DoneMsg{Err: err})
		errc <- err
	}()

	if _, err = prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		logger.Error().Err(err).Msg("status screen failed")
	}
	cancel()
	return ignoreCancel(<-errc)
}

func runViewer(parent context.Context, opts *options) error {
	logger, err := newLogger(opts.logLevel, os.Stderr)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(parent)
	defer cancel()

	conn, err := client.Dial(ctx, client.Config{Logger: &logger, URL: opts.server})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	var events chan model.InputEvent
	if opts.input != "" {
		r := io.Reader(os.Stdin)
		if opts.input != "-" {
			f, err := os.Open(opts.input)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			r = f
		}
		events = make(chan model.InputEvent, 16)
		go func() {
			if err := agent.ReadInputEvents(ctx, r, events, &logger); err != nil {
				logger.Error().Err(err).Msg("input reader stopped")
			}
		}()
	}

	viewer := agent.NewViewer(agent.ViewerConfig{
		Logger:      &logger,
		Transport:   conn,
		Sink:        agent.FileSink{Path: opts.out},
		Input:       events,
		Code:        opts.code,
		JoinRetries: opts.joinRetries,
	})
	err = viewer.Run(ctx)
	logger.Info().Uint64("frames", viewer.Frames()).Msg("viewer stopped")
	return ignoreCancel(err)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
