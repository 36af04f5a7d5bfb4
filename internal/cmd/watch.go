package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/vforsh/argus/internal/discover"
	"github.com/vforsh/argus/internal/logging"
	"github.com/vforsh/argus/internal/watcher"
)

// WatchOptions holds the flags for `argus watch`.
type WatchOptions struct {
	MatchURL       string
	MatchTitle     string
	ChromeHost     string
	ChromePort     int
	Port           int
	NetworkEnabled bool
	RestoreOnExit  bool
	JSONLogs       bool

	iooption.IOStreams
}

var (
	watchLong = templates.LongDesc(`
		Attach to a Chromium target matched by URL or title substring and
		serve its logs, network activity, and control surface over HTTP
		until interrupted.`)

	watchExample = templates.Examples(`
		# Attach to the first tab whose URL contains localhost:3000
		argus watch --match-url=localhost:3000

		# Pick a specific debugging port and a fixed HTTP port
		argus watch --match-title="My App" --chrome-port=9222 --port=4500`)
)

// NewWatchOptions provides an initialised WatchOptions instance.
func NewWatchOptions(streams iooption.IOStreams) *WatchOptions {
	return &WatchOptions{
		IOStreams: streams,
	}
}

// NewWatchCommand builds the `argus watch` command.
func NewWatchCommand(o *WatchOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "watch",
		DisableFlagsInUseLine: true,
		Short:                 "Attach to a browser target and serve its observability API",
		Long:                  watchLong,
		Example:               watchExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run()
		},
	}

	pflags := cmd.Flags()
	pflags.StringVar(&o.MatchURL, "match-url", "", "substring to match against a target's URL")
	pflags.StringVar(&o.MatchTitle, "match-title", "", "substring to match against a target's title")
	pflags.StringVar(&o.ChromeHost, "chrome-host", "127.0.0.1", "host Chrome's remote debugging port is bound to")
	pflags.IntVar(&o.ChromePort, "chrome-port", 9222, "Chrome's remote debugging port")
	pflags.IntVar(&o.Port, "port", 0, "HTTP port to serve on (0 picks a free port)")
	pflags.BoolVar(&o.NetworkEnabled, "network", true, "capture network activity in addition to console logs")
	pflags.BoolVar(&o.RestoreOnExit, "restore-on-exit", true, "clear throttle/emulation overrides on graceful shutdown")
	pflags.BoolVar(&o.JSONLogs, "json-logs", false, "emit watcher logs as JSON lines instead of text")

	return cmd
}

// Complete fills in anything that depends on parsed flags or args.
func (o *WatchOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

// Validate checks the option values are usable.
func (o *WatchOptions) Validate() error {
	if o.MatchURL == "" && o.MatchTitle == "" {
		return fmt.Errorf("at least one of --match-url or --match-title is required")
	}
	return nil
}

// Run starts the watcher and blocks until it exits.
func (o *WatchOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level := slog.LevelInfo
	var log logging.Logger
	if o.JSONLogs {
		log = logging.NewJSON(o.ErrOut, level)
	} else {
		log = logging.NewText(o.ErrOut, level)
	}

	sup, err := watcher.New(watcher.Config{
		ChromeHost:     o.ChromeHost,
		ChromePort:     o.ChromePort,
		Match:          discover.Match{URL: o.MatchURL, Title: o.MatchTitle},
		NetworkEnabled: o.NetworkEnabled,
		HTTPAddr:       fmt.Sprintf("127.0.0.1:%d", o.Port),
		RestoreOnExit:  o.RestoreOnExit,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("failed to construct watcher: %w", err)
	}

	fmt.Fprintf(o.Out, "argus: watcher %s starting (match url=%q title=%q)\n", sup.ID(), o.MatchURL, o.MatchTitle)

	if err := sup.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("watcher exited with error: %w", err)
	}
	return nil
}
