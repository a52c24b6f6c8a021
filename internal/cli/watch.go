package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledgersync/internal/engine"
	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/telemetry"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	FromStart bool
	Metrics   bool
	LiveOnly  bool

	// IDs overrides the subscription id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs engine.IDGenerator
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <account>",
		Short: "Print an account's events: history first, then live",
		Long: `Subscribe to an account and print every event in ledger order.

History after the stored cursor is replayed first (CATCHUP), followed by an
END_OF_CATCHUP line, then live events as they are confirmed (LIVE). The
cursor advances as events are handed to the listener, so a restarted watch
resumes after the last event handed off, which may be ahead of the last line
printed.

Example:
  ledgersync watch alice
  ledgersync watch alice --from-start --format json
  ledgersync watch alice --config ./ledgersync.yaml --metrics`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.FromStart, "from-start", false, "reset the cursor and replay the full history")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print engine counters on exit")
	cmd.Flags().BoolVar(&opts.LiveOnly, "live-only", false, "skip printing catch-up events")

	return cmd
}

func runWatch(opts *WatchOptions, rawAccount string, cmd *cobra.Command) error {
	accounts, err := parseAccounts([]string{rawAccount})
	if err != nil {
		return err
	}
	account := accounts[0]

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := cfg.Log.NewLogger(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	defer logCloser.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cursors, err := openCursorStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeLogged(logger, "cursor store", cursors)

	client, ledgerCloser, err := openLedger(cfg.Ledger, cfg.Engine.HistoricalPageSize, logger)
	if err != nil {
		return err
	}
	defer closeLogged(logger, "ledger", ledgerCloser)

	if opts.FromStart {
		existed, err := cursors.ResetCursor(ctx, account)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to reset cursor", err)
		}
		logger.Info("cursor reset", "account", account, "existed", existed)
	}

	var collector *telemetry.Collector
	metrics := telemetry.Default()
	if opts.Metrics {
		collector = telemetry.NewCollector()
		defer collector.Shutdown(context.Background())
		if metrics, err = telemetry.New(collector.Provider, otel.GetTracerProvider()); err != nil {
			return WrapExitError(ExitCommandError, "failed to create metrics", err)
		}
	}

	ids := opts.IDs
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	mgr, err := engine.NewManager(client, cursors,
		engine.WithConfig(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithIDGenerator(ids),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create event manager", err)
	}

	out := opts.formatter(cmd)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(gctx)
	})
	g.Go(func() error {
		defer mgr.Close()
		return mgr.WithListener(gctx, account, func(l *engine.Listener) error {
			logger.Info("watching", "account", account, "subscription", l.ID())
			return printEvents(gctx, l, out, opts.LiveOnly)
		})
	})
	err = g.Wait()

	if collector != nil {
		if summary, serr := collector.Summary(context.Background()); serr == nil {
			fmt.Fprint(cmd.ErrOrStderr(), summary)
		}
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, engine.ErrReleased), engine.IsShutdown(err):
		logger.Info("watch stopped", "account", account)
		return nil
	default:
		_ = out.Error(errorCode(err), err.Error(), map[string]string{"account": string(account)})
		return WrapExitError(ExitFailure, "watch failed", err)
	}
}

// printEvents copies deliveries to out until ctx ends or the subscription
// fails.
func printEvents(ctx context.Context, l *engine.Listener, out *OutputFormatter, liveOnly bool) error {
	for {
		env, err := l.Next(ctx)
		switch {
		case errors.Is(err, engine.ErrEndOfCatchup):
			if err := out.EndOfCatchup(); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}
		if liveOnly && env.Source == ir.SourceCatchup {
			continue
		}
		if err := out.Envelope(l.Account(), env); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
}
