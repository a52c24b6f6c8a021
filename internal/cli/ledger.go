package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/ledger/rpc"
)

const shutdownGrace = 5 * time.Second

// LedgerAppendOptions holds flags for ledger append.
type LedgerAppendOptions struct {
	*RootOptions
	Kind    string
	Payload string
}

// LedgerServeOptions holds flags for ledger serve.
type LedgerServeOptions struct {
	*RootOptions
	Addr      string
	RateLimit float64

	// Ready, if set, receives the bound address once the server listens
	// (for testing).
	Ready chan<- string
}

// NewLedgerCommand creates the ledger command group. Both subcommands work
// on the local event log.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Write to and serve the local ledger",
	}
	cmd.AddCommand(newLedgerAppendCommand(rootOpts))
	cmd.AddCommand(newLedgerServeCommand(rootOpts))
	return cmd
}

func newLedgerAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerAppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <account>...",
		Short: "Append one event to the local ledger",
		Long: `Append one event concerning the given accounts to the local ledger.

Running watchers on any of the accounts see it within one poll interval.

Example:
  ledgersync ledger append --kind user_funds_deposited --payload '{"amount":5}' alice
  ledgersync ledger append --kind admin_command_dispatched alice bob`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerAppend(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", string(ir.KindUserFundsDeposited), "event kind")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "JSON payload")

	return cmd
}

func runLedgerAppend(opts *LedgerAppendOptions, rawAccounts []string, cmd *cobra.Command) error {
	accounts, err := parseAccounts(rawAccounts)
	if err != nil {
		return err
	}
	var payload json.RawMessage
	if opts.Payload != "" {
		if !json.Valid([]byte(opts.Payload)) {
			return NewExitError(ExitCommandError, "payload is not valid JSON")
		}
		payload = json.RawMessage(opts.Payload)
	}

	kind := ir.Kind(opts.Kind)
	out := opts.formatter(cmd)
	if !kind.Known() {
		out.VerboseLog("kind %q is not in the catalogue; appending anyway", kind)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log, err := openLocalLog(cfg.Ledger)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ev, err := log.AppendEvent(ctx, kind, payload, accounts)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to append event", err)
	}

	if opts.Format == "json" {
		return out.Success(ev)
	}
	return out.Success(fmt.Sprintf("appended %s seq %d id %s", ev.Kind, ev.Position.Seq, ev.Position.ID))
}

func newLedgerServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local ledger over HTTP and WebSocket",
		Long: `Expose the local ledger to watchers running in rpc mode.

POST /events answers historical queries; GET /live upgrades to a WebSocket
carrying live events for one account.

Example:
  ledgersync ledger serve --addr :8899`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8899", "listen address")
	cmd.Flags().Float64Var(&opts.RateLimit, "rate-limit", 0, "historical requests per second (0 = unlimited)")

	return cmd
}

func runLedgerServe(opts *LedgerServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := cfg.Log.NewLogger(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	defer logCloser.Close()

	log, err := openLocalLog(cfg.Ledger)
	if err != nil {
		return err
	}
	defer closeLogged(logger, "ledger", log)

	local := ledger.NewLocal(log,
		ledger.WithPollInterval(cfg.Ledger.PollInterval),
		ledger.WithLocalPageSize(cfg.Engine.HistoricalPageSize),
		ledger.WithLocalLogger(logger.With("component", "ledger")),
	)
	handler := rpc.NewServer(local,
		rpc.WithServerLogger(logger),
		rpc.WithRateLimit(opts.RateLimit, int(opts.RateLimit)+1),
	)

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ledger server listening", "addr", ln.Addr().String(), "db", cfg.Ledger.DBPath)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "ledger server failed", err)
	}
	logger.Info("ledger server stopped")
	return nil
}
