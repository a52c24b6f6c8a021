package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/ledgersync/internal/config"
	"github.com/roach88/ledgersync/internal/engine"
	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/ledger/rpc"
	"github.com/roach88/ledgersync/internal/store"
	"github.com/roach88/ledgersync/internal/store/pgstore"
	"github.com/roach88/ledgersync/internal/store/redisstore"
)

// cursorStore is what the CLI needs from any cursor backend.
type cursorStore interface {
	engine.CursorStore
	ListCursors(ctx context.Context) ([]store.CursorRecord, error)
	ResetCursor(ctx context.Context, account ir.AccountKey) (bool, error)
	Close() error
}

var (
	_ cursorStore = (*store.Store)(nil)
	_ cursorStore = (*pgstore.Store)(nil)
	_ cursorStore = (*redisstore.Store)(nil)
)

// openCursorStore opens the backend named by cfg.Driver.
func openCursorStore(ctx context.Context, cfg config.StoreConfig) (cursorStore, error) {
	switch cfg.Driver {
	case "sqlite", "":
		st, err := store.Open(cfg.Path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open cursor store", err)
		}
		return st, nil
	case "postgres":
		st, err := pgstore.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open cursor store", err)
		}
		return st, nil
	case "redis":
		st := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redisstore.WithPrefix(cfg.RedisPrefix))
		if err := st.Ping(ctx); err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to reach redis", err)
		}
		return st, nil
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown store driver %q", cfg.Driver))
	}
}

// openLedger builds the ledger client named by cfg.Mode. The returned closer
// releases the local event log, if one was opened.
func openLedger(cfg config.LedgerConfig, pageSize int, logger *slog.Logger) (ledger.Client, io.Closer, error) {
	switch cfg.Mode {
	case "local", "":
		log, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to open local ledger", err)
		}
		l := ledger.NewLocal(log,
			ledger.WithPollInterval(cfg.PollInterval),
			ledger.WithLocalPageSize(pageSize),
			ledger.WithLocalLogger(logger.With("component", "ledger")),
		)
		return l, log, nil
	case "rpc":
		c := rpc.NewClient(cfg.RPCURL, cfg.WSURL, rpc.WithClientLogger(logger.With("component", "ledger")))
		return c, nil, nil
	default:
		return nil, nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown ledger mode %q", cfg.Mode))
	}
}

// openLocalLog opens the local event log for commands that write to it.
func openLocalLog(cfg config.LedgerConfig) (*store.Store, error) {
	if cfg.Mode != "local" && cfg.Mode != "" {
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("ledger mode is %q; this command needs mode local", cfg.Mode))
	}
	log, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local ledger", err)
	}
	return log, nil
}

// closeLogged closes c and logs a failure.
func closeLogged(logger *slog.Logger, what string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("close failed", "what", what, "error", err)
	}
}
