package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgersync/internal/store"
)

// NewCursorCommand creates the cursor command group.
func NewCursorCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect and reset delivery cursors",
		Long: `Inspect and reset the per-account delivery cursors.

A cursor is the position of the last event handed to a listener. Resetting
it makes the next watch replay the account's history from the beginning.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List every stored cursor",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCursorList(rootOpts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "show <account>",
		Short:         "Show the cursor of one account",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCursorShow(rootOpts, args[0], cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "reset <account>...",
		Short:         "Delete cursors so history is replayed",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCursorReset(rootOpts, args, cmd)
		},
	})

	return cmd
}

// withCursorStore opens the configured cursor store for the duration of fn.
func withCursorStore(opts *RootOptions, cmd *cobra.Command, fn func(context.Context, cursorStore) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openCursorStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func runCursorList(opts *RootOptions, cmd *cobra.Command) error {
	return withCursorStore(opts, cmd, func(ctx context.Context, st cursorStore) error {
		records, err := st.ListCursors(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list cursors", err)
		}

		out := opts.formatter(cmd)
		if opts.Format == "json" {
			return out.Success(records)
		}
		if len(records) == 0 {
			return out.Success("No cursors stored.")
		}
		return out.Success(formatCursorTable(records))
	})
}

func runCursorShow(opts *RootOptions, raw string, cmd *cobra.Command) error {
	accounts, err := parseAccounts([]string{raw})
	if err != nil {
		return err
	}
	return withCursorStore(opts, cmd, func(ctx context.Context, st cursorStore) error {
		pos, err := st.LoadCursor(ctx, accounts[0])
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load cursor", err)
		}

		out := opts.formatter(cmd)
		if opts.Format == "json" {
			return out.Success(map[string]any{
				"account":  accounts[0],
				"position": pos,
			})
		}
		if pos.IsZero() {
			return out.Success(fmt.Sprintf("%s: no cursor (history replays from the start)", accounts[0]))
		}
		return out.Success(fmt.Sprintf("%s: seq %d id %s", accounts[0], pos.Seq, pos.ID))
	})
}

func runCursorReset(opts *RootOptions, raw []string, cmd *cobra.Command) error {
	accounts, err := parseAccounts(raw)
	if err != nil {
		return err
	}
	return withCursorStore(opts, cmd, func(ctx context.Context, st cursorStore) error {
		reset := make(map[string]bool, len(accounts))
		for _, account := range accounts {
			existed, err := st.ResetCursor(ctx, account)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to reset cursor", err)
			}
			reset[string(account)] = existed
		}

		out := opts.formatter(cmd)
		if opts.Format == "json" {
			return out.Success(reset)
		}
		var b strings.Builder
		for i, account := range accounts {
			if i > 0 {
				b.WriteByte('\n')
			}
			if reset[string(account)] {
				fmt.Fprintf(&b, "%s: cursor reset", account)
			} else {
				fmt.Fprintf(&b, "%s: no cursor stored", account)
			}
		}
		return out.Success(b.String())
	})
}

func formatCursorTable(records []store.CursorRecord) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSEQ\tEVENT ID\tUPDATED")
	for _, r := range records {
		id := r.Position.ID
		if len(id) > 12 {
			id = id[:12]
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.Account, r.Position.Seq, id, r.UpdatedAt.UTC().Format(time.RFC3339))
	}
	tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}
