// Package cli implements outboxctl, the operator tool that works directly
// against the outbox database.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"command-outbox/internal/outbox"
	"command-outbox/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Driver  string
	DSN     string

	// Store carries the busy timeout and retry policy; Driver and DSN
	// replace its connection fields.
	Store store.Options

	// Now overrides the wall clock; tests pin it for stable output.
	Now func() time.Time
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the outboxctl root command. base seeds the --driver
// and --db defaults and supplies the store retry policy.
func NewRootCommand(base store.Options) *cobra.Command {
	return newRootCommand(&RootOptions{Store: base}, base.Driver, base.DSN)
}

func newRootCommand(opts *RootOptions, driver, dsn string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outboxctl",
		Short: "Inspect and correct the command outbox",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", driver, "store driver (sqlite|postgres)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "db", dsn, "SQLite path or Postgres DSN")

	cmd.AddCommand(NewSummaryCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewReapCommand(opts))
	cmd.AddCommand(NewForceCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewReceiptsCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *RootOptions) storeOptions() store.Options {
	so := o.Store
	so.Driver = o.Driver
	so.DSN = o.DSN
	return so
}

// open connects to the store and wraps it in a service. Service logs go to
// stderr at warn level unless --verbose is set.
func (o *RootOptions) open(ctx context.Context, stderr io.Writer) (*outbox.Service, func(), error) {
	st, err := store.Open(ctx, o.storeOptions())
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	svc := outbox.New(st, outbox.Options{
		Logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
		Now:    o.now,
	})
	return svc, func() { _ = st.Close() }, nil
}
