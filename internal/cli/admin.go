package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"command-outbox/internal/compactor"
	"command-outbox/internal/outbox"
)

// NewReapCommand returns expired leases to pending. Without --agent it also
// expires overdue pending commands, like one reaper tick.
func NewReapCommand(rootOpts *RootOptions) *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:           "reap",
		Short:         "Return expired leases to pending",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			svc, closeFn, err := rootOpts.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeFn()

			var res outbox.SweepResult
			if agent != "" {
				res.Reaped, err = svc.Reap(ctx, agent)
			} else {
				res, err = svc.Sweep(ctx)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "reap failed", err)
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"reaped": res.Reaped, "expired": res.Expired})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d, expired %d\n", res.Reaped, res.Expired)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "only reap leases held by this agent")
	return cmd
}

// NewForceCommand resets one command to pending regardless of its lease.
func NewForceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "force <id>",
		Short:         "Force a command back to pending",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			svc, closeFn, err := rootOpts.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeFn()

			ok, err := svc.ForcePending(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "force failed", err)
			}
			if rootOpts.Format == "json" {
				if err := writeJSON(cmd.OutOrStdout(), map[string]any{"id": args[0], "forced": ok}); err != nil {
					return err
				}
			} else if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> pending\n", args[0])
			}
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("no command %s", args[0]))
			}
			return nil
		},
	}
}

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Payload  string
	Agent    string
	Type     string
	Dedupe   string
	Delay    time.Duration
	Deadline time.Duration
}

// NewEnqueueCommand inserts a command through the same validation as the HTTP route.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a command",
		Long: `Enqueue a command directly into the store.

Examples:
  outboxctl enqueue --agent edge-1 --payload '{"venue":"KRAKEN","symbol":"XBT/USDT","side":"buy","amount_quote":25}'
  outboxctl enqueue --payload @order.json --dedupe retry-42 --delay 30s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnqueue(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "command JSON object, or @file (required)")
	_ = cmd.MarkFlagRequired("payload")
	cmd.Flags().StringVar(&opts.Agent, "agent", "", "target agent (empty: any agent)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "command type (default order.place)")
	cmd.Flags().StringVar(&opts.Dedupe, "dedupe", "", "idempotency key (default: hash of agent and payload)")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "hold the command for this long")
	cmd.Flags().DurationVar(&opts.Deadline, "deadline", 0, "expire the command if not leased within this long")
	return cmd
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	body, err := buildEnvelope(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid payload", err)
	}
	req, err := outbox.ParseEnqueue(body)
	if err != nil {
		return WrapExitError(ExitCommandError, "rejected", err)
	}

	ctx := context.Background()
	svc, closeFn, err := opts.open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := svc.Enqueue(ctx, req)
	if err != nil {
		return WrapExitError(ExitCommandError, "enqueue failed", err)
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"id": res.ID, "enqueued": res.Created, "duplicate": !res.Created})
	}
	verb := "enqueued"
	if !res.Created {
		verb = "duplicate of"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, res.ID)
	return nil
}

func buildEnvelope(opts *EnqueueOptions) ([]byte, error) {
	raw := opts.Payload
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var command map[string]any
	if err := dec.Decode(&command); err != nil {
		return nil, err
	}
	if command == nil {
		return nil, errors.New("payload must be a JSON object")
	}
	if opts.Type != "" {
		command["type"] = opts.Type
	}
	if opts.Dedupe != "" {
		command["idempotency_key"] = opts.Dedupe
	}
	meta := map[string]any{"source": "outboxctl"}
	if opts.Delay > 0 {
		meta["delay_s"] = opts.Delay.Seconds()
	}
	if opts.Deadline > 0 {
		meta["deadline"] = opts.now().Add(opts.Deadline).Unix()
	}
	env := map[string]any{"command": command, "meta": meta}
	if opts.Agent != "" {
		env["agent"] = opts.Agent
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	RetentionDays int
	MaxDelete     int
	ArchiveDir    string
}

// NewCompactCommand drains receipts older than the retention window into daily aggregates.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "compact",
		Short:         "Compact old receipts into daily aggregates",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			svc, closeFn, err := opts.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeFn()

			cfg := compactor.Config{
				Store:     svc.Store(),
				Retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
				MaxDelete: opts.MaxDelete,
				Now:       opts.now,
			}
			if opts.ArchiveDir != "" {
				cfg.Archiver = &compactor.LocalArchiver{BaseDir: opts.ArchiveDir}
			}
			c, err := compactor.New(cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid compactor config", err)
			}
			deleted, err := c.Drain(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "compaction failed", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"compacted": deleted})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compacted %d receipts\n", deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.RetentionDays, "retention-days", 14, "keep raw receipts newer than this")
	cmd.Flags().IntVar(&opts.MaxDelete, "max-delete", 5000, "rows per compaction pass")
	cmd.Flags().StringVar(&opts.ArchiveDir, "archive-dir", "", "write compacted rows as JSON lines under this directory")
	return cmd
}
