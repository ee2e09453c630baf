package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"command-outbox/internal/models"
	"command-outbox/internal/store"
)

// NewSummaryCommand prints queue depth, the due/not-due split, the receipt count
// and the last heartbeat of every known agent.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "summary",
		Short:         "Show queue depth by status",
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

			snap, err := svc.Inspect(ctx, 0)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read queue", err)
			}
			if rootOpts.Format == "json" {
				doc := map[string]any{
					"depth":    snap.Depth,
					"total":    snap.Depth.Total(),
					"pending":  snap.Pending,
					"receipts": snap.Receipts,
					"ts":       snap.At,
				}
				if len(snap.Agents) > 0 {
					doc["agents"] = snap.Agents
				}
				return writeJSON(cmd.OutOrStdout(), doc)
			}
			out := cmd.OutOrStdout()
			for _, st := range models.Statuses {
				fmt.Fprintf(out, "%-16s %d\n", st, snap.Depth[st])
			}
			fmt.Fprintf(out, "%-16s %d\n", "total", snap.Depth.Total())
			fmt.Fprintf(out, "%-16s %d\n", "pending_due", snap.Pending.Due)
			fmt.Fprintf(out, "%-16s %d\n", "pending_not_due", snap.Pending.NotDue)
			fmt.Fprintf(out, "%-16s %d\n", "receipts", snap.Receipts)
			for _, a := range snap.Agents {
				state := "ok"
				if a.Stale {
					state = "stale"
				}
				fmt.Fprintf(out, "%-16s %s last_seen=%s latency_ms=%g beats=%d %s\n",
					"agent", a.AgentID, stamp(a.LastSeen), a.LatencyMS, a.Beats, state)
			}
			return nil
		},
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Status string
	Agent  string
	Due    bool
	Limit  int
}

// NewListCommand lists commands oldest first.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commands",
		Long: `List commands oldest first.

Examples:
  outboxctl list --status pending --due
  outboxctl list --agent edge-1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&opts.Agent, "agent", "", "filter by the agent holding or last holding the lease")
	cmd.Flags().BoolVar(&opts.Due, "due", false, "only pending commands whose not_before has passed")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum rows")
	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	if opts.Status != "" && !validStatus(opts.Status) {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", opts.Status))
	}
	ctx := context.Background()
	svc, closeFn, err := opts.open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeFn()

	cmds, err := svc.List(ctx, store.ListFilter{
		Status:  opts.Status,
		AgentID: opts.Agent,
		DueOnly: opts.Due,
		Now:     opts.now(),
		Limit:   opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list commands", err)
	}
	if opts.Format == "json" {
		if cmds == nil {
			cmds = []models.Command{}
		}
		return writeJSON(cmd.OutOrStdout(), cmds)
	}
	out := cmd.OutOrStdout()
	if len(cmds) == 0 {
		fmt.Fprintln(out, "no commands")
		return nil
	}
	for _, c := range cmds {
		agent := c.AgentID
		if agent == "" {
			agent = c.TargetAgent
		}
		fmt.Fprintf(out, "%s  %-9s  %-12s  %-10s  attempts=%d  not_before=%s\n",
			c.ID, c.Status, c.Type, dash(agent), c.Attempts, stamp(c.NotBefore))
	}
	return nil
}

func validStatus(s string) bool {
	for _, st := range models.Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// NewShowCommand prints one command and its latest receipt.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <id>",
		Short:         "Show a command and its latest receipt",
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

			d, err := svc.Show(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load command", err)
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			out := cmd.OutOrStdout()
			c := d.Command
			fmt.Fprintf(out, "id:               %s\n", c.ID)
			fmt.Fprintf(out, "type:             %s\n", c.Type)
			fmt.Fprintf(out, "status:           %s\n", c.Status)
			fmt.Fprintf(out, "target_agent:     %s\n", dash(c.TargetAgent))
			fmt.Fprintf(out, "agent_id:         %s\n", dash(c.AgentID))
			fmt.Fprintf(out, "dedupe_key:       %s\n", c.DedupeKey)
			fmt.Fprintf(out, "attempts:         %d\n", c.Attempts)
			fmt.Fprintf(out, "not_before:       %s\n", stamp(c.NotBefore))
			fmt.Fprintf(out, "deadline:         %s\n", stamp(c.Deadline))
			fmt.Fprintf(out, "lease_expires_at: %s\n", stamp(c.LeaseExpiresAt))
			fmt.Fprintf(out, "created_at:       %s\n", stamp(c.CreatedAt))
			fmt.Fprintf(out, "payload:          %s\n", c.Payload)
			if rc := d.LatestReceipt; rc != nil {
				fmt.Fprintf(out, "receipt:          %s ok=%t txid=%s at=%s\n", rc.Status, rc.OK, dash(rc.TxID), stamp(rc.ReceivedAt))
				if rc.Message != "" {
					fmt.Fprintf(out, "message:          %s\n", rc.Message)
				}
			}
			return nil
		},
	}
}

// ReceiptsOptions holds flags for the receipts command.
type ReceiptsOptions struct {
	*RootOptions
	CommandID string
	Daily     bool
	Limit     int
}

// NewReceiptsCommand lists raw receipts or the compacted daily aggregates.
func NewReceiptsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReceiptsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "receipts",
		Short:         "List receipts or daily aggregates",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReceipts(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.CommandID, "command", "", "only receipts for this command id")
	cmd.Flags().BoolVar(&opts.Daily, "daily", false, "show compacted per-day aggregates")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum rows")
	return cmd
}

func runReceipts(opts *ReceiptsOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	svc, closeFn, err := opts.open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeFn()
	out := cmd.OutOrStdout()

	if opts.Daily {
		days, err := svc.Store().DailyReceipts(ctx, opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read daily receipts", err)
		}
		if opts.Format == "json" {
			if days == nil {
				days = []models.DailyReceipts{}
			}
			return writeJSON(out, days)
		}
		if len(days) == 0 {
			fmt.Fprintln(out, "no daily aggregates")
			return nil
		}
		for _, d := range days {
			fmt.Fprintf(out, "%s  total=%d ok=%d error=%d last=%s\n", d.Day, d.CountTotal, d.CountOK, d.CountError, stamp(d.LastTS))
		}
		return nil
	}

	rcs, err := svc.Store().ListReceipts(ctx, store.ReceiptFilter{CommandID: opts.CommandID, Limit: opts.Limit})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list receipts", err)
	}
	if opts.Format == "json" {
		if rcs == nil {
			rcs = []models.Receipt{}
		}
		return writeJSON(out, rcs)
	}
	if len(rcs) == 0 {
		fmt.Fprintln(out, "no receipts")
		return nil
	}
	for _, rc := range rcs {
		fmt.Fprintf(out, "%d  %s  %-8s  ok=%t  agent=%s  txid=%s  at=%s\n",
			rc.ID, rc.CommandID, rc.Status, rc.OK, dash(rc.AgentID), dash(rc.TxID), stamp(rc.ReceivedAt))
	}
	return nil
}
