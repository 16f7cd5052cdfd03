package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ledgersync/internal/models"
	"ledgersync/internal/service"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var forceFull bool
	var initiator string

	cmd := &cobra.Command{
		Use:   "sync [entities...]",
		Short: "Run one sync session; all entities when none are named",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var result *service.SessionResult
			if len(args) == 0 && !forceFull {
				result, err = a.engine.TriggerFullSync(ctx, initiator)
			} else {
				if len(args) == 0 {
					args = entityNames(models.AllEntityTypes())
				}
				result, err = a.engine.TriggerEntitySync(ctx, args, initiator, forceFull)
			}
			if err != nil {
				return err
			}
			if err := printSession(cmd.OutOrStdout(), opts.Format, result); err != nil {
				return err
			}
			if result.Status == models.SessionError {
				return fmt.Errorf("session %s: %s", result.SessionID, result.ErrorSummary)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&forceFull, "force-full", false, "fetch from the epoch; cursors never move backwards")
	cmd.Flags().StringVar(&initiator, "initiator", "cli", "recorded as initiated_by on the session")
	return cmd
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <entity>",
		Short: "Rewind an entity checkpoint to the epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			cp, err := a.engine.ResetCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCheckpoints(cmd.OutOrStdout(), opts.Format, []models.Checkpoint{*cp})
		},
	}
}

func newCheckpointsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List entity checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.engine.Checkpoints.List(cmd.Context())
			if err != nil {
				return err
			}
			return printCheckpoints(cmd.OutOrStdout(), opts.Format, items)
		},
	}
}

func entityNames(types []models.EntityType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

func printSession(w io.Writer, format string, result *service.SessionResult) error {
	if format == "json" {
		return writeJSON(w, result)
	}
	fmt.Fprintf(w, "session %s (%s/%s): %s, %d records, %d api calls, %.1f%% entities ok\n",
		result.SessionID, result.Type, result.Scope, result.Status,
		result.TotalRecordsProcessed, result.TotalAPICalls, result.SuccessRate)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tSTATUS\tPROCESSED\tFAILED\tCALLS\t429s\tCURSOR\tERROR")
	for _, e := range result.Entities {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			e.Entity, e.Status, e.RecordsProcessed, e.RecordsFailed, e.APICalls, e.RateLimitHits,
			formatCursor(e.CursorAfter), e.Error)
	}
	if result.ErrorSummary != "" {
		fmt.Fprintln(tw, result.ErrorSummary)
	}
	return tw.Flush()
}

func printCheckpoints(w io.Writer, format string, items []models.Checkpoint) error {
	if format == "json" {
		return writeJSON(w, items)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tSTATUS\tCURSOR\tHAS_MORE\tLAST_SUCCESS\tERRORS")
	for _, cp := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\n",
			cp.EntityType, cp.Status, formatCursor(cp.Cursor), cp.HasMoreRecords,
			formatCursor(cp.LastSuccessfulSyncAt), cp.ConsecutiveErrorCount)
	}
	return tw.Flush()
}

func formatCursor(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
