package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignite/segment-engine/internal/scheduler"
	"github.com/ignite/segment-engine/internal/segmentation"
)

// TriggerCLI marks runs started from segmentctl.
const TriggerCLI = "cli"

func newDueCommand(opts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "due",
		Short: "List scheduled segments that are due for recalculation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, open, func(ctx context.Context, b *Backend) error {
				segs, err := b.Segments.ListScheduled(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list segments", err)
				}
				due := scheduler.DueSegments(segs, b.Now().UTC())

				if opts.Format == "json" {
					if due == nil {
						due = []*segmentation.Segment{}
					}
					return writeJSON(cmd.OutOrStdout(), due)
				}
				if len(due) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No segments due")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCASHBOX\tNAME\tINTERVAL\tLAST UPDATE")
				for _, s := range due {
					last := "never"
					if s.UpdatedAt != nil {
						last = s.UpdatedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", s.ID, s.CashboxID, s.Name, s.Interval(), last)
				}
				return tw.Flush()
			})
		},
	}
}

func newRecalcCommand(opts *RootOptions, open Opener) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "recalc <segment-id>",
		Short: "Recalculate one segment now, regardless of its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "segment id")
			if err != nil {
				return err
			}
			return withBackend(cmd, opts, open, func(ctx context.Context, b *Backend) error {
				report, err := b.Engine.Recalculate(ctx, segmentation.Request{SegmentID: id, ScopeToken: token, Trigger: TriggerCLI})
				if errors.Is(err, segmentation.ErrAlreadyClaimed) {
					return WrapExitError(ExitFailure, "skipped", err)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "recalc_fail_"+segmentation.FailureReason(err), err)
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Segment %d %s in %s (run %s)\n", report.SegmentID, report.Outcome,
					report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond), report.RunID)
				for _, t := range segmentation.AllObjectTypes {
					if c, ok := report.Changes[t]; ok {
						fmt.Fprintf(out, "  %-15s +%d -%d (active %d)\n", t, c.New, c.Removed, c.Active)
					}
				}
				writeActionSummary(out, report.ActionSummary())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "tenant scope token for live events when the segment cannot be loaded")
	return cmd
}

func newHistoryCommand(opts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "history <segment-id> <object-type> <object-id>",
		Short: "Show every membership interval of one object",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "segment id")
			if err != nil {
				return err
			}
			t, err := parseType(args[1])
			if err != nil {
				return err
			}
			objectID, err := parseID(args[2], "object id")
			if err != nil {
				return err
			}
			return withBackend(cmd, opts, open, func(ctx context.Context, b *Backend) error {
				intervals, err := b.Members.History(ctx, id, t, objectID)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load history", err)
				}
				if opts.Format == "json" {
					if intervals == nil {
						intervals = []segmentation.MembershipInterval{}
					}
					return writeJSON(cmd.OutOrStdout(), intervals)
				}
				if len(intervals) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %d was never a member of segment %d\n", t, objectID, id)
					return nil
				}
				for _, iv := range intervals {
					to := "open"
					if iv.ValidTo != nil {
						to = iv.ValidTo.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s  ->  %s\n", iv.ValidFrom.UTC().Format(time.RFC3339), to)
				}
				return nil
			})
		},
	}
}

func newMembersCommand(opts *RootOptions, open Opener) *cobra.Command {
	var (
		typeName string
		at       string
	)
	cmd := &cobra.Command{
		Use:   "members <segment-id>",
		Short: "List the members of a segment at a point in time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "segment id")
			if err != nil {
				return err
			}
			t, err := parseType(typeName)
			if err != nil {
				return err
			}
			return withBackend(cmd, opts, open, func(ctx context.Context, b *Backend) error {
				when := b.Now().UTC()
				if at != "" {
					parsed, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return WrapExitError(ExitCommandError, "--at must be RFC3339", err)
					}
					when = parsed.UTC()
				}
				ids, err := b.Members.MembersAt(ctx, id, t, when)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load members", err)
				}
				if opts.Format == "json" {
					if ids == nil {
						ids = []int64{}
					}
					return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
						"segment_id": id, "object_type": t, "at": when, "ids": ids,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s members at %s\n", len(ids), t, when.Format(time.RFC3339))
				for _, oid := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), oid)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typeName, "type", string(segmentation.ObjectCustomer), "object type (customer|sales_document)")
	cmd.Flags().StringVar(&at, "at", "", "point in time, RFC3339 (default now)")
	return cmd
}

func newRunsCommand(opts *RootOptions, open Opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <segment-id>",
		Short: "List archived recalculation runs of a segment, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "segment id")
			if err != nil {
				return err
			}
			return withBackend(cmd, opts, open, func(ctx context.Context, b *Backend) error {
				if b.Archive == nil {
					return WrapExitError(ExitCommandError, "run archive is not configured", nil)
				}
				runs, err := b.Archive.ListRuns(ctx, id, limit)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list runs", err)
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), runs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STARTED\tRUN\tOUTCOME\tENTERED\tEXITED")
				for _, r := range runs {
					outcome := r.Outcome
					if r.FailReason != "" {
						outcome += " (" + r.FailReason + ")"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", r.StartedAt.UTC().Format(time.RFC3339), r.RunID, outcome, r.Entered, r.Exited)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, WrapExitError(ExitCommandError, fmt.Sprintf("invalid %s %q", what, s), nil)
	}
	return id, nil
}

func parseType(s string) (segmentation.ObjectType, error) {
	t := segmentation.ObjectType(s)
	if !t.Valid() {
		return "", WrapExitError(ExitCommandError, fmt.Sprintf("unknown object type %q", s), nil)
	}
	return t, nil
}

// writeActionSummary prints one line per action, actions and statuses sorted
// by name so the output is stable between runs.
func writeActionSummary(out io.Writer, summary map[string]map[segmentation.ActionStatus]int) {
	actions := make([]string, 0, len(summary))
	for action := range summary {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	for _, action := range actions {
		byStatus := summary[action]
		statuses := make([]string, 0, len(byStatus))
		for status := range byStatus {
			statuses = append(statuses, string(status))
		}
		sort.Strings(statuses)

		parts := make([]string, 0, len(statuses))
		for _, status := range statuses {
			parts = append(parts, fmt.Sprintf("%s=%d", status, byStatus[segmentation.ActionStatus(status)]))
		}
		fmt.Fprintf(out, "  action %-12s %s\n", action, strings.Join(parts, " "))
	}
}
