// Package cli implements segmentctl, the operator command line for the
// segment engine.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignite/segment-engine/internal/segmentation"
	"github.com/ignite/segment-engine/internal/storage"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config string
	Format string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Backend is what the commands operate on. Archive may be nil.
type Backend struct {
	Segments interface {
		ListScheduled(ctx context.Context) ([]*segmentation.Segment, error)
	}
	Engine interface {
		Recalculate(ctx context.Context, req segmentation.Request) (*segmentation.RunReport, error)
	}
	Members interface {
		History(ctx context.Context, segmentID int64, t segmentation.ObjectType, objectID int64) ([]segmentation.MembershipInterval, error)
		MembersAt(ctx context.Context, segmentID int64, t segmentation.ObjectType, at time.Time) ([]int64, error)
	}
	Archive interface {
		ListRuns(ctx context.Context, segmentID int64, limit int) ([]storage.RunEntry, error)
	}
	Now   func() time.Time
	Close func()
}

// Opener builds the backend once flags are parsed.
type Opener func(ctx context.Context, opts *RootOptions) (*Backend, error)

// NewRootCommand creates the root command for segmentctl.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "segmentctl",
		Short: "Inspect and recalculate customer segments",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to config.yaml (env overrides still apply)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newDueCommand(opts, open))
	cmd.AddCommand(newRecalcCommand(opts, open))
	cmd.AddCommand(newHistoryCommand(opts, open))
	cmd.AddCommand(newMembersCommand(opts, open))
	cmd.AddCommand(newRunsCommand(opts, open))

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

// withBackend opens the backend, runs fn and closes it.
func withBackend(cmd *cobra.Command, opts *RootOptions, open Opener, fn func(context.Context, *Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := open(ctx, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	if b.Close != nil {
		defer b.Close()
	}
	if b.Now == nil {
		b.Now = time.Now
	}
	return fn(ctx, b)
}
