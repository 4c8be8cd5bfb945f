package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/backfill"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	configPath string
	minFid     int64
	maxFid     int64
}

func (o *rootOptions) fidRange() backfill.FidRange {
	return backfill.FidRange{Min: o.minFid, Max: o.maxFid}
}

func (o *rootOptions) validate() error {
	if o.minFid < 0 || o.maxFid < 0 {
		return errors.New("--min-fid and --max-fid must not be negative")
	}
	return nil
}

type serveOptions struct {
	*rootOptions
	backfill bool
}

type backfillOptions struct {
	*rootOptions
	snapshot bool
}

// newRootCommand builds the CLI. Without a subcommand it serves.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	serve := &serveOptions{rootOptions: opts}

	cmd := &cobra.Command{
		Use:   "replicator",
		Short: "Replicate a Farcaster hub into SQL",
		Long: `Replicate casts, reactions, links, verifications and user data from a
Farcaster hub into a SQL database, then follow the hub's event stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(serve)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().Int64Var(&opts.minFid, "min-fid", 0, "lowest fid to backfill")
	cmd.PersistentFlags().Int64Var(&opts.maxFid, "max-fid", 0, "highest fid to backfill (0 = newest)")
	cmd.Flags().BoolVar(&serve.backfill, "backfill", false, "backfill before subscribing even if the cursor is valid")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newBackfillCommand(opts))

	return cmd
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Backfill if needed, then follow the live event stream",
		Long: `Validate the hub, backfill when the stored cursor is missing or was pruned
(or --backfill is set), then subscribe to the hub's events and serve /stats.

Example:
  replicator serve --config ./replicator.yaml
  replicator serve --backfill --min-fid 1 --max-fid 5000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().BoolVar(&opts.backfill, "backfill", false, "backfill before subscribing even if the cursor is valid")

	return cmd
}

func newBackfillCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &backfillOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run one backfill, flush and exit",
		Long: `Fetch the full profile of every stale account in the range and write it,
then exit without subscribing.

Example:
  replicator backfill --min-fid 100 --max-fid 200`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(opts)
		},
	}

	cmd.Flags().BoolVar(&opts.snapshot, "snapshot", false, "save the hub's current event id as the cursor first")

	return cmd
}
