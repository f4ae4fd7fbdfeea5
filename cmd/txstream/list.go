package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BuddyLim/smartfi/pkg/bucket"
	"github.com/BuddyLim/smartfi/pkg/ledger"
)

func listCmd() *cobra.Command {
	var (
		raw     bool
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the transaction list of the user",
		Long: `Print the steady-state transaction list of the user grouped by date.
The list is read through the feed cache and loaded from the configured
source (upstream or postgres) on a miss.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			src, err := a.source(ctx)
			if err != nil {
				return err
			}

			key := a.keys.Transactions(cfg.UserID)
			if refresh {
				if _, err := a.feed.Invalidate(ctx, key); err != nil {
					return err
				}
			}
			recs, err := a.feed.Fetch(ctx, key, func(ctx context.Context) ([]ledger.Record, error) {
				return src.Transactions(ctx, cfg.UserID)
			})
			if err != nil {
				return err
			}

			if raw {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			return printEntries(cmd.OutOrStdout(), bucket.Group(recs))
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print records instead of the grouped list")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "drop the cached list before reading")
	return cmd
}
