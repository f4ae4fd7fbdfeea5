package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/api"
	"github.com/BuddyLim/smartfi/pkg/logging"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the feed, transaction lists and session controls over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			if addr != "" {
				viper.Set("api.address", addr)
			}
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.Close()) }()

			sessions, err := a.sessions()
			if err != nil {
				return err
			}
			src, err := a.source(ctx)
			if err != nil {
				return err
			}

			srv := api.NewServer(api.Deps{
				Feed:     a.feed,
				Keys:     a.keys,
				Sessions: sessions,
				Source:   src,
				Creator:  a.upstream,
				Metrics:  a.metrics,
				Registry: a.registry,
			}, cfg.API)
			srv.Start()

			<-ctx.Done()
			logging.Global().Info("shutting down", zap.String("address", cfg.API.Address))

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides api.address)")
	return cmd
}
