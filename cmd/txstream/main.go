// Command txstream streams transaction jobs into the feed cache and serves
// the result.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/logging"
)

var (
	cfgFile string
	version = "dev"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "txstream",
		Short: "Stream transaction jobs into the feed cache",
		Long: `txstream opens the stream of a transaction creation job, repairs each
partial payload into a record and publishes the records into the feed cache
at a steady pace. It can also serve the feed and the cached transaction
lists over HTTP.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./txstream.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "console", "log format (console, json)")
	root.PersistentFlags().Int64("user", 1, "user id owning the records")
	root.PersistentFlags().String("upstream", "", "transaction API base URL")

	_ = viper.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", root.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("user_id", root.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("upstream.base_url", root.PersistentFlags().Lookup("upstream"))

	root.AddCommand(ingestCmd())
	root.AddCommand(listCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	_ = logging.Global().Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	setDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.config/txstream")
		}
		viper.SetConfigName("txstream")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TXSTREAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return setupLogging()
}

func setupLogging() error {
	cfg := logging.DefaultConfig()
	if err := viper.UnmarshalKey("logging", &cfg); err != nil {
		return fmt.Errorf("failed to decode logging config: %w", err)
	}
	if cfg.Format != "json" && cfg.Format != "console" {
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	logger, err := logging.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	logging.SetGlobal(logger)
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Debug("loaded config", zap.String("file", used))
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "txstream %s\n", version)
		},
	}
}
