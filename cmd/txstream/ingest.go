package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/session"
	"github.com/BuddyLim/smartfi/pkg/stream/ssetest"
	"github.com/BuddyLim/smartfi/pkg/upstream"
)

func ingestCmd() *cobra.Command {
	var (
		jobID     string
		text      string
		accountID int64
		demo      string
		raw       bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Stream one job into the feed and print the result",
		Long: `Stream one job into the feed and print the feed once the job is done
and every record has been published.

Either pass the id of a running job with --job-id, or submit free text with
--text and let the upstream create the job. --demo replays the payloads of a
file, one per line, from an in-process upstream; use it with --text.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if jobID == "" && strings.TrimSpace(text) == "" {
				return fmt.Errorf("one of --job-id or --text is required")
			}

			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}

			if demo != "" {
				payloads, err := readPayloads(demo)
				if err != nil {
					return err
				}
				_, srv := ssetest.Start(ssetest.Script{Payloads: payloads, Interval: 50 * time.Millisecond})
				defer srv.Close()
				cfg.Upstream.BaseURL = srv.URL
				cfg.Transport = "sse"
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctrl, err := a.sessions()
			if err != nil {
				return err
			}

			if jobID == "" {
				jobID, err = a.upstream.CreateByText(ctx, upstream.CreateRequest{
					Text:      text,
					AccountID: accountID,
					UserID:    cfg.UserID,
				})
				if err != nil {
					return fmt.Errorf("create job: %w", err)
				}
			}

			var result session.Result
			ctrl.OnFinish(func(r session.Result) { result = r })

			if err := ctrl.Start(ctx, jobID); err != nil {
				return fmt.Errorf("start %s: %w", jobID, err)
			}
			if err := ctrl.Wait(ctx); err != nil {
				ctrl.Cancel()
				return fmt.Errorf("ingest %s interrupted: %w", jobID, err)
			}

			logging.Global().Info("ingest finished",
				logging.JobID(jobID),
				zap.String("outcome", result.Outcome),
				zap.Int("received", result.Received),
				zap.Int("malformed", result.Malformed),
			)
			if result.Err != nil {
				return fmt.Errorf("ingest %s: %w", jobID, result.Err)
			}

			if raw {
				recs, err := a.feed.Records(ctx, a.keys.Stream())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), recs)
			}
			entries, err := a.feed.RenderList(ctx, a.keys.Stream())
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "", "id of the job to stream")
	cmd.Flags().StringVar(&text, "text", "", "free text to create a job from")
	cmd.Flags().Int64Var(&accountID, "account-id", 0, "account of the created transactions")
	cmd.Flags().StringVar(&demo, "demo", "", "replay payloads from this file instead of a real upstream")
	cmd.Flags().BoolVar(&raw, "raw", false, "print records instead of the grouped feed")
	cmd.MarkFlagsMutuallyExclusive("job-id", "text")
	return cmd
}

// readPayloads returns the non-empty lines of path.
func readPayloads(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var payloads []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			payloads = append(payloads, line)
		}
	}
	return payloads, scanner.Err()
}
