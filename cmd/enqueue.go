package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/discovery"
)

var (
	enqueueSource     string
	enqueueExternalID string
	enqueueURL        string
	enqueueNewRun     bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue one document for ingestion",
	Long:  "Creates an ingest job for a single document reference, deduplicating against the latest job for the same external ID.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		runID := ""
		if enqueueNewRun {
			run, err := s.CreateRun(ctx, enqueueSource)
			if err != nil {
				return err
			}
			runID = run.ID
		}

		res := discovery.NewEnqueuer(s).Enqueue(ctx, runID, []discovery.Discovered{{
			Source:     enqueueSource,
			ExternalID: enqueueExternalID,
			URL:        enqueueURL,
		}})
		if len(res.Errors) > 0 {
			return eris.New(res.Errors[0])
		}

		zap.L().Info("enqueue finished",
			zap.Int("queued", res.Queued),
			zap.Int("skipped", res.Skipped),
			zap.String("run_id", runID),
		)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueSource, "source", "federal_register", "document source identifier")
	enqueueCmd.Flags().StringVar(&enqueueExternalID, "external-id", "", "source-scoped document identifier")
	enqueueCmd.Flags().StringVar(&enqueueURL, "url", "", "document URL to fetch")
	enqueueCmd.Flags().BoolVar(&enqueueNewRun, "new-run", false, "attribute the job to a fresh run")
	_ = enqueueCmd.MarkFlagRequired("external-id")
	_ = enqueueCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(enqueueCmd)
}
