package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/discovery"
	"github.com/sells-group/tariff-sync/internal/store"
)

var (
	backfillFile   string
	backfillSource string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Bulk-enqueue historical documents from a manifest file",
	Long:  "Reads a JSON array of {source, external_id, url, content_hash} tuples and enqueues them all under one run. On Postgres, document stubs with known hashes load in one COPY round trip first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, err := os.ReadFile(backfillFile)
		if err != nil {
			return eris.Wrap(err, "backfill: read manifest")
		}
		var discovered []discovery.Discovered
		if err := json.Unmarshal(raw, &discovered); err != nil {
			return eris.Wrap(err, "backfill: parse manifest")
		}
		if backfillSource != "" {
			for i := range discovered {
				if discovered[i].Source == "" {
					discovered[i].Source = backfillSource
				}
			}
		}

		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		run, err := s.CreateRun(ctx, backfillSource)
		if err != nil {
			return err
		}

		var res discovery.EnqueueResult
		if pg, ok := s.(*store.PostgresStore); ok {
			res, err = discovery.Backfill(ctx, pg.Pool(), s, run.ID, discovered)
			if err != nil {
				return err
			}
		} else {
			res = discovery.NewEnqueuer(s).Enqueue(ctx, run.ID, discovered)
		}

		zap.L().Info("backfill finished",
			zap.String("run_id", run.ID),
			zap.Int("offered", len(discovered)),
			zap.Int("queued", res.Queued),
			zap.Int("skipped", res.Skipped),
			zap.Int("errors", len(res.Errors)),
		)
		for _, e := range res.Errors {
			zap.L().Warn("backfill row failed", zap.String("error", e))
		}
		return nil
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFile, "file", "", "path to the JSON manifest of discovered documents")
	backfillCmd.Flags().StringVar(&backfillSource, "source", "federal_register", "default source for tuples that omit one")
	_ = backfillCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(backfillCmd)
}
