package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	requeueJobID string
	requeueStale bool
)

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Reset failed or stuck jobs back to queued",
	Long:  "Re-queues a specific failed job (counting against its retry cap) or sweeps all claimed-but-stuck jobs whose claim aged past the stale threshold.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if requeueJobID == "" && !requeueStale {
			return eris.New("requeue: pass --job or --stale")
		}

		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		if requeueJobID != "" {
			if err := s.ResetJob(ctx, requeueJobID); err != nil {
				return err
			}
			zap.L().Info("job requeued", zap.String("job_id", requeueJobID))
		}

		if requeueStale {
			staleAfter := time.Duration(cfg.Worker.StaleAfterMins) * time.Minute
			n, err := s.RequeueStaleClaims(ctx, staleAfter)
			if err != nil {
				return err
			}
			zap.L().Info("stale claims requeued", zap.Int("count", n))
		}
		return nil
	},
}

func init() {
	requeueCmd.Flags().StringVar(&requeueJobID, "job", "", "failed job id to reset")
	requeueCmd.Flags().BoolVar(&requeueStale, "stale", false, "requeue all stale claimed jobs")
	rootCmd.AddCommand(requeueCmd)
}
