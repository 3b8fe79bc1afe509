package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-sync/internal/model"
)

var (
	statusReviews bool
	statusStale   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, review backlog, and stuck claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		counts, err := s.CountJobs(ctx)
		if err != nil {
			return err
		}
		order := []model.JobStatus{
			model.JobQueued, model.JobFetching, model.JobFetched,
			model.JobRendering, model.JobRendered, model.JobChunking,
			model.JobChunked, model.JobExtracting, model.JobExtracted,
			model.JobCommitted, model.JobCompletedNoChanges,
			model.JobNeedsReview, model.JobFailed, model.JobAlreadyProcessed,
		}
		fmt.Println("jobs:")
		for _, st := range order {
			if n := counts[st]; n > 0 {
				fmt.Printf("  %-22s %d\n", st, n)
			}
		}

		if statusStale {
			staleAfter := time.Duration(cfg.Worker.StaleAfterMins) * time.Minute
			stale, err := s.ListStaleClaims(ctx, staleAfter)
			if err != nil {
				return err
			}
			fmt.Printf("stale claims (older than %s): %d\n", staleAfter, len(stale))
			for _, j := range stale {
				claimedBy := ""
				if j.ClaimedBy != nil {
					claimedBy = *j.ClaimedBy
				}
				fmt.Printf("  %s  %s  %s  claimed_by=%s claimed_at=%s\n",
					j.ID, j.ExternalID, j.Status, claimedBy, j.ClaimedAt.Format(time.RFC3339))
			}
		}

		if statusReviews {
			items, err := s.ListReviewItems(ctx, 50)
			if err != nil {
				return err
			}
			fmt.Printf("review queue: %d\n", len(items))
			for _, item := range items {
				fmt.Printf("  [%s] %s  %s: %s\n",
					item.Stage, item.Candidate.HTSCode, item.JobID, item.Reason)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusReviews, "reviews", false, "list pending review items")
	statusCmd.Flags().BoolVar(&statusStale, "stale", false, "list claimed-but-stuck jobs")
	rootCmd.AddCommand(statusCmd)
}
