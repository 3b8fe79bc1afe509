package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-sync/internal/pipeline"
)

var workerDrain bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the claim-and-process worker loop",
	Long:  "Claims queued ingest jobs and runs each through fetch, render, extract, validate, and commit until interrupted. SQLite deployments run a single worker regardless of configuration.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		p := initPipeline(s)

		workers := cfg.Worker.Workers
		if workers < 1 {
			workers = 1
		}
		if s.Driver() == "sqlite" && workers > 1 {
			zap.L().Warn("sqlite supports a single worker, ignoring configured count",
				zap.Int("configured", workers))
			workers = 1
		}

		name := cfg.Worker.Name
		if name == "" {
			host, _ := os.Hostname()
			name = host
		}
		idle := time.Duration(cfg.Worker.IdleSleepSecs) * time.Second

		if workerDrain {
			w := pipeline.NewWorker(s, p, name+"-0", idle)
			n, err := w.Drain(ctx)
			zap.L().Info("queue drained", zap.Int("processed", n))
			return err
		}

		// Crashed workers leave jobs claimed-but-stuck. Claim age is the
		// only liveness signal, and a live-but-slow worker is
		// indistinguishable from a dead one; releasing its claim here
		// would let a second worker process the same job concurrently.
		// Stuck claims surface via `status --stale` and are released by
		// an operator with `requeue --stale`.
		g, ctx := errgroup.WithContext(ctx)
		for i := range workers {
			w := pipeline.NewWorker(s, p, fmt.Sprintf("%s-%d", name, i), idle)
			g.Go(func() error { return w.Run(ctx) })
		}
		return g.Wait()
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerDrain, "drain", false, "process until the queue is empty, then exit")
	rootCmd.AddCommand(workerCmd)
}
