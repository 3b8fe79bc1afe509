package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Creates or updates the documents, jobs, rate, evidence, audit, and run tables for the configured store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		if err := s.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("migrations applied", zap.String("driver", s.Driver()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
