package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/export"
)

var exportRunID string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the JSON manifest for a run",
	Long:  "Exports one run's record, touched documents, and committed rate changes as a JSON manifest for archival outside the live store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		path, err := export.New(s, cfg.Export.Dir).Export(ctx, exportRunID)
		if err != nil {
			return err
		}
		zap.L().Info("export written", zap.String("path", path))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportRunID, "run", "", "run id to export")
	_ = exportCmd.MarkFlagRequired("run")
	rootCmd.AddCommand(exportCmd)
}
