package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-sync/internal/model"
)

var ratesProgram string

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "List the currently open rate rows for a program family",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		rows, err := s.ListOpenRates(ctx, model.Program(ratesProgram))
		if err != nil {
			return err
		}
		for _, r := range rows {
			key := r.ListCode
			if key == "" {
				key = r.Material
			}
			if r.Country != "" {
				key += "/" + r.Country
			}
			fmt.Printf("%-12s %-20s %-12s %6.2f%%  since %s\n",
				r.HTSPrefix, key, r.ProgramCode, r.DutyRate*100,
				r.EffectiveStart.Format("2006-01-02"))
		}
		fmt.Printf("%d open rows\n", len(rows))
		return nil
	},
}

func init() {
	ratesCmd.Flags().StringVar(&ratesProgram, "program", string(model.ProgramSection301), "program family (section_301, section_232, ieepa)")
	rootCmd.AddCommand(ratesCmd)
}
