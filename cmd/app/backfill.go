package main

import (
	"errors"

	"TWPull/internal/di"
	"TWPull/internal/domain/models"

	"github.com/spf13/cobra"
)

var backfillReq models.BackfillRequest

var backfillCmd = &cobra.Command{
	Use:   "backfill SYMBOL...",
	Short: "Fill missing daily prices for the given symbols",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backfillReq.Symbols = args
		return withRuntime(func(rt *di.Runtime) error {
			p, err := rt.Backfiller.Params(backfillReq)
			if err != nil {
				return err
			}
			rep, err := rt.Backfiller.RunBatches(cmd.Context(), p)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if !rep.Success {
				return errors.New("backfill finished with failed symbols")
			}
			return nil
		})
	},
}

var coverageCmd = &cobra.Command{
	Use:   "coverage SYMBOL",
	Short: "Show per-year record coverage and the ranges a backfill would fetch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *di.Runtime) error {
			rep, err := rt.Coverage.Analyze(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

func init() {
	f := backfillCmd.Flags()
	f.StringVar(&backfillReq.StartDate, "start", "", "start date YYYY-MM-DD (defaults to coverage analysis)")
	f.StringVar(&backfillReq.EndDate, "end", "", "end date YYYY-MM-DD (defaults to today)")
	f.BoolVar(&backfillReq.ForceFullRefresh, "force-full-refresh", false, "refetch the whole history")
	f.StringVar(&backfillReq.ForceStartDate, "force-start", "", "refetch from this date YYYY-MM-DD")

	rootCmd.AddCommand(backfillCmd, coverageCmd)
}
