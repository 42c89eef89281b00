package main

import (
	"TWPull/internal/di"
	"TWPull/internal/domain/models"
	"TWPull/internal/usecase"

	"github.com/spf13/cobra"
)

var anomalyCmd = &cobra.Command{
	Use:   "anomaly",
	Short: "Detect and repair suspicious close-to-close jumps",
}

var detectReq models.AnomalyDetectRequest

var anomalyDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "List day-over-day close jumps above the threshold",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRuntime(func(rt *di.Runtime) error {
			f, err := usecase.SeriesFilter(detectReq.Symbol, detectReq.Start, detectReq.End)
			if err != nil {
				return err
			}
			rep, err := rt.Detector.Detect(cmd.Context(), f, detectReq.Threshold)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

var (
	fixReq        models.AnomalyFixRequest
	fixDelete     bool
	fixPadding    int
	fixValidation float64
)

var anomalyFixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Refetch the windows around detected anomalies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := fixReq
		f := cmd.Flags()
		if f.Changed("delete") {
			refetchOnly := !fixDelete
			req.RefetchOnly = &refetchOnly
		}
		if f.Changed("padding-days") {
			req.RefetchPaddingDays = &fixPadding
		}
		if f.Changed("validation-threshold") {
			req.RefetchValidationThreshold = &fixValidation
		}
		return withRuntime(func(rt *di.Runtime) error {
			p, err := rt.Repairer.Params(req)
			if err != nil {
				return err
			}
			rep, err := rt.Repairer.Repair(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

func init() {
	seriesFlags(anomalyDetectCmd, &detectReq.Symbol, &detectReq.Start, &detectReq.End)
	anomalyDetectCmd.Flags().Float64Var(&detectReq.Threshold, "threshold", usecase.DefaultAnomalyThreshold, "absolute fractional change that counts as an anomaly")

	seriesFlags(anomalyFixCmd, &fixReq.Symbol, &fixReq.Start, &fixReq.End)
	af := anomalyFixCmd.Flags()
	af.Float64Var(&fixReq.Threshold, "threshold", usecase.DefaultAnomalyThreshold, "absolute fractional change that counts as an anomaly")
	af.BoolVar(&fixDelete, "delete", false, "delete flagged rows before refetching")
	af.IntVar(&fixPadding, "padding-days", usecase.DefaultPaddingDays, "days refetched on each side of an anomaly")
	af.Float64Var(&fixValidation, "validation-threshold", usecase.DefaultValidationThreshold, "skip refetched rows whose close differs more than this from the neighbour; 0 disables")
	af.StringVar(&fixReq.RuleVersion, "rule-version", "", "rule version recorded in the audit trail")

	anomalyCmd.AddCommand(anomalyDetectCmd, anomalyFixCmd)
	rootCmd.AddCommand(anomalyCmd)
}

func seriesFlags(c *cobra.Command, symbol, start, end *string) {
	f := c.Flags()
	f.StringVar(symbol, "symbol", "", "limit to one symbol")
	f.StringVar(start, "start", "", "first date YYYY-MM-DD")
	f.StringVar(end, "end", "", "last date YYYY-MM-DD")
}
