package main

import (
	"errors"

	"TWPull/internal/di"
	"TWPull/internal/scheduler"

	"github.com/spf13/cobra"
)

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Run the scheduled daily backfill and anomaly scan once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.Scheduler.Symbols) == 0 {
			return errors.New("scheduler.symbols is empty")
		}
		rt, cleanup, err := di.InitializeRuntime(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		s := scheduler.New(rt.Backfiller, rt.Detector, cfg.Scheduler.Symbols, rt.Logger,
			scheduler.WithLocation(scheduler.LoadLocation(cfg.Scheduler.Timezone)),
			scheduler.WithLookback(cfg.Scheduler.LookbackDays),
		)
		bf, an, err := s.RunDaily(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{"backfill": bf, "anomalies": an})
	},
}

func init() {
	rootCmd.AddCommand(dailyCmd)
}
