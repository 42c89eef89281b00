package main

import (
	"TWPull/internal/di"

	"github.com/spf13/cobra"
)

var returnsCmd = &cobra.Command{
	Use:   "returns [SYMBOL...]",
	Short: "Compute daily returns (all stored symbols when none are given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *di.Runtime) error {
			rep, err := rt.Returns.Run(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

func init() {
	rootCmd.AddCommand(returnsCmd)
}
