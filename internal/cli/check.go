package cli

import (
	"github.com/spf13/cobra"

	"position-rescue-alerts/internal/app"
)

var checkPositions []string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Assess position risk once against the live ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context(), app.CheckOptions{
			Positions: checkPositions,
		})
	},
}

func init() {
	checkCmd.Flags().StringSliceVar(&checkPositions, "position", nil, "Position identifier (owner/market); repeatable, defaults to configured positions")
}
