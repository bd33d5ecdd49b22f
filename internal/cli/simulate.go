package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"position-rescue-alerts/internal/app"
)

var (
	simulatePosition   string
	simulateCollateral string
	simulateDebt       string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次风险评估并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePosition == "" {
			return errors.New("--position 必须提供")
		}
		if simulateCollateral == "" || simulateDebt == "" {
			return errors.New("--collateral 与 --debt 必须提供")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Position:   simulatePosition,
			Collateral: simulateCollateral,
			Debt:       simulateDebt,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePosition, "position", "", "仓位标识 (owner/market)")
	simulateCmd.Flags().StringVar(&simulateCollateral, "collateral", "", "抵押品数量")
	simulateCmd.Flags().StringVar(&simulateDebt, "debt", "", "债务数量")
}
