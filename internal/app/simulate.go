package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"position-rescue-alerts/internal/alerting"
	"position-rescue-alerts/internal/ledger"
	"position-rescue-alerts/internal/risk"
)

// SimulateAlert 使用给定的抵押/债务数值模拟一次风险评估与告警投递。
// 不访问数据库也不提交任何链上交易。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	id, err := ledger.ParsePositionID(opts.Position)
	if err != nil {
		return err
	}
	collateral, err := decimal.NewFromString(opts.Collateral)
	if err != nil {
		return fmt.Errorf("invalid collateral: %w", err)
	}
	debt, err := decimal.NewFromString(opts.Debt)
	if err != nil {
		return fmt.Errorf("invalid debt: %w", err)
	}

	pos := ledger.Position{
		ID:         id,
		Collateral: collateral,
		Debt:       debt,
		UpdatedAt:  time.Now().UTC(),
	}

	verdict := a.newEvaluator().Evaluate(pos)
	a.Logger.Info().Str("position", id.String()).Str("level", verdict.Level.String()).
		Str("margin", verdict.Margin.StringFixed(4)).Msg("simulated verdict")

	severity := alerting.SeverityInfo
	switch verdict.Level {
	case risk.Warning:
		severity = alerting.SeverityWarning
	case risk.RescueRequired:
		severity = alerting.SeverityCritical
	}

	alert := alerting.NewAlert(
		severity,
		id.String(),
		verdict.Level.String(),
		fmt.Sprintf("simulated assessment: level %s at margin %s", verdict.Level, verdict.Margin.StringFixed(4)),
	).WithMargin(verdict.Margin)

	return notifier.Notify(ctx, alert)
}
