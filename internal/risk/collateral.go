package risk

import (
	"github.com/shopspring/decimal"

	"position-rescue-alerts/internal/ledger"
)

// Thresholds hold the collateral-to-debt ratios that separate the risk
// levels. Protocol-specific values come from configuration.
type Thresholds struct {
	WarnRatio   decimal.Decimal
	RescueRatio decimal.Decimal
}

// CollateralRatio classifies positions by their collateral-to-debt ratio.
type CollateralRatio struct {
	thresholds Thresholds
}

// NewCollateralRatio constructs the ratio evaluator.
func NewCollateralRatio(thresholds Thresholds) *CollateralRatio {
	return &CollateralRatio{thresholds: thresholds}
}

// Evaluate maps a snapshot to a verdict. Every reachable snapshot maps to
// exactly one level; malformed data classifies as Warning, never Safe.
func (c *CollateralRatio) Evaluate(pos ledger.Position) Verdict {
	return evaluateRatio(pos, c.thresholds)
}

func evaluateRatio(pos ledger.Position, t Thresholds) Verdict {
	if malformed(pos) {
		return Verdict{Level: Warning, Margin: decimal.Zero, Snapshot: pos}
	}

	if pos.Debt.IsZero() {
		// Nothing to liquidate against.
		return Verdict{Level: Safe, Margin: pos.Collateral, Snapshot: pos}
	}

	ratio := pos.Collateral.Div(pos.Debt)
	margin := ratio.Sub(t.RescueRatio)

	switch {
	case ratio.LessThan(t.RescueRatio):
		return Verdict{Level: RescueRequired, Margin: margin, Snapshot: pos}
	case ratio.LessThan(t.WarnRatio):
		return Verdict{Level: Warning, Margin: margin, Snapshot: pos}
	default:
		return Verdict{Level: Safe, Margin: margin, Snapshot: pos}
	}
}

func malformed(pos ledger.Position) bool {
	if pos.UpdatedAt.IsZero() {
		return true
	}
	if pos.Collateral.IsNegative() || pos.Debt.IsNegative() {
		return true
	}
	// An empty record reads as a missing position, not a healthy one.
	if pos.Collateral.IsZero() && pos.Debt.IsZero() {
		return true
	}
	return false
}

var _ Evaluator = (*CollateralRatio)(nil)
