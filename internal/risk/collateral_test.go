package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"position-rescue-alerts/internal/ledger"
)

func testThresholds() Thresholds {
	return Thresholds{
		WarnRatio:   decimal.NewFromFloat(1.5),
		RescueRatio: decimal.NewFromFloat(1.1),
	}
}

func snapshot(collateral, debt string) ledger.Position {
	return ledger.Position{
		ID:         ledger.PositionID{Owner: "0xabc", Market: "eth-usdc"},
		Collateral: decimal.RequireFromString(collateral),
		Debt:       decimal.RequireFromString(debt),
		UpdatedAt:  time.Unix(1700000000, 0),
	}
}

func TestEvaluateLevels(t *testing.T) {
	evaluator := NewCollateralRatio(testThresholds())

	cases := []struct {
		name       string
		collateral string
		debt       string
		want       Level
	}{
		{"comfortably collateralized", "200", "100", Safe},
		{"exactly at warn ratio", "150", "100", Safe},
		{"just below warn ratio", "149", "100", Warning},
		{"exactly at rescue ratio", "110", "100", Warning},
		{"just below rescue ratio", "109", "100", RescueRequired},
		{"deeply underwater", "50", "100", RescueRequired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := evaluator.Evaluate(snapshot(tc.collateral, tc.debt))
			if verdict.Level != tc.want {
				t.Fatalf("风险级别应为 %s, 实际 %s", tc.want, verdict.Level)
			}
		})
	}
}

func TestEvaluateMarginIsDistanceFromRescueThreshold(t *testing.T) {
	evaluator := NewCollateralRatio(testThresholds())

	verdict := evaluator.Evaluate(snapshot("120", "100"))
	want := decimal.NewFromFloat(0.1)
	if !verdict.Margin.Equal(want) {
		t.Fatalf("margin 应为 %s, 实际 %s", want, verdict.Margin)
	}

	verdict = evaluator.Evaluate(snapshot("100", "100"))
	want = decimal.NewFromFloat(-0.1)
	if !verdict.Margin.Equal(want) {
		t.Fatalf("margin 应为 %s, 实际 %s", want, verdict.Margin)
	}
}

func TestEvaluateZeroDebtIsSafe(t *testing.T) {
	evaluator := NewCollateralRatio(testThresholds())

	verdict := evaluator.Evaluate(snapshot("100", "0"))
	if verdict.Level != Safe {
		t.Fatalf("无债务仓位应为 safe, 实际 %s", verdict.Level)
	}
}

func TestEvaluateMalformedSnapshotIsWarning(t *testing.T) {
	evaluator := NewCollateralRatio(testThresholds())

	stale := snapshot("200", "100")
	stale.UpdatedAt = time.Time{}
	if verdict := evaluator.Evaluate(stale); verdict.Level != Warning {
		t.Fatalf("缺失时间戳应判为 warning, 实际 %s", verdict.Level)
	}

	negative := snapshot("200", "100")
	negative.Collateral = decimal.NewFromInt(-1)
	if verdict := evaluator.Evaluate(negative); verdict.Level != Warning {
		t.Fatalf("负数抵押应判为 warning, 实际 %s", verdict.Level)
	}

	if verdict := evaluator.Evaluate(snapshot("0", "0")); verdict.Level != Warning {
		t.Fatalf("空记录应判为 warning, 实际 %s", verdict.Level)
	}
}

func TestParseLevelRoundTrip(t *testing.T) {
	for _, level := range []Level{Safe, Warning, RescueRequired} {
		if got := ParseLevel(level.String()); got != level {
			t.Fatalf("ParseLevel(%q) = %s", level.String(), got)
		}
	}
	if got := ParseLevel("garbage"); got != Warning {
		t.Fatalf("未知级别应回退为 warning, 实际 %s", got)
	}
}
