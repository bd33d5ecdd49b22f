package risk

import (
	"github.com/shopspring/decimal"

	"position-rescue-alerts/internal/ledger"
)

// Level classifies the liquidation risk of a position snapshot.
type Level int

const (
	Safe Level = iota
	Warning
	RescueRequired
)

func (l Level) String() string {
	switch l {
	case Safe:
		return "safe"
	case Warning:
		return "warning"
	case RescueRequired:
		return "rescue_required"
	default:
		return "unknown"
	}
}

// ParseLevel maps a stored level name back to its enum value. Unknown
// names map to Warning so a corrupted record reads as cautious, not safe.
func ParseLevel(s string) Level {
	switch s {
	case "safe":
		return Safe
	case "rescue_required":
		return RescueRequired
	default:
		return Warning
	}
}

// Verdict is the risk classification computed from one snapshot.
// Margin is the distance between the collateral-to-debt ratio and the
// rescue threshold; negative means the position is below it.
type Verdict struct {
	Level    Level
	Margin   decimal.Decimal
	Snapshot ledger.Position
}

// Evaluator turns a position snapshot into a verdict. Implementations are
// pure with respect to the snapshot: the same snapshot always yields the
// same verdict.
type Evaluator interface {
	Evaluate(pos ledger.Position) Verdict
}
