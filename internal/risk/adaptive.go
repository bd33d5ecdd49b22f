package risk

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"position-rescue-alerts/internal/ledger"
)

// Adaptive adjusts the rescue threshold from observed rescue outcomes.
// When recent rescues keep landing at ratios above the configured rescue
// threshold, the threshold drifts toward the 25th percentile of those
// ratios so similar situations trigger earlier. Without any rescue
// outcomes in the window the configured thresholds stand unchanged.
type Adaptive struct {
	mu       sync.Mutex
	base     Thresholds
	window   int
	outcomes []outcome
	current  decimal.Decimal
}

type outcome struct {
	ratio   decimal.Decimal
	rescued bool
}

// NewAdaptive wraps base thresholds with outcome-driven adjustment over a
// rolling window of recorded outcomes.
func NewAdaptive(base Thresholds, window int) *Adaptive {
	if window <= 0 {
		window = 200
	}
	return &Adaptive{base: base, window: window, current: base.RescueRatio}
}

// RecordOutcome feeds one resolved action back: the margin recorded at
// trigger time and whether the rescue actually went through. The margin
// is the distance from the configured rescue threshold, so the ratio at
// trigger reconstructs as base threshold plus margin.
func (a *Adaptive) RecordOutcome(margin decimal.Decimal, rescued bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ratio := a.base.RescueRatio.Add(margin)
	a.outcomes = append(a.outcomes, outcome{ratio: ratio, rescued: rescued})
	if len(a.outcomes) > a.window {
		a.outcomes = a.outcomes[len(a.outcomes)-a.window:]
	}
	a.recompute()
}

func (a *Adaptive) recompute() {
	rescuedRatios := make([]decimal.Decimal, 0, len(a.outcomes))
	for _, o := range a.outcomes {
		if o.rescued {
			rescuedRatios = append(rescuedRatios, o.ratio)
		}
	}
	if len(rescuedRatios) == 0 {
		a.current = a.base.RescueRatio
		return
	}

	sort.Slice(rescuedRatios, func(i, j int) bool {
		return rescuedRatios[i].LessThan(rescuedRatios[j])
	})
	candidate := percentile(rescuedRatios, 25)

	// Never drift below the configured floor or above the warn line.
	if candidate.LessThan(a.base.RescueRatio) {
		candidate = a.base.RescueRatio
	}
	if candidate.GreaterThanOrEqual(a.base.WarnRatio) {
		candidate = a.base.WarnRatio.Sub(decimal.New(1, -4))
	}
	a.current = candidate
}

// RescueRatio returns the threshold currently in force.
func (a *Adaptive) RescueRatio() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Evaluate applies the current thresholds to the snapshot.
func (a *Adaptive) Evaluate(pos ledger.Position) Verdict {
	a.mu.Lock()
	thresholds := Thresholds{WarnRatio: a.base.WarnRatio, RescueRatio: a.current}
	a.mu.Unlock()
	return evaluateRatio(pos, thresholds)
}

func percentile(sorted []decimal.Decimal, pct int) decimal.Decimal {
	if len(sorted) == 0 {
		return decimal.Zero
	}
	idx := (len(sorted) - 1) * pct / 100
	return sorted[idx]
}

var _ Evaluator = (*Adaptive)(nil)
