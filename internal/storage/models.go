package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"position-rescue-alerts/internal/ledger"
)

// ActionStatus is the lifecycle state of one rescue action.
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusSubmitted ActionStatus = "submitted"
	StatusConfirmed ActionStatus = "confirmed"
	StatusFailed    ActionStatus = "failed"
)

// Resolved reports whether the status is terminal.
func (s ActionStatus) Resolved() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a forward-only
// step. The sequence is always a subsequence of
// pending, submitted, {confirmed|failed}.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusSubmitted || next == StatusFailed
	case StatusSubmitted:
		return next == StatusConfirmed || next == StatusFailed
	default:
		return false
	}
}

// ActionID derives the deterministic identifier for a rescue action from
// the position and the epoch of the snapshot that triggered it. The same
// risk condition observed again maps to the same identifier.
func ActionID(position ledger.PositionID, triggerEpoch int64) string {
	return fmt.Sprintf("%s@%d", position.String(), triggerEpoch)
}

// RetryActionID derives the identifier for the seq-th action created for
// the same trigger condition. A failed rescue leaves the on-chain epoch
// untouched, so a post-cooldown retry keeps the epoch and carries a
// sequence suffix instead. seq 0 is the original ActionID.
func RetryActionID(position ledger.PositionID, triggerEpoch int64, seq int) string {
	if seq == 0 {
		return ActionID(position, triggerEpoch)
	}
	return fmt.Sprintf("%s@%d#%d", position.String(), triggerEpoch, seq)
}

// RescueAction is the unit of work for one attempt to protect a position.
// Owned exclusively by the store; mutated only through its update API.
type RescueAction struct {
	ID                string
	PositionID        string
	TriggerEpoch      int64
	Status            ActionStatus
	TxRef             *string
	Attempts          int
	FailReason        *string
	TriggerMargin     decimal.Decimal
	ResolutionAlerted bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// VerdictRecord is the last-observed verdict for a position, used to
// detect verdict changes and to discard stale snapshots.
type VerdictRecord struct {
	PositionID string
	Level      string
	Margin     decimal.Decimal
	SnapshotTS time.Time
	UpdatedAt  time.Time
}

// PositionSample is one per-cycle observation row for show/export.
type PositionSample struct {
	PositionID string
	CycleTS    time.Time
	Collateral decimal.Decimal
	Debt       decimal.Decimal
	Margin     decimal.Decimal
	Level      string
	Status     string
	Error      *string
	CreatedAt  time.Time
}

// AlertRecord audits an emitted alert.
type AlertRecord struct {
	ID         string
	PositionID string
	Severity   string
	Level      string
	ActionID   *string
	Message    string
	CreatedAt  time.Time
}
