package alerting

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Severity grades an alert for routing and display.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a write-once record of one state change worth telling a human
// about: a verdict change, a rescue trigger, or an action resolution.
type Alert struct {
	ID         string
	Severity   Severity
	PositionID string
	Level      string
	Margin     decimal.Decimal
	ActionID   *string
	Message    string
	Timestamp  time.Time
}

// NewAlert stamps a fresh alert with an identifier and timestamp.
func NewAlert(severity Severity, positionID, level, message string) Alert {
	return Alert{
		ID:         uuid.NewString(),
		Severity:   severity,
		PositionID: positionID,
		Level:      level,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
}

// WithAction attaches the related rescue action.
func (a Alert) WithAction(actionID string) Alert {
	a.ActionID = &actionID
	return a
}

// WithMargin attaches the risk margin the alert was computed from.
func (a Alert) WithMargin(margin decimal.Decimal) Alert {
	a.Margin = margin
	return a
}
