package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionID identifies a tracked position: one owner in one market.
type PositionID struct {
	Owner  string
	Market string
}

// ParsePositionID parses "0xowner/market" as used in configuration.
func ParsePositionID(raw string) (PositionID, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return PositionID{}, fmt.Errorf("invalid position id %q: want owner/market", raw)
	}
	if !strings.HasPrefix(parts[0], "0x") {
		return PositionID{}, fmt.Errorf("invalid position owner %q: want 0x-prefixed address", parts[0])
	}
	return PositionID{Owner: parts[0], Market: parts[1]}, nil
}

func (id PositionID) String() string {
	return id.Owner + "/" + id.Market
}

// IsZero reports whether the identifier is empty.
func (id PositionID) IsZero() bool {
	return id.Owner == "" && id.Market == ""
}

// Position is an immutable on-chain snapshot of one collateral/debt record.
// Superseded by newer snapshots, never mutated in place.
type Position struct {
	ID          PositionID
	Collateral  decimal.Decimal
	Debt        decimal.Decimal
	UpdatedAt   time.Time
	BlockNumber uint64
}

// TxState enumerates confirmation states of a submitted transaction.
type TxState int

const (
	TxPending TxState = iota
	TxConfirmed
	TxRejected
)

// TxStatus is the ledger's view of a submitted rescue transaction.
type TxStatus struct {
	State  TxState
	Reason string
}

// RejectionError marks a submission failure that is terminal for the
// action: the chain rejected the rescue for a logical reason and retrying
// the same transaction cannot succeed.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "rescue rejected: " + e.Reason
}

// IsRejection reports whether err carries a terminal on-chain rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// Client is the on-chain access surface the core consumes. Implementations
// own connection management, transaction building, and signing.
type Client interface {
	// GetPosition reads the current snapshot for one position.
	GetPosition(ctx context.Context, id PositionID) (Position, error)
	// SubmitRescue builds, signs, and submits a rescue transaction,
	// returning its reference. A *RejectionError means the rescue cannot
	// succeed and must not be retried.
	SubmitRescue(ctx context.Context, id PositionID) (string, error)
	// TransactionStatus fetches the confirmation status for a reference
	// previously returned by SubmitRescue.
	TransactionStatus(ctx context.Context, txRef string) (TxStatus, error)
}
