package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stream identifies which on-chain emitter produced a loan event. The two
// emitters number their blocks on the same chain but are ingested and
// checkpointed independently.
type Stream string

const (
	// StreamBorrower carries events from the borrower-side loan book contract.
	StreamBorrower Stream = "borrower"
	// StreamLiquidator carries events from the liquidator-side contract.
	StreamLiquidator Stream = "liquidator"
)

// Streams returns all ingested streams in checkpoint order.
func Streams() []Stream {
	return []Stream{StreamBorrower, StreamLiquidator}
}

// LoanEvent is one immutable loan-book emission. Monetary and time fields
// arrive as 8-decimal fixed-point integers and are descaled at the indexer
// boundary; all fields are cumulative as emitted by the chain, so the most
// recent event per account carries the full loan state.
type LoanEvent struct {
	Timestamp   time.Time
	Block       uint64
	Account     string
	Notional    decimal.Decimal
	Collateral  decimal.Decimal
	StartTS     decimal.Decimal
	RevalTS     decimal.Decimal
	EndTS       decimal.Decimal
	Rate        decimal.Decimal
	HistAccrual decimal.Decimal
	HistRepay   decimal.Decimal
	LiquidateMe bool
	Stream      Stream
}

// Closed reports whether the event marks the loan as closed. A zero
// notional is the only closure signal the chain emits.
func (e LoanEvent) Closed() bool {
	return e.Notional.IsZero()
}
