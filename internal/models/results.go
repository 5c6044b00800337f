package models

import (
	"math"
	"time"
)

// CycleKind identifies which timer produced a cycle.
type CycleKind string

const (
	// CyclePositions reconciles open positions against position records.
	CyclePositions CycleKind = "positions"
	// CycleOrders reconciles open orders against order records.
	CycleOrders CycleKind = "orders"
)

// PositionSnapshot is the per-cycle view of one venue position. It is never persisted.
type PositionSnapshot struct {
	InstrumentName string  `json:"instrument_name"`
	Size           float64 `json:"size"`
	Delta          float64 `json:"delta"`
	MarkPrice      float64 `json:"mark_price"`
	PerUnitDelta   float64 `json:"per_unit_delta"`
}

// NewPositionSnapshot derives PerUnitDelta = delta / size, or 0 when size is 0.
func NewPositionSnapshot(instrument string, size, delta, mark float64) PositionSnapshot {
	return PositionSnapshot{
		InstrumentName: instrument,
		Size:           size,
		Delta:          delta,
		MarkPrice:      mark,
		PerUnitDelta:   PerUnitDelta(delta, size),
	}
}

// PerUnitDelta returns positionDelta / positionSize, defined as 0 for a zero size
// or a non-finite delta.
func PerUnitDelta(positionDelta, positionSize float64) float64 {
	if positionSize == 0 || math.IsNaN(positionDelta) || math.IsInf(positionDelta, 0) {
		return 0
	}
	return positionDelta / positionSize
}

// DriftExceeded is the roll trigger: |targetDelta| < |perUnitDelta|.
func DriftExceeded(targetDelta, perUnitDelta float64) bool {
	return math.Abs(targetDelta) < math.Abs(perUnitDelta)
}

// OrderSnapshot is the per-cycle view of one resting venue order.
type OrderSnapshot struct {
	OrderID        string  `json:"order_id"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Amount         float64 `json:"amount"`
	FilledAmount   float64 `json:"filled_amount"`
	Price          float64 `json:"price"`
	State          string  `json:"state"`
}

// AdjustmentResult is the structured outcome of one roll attempt.
type AdjustmentResult struct {
	Record        *DeltaTarget `json:"record,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Error         string       `json:"error,omitempty"`
	OldInstrument string       `json:"old_instrument"`
	NewInstrument string       `json:"new_instrument,omitempty"`
	CloseOrderID  string       `json:"close_order_id,omitempty"`
	OpenOrderID   string       `json:"open_order_id,omitempty"`
	ClosedSize    float64      `json:"closed_size,omitempty"`
	OpenedSize    float64      `json:"opened_size,omitempty"`
	Success       bool         `json:"success"`
	Inconsistent  bool         `json:"inconsistent,omitempty"`
}

// CycleResult records one account's pass of one timer.
type CycleResult struct {
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	AccountID   string             `json:"account_id"`
	Kind        CycleKind          `json:"kind"`
	Reason      string             `json:"reason,omitempty"`
	Error       string             `json:"error,omitempty"`
	Positions   []PositionSnapshot `json:"positions,omitempty"`
	Orders      []OrderSnapshot    `json:"orders,omitempty"`
	Adjustments []AdjustmentResult `json:"adjustments,omitempty"`
	Promoted    []DeltaTarget      `json:"promoted,omitempty"`
	Success     bool               `json:"success"`
}

// Fail marks the result failed with a reason and optional underlying error.
func (c *CycleResult) Fail(reason string, err error) {
	c.Success = false
	c.Reason = reason
	if err != nil {
		c.Error = err.Error()
	}
}

// HasInconsistency reports whether any adjustment in the cycle left venue
// exposure unmatched by the ledger.
func (c *CycleResult) HasInconsistency() bool {
	for _, a := range c.Adjustments {
		if a.Inconsistent {
			return true
		}
	}
	return false
}
