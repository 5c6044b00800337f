// Package models provides the delta-target ledger records and the structured
// results produced by reconciliation cycles.
package models

import (
	"math"
	"strings"
	"time"
)

// RecordType distinguishes records that track a held position from records that
// track a resting order.
type RecordType string

const (
	// RecordTypePosition tracks an open position in an instrument.
	RecordTypePosition RecordType = "position"
	// RecordTypeOrder tracks a specific open order until it fills or expires.
	RecordTypeOrder RecordType = "order"
)

// Valid returns true if the RecordType is one of the defined constants
func (t RecordType) Valid() bool {
	switch t {
	case RecordTypePosition, RecordTypeOrder:
		return true
	default:
		return false
	}
}

// DeltaTarget is the unit of hedging intent stored in the ledger.
type DeltaTarget struct {
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	OrderID           *string    `json:"order_id,omitempty"`
	MinExpireDays     *int       `json:"min_expire_days"`
	TvID              *string    `json:"tv_id,omitempty"`
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	InstrumentName    string     `json:"instrument_name"`
	RecordType        RecordType `json:"record_type"`
	TargetDelta       float64    `json:"target_delta"`
	MovePositionDelta float64    `json:"move_position_delta"`
}

// AdjustmentEnabled reports whether the poller may roll this record. A null
// MinExpireDays opts the record out of automatic adjustment.
func (d *DeltaTarget) AdjustmentEnabled() bool {
	return d != nil && d.RecordType == RecordTypePosition && d.MinExpireDays != nil
}

// Clone returns a deep copy so callers cannot mutate ledger state through
// shared pointers.
func (d *DeltaTarget) Clone() *DeltaTarget {
	if d == nil {
		return nil
	}
	c := *d
	c.OrderID = cloneString(d.OrderID)
	c.TvID = cloneString(d.TvID)
	if d.MinExpireDays != nil {
		v := *d.MinExpireDays
		c.MinExpireDays = &v
	}
	return &c
}

// DeltaTargetInput carries the fields accepted when a directive creates or
// upserts a record.
type DeltaTargetInput struct {
	OrderID           *string    `json:"order_id,omitempty"`
	MinExpireDays     *int       `json:"min_expire_days"`
	TvID              *string    `json:"tv_id,omitempty"`
	AccountID         string     `json:"account_id"`
	InstrumentName    string     `json:"instrument_name"`
	RecordType        RecordType `json:"record_type"`
	TargetDelta       float64    `json:"target_delta"`
	MovePositionDelta float64    `json:"move_position_delta"`
}

// Normalize fills defaults and trims identifiers in place.
func (in *DeltaTargetInput) Normalize() {
	in.AccountID = strings.TrimSpace(in.AccountID)
	in.InstrumentName = strings.TrimSpace(in.InstrumentName)
	if in.RecordType == "" {
		if in.OrderID != nil && *in.OrderID != "" {
			in.RecordType = RecordTypeOrder
		} else {
			in.RecordType = RecordTypePosition
		}
	}
	if in.OrderID != nil && strings.TrimSpace(*in.OrderID) == "" {
		in.OrderID = nil
	}
}

// Validate rejects inputs that would violate ledger invariants. Nothing is
// clamped: an out-of-range value is an error.
func (in *DeltaTargetInput) Validate() error {
	if in.AccountID == "" {
		return &ValidationError{Field: "account_id", Reason: "is required"}
	}
	if in.InstrumentName == "" {
		return &ValidationError{Field: "instrument_name", Reason: "is required"}
	}
	if !in.RecordType.Valid() {
		return &ValidationError{Field: "record_type", Reason: "must be 'position' or 'order'"}
	}
	if in.RecordType == RecordTypeOrder && in.OrderID == nil {
		return &ValidationError{Field: "order_id", Reason: "is required for order records"}
	}
	if err := ValidateTargetDelta(in.TargetDelta); err != nil {
		return err
	}
	if err := ValidateMinExpireDays(in.MinExpireDays); err != nil {
		return err
	}
	return validateMoveDelta(in.MovePositionDelta)
}

// Record builds a ledger record from the input. The caller assigns ID and
// timestamps.
func (in *DeltaTargetInput) Record() *DeltaTarget {
	r := &DeltaTarget{
		AccountID:         in.AccountID,
		InstrumentName:    in.InstrumentName,
		RecordType:        in.RecordType,
		TargetDelta:       in.TargetDelta,
		MovePositionDelta: in.MovePositionDelta,
		OrderID:           cloneString(in.OrderID),
		TvID:              cloneString(in.TvID),
	}
	if in.MinExpireDays != nil {
		v := *in.MinExpireDays
		r.MinExpireDays = &v
	}
	return r
}

// DeltaTargetPatch describes a partial update. Nil fields are left unchanged;
// ClearMinExpireDays sets MinExpireDays to null and wins over MinExpireDays.
type DeltaTargetPatch struct {
	InstrumentName     *string  `json:"instrument_name,omitempty"`
	TargetDelta        *float64 `json:"target_delta,omitempty"`
	MovePositionDelta  *float64 `json:"move_position_delta,omitempty"`
	MinExpireDays      *int     `json:"min_expire_days,omitempty"`
	TvID               *string  `json:"tv_id,omitempty"`
	ClearMinExpireDays bool     `json:"clear_min_expire_days,omitempty"`
}

// Validate checks every field the patch would write.
func (p *DeltaTargetPatch) Validate() error {
	if p.InstrumentName != nil && strings.TrimSpace(*p.InstrumentName) == "" {
		return &ValidationError{Field: "instrument_name", Reason: "must not be empty"}
	}
	if p.TargetDelta != nil {
		if err := ValidateTargetDelta(*p.TargetDelta); err != nil {
			return err
		}
	}
	if p.MovePositionDelta != nil {
		if err := validateMoveDelta(*p.MovePositionDelta); err != nil {
			return err
		}
	}
	if !p.ClearMinExpireDays {
		if err := ValidateMinExpireDays(p.MinExpireDays); err != nil {
			return err
		}
	}
	return nil
}

// Apply writes the patch onto r. It does not touch timestamps.
func (p *DeltaTargetPatch) Apply(r *DeltaTarget) {
	if p.InstrumentName != nil {
		r.InstrumentName = strings.TrimSpace(*p.InstrumentName)
	}
	if p.TargetDelta != nil {
		r.TargetDelta = *p.TargetDelta
	}
	if p.MovePositionDelta != nil {
		r.MovePositionDelta = *p.MovePositionDelta
	}
	if p.TvID != nil {
		r.TvID = cloneString(p.TvID)
	}
	switch {
	case p.ClearMinExpireDays:
		r.MinExpireDays = nil
	case p.MinExpireDays != nil:
		v := *p.MinExpireDays
		r.MinExpireDays = &v
	}
}

// Query filters ledger listings. Zero values mean "any".
type Query struct {
	AccountID      string
	InstrumentName string
	RecordType     RecordType
	Limit          int
}

// Matches reports whether r satisfies every set filter.
func (q Query) Matches(r *DeltaTarget) bool {
	if q.AccountID != "" && r.AccountID != q.AccountID {
		return false
	}
	if q.InstrumentName != "" && r.InstrumentName != q.InstrumentName {
		return false
	}
	if q.RecordType != "" && r.RecordType != q.RecordType {
		return false
	}
	return true
}

// ValidateTargetDelta enforces targetDelta in [-1, 1].
func ValidateTargetDelta(v float64) error {
	if math.IsNaN(v) || v < -1 || v > 1 {
		return &ValidationError{Field: "target_delta", Reason: "must be within [-1, 1]"}
	}
	return nil
}

// ValidateMinExpireDays accepts nil or a strictly positive value.
func ValidateMinExpireDays(v *int) error {
	if v != nil && *v <= 0 {
		return &ValidationError{Field: "min_expire_days", Reason: "must be > 0 when set"}
	}
	return nil
}

func validateMoveDelta(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return &ValidationError{Field: "move_position_delta", Reason: "must be a non-negative number"}
	}
	return nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// IntPtr is a convenience for building inputs and patches.
func IntPtr(v int) *int { return &v }

// StringPtr is a convenience for building inputs and patches.
func StringPtr(v string) *string { return &v }

// Float64Ptr is a convenience for building patches.
func Float64Ptr(v float64) *float64 { return &v }
