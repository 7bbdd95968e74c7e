package costing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LayerRefType enumerates the origin of a receipt layer.
type LayerRefType string

const (
	// LayerRefPurchase marks stock received against a purchase.
	LayerRefPurchase LayerRefType = "PURCHASE"
	// LayerRefReturn marks stock re-entered by a customer return.
	LayerRefReturn LayerRefType = "RETURN"
	// LayerRefAdjustment marks manual stock corrections.
	LayerRefAdjustment LayerRefType = "ADJUSTMENT"
	// LayerRefBackfill marks layers synthesised by the coverage auditor.
	LayerRefBackfill LayerRefType = "BACKFILL"
)

// AllocationMethod enumerates how an allocation was produced.
type AllocationMethod string

const (
	// MethodFIFO is the standard oldest-first allocation.
	MethodFIFO AllocationMethod = "FIFO"
	// MethodManual is used for operator-driven corrections.
	MethodManual AllocationMethod = "MANUAL"
	// MethodBackfill marks allocations created by the coverage auditor.
	MethodBackfill AllocationMethod = "BACKFILL"
)

// ReturnType enumerates customer return events.
type ReturnType string

const (
	// ReturnReceived means physical stock came back; it moves inventory.
	ReturnReceived ReturnType = "RETURN_RECEIVED"
	// RefundOnly is a financial-only return with no stock movement.
	RefundOnly ReturnType = "REFUND_ONLY"
	// CancelBeforeShip cancels an order before any stock left.
	CancelBeforeShip ReturnType = "CANCEL_BEFORE_SHIP"
)

// IsValid reports whether the return type is a known value.
func (t ReturnType) IsValid() bool {
	switch t {
	case ReturnReceived, RefundOnly, CancelBeforeShip:
		return true
	default:
		return false
	}
}

// MovesInventory reports whether this return type has layer side effects.
func (t ReturnType) MovesInventory() bool {
	return t == ReturnReceived
}

// ReturnAction distinguishes an original return from its undo record.
type ReturnAction string

const (
	// ActionReturn is the original submission.
	ActionReturn ReturnAction = "RETURN"
	// ActionUndo reverses a prior RETURN record.
	ActionUndo ReturnAction = "UNDO"
)

// ReceiptLayer is one inbound batch of stock for one SKU. Layers are never
// deleted; a fully consumed layer stays behind with qty_remaining = 0.
type ReceiptLayer struct {
	ID           int64
	SKU          string
	ReceivedAt   time.Time
	QtyReceived  decimal.Decimal
	QtyRemaining decimal.Decimal
	UnitCost     decimal.Decimal
	RefType      LayerRefType
	RefID        string
	CreatedBy    int64
	CreatedAt    time.Time
}

// Allocation is one immutable COGS ledger row: the consumption (or, with
// IsReversal set, the re-credit) of one layer by one shipment or return.
// Rows belonging to the same shipment share a GroupID.
type Allocation struct {
	ID           int64
	GroupID      string
	OrderID      string
	SKU          string
	LayerID      int64
	ShippedAt    time.Time
	Method       AllocationMethod
	Qty          decimal.Decimal
	UnitCostUsed decimal.Decimal
	Amount       decimal.Decimal
	IsReversal   bool
	CreatedBy    int64
	CreatedAt    time.Time
}

// ReturnRecord captures a return submission or its undo. Undo never mutates
// the original record; it appends a new row pointing back via
// ReversedReturnID.
type ReturnRecord struct {
	ID                int64
	OrderID           string
	SKU               string
	Qty               decimal.Decimal
	ReturnType        ReturnType
	ActionType        ReturnAction
	ReversedReturnID  int64
	LayerID           int64
	AllocationGroupID string
	ReturnedAt        time.Time
	Note              string
	CreatedBy         int64
	CreatedAt         time.Time
}

// PlanLine is one (layer, qty) tuple selected by the allocator.
type PlanLine struct {
	LayerID  int64
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
}

// AllocationPlan is the outcome of a FIFO selection before it is applied.
type AllocationPlan struct {
	SKU       string
	Requested decimal.Decimal
	Lines     []PlanLine
	Shortfall decimal.Decimal
}

// Allocated returns the total quantity covered by the plan.
func (p AllocationPlan) Allocated() decimal.Decimal {
	total := decimal.Zero
	for _, line := range p.Lines {
		total = total.Add(line.Qty)
	}
	return total
}

// TotalCost returns the summed cost of all plan lines.
func (p AllocationPlan) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, line := range p.Lines {
		total = total.Add(line.Qty.Mul(line.UnitCost))
	}
	return total
}

// WeightedUnitCost returns the quantity-weighted average cost of the plan,
// or zero when nothing was allocated.
func (p AllocationPlan) WeightedUnitCost() decimal.Decimal {
	allocated := p.Allocated()
	if allocated.IsZero() {
		return decimal.Zero
	}
	return p.TotalCost().DivRound(allocated, costScale)
}

// costScale is the decimal precision used for derived unit costs.
const costScale = 6

// ShipOrderInput describes a shipment to cost.
type ShipOrderInput struct {
	OrderID      string
	SKU          string
	Qty          decimal.Decimal
	ShippedAt    time.Time
	AllowPartial bool
	ActorID      int64
}

// SubmitReturnInput describes a customer return submission.
type SubmitReturnInput struct {
	OrderID    string
	SKU        string
	Qty        decimal.Decimal
	ReturnType ReturnType
	ReturnedAt time.Time
	Note       string
	ActorID    int64
}

// LayerFilter narrows the receipt layer read view.
type LayerFilter struct {
	SKU   string
	From  time.Time
	To    time.Time
	Limit int
}

// AllocationFilter narrows the COGS ledger read view.
type AllocationFilter struct {
	OrderID string
	SKU     string
	From    time.Time
	To      time.Time
	Limit   int
}

var (
	// ErrInvalidQuantity indicates a non-positive or malformed quantity.
	ErrInvalidQuantity = errors.New("costing: quantity must be positive")
	// ErrInvalidUnitCost indicates a negative unit cost.
	ErrInvalidUnitCost = errors.New("costing: unit cost must be >= 0")
	// ErrInsufficientStock indicates layers cannot cover the requested
	// quantity and the caller did not opt into partial allocation.
	ErrInsufficientStock = errors.New("costing: insufficient stock")
	// ErrAlreadyReversed indicates a second reversal of the same group.
	ErrAlreadyReversed = errors.New("costing: allocation group already reversed")
	// ErrNotFound indicates a missing order, SKU, layer or return record.
	ErrNotFound = errors.New("costing: not found")
	// ErrConsistency is the sentinel wrapped by ConsistencyError.
	ErrConsistency = errors.New("costing: ledger consistency violation")
)

// ConsistencyError reports a runtime invariant violation, e.g. a reversal
// that would push qty_remaining above qty_received. It signals a bug, not a
// business condition, and aborts the enclosing transaction.
type ConsistencyError struct {
	LayerID int64
	Delta   decimal.Decimal
	Reason  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("costing: consistency violation on layer %d (delta %s): %s", e.LayerID, e.Delta, e.Reason)
}

// Unwrap lets errors.Is match ErrConsistency.
func (e *ConsistencyError) Unwrap() error { return ErrConsistency }
