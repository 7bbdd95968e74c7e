package costing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListLayers(ctx context.Context, filter LayerFilter) ([]ReceiptLayer, error)
	ListAllocations(ctx context.Context, filter AllocationFilter) ([]Allocation, error)
	GetReturn(ctx context.Context, returnID int64) (ReturnRecord, error)
	ShippedLines(ctx context.Context, from, to time.Time) ([]ShipmentLine, error)
	ReturnCandidates(ctx context.Context, from, to time.Time) ([]ReturnCandidate, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// InvalidatorPort bumps read-view caches after a mutation commits.
type InvalidatorPort interface {
	Bump(ctx context.Context) error
}

// IdempotencyPort guards mutating operations against double submission of
// the same business event.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service coordinates the costing engine: FIFO allocation, the COGS ledger,
// the reversal path and the coverage auditor.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	invalidator InvalidatorPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, invalidator InvalidatorPort) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem, invalidator: invalidator}
}

// ReceiveStock records an inbound purchase batch as a new receipt layer.
func (s *Service) ReceiveStock(ctx context.Context, input ReceiveStockInput) (ReceiptLayer, error) {
	if input.SKU == "" {
		return ReceiptLayer{}, errors.New("costing: sku required")
	}
	if input.Qty.LessThanOrEqual(decimal.Zero) {
		return ReceiptLayer{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return ReceiptLayer{}, ErrInvalidUnitCost
	}
	refType := input.RefType
	if refType == "" {
		refType = LayerRefPurchase
	}
	layer := ReceiptLayer{
		SKU:          input.SKU,
		ReceivedAt:   defaultTime(input.ReceivedAt),
		QtyReceived:  input.Qty,
		QtyRemaining: input.Qty,
		UnitCost:     input.UnitCost,
		RefType:      refType,
		RefID:        input.RefID,
		CreatedBy:    input.ActorID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertLayer(ctx, layer)
		if err != nil {
			return err
		}
		layer.ID = id
		return nil
	})
	if err != nil {
		return ReceiptLayer{}, err
	}
	s.bump(ctx)
	s.recordAudit(ctx, input.ActorID, "costing:receive", "receipt_layer", fmt.Sprintf("%d", layer.ID), map[string]any{
		"sku": input.SKU, "qty": input.Qty.String(), "unit_cost": input.UnitCost.String(),
	})
	return layer, nil
}

// ReceiveStockInput describes an inbound batch.
type ReceiveStockInput struct {
	SKU        string
	Qty        decimal.Decimal
	UnitCost   decimal.Decimal
	ReceivedAt time.Time
	RefType    LayerRefType
	RefID      string
	ActorID    int64
}

// ShipOrder costs a shipment: it selects layers oldest-first, decrements
// them and writes the COGS ledger rows, all inside one transaction. Without
// AllowPartial a shortfall aborts the whole operation; with it the shortfall
// is reported on the returned plan rows being fewer than requested.
func (s *Service) ShipOrder(ctx context.Context, input ShipOrderInput) ([]Allocation, error) {
	if input.OrderID == "" || input.SKU == "" {
		return nil, errors.New("costing: order and sku required")
	}
	if input.Qty.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidQuantity
	}
	shippedAt := defaultTime(input.ShippedAt)

	key := shipKey(input.OrderID, input.SKU)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "costing.ship"); err != nil {
			return nil, err
		}
		insertedKey = true
	}

	groupID := uuid.NewString()
	var created []Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		layers, err := tx.LayersForUpdate(ctx, input.SKU)
		if err != nil {
			return err
		}
		plan, err := buildPlan(input.SKU, input.Qty, shippedAt, layers)
		if err != nil {
			return err
		}
		if plan.Shortfall.GreaterThan(decimal.Zero) && !input.AllowPartial {
			return fmt.Errorf("%w: sku %s short by %s", ErrInsufficientStock, input.SKU, plan.Shortfall)
		}
		created, err = applyPlan(ctx, tx, plan, applyParams{
			GroupID:   groupID,
			OrderID:   input.OrderID,
			ShippedAt: shippedAt,
			Method:    MethodFIFO,
			ActorID:   input.ActorID,
		}, layers)
		return err
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return nil, err
	}
	s.bump(ctx)
	s.recordAudit(ctx, input.ActorID, "costing:ship", "cogs_group", groupID, map[string]any{
		"order_id": input.OrderID, "sku": input.SKU, "qty": input.Qty.String(),
	})
	return created, nil
}

// SubmitReturn records a customer return. RETURN_RECEIVED re-enters the
// stock as a new layer and, when the returned quantity matches an open
// allocation group for the order line, reverses that group so COGS is
// undone in the same transaction. REFUND_ONLY and CANCEL_BEFORE_SHIP are
// financial-only records with no inventory movement.
func (s *Service) SubmitReturn(ctx context.Context, input SubmitReturnInput) (ReturnRecord, error) {
	if input.OrderID == "" || input.SKU == "" {
		return ReturnRecord{}, errors.New("costing: order and sku required")
	}
	if !input.ReturnType.IsValid() {
		return ReturnRecord{}, fmt.Errorf("costing: unknown return type %q", input.ReturnType)
	}
	if input.Qty.LessThanOrEqual(decimal.Zero) {
		return ReturnRecord{}, ErrInvalidQuantity
	}
	returnedAt := defaultTime(input.ReturnedAt)

	rec := ReturnRecord{
		OrderID:    input.OrderID,
		SKU:        input.SKU,
		Qty:        input.Qty,
		ReturnType: input.ReturnType,
		ActionType: ActionReturn,
		ReturnedAt: returnedAt,
		Note:       input.Note,
		CreatedBy:  input.ActorID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if !input.ReturnType.MovesInventory() {
			id, err := tx.InsertReturn(ctx, rec)
			rec.ID = id
			return err
		}

		groupID, err := tx.LatestGroupForOrder(ctx, input.OrderID, input.SKU)
		if err != nil {
			return err
		}
		unitCost := decimal.Zero
		haveCost := false
		if groupID != "" {
			rows, err := tx.AllocationsByGroup(ctx, groupID)
			if err != nil {
				return err
			}
			groupQty, groupCost := groupTotals(rows)
			if !groupQty.IsZero() {
				unitCost = groupCost.DivRound(groupQty, costScale)
				haveCost = true
			}
			// Only a full-quantity return undoes the shipment's COGS.
			// Partial returns re-enter stock at the shipment's blended
			// cost and correct margin on resale.
			if groupQty.Equal(input.Qty) {
				if err := reverseGroup(ctx, tx, groupID, input.ActorID); err != nil {
					return err
				}
				rec.AllocationGroupID = groupID
			}
		}
		if !haveCost {
			cost, found, err := tx.LatestUnitCost(ctx, input.SKU, returnedAt)
			if err != nil {
				return err
			}
			if found {
				unitCost = cost
			}
		}

		layerID, err := tx.InsertLayer(ctx, ReceiptLayer{
			SKU:          input.SKU,
			ReceivedAt:   returnedAt,
			QtyReceived:  input.Qty,
			QtyRemaining: input.Qty,
			UnitCost:     unitCost,
			RefType:      LayerRefReturn,
			RefID:        input.OrderID,
			CreatedBy:    input.ActorID,
		})
		if err != nil {
			return err
		}
		rec.LayerID = layerID
		id, err := tx.InsertReturn(ctx, rec)
		rec.ID = id
		return err
	})
	if err != nil {
		return ReturnRecord{}, err
	}
	s.bump(ctx)
	s.recordAudit(ctx, input.ActorID, "costing:return", "return_record", fmt.Sprintf("%d", rec.ID), map[string]any{
		"order_id": input.OrderID, "sku": input.SKU, "qty": input.Qty.String(), "type": string(input.ReturnType),
	})
	return rec, nil
}

// UndoReturn reverses a prior RETURN record. The undo is a new record, never
// an in-place mutation; a RETURN can be undone at most once. For
// RETURN_RECEIVED the layer the return created is consumed back and any
// allocation group the return had reversed is re-applied at its original
// per-layer costs.
func (s *Service) UndoReturn(ctx context.Context, returnID int64, actorID int64) (ReturnRecord, error) {
	var undo ReturnRecord
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetReturnForUpdate(ctx, returnID)
		if err != nil {
			return err
		}
		if rec.ActionType != ActionReturn {
			return fmt.Errorf("%w: record %d is not an original return", ErrNotFound, returnID)
		}
		undone, err := tx.ReturnHasUndo(ctx, returnID)
		if err != nil {
			return err
		}
		if undone {
			return fmt.Errorf("%w: return %d", ErrAlreadyReversed, returnID)
		}

		if rec.ReturnType.MovesInventory() {
			if rec.LayerID != 0 {
				if err := consumeReturnLayer(ctx, tx, rec, actorID); err != nil {
					return err
				}
			}
			if rec.AllocationGroupID != "" {
				if err := reapplyGroup(ctx, tx, rec.AllocationGroupID, actorID); err != nil {
					return err
				}
			}
		}

		undo = ReturnRecord{
			OrderID:          rec.OrderID,
			SKU:              rec.SKU,
			Qty:              rec.Qty,
			ReturnType:       rec.ReturnType,
			ActionType:       ActionUndo,
			ReversedReturnID: rec.ID,
			ReturnedAt:       time.Now().UTC(),
			Note:             fmt.Sprintf("undo of return %d", rec.ID),
			CreatedBy:        actorID,
		}
		id, err := tx.InsertReturn(ctx, undo)
		undo.ID = id
		return err
	})
	if err != nil {
		return ReturnRecord{}, err
	}
	s.bump(ctx)
	s.recordAudit(ctx, actorID, "costing:return-undo", "return_record", fmt.Sprintf("%d", undo.ID), map[string]any{
		"reversed_return_id": returnID,
	})
	return undo, nil
}

// CancelShipment undoes a shipped order line's COGS after allocation, e.g.
// when an order is cancelled post-shipment. It routes through the same
// reversal path as returns.
func (s *Service) CancelShipment(ctx context.Context, orderID, sku string, actorID int64) ([]Allocation, error) {
	if orderID == "" || sku == "" {
		return nil, errors.New("costing: order and sku required")
	}
	var groupID string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		groupID, err = tx.LatestGroupForOrder(ctx, orderID, sku)
		if err != nil {
			return err
		}
		if groupID == "" {
			return fmt.Errorf("%w: no open allocation for order %s sku %s", ErrNotFound, orderID, sku)
		}
		return reverseGroup(ctx, tx, groupID, actorID)
	})
	if err != nil {
		return nil, err
	}
	// Release the ship guard so the cancelled line can be shipped again.
	if s.idempotency != nil {
		_ = s.idempotency.Delete(ctx, shipKey(orderID, sku))
	}
	s.bump(ctx)
	s.recordAudit(ctx, actorID, "costing:cancel", "cogs_group", groupID, map[string]any{
		"order_id": orderID, "sku": sku,
	})
	return s.AllocationsByGroup(ctx, groupID)
}

// ReverseAllocationGroup reverses one allocation group directly. Reversing
// an already-reversed group fails with ErrAlreadyReversed and changes
// nothing.
func (s *Service) ReverseAllocationGroup(ctx context.Context, groupID string, actorID int64) error {
	if groupID == "" {
		return fmt.Errorf("%w: group id required", ErrNotFound)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return reverseGroup(ctx, tx, groupID, actorID)
	})
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.recordAudit(ctx, actorID, "costing:reverse", "cogs_group", groupID, nil)
	return nil
}

// ReceiptLayers lists layers for audit/reporting. Read-only.
func (s *Service) ReceiptLayers(ctx context.Context, filter LayerFilter) ([]ReceiptLayer, error) {
	return s.repo.ListLayers(ctx, filter)
}

// Allocations lists COGS ledger rows for audit/reporting. Read-only.
func (s *Service) Allocations(ctx context.Context, filter AllocationFilter) ([]Allocation, error) {
	return s.repo.ListAllocations(ctx, filter)
}

// AllocationsByGroup lists the ledger rows of one group.
func (s *Service) AllocationsByGroup(ctx context.Context, groupID string) ([]Allocation, error) {
	var rows []Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rows, err = tx.AllocationsByGroup(ctx, groupID)
		return err
	})
	return rows, err
}

func (s *Service) bump(ctx context.Context) {
	if s.invalidator != nil {
		_ = s.invalidator.Bump(ctx)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	})
}

func groupTotals(rows []Allocation) (qty, cost decimal.Decimal) {
	qty, cost = decimal.Zero, decimal.Zero
	for _, row := range rows {
		if row.IsReversal {
			continue
		}
		qty = qty.Add(row.Qty)
		cost = cost.Add(row.Amount)
	}
	return qty, cost
}

func shipKey(orderID, sku string) string {
	return fmt.Sprintf("SHIP:%s:%s", orderID, sku)
}

func defaultTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value
}
