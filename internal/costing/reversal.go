package costing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type applyParams struct {
	GroupID   string
	OrderID   string
	ShippedAt time.Time
	Method    AllocationMethod
	ActorID   int64
}

// applyPlan decrements every touched layer and writes the matching ledger
// rows. It must run inside the same transaction that selected and locked
// the layers; the plan is re-checked against the locked quantities so a
// stale plan can never overdraw.
func applyPlan(ctx context.Context, tx TxRepository, plan AllocationPlan, params applyParams, locked []ReceiptLayer) ([]Allocation, error) {
	byID := make(map[int64]ReceiptLayer, len(locked))
	for _, layer := range locked {
		byID[layer.ID] = layer
	}

	rows := make([]Allocation, 0, len(plan.Lines))
	for _, line := range plan.Lines {
		layer, ok := byID[line.LayerID]
		if !ok {
			return nil, fmt.Errorf("%w: layer %d", ErrNotFound, line.LayerID)
		}
		remaining := layer.QtyRemaining.Sub(line.Qty)
		if remaining.IsNegative() {
			return nil, &ConsistencyError{LayerID: layer.ID, Delta: line.Qty.Neg(), Reason: "plan exceeds locked qty_remaining"}
		}
		if err := tx.SetLayerRemaining(ctx, layer.ID, remaining); err != nil {
			return nil, err
		}
		rows = append(rows, Allocation{
			GroupID:      params.GroupID,
			OrderID:      params.OrderID,
			SKU:          plan.SKU,
			LayerID:      layer.ID,
			ShippedAt:    params.ShippedAt,
			Method:       params.Method,
			Qty:          line.Qty,
			UnitCostUsed: line.UnitCost,
			Amount:       line.Qty.Mul(line.UnitCost),
			IsReversal:   false,
			CreatedBy:    params.ActorID,
		})
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := tx.InsertAllocations(ctx, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// reverseGroup mirrors every original row of the group with is_reversal set
// and credits the referenced layers back. The mirrored rows reuse the
// original unit_cost_used so the reversal restores exactly what was taken,
// independent of later cost changes. A credit that would push a layer above
// qty_received indicates a double-reversal bug and raises ConsistencyError
// instead of clamping.
// The group's own rows are locked before the already-reversed check so two
// concurrent reversals serialise even for groups that reference no layer
// (backfill shortfall rows carry layer_id NULL).
func reverseGroup(ctx context.Context, tx TxRepository, groupID string, actorID int64) error {
	originals, err := tx.AllocationsByGroupForUpdate(ctx, groupID)
	if err != nil {
		return err
	}
	if len(originals) == 0 {
		return fmt.Errorf("%w: allocation group %s", ErrNotFound, groupID)
	}
	reversed, err := tx.GroupHasReversal(ctx, groupID)
	if err != nil {
		return err
	}
	if reversed {
		return fmt.Errorf("%w: group %s", ErrAlreadyReversed, groupID)
	}

	mirrors := make([]Allocation, 0, len(originals))
	for _, row := range originals {
		if row.LayerID != 0 {
			layer, err := tx.GetLayerForUpdate(ctx, row.LayerID)
			if err != nil {
				return err
			}
			remaining := layer.QtyRemaining.Add(row.Qty)
			if remaining.GreaterThan(layer.QtyReceived) {
				return &ConsistencyError{LayerID: layer.ID, Delta: row.Qty, Reason: "reversal would exceed qty_received"}
			}
			if err := tx.SetLayerRemaining(ctx, layer.ID, remaining); err != nil {
				return err
			}
		}
		mirrors = append(mirrors, Allocation{
			GroupID:      row.GroupID,
			OrderID:      row.OrderID,
			SKU:          row.SKU,
			LayerID:      row.LayerID,
			ShippedAt:    row.ShippedAt,
			Method:       row.Method,
			Qty:          row.Qty,
			UnitCostUsed: row.UnitCostUsed,
			Amount:       row.Amount.Neg(),
			IsReversal:   true,
			CreatedBy:    actorID,
		})
	}
	return tx.InsertAllocations(ctx, mirrors)
}

// reapplyGroup re-applies a previously reversed group under a fresh group
// id: the same layers are debited again at the original per-layer costs and
// in the original shipment period. Used when undoing a return that had
// reversed the shipment's COGS.
func reapplyGroup(ctx context.Context, tx TxRepository, groupID string, actorID int64) error {
	rows, err := tx.AllocationsByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	newGroup := uuid.NewString()
	fresh := make([]Allocation, 0, len(rows))
	for _, row := range rows {
		if row.IsReversal {
			continue
		}
		if row.LayerID != 0 {
			layer, err := tx.GetLayerForUpdate(ctx, row.LayerID)
			if err != nil {
				return err
			}
			remaining := layer.QtyRemaining.Sub(row.Qty)
			if remaining.IsNegative() {
				return fmt.Errorf("%w: layer %d re-consumed since reversal", ErrInsufficientStock, row.LayerID)
			}
			if err := tx.SetLayerRemaining(ctx, layer.ID, remaining); err != nil {
				return err
			}
		}
		fresh = append(fresh, Allocation{
			GroupID:      newGroup,
			OrderID:      row.OrderID,
			SKU:          row.SKU,
			LayerID:      row.LayerID,
			ShippedAt:    row.ShippedAt,
			Method:       row.Method,
			Qty:          row.Qty,
			UnitCostUsed: row.UnitCostUsed,
			Amount:       row.Qty.Mul(row.UnitCostUsed),
			IsReversal:   false,
			CreatedBy:    actorID,
		})
	}
	if len(fresh) == 0 {
		return fmt.Errorf("%w: allocation group %s", ErrNotFound, groupID)
	}
	return tx.InsertAllocations(ctx, fresh)
}

// consumeReturnLayer takes back the layer a RETURN_RECEIVED submission
// created. The layer must still be intact; returned stock that was already
// re-sold cannot be cleanly undone. The writeback row references the return
// record, not the sales order, so order-level COGS is carried solely by the
// re-applied group; when the return had reversed a group the writeback
// reuses that group's exact total instead of re-multiplying the blended
// cost, which would reintroduce rounding drift.
func consumeReturnLayer(ctx context.Context, tx TxRepository, rec ReturnRecord, actorID int64) error {
	layer, err := tx.GetLayerForUpdate(ctx, rec.LayerID)
	if err != nil {
		return err
	}
	if layer.QtyRemaining.LessThan(rec.Qty) {
		return fmt.Errorf("%w: return layer %d partially re-sold (%s of %s left)",
			ErrInsufficientStock, layer.ID, layer.QtyRemaining, rec.Qty)
	}
	amount := rec.Qty.Mul(layer.UnitCost)
	if rec.AllocationGroupID != "" {
		rows, err := tx.AllocationsByGroup(ctx, rec.AllocationGroupID)
		if err != nil {
			return err
		}
		if _, total := groupTotals(rows); total.GreaterThan(decimal.Zero) {
			amount = total
		}
	}
	remaining := layer.QtyRemaining.Sub(rec.Qty)
	if err := tx.SetLayerRemaining(ctx, layer.ID, remaining); err != nil {
		return err
	}
	return tx.InsertAllocations(ctx, []Allocation{{
		GroupID:      uuid.NewString(),
		OrderID:      fmt.Sprintf("return:%d", rec.ID),
		SKU:          rec.SKU,
		LayerID:      layer.ID,
		ShippedAt:    time.Now().UTC(),
		Method:       MethodManual,
		Qty:          rec.Qty,
		UnitCostUsed: layer.UnitCost,
		Amount:       amount,
		IsReversal:   false,
		CreatedBy:    actorID,
	}})
}
