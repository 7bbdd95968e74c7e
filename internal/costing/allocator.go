package costing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// buildPlan selects layers oldest-first and greedily consumes them until the
// requested quantity is covered or the layers run out. The input layers must
// already be restricted to the target SKU; the function re-sorts them by
// received_at (id as tiebreak) and skips layers received after asOf so a
// backdated shipment never consumes future-dated stock.
//
// The plan is a pure value: nothing is mutated until apply time, inside the
// same transaction that selected the layers.
func buildPlan(sku string, qty decimal.Decimal, asOf time.Time, layers []ReceiptLayer) (AllocationPlan, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return AllocationPlan{}, ErrInvalidQuantity
	}

	candidates := make([]ReceiptLayer, 0, len(layers))
	for _, layer := range layers {
		if !asOf.IsZero() && layer.ReceivedAt.After(asOf) {
			continue
		}
		if layer.QtyRemaining.LessThanOrEqual(decimal.Zero) {
			continue
		}
		candidates = append(candidates, layer)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].ReceivedAt.Equal(candidates[j].ReceivedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
	})

	plan := AllocationPlan{SKU: sku, Requested: qty}
	remaining := qty
	for _, layer := range candidates {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(layer.QtyRemaining, remaining)
		plan.Lines = append(plan.Lines, PlanLine{
			LayerID:  layer.ID,
			Qty:      take,
			UnitCost: layer.UnitCost,
		})
		remaining = remaining.Sub(take)
	}
	plan.Shortfall = remaining
	return plan, nil
}
