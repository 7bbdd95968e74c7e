package costing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// GapKind enumerates coverage gap categories.
type GapKind string

const (
	// GapMissingCOGS is a shipped order-line with no allocation group.
	GapMissingCOGS GapKind = "MISSING_COGS"
	// GapMissingReturnLayer is a RETURN_RECEIVED with no receipt layer.
	GapMissingReturnLayer GapKind = "MISSING_RETURN_LAYER"
)

// ShipmentLine is a shipped order-line as seen by the auditor, together
// with whether a non-reversed allocation group already covers it.
type ShipmentLine struct {
	OrderID       string
	SKU           string
	Qty           decimal.Decimal
	ShippedAt     time.Time
	HasAllocation bool
}

// ReturnCandidate is a RETURN_RECEIVED submission with its undo status.
type ReturnCandidate struct {
	ReturnRecord
	Undone bool
}

// Gap is one missing-coverage finding.
type Gap struct {
	Kind       GapKind
	OrderID    string
	SKU        string
	Qty        decimal.Decimal
	OccurredAt time.Time
	ReturnID   int64
}

// BackfillReport aggregates the outcome of one auditor run. Failures never
// abort the batch; each is reported as a warning.
type BackfillReport struct {
	Processed int
	Skipped   int
	Failed    int
	Warnings  []string
}

// FindGaps scans for shipped order-lines lacking COGS allocations and for
// RETURN_RECEIVED records lacking their receipt layer.
func (s *Service) FindGaps(ctx context.Context, from, to time.Time) ([]Gap, error) {
	shipments, returns, err := s.scanCandidates(ctx, from, to)
	if err != nil {
		return nil, err
	}
	gaps := []Gap{}
	for _, line := range shipments {
		if line.HasAllocation {
			continue
		}
		gaps = append(gaps, Gap{
			Kind:       GapMissingCOGS,
			OrderID:    line.OrderID,
			SKU:        line.SKU,
			Qty:        line.Qty,
			OccurredAt: line.ShippedAt,
		})
	}
	for _, cand := range returns {
		if cand.LayerID != 0 || cand.Undone {
			continue
		}
		gaps = append(gaps, Gap{
			Kind:       GapMissingReturnLayer,
			OrderID:    cand.OrderID,
			SKU:        cand.SKU,
			Qty:        cand.Qty,
			OccurredAt: cand.ReturnedAt,
			ReturnID:   cand.ID,
		})
	}
	return gaps, nil
}

// RunBackfill closes every gap in the range. Each gap gets its own
// transaction so one failure does not roll back the rest; already-covered
// candidates count as skipped, which makes a second run over the same range
// a no-op that reports everything skipped.
func (s *Service) RunBackfill(ctx context.Context, from, to time.Time, actorID int64) (BackfillReport, error) {
	shipments, returns, err := s.scanCandidates(ctx, from, to)
	if err != nil {
		return BackfillReport{}, err
	}

	report := BackfillReport{}
	for _, line := range shipments {
		if line.HasAllocation {
			report.Skipped++
			continue
		}
		warnings, err := s.backfillCOGS(ctx, line, actorID)
		report.Warnings = append(report.Warnings, warnings...)
		if err != nil {
			report.Failed++
			report.Warnings = append(report.Warnings, fmt.Sprintf("order %s sku %s: %v", line.OrderID, line.SKU, err))
			continue
		}
		report.Processed++
	}
	for _, cand := range returns {
		if cand.Undone {
			report.Skipped++
			continue
		}
		if cand.LayerID != 0 {
			report.Skipped++
			continue
		}
		warnings, err := s.backfillReturnLayer(ctx, cand, actorID)
		report.Warnings = append(report.Warnings, warnings...)
		if err != nil {
			report.Failed++
			report.Warnings = append(report.Warnings, fmt.Sprintf("return %d sku %s: %v", cand.ID, cand.SKU, err))
			continue
		}
		report.Processed++
	}

	if report.Processed > 0 {
		s.bump(ctx)
	}
	s.recordAudit(ctx, actorID, "costing:backfill", "backfill_run", fmt.Sprintf("%s/%s", from.Format("2006-01-02"), to.Format("2006-01-02")), map[string]any{
		"processed": report.Processed, "skipped": report.Skipped, "failed": report.Failed,
	})
	return report, nil
}

func (s *Service) scanCandidates(ctx context.Context, from, to time.Time) ([]ShipmentLine, []ReturnCandidate, error) {
	var (
		shipments []ShipmentLine
		returns   []ReturnCandidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		shipments, err = s.repo.ShippedLines(gctx, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		returns, err = s.repo.ReturnCandidates(gctx, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return shipments, returns, nil
}

// backfillCOGS allocates a missing shipment as of its shipment date with
// method BACKFILL. Any quantity the layers cannot cover is recorded as a
// zero-cost row so the gap closes, with a warning about understated COGS.
func (s *Service) backfillCOGS(ctx context.Context, line ShipmentLine, actorID int64) ([]string, error) {
	var warnings []string
	groupID := uuid.NewString()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		layers, err := tx.LayersForUpdate(ctx, line.SKU)
		if err != nil {
			return err
		}
		plan, err := buildPlan(line.SKU, line.Qty, line.ShippedAt, layers)
		if err != nil {
			return err
		}
		params := applyParams{
			GroupID:   groupID,
			OrderID:   line.OrderID,
			ShippedAt: line.ShippedAt,
			Method:    MethodBackfill,
			ActorID:   actorID,
		}
		if _, err := applyPlan(ctx, tx, plan, params, layers); err != nil {
			return err
		}
		if plan.Shortfall.GreaterThan(decimal.Zero) {
			warnings = append(warnings, fmt.Sprintf(
				"order %s sku %s: %s units uncovered, recorded at zero cost", line.OrderID, line.SKU, plan.Shortfall))
			return tx.InsertAllocations(ctx, []Allocation{{
				GroupID:      groupID,
				OrderID:      line.OrderID,
				SKU:          line.SKU,
				ShippedAt:    line.ShippedAt,
				Method:       MethodBackfill,
				Qty:          plan.Shortfall,
				UnitCostUsed: decimal.Zero,
				Amount:       decimal.Zero,
				IsReversal:   false,
				CreatedBy:    actorID,
			}})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return warnings, nil
}

// backfillReturnLayer synthesises the receipt layer a RETURN_RECEIVED
// should have created, at the most recent known unit cost for the SKU. With
// no cost history the layer is created at zero cost and flagged, since that
// understates COGS on resale.
func (s *Service) backfillReturnLayer(ctx context.Context, cand ReturnCandidate, actorID int64) ([]string, error) {
	var warnings []string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cost, found, err := tx.LatestUnitCost(ctx, cand.SKU, cand.ReturnedAt)
		if err != nil {
			return err
		}
		if !found {
			cost = decimal.Zero
			warnings = append(warnings, fmt.Sprintf(
				"return %d sku %s: no cost history, layer created at zero cost", cand.ID, cand.SKU))
		}
		layerID, err := tx.InsertLayer(ctx, ReceiptLayer{
			SKU:          cand.SKU,
			ReceivedAt:   cand.ReturnedAt,
			QtyReceived:  cand.Qty,
			QtyRemaining: cand.Qty,
			UnitCost:     cost,
			RefType:      LayerRefBackfill,
			RefID:        fmt.Sprintf("return:%d", cand.ID),
			CreatedBy:    actorID,
		})
		if err != nil {
			return err
		}
		return tx.SetReturnLayer(ctx, cand.ID, layerID)
	})
	if err != nil {
		return nil, err
	}
	return warnings, nil
}
