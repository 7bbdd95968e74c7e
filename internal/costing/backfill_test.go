package costing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestFindGaps(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	seedTwoLayers(t, svc)

	shippedAt := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	repo.shipments = append(repo.shipments,
		shipmentRow{OrderID: "SO-10", SKU: "WIDGET", Qty: qty("6"), ShippedAt: shippedAt},
		shipmentRow{OrderID: "SO-11", SKU: "WIDGET", Qty: qty("4"), ShippedAt: shippedAt},
	)

	// SO-10 gets costed through the normal path; SO-11 never was.
	_, err := svc.ShipOrder(ctx, ShipOrderInput{OrderID: "SO-10", SKU: "WIDGET", Qty: qty("6"), ShippedAt: shippedAt})
	require.NoError(t, err)

	// A return whose layer was never created: insert the record directly, the
	// way a crashed submission would leave it behind.
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := tx.InsertReturn(ctx, ReturnRecord{
			OrderID:    "SO-12",
			SKU:        "WIDGET",
			Qty:        qty("2"),
			ReturnType: ReturnReceived,
			ActionType: ActionReturn,
			ReturnedAt: shippedAt.AddDate(0, 0, 1),
		})
		return err
	}))

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	gaps, err := svc.FindGaps(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, gaps, 2)

	byKind := map[GapKind]Gap{}
	for _, gap := range gaps {
		byKind[gap.Kind] = gap
	}
	require.Equal(t, "SO-11", byKind[GapMissingCOGS].OrderID)
	require.Equal(t, "SO-12", byKind[GapMissingReturnLayer].OrderID)
	require.NotZero(t, byKind[GapMissingReturnLayer].ReturnID)
}

func TestRunBackfillClosesGapsAndIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	seedTwoLayers(t, svc)

	shippedAt := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	repo.shipments = append(repo.shipments,
		shipmentRow{OrderID: "SO-20", SKU: "WIDGET", Qty: qty("12"), ShippedAt: shippedAt})

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := tx.InsertReturn(ctx, ReturnRecord{
			OrderID:    "SO-21",
			SKU:        "WIDGET",
			Qty:        qty("3"),
			ReturnType: ReturnReceived,
			ActionType: ActionReturn,
			ReturnedAt: shippedAt.AddDate(0, 0, 2),
		})
		return err
	}))

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)

	report, err := svc.RunBackfill(ctx, from, to, 1)
	require.NoError(t, err)
	require.Equal(t, 2, report.Processed)
	require.Equal(t, 0, report.Skipped)
	require.Equal(t, 0, report.Failed)

	// The shipment now carries BACKFILL allocations as of its shipped date.
	rows, err := svc.Allocations(ctx, AllocationFilter{OrderID: "SO-20"})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, row := range rows {
		require.Equal(t, MethodBackfill, row.Method)
		require.True(t, row.ShippedAt.Equal(shippedAt))
	}

	// The return got its synthesised layer at the latest known cost.
	var backfilled ReturnRecord
	for _, rec := range repo.returns {
		if rec.OrderID == "SO-21" {
			backfilled = rec
		}
	}
	require.NotZero(t, backfilled.LayerID)
	layer := repo.layers[backfilled.LayerID]
	require.Equal(t, LayerRefBackfill, layer.RefType)
	require.True(t, layer.UnitCost.Equal(qty("120")))

	// Second run over the same range finds nothing to do.
	report, err = svc.RunBackfill(ctx, from, to, 1)
	require.NoError(t, err)
	require.Equal(t, 0, report.Processed)
	require.Equal(t, 2, report.Skipped)
	requireLedgerConsistent(t, repo)
}

func TestRunBackfillShortfallRecordsZeroCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	seedTwoLayers(t, svc)

	shippedAt := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	repo.shipments = append(repo.shipments,
		shipmentRow{OrderID: "SO-30", SKU: "WIDGET", Qty: qty("25"), ShippedAt: shippedAt})

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)

	report, err := svc.RunBackfill(ctx, from, to, 1)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.NotEmpty(t, report.Warnings)
	require.True(t, strings.Contains(report.Warnings[0], "zero cost"))

	rows, err := svc.Allocations(ctx, AllocationFilter{OrderID: "SO-30"})
	require.NoError(t, err)

	covered, uncovered := decimal.Zero, decimal.Zero
	for _, row := range rows {
		if row.UnitCostUsed.IsZero() && row.LayerID == 0 {
			uncovered = uncovered.Add(row.Qty)
		} else {
			covered = covered.Add(row.Qty)
		}
	}
	require.True(t, covered.Equal(qty("20")))
	require.True(t, uncovered.Equal(qty("5")))

	// The gap is closed; nothing left for a second run.
	gaps, err := svc.FindGaps(ctx, from, to)
	require.NoError(t, err)
	require.Empty(t, gaps)
	requireLedgerConsistent(t, repo)
}

func TestBackfillReturnWithoutCostHistoryWarns(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	returnedAt := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := tx.InsertReturn(ctx, ReturnRecord{
			OrderID:    "SO-40",
			SKU:        "NEVERSTOCKED",
			Qty:        qty("1"),
			ReturnType: ReturnReceived,
			ActionType: ActionReturn,
			ReturnedAt: returnedAt,
		})
		return err
	}))

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	report, err := svc.RunBackfill(ctx, from, to, 1)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.NotEmpty(t, report.Warnings)
	require.True(t, strings.Contains(report.Warnings[0], "no cost history"))

	for _, layer := range repo.layers {
		require.True(t, layer.UnitCost.IsZero())
		require.Equal(t, LayerRefBackfill, layer.RefType)
	}
}
