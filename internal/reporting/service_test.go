package reporting

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/ledgerline/internal/costing"
)

type stubReader struct {
	layerCalls int
	allocCalls int
	layers     []costing.ReceiptLayer
	rows       []costing.Allocation
}

func (s *stubReader) ReceiptLayers(ctx context.Context, filter costing.LayerFilter) ([]costing.ReceiptLayer, error) {
	s.layerCalls++
	return s.layers, nil
}

func (s *stubReader) Allocations(ctx context.Context, filter costing.AllocationFilter) ([]costing.Allocation, error) {
	s.allocCalls++
	return s.rows, nil
}

func newTestService(t *testing.T) (*Service, *stubReader, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewCache(client, time.Minute)
	reader := &stubReader{
		layers: []costing.ReceiptLayer{{ID: 1, SKU: "WIDGET", QtyReceived: decimal.NewFromInt(10)}},
	}
	return NewService(slog.Default(), reader, cache), reader, cache
}

func TestLayersCachedUntilBump(t *testing.T) {
	svc, reader, _ := newTestService(t)
	ctx := context.Background()
	filter := costing.LayerFilter{SKU: "WIDGET"}

	layers, err := svc.Layers(ctx, filter)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Equal(t, 1, reader.layerCalls)

	// Second read serves from cache.
	layers, err = svc.Layers(ctx, filter)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Equal(t, 1, reader.layerCalls)

	// Bump rotates the version, so the next read misses and reloads.
	require.NoError(t, svc.Bump(ctx))
	_, err = svc.Layers(ctx, filter)
	require.NoError(t, err)
	require.Equal(t, 2, reader.layerCalls)
}

func TestDistinctFiltersGetDistinctKeys(t *testing.T) {
	svc, reader, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Layers(ctx, costing.LayerFilter{SKU: "WIDGET"})
	require.NoError(t, err)
	_, err = svc.Layers(ctx, costing.LayerFilter{SKU: "GADGET"})
	require.NoError(t, err)
	require.Equal(t, 2, reader.layerCalls)
}

func TestNilCacheDegradesToPassThrough(t *testing.T) {
	reader := &stubReader{}
	svc := NewService(slog.Default(), reader, NewCache(nil, time.Minute))
	ctx := context.Background()

	_, err := svc.Allocations(ctx, costing.AllocationFilter{})
	require.NoError(t, err)
	_, err = svc.Allocations(ctx, costing.AllocationFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, reader.allocCalls)
	require.NoError(t, svc.Bump(ctx))
}

func TestCOGSSummariesNetOutReversals(t *testing.T) {
	svc, reader, _ := newTestService(t)
	ctx := context.Background()

	shipped := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	reader.rows = []costing.Allocation{
		{SKU: "WIDGET", Qty: decimal.NewFromInt(10), Amount: decimal.NewFromInt(1000), ShippedAt: shipped},
		{SKU: "WIDGET", Qty: decimal.NewFromInt(10), Amount: decimal.NewFromInt(-1000), IsReversal: true, ShippedAt: shipped},
		{SKU: "GADGET", Qty: decimal.NewFromInt(2), Amount: decimal.NewFromInt(360), ShippedAt: shipped},
	}

	summaries, err := svc.COGSSummaries(ctx, shipped.AddDate(0, 0, -1), shipped.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	require.Equal(t, "GADGET", summaries[0].SKU)
	require.True(t, summaries[0].NetAmount.Equal(decimal.NewFromInt(360)))

	require.Equal(t, "WIDGET", summaries[1].SKU)
	require.True(t, summaries[1].NetQty.IsZero())
	require.True(t, summaries[1].NetAmount.IsZero())
	require.Equal(t, 1, summaries[1].Reversals)
}
