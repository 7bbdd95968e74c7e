package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerline/ledgerline/internal/costing"
)

// CostingReader is the slice of the costing service the read views consume.
type CostingReader interface {
	ReceiptLayers(ctx context.Context, filter costing.LayerFilter) ([]costing.ReceiptLayer, error)
	Allocations(ctx context.Context, filter costing.AllocationFilter) ([]costing.Allocation, error)
}

// COGSSummary aggregates the ledger per SKU over a date range. Reversal rows
// carry negated amounts, so net figures fall out of a plain sum.
type COGSSummary struct {
	SKU       string          `json:"sku"`
	NetQty    decimal.Decimal `json:"net_qty"`
	NetAmount decimal.Decimal `json:"net_amount"`
	Rows      int             `json:"rows"`
	Reversals int             `json:"reversals"`
}

// Service serves cached read views over the costing ledger.
type Service struct {
	logger *slog.Logger
	reader CostingReader
	cache  *Cache
	group  singleflight.Group
}

// NewService builds the reporting service.
func NewService(logger *slog.Logger, reader CostingReader, cache *Cache) *Service {
	return &Service{logger: logger, reader: reader, cache: cache}
}

// Bump invalidates all read views. Called by the costing service after every
// committed mutation.
func (s *Service) Bump(ctx context.Context) error {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("reporting cache bump failed", slog.Any("error", err))
		return err
	}
	return nil
}

// Layers returns receipt layers matching the filter, cache-first.
func (s *Service) Layers(ctx context.Context, filter costing.LayerFilter) ([]costing.ReceiptLayer, error) {
	key, err := s.cache.BuildKey(ctx, "reporting", "layers", filter.SKU, rangeKey(filter.From, filter.To))
	if err != nil {
		return nil, err
	}
	var out []costing.ReceiptLayer
	err = s.fetch(ctx, key, &out, func(ctx context.Context) (interface{}, error) {
		return s.reader.ReceiptLayers(ctx, filter)
	})
	return out, err
}

// Allocations returns ledger rows matching the filter, cache-first.
func (s *Service) Allocations(ctx context.Context, filter costing.AllocationFilter) ([]costing.Allocation, error) {
	key, err := s.cache.BuildKey(ctx, "reporting", "allocations", filter.OrderID, filter.SKU, rangeKey(filter.From, filter.To))
	if err != nil {
		return nil, err
	}
	var out []costing.Allocation
	err = s.fetch(ctx, key, &out, func(ctx context.Context) (interface{}, error) {
		return s.reader.Allocations(ctx, filter)
	})
	return out, err
}

// COGSSummaries aggregates ledger rows per SKU over the range.
func (s *Service) COGSSummaries(ctx context.Context, from, to time.Time) ([]COGSSummary, error) {
	key, err := s.cache.BuildKey(ctx, "reporting", "cogs", rangeKey(from, to))
	if err != nil {
		return nil, err
	}
	var out []COGSSummary
	err = s.fetch(ctx, key, &out, func(ctx context.Context) (interface{}, error) {
		rows, err := s.reader.Allocations(ctx, costing.AllocationFilter{From: from, To: to})
		if err != nil {
			return nil, err
		}
		return summarize(rows), nil
	})
	return out, err
}

// fetch collapses concurrent misses on the same key into a single load. The
// flight carries raw JSON so every waiter can unmarshal into its own dest.
func (s *Service) fetch(ctx context.Context, key string, dest interface{}, loader func(context.Context) (interface{}, error)) error {
	payload, err, _ := s.group.Do(key, func() (interface{}, error) {
		var raw json.RawMessage
		if err := s.cache.FetchJSON(ctx, key, &raw, loader); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(payload.(json.RawMessage), dest)
}

func summarize(rows []costing.Allocation) []COGSSummary {
	bySKU := make(map[string]*COGSSummary)
	for _, row := range rows {
		sum, ok := bySKU[row.SKU]
		if !ok {
			sum = &COGSSummary{SKU: row.SKU}
			bySKU[row.SKU] = sum
		}
		sum.NetQty = sum.NetQty.Add(signedQty(row))
		sum.NetAmount = sum.NetAmount.Add(row.Amount)
		sum.Rows++
		if row.IsReversal {
			sum.Reversals++
		}
	}
	out := make([]COGSSummary, 0, len(bySKU))
	for _, sum := range bySKU {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

// signedQty mirrors the amount convention for quantities: reversal rows
// subtract what the original consumed.
func signedQty(row costing.Allocation) decimal.Decimal {
	if row.IsReversal {
		return row.Qty.Neg()
	}
	return row.Qty
}

func rangeKey(from, to time.Time) string {
	return fmt.Sprintf("%d-%d", from.Unix(), to.Unix())
}
