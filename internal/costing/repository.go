package costing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/internal/platform/db"
)

// Repository persists costing data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service.
// Layer reads that precede a mutation take row locks so two concurrent
// allocations against the same SKU cannot overdraw a layer.
type TxRepository interface {
	LayersForUpdate(ctx context.Context, sku string) ([]ReceiptLayer, error)
	GetLayerForUpdate(ctx context.Context, layerID int64) (ReceiptLayer, error)
	InsertLayer(ctx context.Context, layer ReceiptLayer) (int64, error)
	SetLayerRemaining(ctx context.Context, layerID int64, qtyRemaining decimal.Decimal) error
	InsertAllocations(ctx context.Context, rows []Allocation) error
	AllocationsByGroup(ctx context.Context, groupID string) ([]Allocation, error)
	AllocationsByGroupForUpdate(ctx context.Context, groupID string) ([]Allocation, error)
	GroupHasReversal(ctx context.Context, groupID string) (bool, error)
	LatestGroupForOrder(ctx context.Context, orderID, sku string) (string, error)
	InsertReturn(ctx context.Context, rec ReturnRecord) (int64, error)
	GetReturnForUpdate(ctx context.Context, returnID int64) (ReturnRecord, error)
	ReturnHasUndo(ctx context.Context, returnID int64) (bool, error)
	SetReturnLayer(ctx context.Context, returnID, layerID int64) error
	LatestUnitCost(ctx context.Context, sku string, before time.Time) (decimal.Decimal, bool, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("costing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const layerColumns = `id, sku, received_at, qty_received, qty_remaining, unit_cost, ref_type, ref_id, COALESCE(created_by, 0), created_at`

func scanLayer(row pgx.Row) (ReceiptLayer, error) {
	var layer ReceiptLayer
	err := row.Scan(&layer.ID, &layer.SKU, &layer.ReceivedAt, &layer.QtyReceived, &layer.QtyRemaining,
		&layer.UnitCost, &layer.RefType, &layer.RefID, &layer.CreatedBy, &layer.CreatedAt)
	return layer, err
}

func (r *txRepository) LayersForUpdate(ctx context.Context, sku string) ([]ReceiptLayer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+layerColumns+` FROM receipt_layers
WHERE sku=$1 AND qty_remaining > 0
ORDER BY received_at ASC, id ASC
FOR UPDATE`, sku)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var layers []ReceiptLayer
	for rows.Next() {
		layer, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

func (r *txRepository) GetLayerForUpdate(ctx context.Context, layerID int64) (ReceiptLayer, error) {
	layer, err := scanLayer(r.tx.QueryRow(ctx, `SELECT `+layerColumns+` FROM receipt_layers WHERE id=$1 FOR UPDATE`, layerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ReceiptLayer{}, ErrNotFound
	}
	return layer, err
}

func (r *txRepository) InsertLayer(ctx context.Context, layer ReceiptLayer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO receipt_layers (sku, received_at, qty_received, qty_remaining, unit_cost, ref_type, ref_id, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW()) RETURNING id`,
		layer.SKU, layer.ReceivedAt, layer.QtyReceived, layer.QtyRemaining, layer.UnitCost,
		string(layer.RefType), layer.RefID, nullInt(layer.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) SetLayerRemaining(ctx context.Context, layerID int64, qtyRemaining decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE receipt_layers SET qty_remaining=$2 WHERE id=$1`, layerID, qtyRemaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const allocationColumns = `id, group_id, order_id, sku, COALESCE(layer_id, 0), shipped_at, method, qty, unit_cost_used, amount, is_reversal, COALESCE(created_by, 0), created_at`

func (r *txRepository) InsertAllocations(ctx context.Context, rows []Allocation) error {
	for _, row := range rows {
		_, err := r.tx.Exec(ctx, `INSERT INTO cogs_allocations (group_id, order_id, sku, layer_id, shipped_at, method, qty, unit_cost_used, amount, is_reversal, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())`,
			row.GroupID, row.OrderID, row.SKU, nullInt(row.LayerID), row.ShippedAt, string(row.Method),
			row.Qty, row.UnitCostUsed, row.Amount, row.IsReversal, nullInt(row.CreatedBy))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) AllocationsByGroup(ctx context.Context, groupID string) ([]Allocation, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+allocationColumns+` FROM cogs_allocations WHERE group_id=$1 ORDER BY id ASC`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAllocations(rows)
}

// AllocationsByGroupForUpdate locks the group's ledger rows so two
// reversals of the same group serialise even when the group references no
// layer rows.
func (r *txRepository) AllocationsByGroupForUpdate(ctx context.Context, groupID string) ([]Allocation, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+allocationColumns+` FROM cogs_allocations WHERE group_id=$1 ORDER BY id ASC FOR UPDATE`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAllocations(rows)
}

func (r *txRepository) GroupHasReversal(ctx context.Context, groupID string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM cogs_allocations WHERE group_id=$1 AND is_reversal)`, groupID).Scan(&exists)
	return exists, err
}

func (r *txRepository) LatestGroupForOrder(ctx context.Context, orderID, sku string) (string, error) {
	var groupID string
	err := r.tx.QueryRow(ctx, `SELECT a.group_id FROM cogs_allocations a
WHERE a.order_id=$1 AND a.sku=$2 AND NOT a.is_reversal
  AND NOT EXISTS (SELECT 1 FROM cogs_allocations b WHERE b.group_id=a.group_id AND b.is_reversal)
ORDER BY a.id DESC LIMIT 1`, orderID, sku).Scan(&groupID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return groupID, err
}

const returnColumns = `id, order_id, sku, qty, return_type, action_type, COALESCE(reversed_return_id, 0), COALESCE(layer_id, 0), COALESCE(allocation_group_id, ''), returned_at, note, COALESCE(created_by, 0), created_at`

func scanReturn(row pgx.Row) (ReturnRecord, error) {
	var rec ReturnRecord
	err := row.Scan(&rec.ID, &rec.OrderID, &rec.SKU, &rec.Qty, &rec.ReturnType, &rec.ActionType,
		&rec.ReversedReturnID, &rec.LayerID, &rec.AllocationGroupID, &rec.ReturnedAt, &rec.Note,
		&rec.CreatedBy, &rec.CreatedAt)
	return rec, err
}

func (r *txRepository) InsertReturn(ctx context.Context, rec ReturnRecord) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO return_records (order_id, sku, qty, return_type, action_type, reversed_return_id, layer_id, allocation_group_id, returned_at, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW()) RETURNING id`,
		rec.OrderID, rec.SKU, rec.Qty, string(rec.ReturnType), string(rec.ActionType),
		nullInt(rec.ReversedReturnID), nullInt(rec.LayerID), nullString(rec.AllocationGroupID),
		rec.ReturnedAt, rec.Note, nullInt(rec.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) GetReturnForUpdate(ctx context.Context, returnID int64) (ReturnRecord, error) {
	rec, err := scanReturn(r.tx.QueryRow(ctx, `SELECT `+returnColumns+` FROM return_records WHERE id=$1 FOR UPDATE`, returnID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ReturnRecord{}, ErrNotFound
	}
	return rec, err
}

func (r *txRepository) ReturnHasUndo(ctx context.Context, returnID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM return_records WHERE reversed_return_id=$1 AND action_type='UNDO')`, returnID).Scan(&exists)
	return exists, err
}

func (r *txRepository) SetReturnLayer(ctx context.Context, returnID, layerID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE return_records SET layer_id=$2 WHERE id=$1 AND layer_id IS NULL`, returnID, layerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) LatestUnitCost(ctx context.Context, sku string, before time.Time) (decimal.Decimal, bool, error) {
	var cost decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT unit_cost FROM receipt_layers
WHERE sku=$1 AND received_at <= $2 AND ref_type <> 'BACKFILL'
ORDER BY received_at DESC, id DESC LIMIT 1`, sku, before).Scan(&cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return cost, true, nil
}

// ListLayers returns the receipt layer read view.
func (r *Repository) ListLayers(ctx context.Context, filter LayerFilter) ([]ReceiptLayer, error) {
	if r == nil {
		return nil, errors.New("costing repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+layerColumns+` FROM receipt_layers
WHERE ($1 = '' OR sku = $1)
  AND received_at BETWEEN COALESCE($2, '-infinity') AND COALESCE($3, 'infinity')
ORDER BY received_at ASC, id ASC
LIMIT $4`, filter.SKU, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	layers := []ReceiptLayer{}
	for rows.Next() {
		layer, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

// ListAllocations returns the COGS ledger read view.
func (r *Repository) ListAllocations(ctx context.Context, filter AllocationFilter) ([]Allocation, error) {
	if r == nil {
		return nil, errors.New("costing repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+allocationColumns+` FROM cogs_allocations
WHERE ($1 = '' OR order_id = $1)
  AND ($2 = '' OR sku = $2)
  AND shipped_at BETWEEN COALESCE($3, '-infinity') AND COALESCE($4, 'infinity')
ORDER BY id ASC
LIMIT $5`, filter.OrderID, filter.SKU, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAllocations(rows)
}

// GetReturn loads a single return record.
func (r *Repository) GetReturn(ctx context.Context, returnID int64) (ReturnRecord, error) {
	rec, err := scanReturn(r.pool.QueryRow(ctx, `SELECT `+returnColumns+` FROM return_records WHERE id=$1`, returnID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ReturnRecord{}, ErrNotFound
	}
	return rec, err
}

// ShippedLines lists shipped order-lines in the range together with whether
// a non-reversed allocation group already covers each one. The shipment
// store itself belongs to the order pipeline; the auditor only reads it.
func (r *Repository) ShippedLines(ctx context.Context, from, to time.Time) ([]ShipmentLine, error) {
	if r == nil {
		return nil, errors.New("costing repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT s.order_id, s.sku, s.qty, s.shipped_at,
EXISTS (SELECT 1 FROM cogs_allocations a
        WHERE a.order_id = s.order_id AND a.sku = s.sku AND NOT a.is_reversal
          AND NOT EXISTS (SELECT 1 FROM cogs_allocations b WHERE b.group_id = a.group_id AND b.is_reversal))
FROM shipment_lines s
WHERE s.shipped_at BETWEEN $1 AND $2
ORDER BY s.shipped_at ASC, s.order_id ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []ShipmentLine{}
	for rows.Next() {
		var line ShipmentLine
		if err := rows.Scan(&line.OrderID, &line.SKU, &line.Qty, &line.ShippedAt, &line.HasAllocation); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ReturnCandidates lists RETURN_RECEIVED submissions in the range together
// with undo status; a candidate without a layer and without an undo is a
// coverage gap.
func (r *Repository) ReturnCandidates(ctx context.Context, from, to time.Time) ([]ReturnCandidate, error) {
	if r == nil {
		return nil, errors.New("costing repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT `+candidateColumns+`,
EXISTS (SELECT 1 FROM return_records u WHERE u.reversed_return_id = rr.id AND u.action_type='UNDO')
FROM return_records rr
WHERE rr.return_type='RETURN_RECEIVED' AND rr.action_type='RETURN' AND rr.returned_at BETWEEN $1 AND $2
ORDER BY rr.returned_at ASC, rr.id ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	candidates := []ReturnCandidate{}
	for rows.Next() {
		var c ReturnCandidate
		if err := rows.Scan(&c.ID, &c.OrderID, &c.SKU, &c.Qty, &c.ReturnType, &c.ActionType,
			&c.ReversedReturnID, &c.LayerID, &c.AllocationGroupID, &c.ReturnedAt, &c.Note,
			&c.CreatedBy, &c.CreatedAt, &c.Undone); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

const candidateColumns = `rr.id, rr.order_id, rr.sku, rr.qty, rr.return_type, rr.action_type, COALESCE(rr.reversed_return_id, 0), COALESCE(rr.layer_id, 0), COALESCE(rr.allocation_group_id, ''), rr.returned_at, rr.note, COALESCE(rr.created_by, 0), rr.created_at`

func collectAllocations(rows pgx.Rows) ([]Allocation, error) {
	result := []Allocation{}
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.GroupID, &a.OrderID, &a.SKU, &a.LayerID, &a.ShippedAt, &a.Method,
			&a.Qty, &a.UnitCostUsed, &a.Amount, &a.IsReversal, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
