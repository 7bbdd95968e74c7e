package costing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/internal/platform/httpx"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// Handler wires HTTP endpoints for the costing module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the costing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers costing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleReceiveStock)
	r.Post("/shipments", h.handleShipOrder)
	r.Post("/returns", h.handleSubmitReturn)
	r.Post("/returns/{id}/undo", h.handleUndoReturn)
	r.Post("/orders/{id}/cancel", h.handleCancelShipment)
}

type receiveStockRequest struct {
	SKU        string          `json:"sku" validate:"required"`
	Qty        decimal.Decimal `json:"qty" validate:"required"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	ReceivedAt time.Time       `json:"received_at"`
	RefType    string          `json:"ref_type"`
	RefID      string          `json:"ref_id"`
}

type shipOrderRequest struct {
	OrderID      string          `json:"order_id" validate:"required"`
	SKU          string          `json:"sku" validate:"required"`
	Qty          decimal.Decimal `json:"qty" validate:"required"`
	ShippedAt    time.Time       `json:"shipped_at"`
	AllowPartial bool            `json:"allow_partial"`
}

type submitReturnRequest struct {
	OrderID    string          `json:"order_id" validate:"required"`
	SKU        string          `json:"sku" validate:"required"`
	Qty        decimal.Decimal `json:"qty" validate:"required"`
	ReturnType string          `json:"return_type" validate:"required,oneof=RETURN_RECEIVED REFUND_ONLY CANCEL_BEFORE_SHIP"`
	ReturnedAt time.Time       `json:"returned_at"`
	Note       string          `json:"note"`
}

type cancelShipmentRequest struct {
	SKU string `json:"sku" validate:"required"`
}

func (h *Handler) handleReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req receiveStockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	layer, err := h.service.ReceiveStock(r.Context(), ReceiveStockInput{
		SKU:        req.SKU,
		Qty:        req.Qty,
		UnitCost:   req.UnitCost,
		ReceivedAt: req.ReceivedAt,
		RefType:    LayerRefType(req.RefType),
		RefID:      req.RefID,
		ActorID:    actor.ID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, layer)
}

func (h *Handler) handleShipOrder(w http.ResponseWriter, r *http.Request) {
	var req shipOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	rows, err := h.service.ShipOrder(r.Context(), ShipOrderInput{
		OrderID:      req.OrderID,
		SKU:          req.SKU,
		Qty:          req.Qty,
		ShippedAt:    req.ShippedAt,
		AllowPartial: req.AllowPartial,
		ActorID:      actor.ID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	allocated := decimal.Zero
	for _, row := range rows {
		allocated = allocated.Add(row.Qty)
	}
	httpx.JSON(w, http.StatusCreated, shipOrderResponse{
		Allocations: rows,
		Shortfall:   req.Qty.Sub(allocated),
	})
}

type shipOrderResponse struct {
	Allocations []Allocation    `json:"allocations"`
	Shortfall   decimal.Decimal `json:"shortfall"`
}

func (h *Handler) handleSubmitReturn(w http.ResponseWriter, r *http.Request) {
	var req submitReturnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	rec, err := h.service.SubmitReturn(r.Context(), SubmitReturnInput{
		OrderID:    req.OrderID,
		SKU:        req.SKU,
		Qty:        req.Qty,
		ReturnType: ReturnType(req.ReturnType),
		ReturnedAt: req.ReturnedAt,
		Note:       req.Note,
		ActorID:    actor.ID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleUndoReturn(w http.ResponseWriter, r *http.Request) {
	returnID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid return id")
		return
	}
	actor := shared.ActorFromContext(r.Context())
	undo, err := h.service.UndoReturn(r.Context(), returnID, actor.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, undo)
}

func (h *Handler) handleCancelShipment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req cancelShipmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	rows, err := h.service.CancelShipment(r.Context(), orderID, req.SKU, actor.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

// respondError translates the costing error taxonomy into problem
// responses. Consistency violations are logged with layer context before
// the 500.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Quantity", err.Error())
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrAlreadyReversed):
		httpx.Problem(w, http.StatusConflict, "Already Reversed", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConsistency):
		var cerr *ConsistencyError
		if errors.As(err, &cerr) {
			h.logger.Error("costing consistency violation",
				slog.Int64("layer_id", cerr.LayerID),
				slog.String("delta", cerr.Delta.String()),
				slog.String("reason", cerr.Reason),
				slog.String("path", r.URL.Path))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Consistency Violation", "ledger invariant violated, see server logs")
	default:
		h.logger.Error("costing request failed", slog.Any("error", err), slog.String("path", r.URL.Path))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
