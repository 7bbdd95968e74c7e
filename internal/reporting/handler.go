package reporting

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerline/ledgerline/internal/costing"
	"github.com/ledgerline/ledgerline/internal/platform/httpx"
)

// Handler exposes the cached read views.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the reporting handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers read-view routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/layers", h.handleLayers)
	r.Get("/allocations", h.handleAllocations)
	r.Get("/cogs-summary", h.handleCOGSSummary)
}

func (h *Handler) handleLayers(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(r)
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: date range must be YYYY-MM-DD", httpx.ErrValidation))
		return
	}
	layers, err := h.service.Layers(r.Context(), costing.LayerFilter{
		SKU:  r.URL.Query().Get("sku"),
		From: from,
		To:   to,
	})
	if err != nil {
		h.logger.Error("layers read view failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, layers)
}

func (h *Handler) handleAllocations(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(r)
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: date range must be YYYY-MM-DD", httpx.ErrValidation))
		return
	}
	rows, err := h.service.Allocations(r.Context(), costing.AllocationFilter{
		OrderID: r.URL.Query().Get("order_id"),
		SKU:     r.URL.Query().Get("sku"),
		From:    from,
		To:      to,
	})
	if err != nil {
		h.logger.Error("allocations read view failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) handleCOGSSummary(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(r)
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: date range must be YYYY-MM-DD", httpx.ErrValidation))
		return
	}
	summary, err := h.service.COGSSummaries(r.Context(), from, to)
	if err != nil {
		h.logger.Error("cogs summary failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func parseRange(r *http.Request) (from, to time.Time, ok bool) {
	q := r.URL.Query()
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse("2006-01-02", v); err != nil {
			return time.Time{}, time.Time{}, false
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse("2006-01-02", v); err != nil {
			return time.Time{}, time.Time{}, false
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	return from, to, true
}
