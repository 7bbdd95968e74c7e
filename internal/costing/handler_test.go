package costing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/ledgerline/internal/shared"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	r.Route("/costing", func(r chi.Router) {
		NewHandler(testLogger(), svc).MountRoutes(r)
	})
	return r
}

func performJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRespondErrorTaxonomy(t *testing.T) {
	h := NewHandler(testLogger(), nil)
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid quantity", ErrInvalidQuantity, http.StatusUnprocessableEntity},
		{"invalid unit cost", ErrInvalidUnitCost, http.StatusUnprocessableEntity},
		{"insufficient stock", fmt.Errorf("%w: sku WIDGET short by 5", ErrInsufficientStock), http.StatusUnprocessableEntity},
		{"already reversed", fmt.Errorf("%w: group g-1", ErrAlreadyReversed), http.StatusConflict},
		{"duplicate request", shared.ErrIdempotencyConflict, http.StatusConflict},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"consistency violation", &ConsistencyError{LayerID: 3, Delta: qty("5"), Reason: "reversal would exceed qty_received"}, http.StatusInternalServerError},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/costing/shipments", nil)
			h.respondError(rec, req, tc.err)
			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
		})
	}
}

func TestHandlerShipOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	router := newTestRouter(svc)
	seedTwoLayers(t, svc)

	rec := performJSON(t, router, http.MethodPost, "/costing/shipments",
		`{"order_id":"SO-1","sku":"WIDGET","qty":"15"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var out shipOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Allocations, 2)
	require.True(t, out.Shortfall.IsZero())

	rec = performJSON(t, router, http.MethodPost, "/costing/shipments",
		`{"order_id":"SO-2","sku":"WIDGET","qty":"99"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = performJSON(t, router, http.MethodPost, "/costing/shipments",
		`{"order_id":"SO-3","sku":"WIDGET","qty":"4","allow_partial":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = performJSON(t, router, http.MethodPost, "/costing/shipments", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = performJSON(t, router, http.MethodPost, "/costing/shipments", `{"sku":"WIDGET"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerShipPartialReportsShortfall(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	router := newTestRouter(svc)
	seedTwoLayers(t, svc)

	rec := performJSON(t, router, http.MethodPost, "/costing/shipments",
		`{"order_id":"SO-1","sku":"WIDGET","qty":"25","allow_partial":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var out shipOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.Shortfall.Equal(qty("5")), "shortfall: %s", out.Shortfall)
}

func TestHandlerUndoReturn(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	router := newTestRouter(svc)
	seedTwoLayers(t, svc)

	ret, err := svc.SubmitReturn(context.Background(), SubmitReturnInput{
		OrderID:    "SO-5",
		SKU:        "WIDGET",
		Qty:        qty("2"),
		ReturnType: ReturnReceived,
	})
	require.NoError(t, err)

	path := fmt.Sprintf("/costing/returns/%d/undo", ret.ID)
	rec := performJSON(t, router, http.MethodPost, path, ``)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = performJSON(t, router, http.MethodPost, path, ``)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = performJSON(t, router, http.MethodPost, "/costing/returns/999/undo", ``)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = performJSON(t, router, http.MethodPost, "/costing/returns/abc/undo", ``)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerCancelUnknownOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	router := newTestRouter(svc)

	rec := performJSON(t, router, http.MethodPost, "/costing/orders/SO-404/cancel", `{"sku":"WIDGET"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
