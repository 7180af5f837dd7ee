package handler

import (
	"net/http"
	"testing"

	appmarketsync "github.com/erp/marketsync/internal/application/marketsync"
	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/marketplace/marketplacetest"
	"github.com/erp/marketsync/internal/interfaces/http/dto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncProducts pulls the fake marketplace's products into the database
func syncProducts(t *testing.T, api *testAPI, scope string) {
	t.Helper()
	rec := api.do(t, http.MethodPost, "/api/v1/sync/runs", map[string]any{"resource": "products", "scope": scope})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestProductHandler_QuickUpdate(t *testing.T) {
	api := newTestAPI(t)
	api.serverA.AddProducts(marketplacetest.Product("p-1", "SKU-1", "Mug", "10.00", 5, "main"))
	syncProducts(t, api, "A")

	rec := api.do(t, http.MethodPost, "/api/v1/products/p-1/quick-update", `{"account":"a","price":"12.50","stock":8}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp appmarketsync.ProductResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, marketsync.AccountA, resp.Account)
	assert.Equal(t, "p-1", resp.RemoteID)
	assert.True(t, resp.Price.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, 8, resp.Stock)

	offers := api.serverA.Offers()
	require.Len(t, offers, 1)
	assert.Equal(t, "p-1", offers[0].OfferID)
	assert.Empty(t, api.serverB.Offers())
}

func TestProductHandler_QuickUpdateStockOnly(t *testing.T) {
	api := newTestAPI(t)
	api.serverB.AddProducts(marketplacetest.Product("p-7", "SKU-7", "Cup", "3.00", 2, "main"))
	syncProducts(t, api, "B")

	rec := api.do(t, http.MethodPost, "/api/v1/products/p-7/quick-update", map[string]any{"account": "B", "stock": 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp appmarketsync.ProductResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, 0, resp.Stock)
	assert.True(t, resp.Price.Equal(decimal.RequireFromString("3.00")))
}

func TestProductHandler_QuickUpdateErrors(t *testing.T) {
	api := newTestAPI(t)
	api.serverA.AddProducts(marketplacetest.Product("p-1", "SKU-1", "Mug", "10.00", 5, "main"))
	syncProducts(t, api, "A")
	api.serverA.RejectOffer("p-1", "offer is locked")

	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "nothing to change",
			path:       "/api/v1/products/p-1/quick-update",
			body:       map[string]any{"account": "A"},
			wantStatus: http.StatusBadRequest,
			wantCode:   dto.ErrCodeValidation,
		},
		{
			name:       "missing account",
			path:       "/api/v1/products/p-1/quick-update",
			body:       map[string]any{"stock": 1},
			wantStatus: http.StatusBadRequest,
			wantCode:   dto.ErrCodeValidation,
		},
		{
			name:       "unknown account",
			path:       "/api/v1/products/p-1/quick-update",
			body:       map[string]any{"account": "C", "stock": 1},
			wantStatus: http.StatusBadRequest,
			wantCode:   dto.ErrCodeInvalidScope,
		},
		{
			name:       "negative stock",
			path:       "/api/v1/products/p-1/quick-update",
			body:       map[string]any{"account": "A", "stock": -1},
			wantStatus: http.StatusBadRequest,
			wantCode:   dto.ErrCodeValidation,
		},
		{
			name:       "unknown product",
			path:       "/api/v1/products/p-404/quick-update",
			body:       map[string]any{"account": "A", "stock": 1},
			wantStatus: http.StatusNotFound,
			wantCode:   dto.ErrCodeNotFound,
		},
		{
			name:       "marketplace rejects the offer",
			path:       "/api/v1/products/p-1/quick-update",
			body:       map[string]any{"account": "A", "stock": 1},
			wantStatus: http.StatusBadRequest,
			wantCode:   dto.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
	assert.Empty(t, api.serverA.Offers())
}
