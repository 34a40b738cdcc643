package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-inventory/internal/service/inventory/application"
	"nexus-inventory/internal/service/inventory/domain"
	"nexus-inventory/internal/service/inventory/infrastructure"
)

type stubCleanup struct {
	released int
	started  bool
	err      error
}

func (s *stubCleanup) RunOnce(context.Context) (int, bool, error) {
	return s.released, s.started, s.err
}

func newTestServer(t *testing.T, cleanup CleanupTrigger) *httptest.Server {
	t.Helper()
	store, err := infrastructure.NewBoltStore(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	engine := application.NewStockReservationEngine(store, application.DefaultEngineConfig(),
		application.WithMetrics(application.NewMetrics(reg)))

	mux := http.NewServeMux()
	NewInventoryHandler(engine, cleanup, reg).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestReserveConvertFlow(t *testing.T) {
	srv := newTestServer(t, nil)

	var stock StockResponse
	resp := doJSON(t, http.MethodPut, srv.URL+"/stock/sku-1", SetStockBody{VariantID: "red", OnHandQuantity: 5}, &stock)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, stock.Available)

	var reserved ReserveResponse
	resp = doJSON(t, http.MethodPost, srv.URL+"/reservations",
		ReserveBody{OrderID: "order-1", ProductID: "sku-1", VariantID: "red", Quantity: 3}, &reserved)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, reserved.ReservationID)

	var available AvailableResponse
	resp = doJSON(t, http.MethodGet, srv.URL+"/stock/sku-1/available?variantId=red", nil, &available)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, available.Available)

	var errBody map[string]string
	resp = doJSON(t, http.MethodPost, srv.URL+"/reservations",
		ReserveBody{OrderID: "order-2", ProductID: "sku-1", VariantID: "red", Quantity: 3}, &errBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, msgInsufficientStock, errBody["error"])

	resp = doJSON(t, http.MethodPost, srv.URL+"/orders/order-1/convert", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/stock/sku-1?variantId=red", nil, &stock)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, stock.OnHandQuantity)
	assert.Equal(t, 0, stock.ReservedQuantity)

	var list []ReservationResponse
	resp = doJSON(t, http.MethodGet, srv.URL+"/orders/order-1/reservations", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.Equal(t, reserved.ReservationID, list[0].ID)
	assert.Equal(t, domain.ReservationConverted, list[0].Status)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/reservations",
		ReserveBody{OrderID: "order-1", ProductID: "unknown", Quantity: 1}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/reservations",
		ReserveBody{OrderID: "order-1", ProductID: "sku-1", Quantity: 0}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/reservations", bytes.NewBufferString("{"))
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/stock/unknown/available", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/orders/nothing/release", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "releasing an order without reservations is a no-op")

	resp = doJSON(t, http.MethodPut, srv.URL+"/stock/sku-1", SetStockBody{OnHandQuantity: -1}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLegacyEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := doJSON(t, http.MethodPut, srv.URL+"/stock/item-1", SetStockBody{OnHandQuantity: 2}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/reserve_stock?itemId=item-1&quantity=2&orderId=o-1&userId=u-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/check_stock?itemID=item-1&quantity=1", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/release_stock?itemId=item-1&orderId=o-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/check_stock?itemID=item-1&quantity=2", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/release_stock?itemId=item-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCleanupEndpoint(t *testing.T) {
	stub := &stubCleanup{released: 4, started: true}
	srv := newTestServer(t, stub)

	var out CleanupResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/admin/cleanup", nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, CleanupResponse{Started: true, Released: 4}, out)

	stub.started, stub.released = false, 0
	resp = doJSON(t, http.MethodPost, srv.URL+"/admin/cleanup", nil, &out)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	stub.err = assert.AnError
	resp = doJSON(t, http.MethodPost, srv.URL+"/admin/cleanup", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	doJSON(t, http.MethodPost, srv.URL+"/reservations", ReserveBody{OrderID: "o", ProductID: "missing", Quantity: 1}, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), `inventory_reservations_total{outcome="not_found"} 1`)
}

func TestDomainErrorFallsBackToGenericMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDomainError(context.Background(), rec, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), msgInternal)

	rec = httptest.NewRecorder()
	writeDomainError(context.Background(), rec, domain.ErrReservationConflict)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), msgTryAgain)
}
