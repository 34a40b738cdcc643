package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"nexus-inventory/internal/pkg/logger"
	"nexus-inventory/internal/service/inventory/application"
	"nexus-inventory/internal/service/inventory/domain"
)

// 面向用户的错误提示, 不暴露内部细节
const (
	msgInsufficientStock = "this item is no longer available in the requested quantity"
	msgTryAgain          = "please try again"
	msgInternal          = "failed to process the request"
)

// CleanupTrigger 手动触发一次过期清理
type CleanupTrigger interface {
	RunOnce(ctx context.Context) (released int, started bool, err error)
}

// InventoryHandler 封装了 inventory 服务的 HTTP 处理器
type InventoryHandler struct {
	engine   *application.StockReservationEngine
	cleanup  CleanupTrigger
	gatherer prometheus.Gatherer
}

// NewInventoryHandler cleanup 可为 nil, 此时不注册手动清理接口
func NewInventoryHandler(engine *application.StockReservationEngine, cleanup CleanupTrigger, gatherer prometheus.Gatherer) *InventoryHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &InventoryHandler{engine: engine, cleanup: cleanup, gatherer: gatherer}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *InventoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /reservations", h.handleReserve)
	mux.HandleFunc("POST /orders/{orderId}/convert", h.handleConvert)
	mux.HandleFunc("POST /orders/{orderId}/release", h.handleRelease)
	mux.HandleFunc("GET /orders/{orderId}/reservations", h.handleListReservations)
	mux.HandleFunc("GET /stock/{productId}/available", h.handleAvailable)
	mux.HandleFunc("GET /stock/{productId}", h.handleGetStock)
	mux.HandleFunc("PUT /stock/{productId}", h.handleSetStock)
	if h.cleanup != nil {
		mux.HandleFunc("POST /admin/cleanup", h.handleCleanup)
	}

	// 订单服务责任链使用的查询参数风格接口
	mux.HandleFunc("POST /reserve_stock", h.handleLegacyReserve)
	mux.HandleFunc("POST /release_stock", h.handleLegacyRelease)
	mux.HandleFunc("GET /check_stock", h.handleLegacyCheck)
}

// ReserveBody 是 POST /reservations 的请求体
type ReserveBody struct {
	OrderID   string `json:"orderId"`
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity"`
}

type ReserveResponse struct {
	ReservationID string `json:"reservationId"`
}

type AvailableResponse struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Available int    `json:"available"`
}

type StockResponse struct {
	ProductID        string    `json:"productId"`
	VariantID        string    `json:"variantId,omitempty"`
	OnHandQuantity   int       `json:"onHandQuantity"`
	ReservedQuantity int       `json:"reservedQuantity"`
	Available        int       `json:"available"`
	Version          int64     `json:"version"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type SetStockBody struct {
	VariantID      string `json:"variantId,omitempty"`
	OnHandQuantity int    `json:"onHandQuantity"`
}

type ReservationResponse struct {
	ID        string                   `json:"id"`
	OrderID   string                   `json:"orderId"`
	ProductID string                   `json:"productId"`
	VariantID string                   `json:"variantId,omitempty"`
	Quantity  int                      `json:"quantity"`
	Status    domain.ReservationStatus `json:"status"`
	CreatedAt time.Time                `json:"createdAt"`
	ExpiresAt time.Time                `json:"expiresAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

type CleanupResponse struct {
	Started  bool `json:"started"`
	Released int  `json:"released"`
}

func (h *InventoryHandler) handleReserve(w http.ResponseWriter, r *http.Request) {
	ctx := extractContext(r)

	var body ReserveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.engine.Reserve(ctx, application.ReserveRequest{
		OrderID:   body.OrderID,
		ProductID: body.ProductID,
		VariantID: body.VariantID,
		Quantity:  body.Quantity,
	})
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReserveResponse{ReservationID: id})
}

func (h *InventoryHandler) handleConvert(w http.ResponseWriter, r *http.Request) {
	ctx := extractContext(r)
	orderID := r.PathValue("orderId")
	if err := h.engine.ConvertToSale(ctx, orderID); err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orderId": orderID, "status": domain.ReservationConverted})
}

func (h *InventoryHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	ctx := extractContext(r)
	orderID := r.PathValue("orderId")
	if err := h.engine.Release(ctx, orderID); err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orderId": orderID, "status": domain.ReservationExpired})
}

func (h *InventoryHandler) handleListReservations(w http.ResponseWriter, r *http.Request) {
	ctx := extractContext(r)
	list, err := h.engine.ListReservations(ctx, r.PathValue("orderId"))
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	out := make([]ReservationResponse, 0, len(list))
	for _, res := range list {
		out = append(out, ReservationResponse{
			ID:        res.ID,
			OrderID:   res.OrderID,
			ProductID: res.ProductID,
			VariantID: res.VariantID,
			Quantity:  res.Quantity,
			Status:    res.Status,
			CreatedAt: res.CreatedAt,
			ExpiresAt: res.ExpiresAt,
			UpdatedAt: res.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *InventoryHandler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	ctx := extractContext(r)
	productID, variantID := r.PathValue("productId"), r.URL.Query().Get("variantId")
	available, err := h.engine.GetAvailableQuantity(ctx, productID, variantID)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailableResponse{ProductID: productID, VariantID: variantID, Available: available})
}

func (h *InventoryHandler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	ctx := extractContext(r)
	unit, err := h.engine.GetStockUnit(ctx, r.PathValue("productId"), r.URL.Query().Get("variantId"))
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockResponse(unit))
}

func (h *InventoryHandler) handleSetStock(w http.ResponseWriter, r *http.Request) {
	ctx := extractContext(r)

	var body SetStockBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	unit, err := h.engine.SetOnHandQuantity(ctx, r.PathValue("productId"), body.VariantID, body.OnHandQuantity)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockResponse(unit))
}

func (h *InventoryHandler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := extractContext(r)
	released, started, err := h.cleanup.RunOnce(ctx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Manual cleanup failed")
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	status := http.StatusOK
	if !started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, CleanupResponse{Started: started, Released: released})
}

// handleLegacyReserve 参数: orderId, itemId, quantity (默认 1), variantId 可选
func (h *InventoryHandler) handleLegacyReserve(w http.ResponseWriter, r *http.Request) {
	ctx := extractContext(r)
	q := r.URL.Query()

	quantity := 1
	if s := q.Get("quantity"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid quantity")
			return
		}
		quantity = n
	}

	id, err := h.engine.Reserve(ctx, application.ReserveRequest{
		OrderID:   q.Get("orderId"),
		ProductID: q.Get("itemId"),
		VariantID: q.Get("variantId"),
		Quantity:  quantity,
	})
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReserveResponse{ReservationID: id})
}

// handleLegacyRelease 释放整个订单的预占, itemId 仅用于日志
func (h *InventoryHandler) handleLegacyRelease(w http.ResponseWriter, r *http.Request) {
	ctx := extractContext(r)
	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "orderId is required")
		return
	}
	logger.Ctx(ctx).Info().
		Str("order_id", orderID).
		Str("item_id", r.URL.Query().Get("itemId")).
		Msg("Release requested by order workflow")
	if err := h.engine.Release(ctx, orderID); err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *InventoryHandler) handleLegacyCheck(w http.ResponseWriter, r *http.Request) {
	ctx := extractContext(r)
	q := r.URL.Query()
	quantity, _ := strconv.Atoi(q.Get("quantity"))

	available, err := h.engine.GetAvailableQuantity(ctx, q.Get("itemID"), q.Get("variantId"))
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	if available < quantity {
		writeError(w, http.StatusConflict, msgInsufficientStock)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Stock available"))
}

func extractContext(r *http.Request) context.Context {
	return otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
}

func toStockResponse(u *domain.StockUnit) StockResponse {
	return StockResponse{
		ProductID:        u.Key.ProductID,
		VariantID:        u.Key.VariantID,
		OnHandQuantity:   u.OnHandQuantity,
		ReservedQuantity: u.ReservedQuantity,
		Available:        u.AvailableQuantity(),
		Version:          u.Version,
		UpdatedAt:        u.UpdatedAt,
	}
}

// writeDomainError 根据错误类型返回不同的 HTTP 状态码
func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		writeError(w, http.StatusConflict, msgInsufficientStock)
	case errors.Is(err, domain.ErrReservationConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, msgTryAgain)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "stock unit not found")
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrStockInvariant):
		writeError(w, http.StatusConflict, "on hand quantity cannot drop below reserved quantity")
	default:
		logger.Ctx(ctx).Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
