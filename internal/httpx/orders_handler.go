package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	kafkax "github.com/example/shop-orders/internal/kafka"
	"github.com/example/shop-orders/internal/orders"
	"github.com/example/shop-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// The identity layer in front of this service resolves the principal and
// forwards it here; the value is trusted as-is.
const userIDHeader = "X-User-ID"

// OrderService is the slice of the orders service the handler needs.
type OrderService interface {
	PlaceOrder(ctx context.Context, in orders.PlaceOrderInput) (orders.Order, error)
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	ListOrders(ctx context.Context, userID string) ([]orders.Order, error)
	UpdateOrder(ctx context.Context, in orders.UpdateOrderInput) (orders.Order, error)
}

// EventPublisher is satisfied by *kafka.Producer.
type EventPublisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type OrdersHandler struct {
	Service       OrderService
	PlacedEvents  EventPublisher
	UpdatedEvents EventPublisher
	Redis         *redis.Client
	Logger        *zap.Logger
	ServiceName   string
}

type CreateOrderReq struct {
	ShippingAddress string             `json:"shipping_address"`
	Metadata        map[string]any     `json:"metadata"`
	LineItems       []orders.ItemInput `json:"line_items"`
}

type UpdateOrderReq struct {
	Status        *string        `json:"status"`
	PaymentStatus *string        `json:"payment_status"`
	Metadata      map[string]any `json:"metadata"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Patch("/orders/{id}", h.updateOrder)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing_identity", "missing "+userIDHeader+" header")
		return
	}

	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	order, err := h.Service.PlaceOrder(ctx, orders.PlaceOrderInput{
		UserID:          userID,
		ShippingAddress: req.ShippingAddress,
		Metadata:        req.Metadata,
		Items:           req.LineItems,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.cacheStatus(ctx, order)

	if h.PlacedEvents != nil {
		h.publish(h.PlacedEvents, r, orders.EventOrderPlaced, order.ID, orders.OrderPlacedPayload{
			OrderID:     order.ID,
			UserID:      order.UserID,
			Status:      order.Status,
			LineItems:   order.LineItems,
			TotalAmount: order.TotalAmount,
		})
	}

	writeJSON(w, http.StatusCreated, order)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	order, err := h.Service.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// getOrderStatus serves the lightweight status summary, cache first.
func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	order, err := h.Service.GetOrder(ctx, orderID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.cacheStatus(ctx, order)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         string(order.Status),
		"payment_status": string(order.PaymentStatus),
	})
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing_identity", "missing "+userIDHeader+" header")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Service.ListOrders(ctx, userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) updateOrder(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "invalid json")
		return
	}

	in := orders.UpdateOrderInput{
		OrderID:  chi.URLParam(r, "id"),
		Metadata: req.Metadata,
	}
	if req.Status != nil {
		st := orders.Status(*req.Status)
		if !st.Valid() {
			writeError(w, http.StatusUnprocessableEntity, "invalid_status", "unknown status "+*req.Status)
			return
		}
		in.Status = &st
	}
	if req.PaymentStatus != nil {
		ps := orders.PaymentStatus(*req.PaymentStatus)
		if !ps.Valid() {
			writeError(w, http.StatusUnprocessableEntity, "invalid_payment_status", "unknown payment status "+*req.PaymentStatus)
			return
		}
		in.PaymentStatus = &ps
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	order, err := h.Service.UpdateOrder(ctx, in)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.cacheStatus(ctx, order)

	if h.UpdatedEvents != nil {
		h.publish(h.UpdatedEvents, r, orders.EventOrderUpdated, order.ID, orders.OrderUpdatedPayload{
			OrderID:       order.ID,
			Status:        order.Status,
			PaymentStatus: order.PaymentStatus,
		})
	}

	writeJSON(w, http.StatusOK, order)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, order orders.Order) {
	if h.Redis == nil {
		return
	}
	body, err := json.Marshal(map[string]string{
		"status":         string(order.Status),
		"payment_status": string(order.PaymentStatus),
	})
	if err != nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, order.ID)
	_ = h.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
}

func (h *OrdersHandler) publish(p EventPublisher, r *http.Request, eventType, orderID string, payload any) {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.ServiceName,
		TraceID:       r.Header.Get("X-Request-Id"),
		CorrelationID: orderID,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		h.Logger.Error("marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	ev.Payload = b
	p.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (h *OrdersHandler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		notFound      *orders.ProductNotFoundError
		invalidQty    *orders.InvalidQuantityError
		noStock       *orders.InsufficientStockError
		invalid       *orders.OrderValidationError
		badTransition *orders.InvalidTransitionError
	)
	switch {
	case errors.Is(err, orders.ErrEmptyCart):
		writeError(w, http.StatusUnprocessableEntity, "empty_cart", err.Error())
	case errors.As(err, &invalidQty):
		writeError(w, http.StatusUnprocessableEntity, "invalid_quantity", err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "product_not_found", err.Error())
	case errors.As(err, &noStock):
		writeError(w, http.StatusConflict, "insufficient_stock", err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusUnprocessableEntity, "order_invalid", err.Error())
	case errors.As(err, &badTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, orders.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
	default:
		h.Logger.Error("order request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
