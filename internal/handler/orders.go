package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"memorial-orders/internal/domain"
	"memorial-orders/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OrderResponse struct {
	ID          uuid.UUID          `json:"id"`
	UserID      uuid.UUID          `json:"user_id"`
	MemorialID  uuid.UUID          `json:"memorial_id"`
	Service     domain.ServiceKind `json:"service"`
	AmountCents int64              `json:"amount_cents"`
	State       domain.OrderState  `json:"state"`
	CreatedAt   time.Time          `json:"created_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func toResponse(o *domain.PaymentOrder) OrderResponse {
	return OrderResponse{
		ID:          o.ID,
		UserID:      o.UserID,
		MemorialID:  o.MemorialID,
		Service:     o.Service,
		AmountCents: o.AmountCents,
		State:       o.State,
		CreatedAt:   o.CreatedAt,
		ExpiresAt:   o.ExpiresAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

func (h *handler) createOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := bindAndValidate(c, &req, h.validate); err != nil {
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), service.CreateOrderInput{
		UserID:      uuid.MustParse(req.UserID),
		MemorialID:  uuid.MustParse(req.MemorialID),
		Service:     domain.ServiceKind(req.Service),
		AmountCents: req.AmountCents,
	})
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	c.Header("Location", fmt.Sprintf("/orders/%s", order.ID))
	c.JSON(http.StatusCreated, toResponse(order))
}

func (h *handler) getOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, toResponse(order))
}

// payOrder is the payment provider's success callback.
func (h *handler) payOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	order, err := h.orders.CompletePayment(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err, order)
		return
	}
	c.JSON(http.StatusOK, toResponse(order))
}

func (h *handler) cancelOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	order, err := h.orders.CancelOrder(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err, order)
		return
	}
	c.JSON(http.StatusOK, toResponse(order))
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps domain sentinels to status codes. current, when known, is
// returned so the caller sees the state that won.
func (h *handler) writeError(c *gin.Context, err error, current *domain.PaymentOrder) {
	body := gin.H{"detail": err.Error()}
	if current != nil {
		body["order"] = toResponse(current)
	}

	switch {
	case errors.Is(err, domain.ErrInvalidOrder):
		body["error"] = "invalid_order"
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, domain.ErrOrderNotFound):
		body["error"] = "order_not_found"
		c.JSON(http.StatusNotFound, body)
	case errors.Is(err, domain.ErrOrderNotPending):
		body["error"] = "order_not_pending"
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, domain.ErrOrderExpired):
		body["error"] = "order_expired"
		c.JSON(http.StatusGone, body)
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
