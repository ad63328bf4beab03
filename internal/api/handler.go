package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"pos-service/internal/hub"
	"pos-service/internal/models"
	"pos-service/internal/service"
	"pos-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	userHeader        = "X-User-ID"
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotency-Replayed"
	userKey           = "userID"
)

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	payments     *service.PaymentExecutor
	hub          *hub.Hub
	ready        []Pinger
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler. /ready reports unavailable until
// every dependency in ready answers.
func NewHandler(orderService *service.OrderService, payments *service.PaymentExecutor, h *hub.Hub, ready ...Pinger) *Handler {
	return &Handler{
		orderService: orderService,
		payments:     payments,
		hub:          h,
		ready:        ready,
		logger:       util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", h.hub.ServeWS)

	v1 := router.Group("/api/v1")
	{
		// staff surface, authorized upstream
		v1.PATCH("/orders/:id/status", h.updateOrderStatus)
		v1.GET("/hub/stats", h.hubStats)

		user := v1.Group("", requireUser())
		user.POST("/orders", h.createOrder)
		user.GET("/orders", h.listOrders)
		user.GET("/orders/:id", h.getOrder)
		user.GET("/orders/:id/history", h.getOrderHistory)

		user.GET("/wallet", h.getWallet)
		user.POST("/wallet", h.createWallet)
		user.POST("/wallet/deposit", h.deposit)
		user.POST("/wallet/pay", h.pay)
	}
}

// requireUser takes the caller identity set by the auth gateway
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(userHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing " + userHeader + " header",
			})
			return
		}
		c.Set(userKey, userID)
		c.Next()
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once the store and lock backend answer
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	for _, dep := range h.ready {
		if err := dep.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unavailable",
				"details": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
		"hub":    h.hub.Stats(),
	})
}

func (h *Handler) hubStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	req.UserID = c.GetString(userKey)
	if key := c.GetHeader(idempotencyHeader); key != "" {
		req.IdempotencyKey = key
	}

	resp, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		if resp != nil && errors.Is(err, models.ErrInsufficientFunds) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "Insufficient wallet balance",
				"details": err.Error(),
				"order":   resp.Order,
			})
			return
		}
		h.writeError(c, "Failed to create order", err)
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// listOrders returns the caller's orders, newest first
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orderService.ListOrders(c.Request.Context(), c.GetString(userKey))
	if err != nil {
		h.writeError(c, "Failed to list orders", err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, ok := h.ownedOrder(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *Handler) getOrderHistory(c *gin.Context) {
	order, ok := h.ownedOrder(c)
	if !ok {
		return
	}

	history, err := h.orderService.StatusHistory(c.Request.Context(), order.ID)
	if err != nil {
		h.writeError(c, "Failed to load order history", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orderId": order.ID,
		"history": history,
	})
}

// ownedOrder loads :id and hides orders that belong to someone else
func (h *Handler) ownedOrder(c *gin.Context) (*models.Order, bool) {
	order, err := h.orderService.GetOrder(c.Request.Context(), c.Param("id"))
	if err == nil && order.UserID != c.GetString(userKey) {
		err = models.ErrNotFound
	}
	if err != nil {
		h.writeError(c, "Order not found", err)
		return nil, false
	}
	return order, true
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

// updateOrderStatus drives the order lifecycle
func (h *Handler) updateOrderStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.writeError(c, "Failed to update order status", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *Handler) getWallet(c *gin.Context) {
	wallet, err := h.payments.GetWallet(c.Request.Context(), c.GetString(userKey))
	if err != nil {
		h.writeError(c, "Failed to load wallet", err)
		return
	}

	c.JSON(http.StatusOK, wallet)
}

func (h *Handler) createWallet(c *gin.Context) {
	wallet, created, err := h.payments.CreateWallet(c.Request.Context(), c.GetString(userKey))
	if err != nil {
		h.writeError(c, "Failed to create wallet", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, wallet)
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	wallet, err := h.payments.Deposit(c.Request.Context(), c.GetString(userKey), req.Amount)
	if err != nil {
		h.writeError(c, "Failed to deposit", err)
		return
	}

	c.JSON(http.StatusOK, wallet)
}

type payRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	OrderID string          `json:"orderId" binding:"required"`
}

func (h *Handler) pay(c *gin.Context) {
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.payments.Pay(c.Request.Context(), c.GetString(userKey), req.Amount, req.OrderID)
	if err != nil {
		h.writeError(c, "Payment failed", err)
		return
	}

	if result.Replayed {
		c.Header(replayedHeader, "true")
	}
	c.JSON(http.StatusOK, result.Wallet)
}

// writeError maps domain errors onto HTTP status codes
func (h *Handler) writeError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrStatusConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, models.ErrInvalidAmount), errors.Is(err, models.ErrInvalidOrder):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
