package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/redisclient"
	"ticket-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the domain operations exposed over HTTP
type Services struct {
	Ledger      *service.Ledger
	Reservation *service.ReservationService
	Reconciler  *service.Reconciler
	Lookup      *service.TicketLookup
	Redemption  *service.RedemptionService
}

// Options configure the HTTP surface
type Options struct {
	AdminKeyHash string
	GateKeyHash  string
	// RateLimiter may be nil to disable rate limiting.
	RateLimiter RateLimiter
	Window      redisclient.Window
	Checks      map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	svc  Services
	opts Options
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services, opts Options) *Handler {
	return &Handler{svc: svc, opts: opts}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		public := v1.Group("", rateLimitMiddleware(h.opts.RateLimiter, h.opts.Window))
		public.GET("/occurrences/:id/availability", h.getAvailability)
		public.POST("/reservations", h.createReservation)
		public.GET("/orders/:reference/status", h.getOrderStatus)
		public.GET("/tickets", h.getTickets)

		v1.POST("/payments/webhook", h.paymentWebhook)

		gate := v1.Group("/gate", requireKey("X-Gate-Key", h.opts.GateKeyHash))
		gate.POST("/redeem", h.redeem)

		admin := v1.Group("/admin", requireKey("X-Admin-Key", h.opts.AdminKeyHash))
		admin.PUT("/occurrences/:id/categories/:category/stock", h.adjustStock)
		admin.POST("/gifts", h.createGift)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.opts.Checks {
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// getAvailability lists categories of an occurrence with remaining capacity
func (h *Handler) getAvailability(c *gin.Context) {
	occurrenceID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, errors.New("invalid occurrence id"))
		return
	}

	rows, err := h.svc.Ledger.Availability(c.Request.Context(), occurrenceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"occurrence_id": occurrenceID,
		"categories":    rows,
	})
}

// createReservation handles reservation creation
func (h *Handler) createReservation(c *gin.Context) {
	var req service.ReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	resp, err := h.svc.Reservation.Reserve(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	if resp.Replayed {
		c.Header("Idempotent-Replayed", "true")
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// getOrderStatus reports an order's status, polling the provider while it is
// still reserved
func (h *Handler) getOrderStatus(c *gin.Context) {
	status, err := h.svc.Reconciler.Poll(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// getTickets returns the credentials an access token grants
func (h *Handler) getTickets(c *gin.Context) {
	token := c.Query("token")
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		writeError(c, models.ErrInvalidToken)
		return
	}

	tickets, err := h.svc.Lookup.Lookup(c.Request.Context(), token)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tickets)
}

type webhookBody struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// paymentWebhook handles provider notifications. Anything the provider should
// not retry is answered with 200, including no-ops and conflicts.
func (h *Handler) paymentWebhook(c *gin.Context) {
	var body webhookBody
	// Some notifications carry everything in the query string.
	_ = c.ShouldBindJSON(&body)

	cb := service.Callback{
		Signature: c.GetHeader("x-signature"),
		RequestID: c.GetHeader("x-request-id"),
		Type:      firstNonEmpty(c.Query("type"), body.Type),
		DataID:    firstNonEmpty(c.Query("data.id"), body.Data.ID),
	}

	outcome, err := h.svc.Reconciler.HandleCallback(c.Request.Context(), cb)
	if err != nil && !errors.Is(err, models.ErrPaymentConflict) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

type redeemRequest struct {
	Token string `json:"token" binding:"required"`
}

// redeem handles a gate scan. Every outcome is a 200; the outcome field
// carries the reason.
func (h *Handler) redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.svc.Redemption.Redeem(c.Request.Context(), req.Token)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// adjustStock handles an administrative stock and price change
func (h *Handler) adjustStock(c *gin.Context) {
	occurrenceID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, errors.New("invalid occurrence id"))
		return
	}
	categoryID, err := strconv.ParseInt(c.Param("category"), 10, 64)
	if err != nil {
		badRequest(c, errors.New("invalid category id"))
		return
	}

	var adj service.StockAdjustment
	if err := c.ShouldBindJSON(&adj); err != nil {
		badRequest(c, err)
		return
	}
	adj.OccurrenceID = occurrenceID
	adj.CategoryID = categoryID

	record, err := h.svc.Ledger.AdjustStock(c.Request.Context(), adj)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// createGift handles complimentary ticket issuance
func (h *Handler) createGift(c *gin.Context) {
	var req service.GiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.svc.Reservation.Gift(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
