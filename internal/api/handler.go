package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"offer-service/internal/apperr"
	"offer-service/internal/gateway"
	"offer-service/internal/service"
	"offer-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxWebhookBytes = 1 << 16

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	offers       *service.OfferLedger
	transactions *service.TransactionLedger
	webhooks     *gateway.Adapter
	auth         *Authenticator
	limiter      *RateLimiter
	db           Pinger
	cache        Pinger
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	offers *service.OfferLedger,
	transactions *service.TransactionLedger,
	webhooks *gateway.Adapter,
	auth *Authenticator,
	limiter *RateLimiter,
	db Pinger,
	cache Pinger,
) *Handler {
	return &Handler{
		offers:       offers,
		transactions: transactions,
		webhooks:     webhooks,
		auth:         auth,
		limiter:      limiter,
		db:           db,
		cache:        cache,
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

	router.POST("/webhooks/gateway", h.gatewayWebhook)

	v1 := router.Group("/api/v1", h.auth.Middleware())
	{
		limited := h.limiter.Middleware()

		v1.POST("/offers", limited, h.createOffer)
		v1.GET("/offers/:id", h.getOffer)
		v1.GET("/offers/:id/chain", h.getOfferChain)
		v1.GET("/offers/:id/transaction", h.getOfferTransaction)
		v1.POST("/offers/:id/actions", limited, h.actOnOffer)
		v1.GET("/listings/:id/offers", h.listListingOffers)

		v1.GET("/transactions/:id", h.getTransaction)
		v1.GET("/transactions/:id/history", h.getTransactionHistory)
		v1.POST("/transactions/:id/actions", limited, h.actOnTransaction)
		v1.POST("/transactions/:id/checkout", limited, h.startCheckout)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when the database answers. The event
// cache is optional, so losing it degrades the service without failing it.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{"database": "ok"}
	if err := h.db.Ping(ctx); err != nil {
		checks["database"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"checks": checks,
			"time":   time.Now().Unix(),
		})
		return
	}

	status := "ready"
	if h.cache != nil {
		checks["redis"] = "ok"
		if err := h.cache.Ping(ctx); err != nil {
			h.logger.Warn("Redis ping failed", zap.Error(err))
			checks["redis"] = "unavailable"
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) createOffer(c *gin.Context) {
	var req service.CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("malformed_request", err.Error()))
		return
	}

	offer, err := h.offers.CreateOffer(c.Request.Context(), actorID(c), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, offer)
}

func (h *Handler) getOffer(c *gin.Context) {
	offer, err := h.offers.GetOffer(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, offer)
}

func (h *Handler) getOfferChain(c *gin.Context) {
	chain, err := h.offers.Chain(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offers": chain})
}

func (h *Handler) actOnOffer(c *gin.Context) {
	var req service.OfferActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("malformed_request", err.Error()))
		return
	}

	result, err := h.offers.ActOnOffer(c.Request.Context(), c.Param("id"), actorID(c), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) listListingOffers(c *gin.Context) {
	offers, err := h.offers.ListingOffers(c.Request.Context(), c.Param("id"), actorID(c), c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) getTransaction(c *gin.Context) {
	tx, err := h.transactions.GetTransaction(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, tx)
}

func (h *Handler) getOfferTransaction(c *gin.Context) {
	tx, err := h.transactions.TransactionForOffer(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, tx)
}

func (h *Handler) getTransactionHistory(c *gin.Context) {
	entries, err := h.transactions.History(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func (h *Handler) actOnTransaction(c *gin.Context) {
	var req service.TransactionActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("malformed_request", err.Error()))
		return
	}

	tx, err := h.transactions.Act(c.Request.Context(), c.Param("id"), actorID(c), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, tx)
}

func (h *Handler) startCheckout(c *gin.Context) {
	tx, session, err := h.transactions.StartCheckout(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": tx,
		"checkout":    session,
	})
}

// gatewayWebhook verifies and applies a payment rail event. Any non-2xx
// answer makes the gateway redeliver.
func (h *Handler) gatewayWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		h.writeError(c, apperr.Gateway("unreadable payload", err))
		return
	}

	result, err := h.webhooks.Handle(c.Request.Context(), payload, c.GetHeader(gateway.SignatureHeader))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal("internal error", err)
	}

	status := appErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(appErr.Kind)),
			zap.Error(err))
	}

	body := gin.H{
		"error": appErr.Message,
		"kind":  appErr.Kind,
	}
	if appErr.Rule != "" {
		body["rule"] = appErr.Rule
	}
	c.JSON(status, body)
}
