package api

import (
	"errors"
	"net/http"

	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// Each sentinel maps to exactly one status
var errorMappings = []errorMapping{
	{models.ErrStockInsufficient, http.StatusConflict, "stock_insufficient"},
	{models.ErrRequestInProgress, http.StatusConflict, "request_in_progress"},
	{models.ErrPaymentConflict, http.StatusConflict, "payment_conflict"},
	{models.ErrCapacityBelowSold, http.StatusConflict, "capacity_below_sold"},
	{models.ErrIdempotencyMismatch, http.StatusUnprocessableEntity, "idempotency_mismatch"},
	{models.ErrInvalidPrice, http.StatusUnprocessableEntity, "invalid_price"},
	{models.ErrNotFound, http.StatusNotFound, "not_found"},
	{models.ErrInvalidQuantity, http.StatusBadRequest, "invalid_quantity"},
	{models.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{models.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
	{models.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
	{models.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{models.ErrStaleSignature, http.StatusUnauthorized, "stale_signature"},
	{models.ErrProviderUnavailable, http.StatusBadGateway, "provider_unavailable"},
}

func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError renders err with its mapped status. Unmapped errors are logged
// and reported without details.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"error": code})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   code,
		"details": err.Error(),
	})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"details": err.Error(),
	})
}
