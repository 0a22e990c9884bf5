package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// Retry-After values, in seconds.
const (
	retryAfterUnavailable = "5"
	retryAfterInFlight    = "1"
)

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(c *gin.Context, err error) {
	statusCode := http.StatusInternalServerError
	kind := domain.KindOf(err)
	switch kind {
	case domain.ErrValidation:
		statusCode = http.StatusBadRequest
	case domain.ErrNotFound:
		statusCode = http.StatusNotFound
	case domain.ErrPaymentDeclined:
		statusCode = http.StatusPaymentRequired
	case domain.ErrGatewayUnavailable, domain.ErrCatalogUnavailable:
		statusCode = http.StatusServiceUnavailable
		c.Header("Retry-After", retryAfterUnavailable)
	case domain.ErrConflict:
		statusCode = http.StatusConflict
	}

	var checkoutErr *domain.CheckoutError
	if !errors.As(err, &checkoutErr) {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("unhandled service error")
		c.JSON(statusCode, ErrorResponse{
			Success: false,
			Error:   "Internal server error",
			Code:    "INTERNAL_ERROR",
		})
		return
	}

	if kind == domain.ErrConflict && checkoutErr.Retryable {
		c.Header("Retry-After", retryAfterInFlight)
	}
	if statusCode >= http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("code", checkoutErr.Code).Msg("request failed")
	}
	c.JSON(statusCode, ErrorResponse{
		Success: false,
		Error:   checkoutErr.Message,
		Code:    checkoutErr.Code,
		Fields:  checkoutErr.Fields,
	})
}

// invalidBody answers a request whose JSON could not be decoded.
func invalidBody(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Success: false,
		Error:   "Invalid request body: " + err.Error(),
		Code:    "VALIDATION_ERROR",
	})
}
