package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/edumarket/edumarket-checkout/internal/checkout"
	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// PaymentLookup maps a provider payment id to the checkout session it paid for.
type PaymentLookup interface {
	SessionForPayment(ctx context.Context, paymentID string) (string, error)
}

// SignatureVerifier checks the x-signature header of a notification.
type SignatureVerifier interface {
	Verify(xSignature, xRequestID, dataID string) bool
}

// WebhookHandler turns Mercado Pago payment notifications into session resolutions,
// so a sale is committed even when the buyer never returns to the storefront.
type WebhookHandler struct {
	checkout *checkout.Service
	payments PaymentLookup
	verifier SignatureVerifier
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(checkoutService *checkout.Service, payments PaymentLookup, verifier SignatureVerifier) *WebhookHandler {
	return &WebhookHandler{checkout: checkoutService, payments: payments, verifier: verifier}
}

// WebhookRequest represents the JSON body from Mercado Pago webhooks.
type WebhookRequest struct {
	ID     any    `json:"id"`
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
	LiveMode bool `json:"live_mode"`
}

// MercadoPagoWebhook handles POST /webhooks/mercadopago
// Notifications that cannot be processed yet answer 500 so Mercado Pago retries them.
func (h *Handler) MercadoPagoWebhook(c *gin.Context) {
	if h.webhooks == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Success: false, Error: "webhooks are not enabled", Code: "NOT_FOUND"})
		return
	}
	h.webhooks.handle(c)
}

func (w *WebhookHandler) handle(c *gin.Context) {
	log := zerolog.Ctx(c.Request.Context())

	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("unparseable webhook body")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	dataID := c.Query("data.id")
	if dataID == "" {
		dataID = req.Data.ID
	}

	if !w.verifier.Verify(c.GetHeader("x-signature"), c.GetHeader("x-request-id"), dataID) {
		log.Warn().Str("data_id", dataID).Msg("webhook signature rejected")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Success: false, Error: "invalid signature", Code: "INVALID_SIGNATURE"})
		return
	}

	typ := req.Type
	if typ == "" {
		typ = c.Query("type")
	}
	if typ != "payment" || dataID == "" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ctx := c.Request.Context()
	sessionID, err := w.payments.SessionForPayment(ctx, dataID)
	if err != nil {
		w.fail(c, err, dataID)
		return
	}
	if sessionID == "" {
		// Not one of ours, e.g. a payment created outside checkout sessions.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	st, err := w.checkout.ResolveSession(ctx, sessionID)
	if err != nil {
		w.fail(c, err, dataID)
		return
	}
	log.Info().
		Str("payment_id", dataID).
		Str("session_id", sessionID).
		Str("status", string(st.Status)).
		Msg("webhook processed")
	c.JSON(http.StatusOK, gin.H{"status": "processed", "sessionStatus": st.Status})
}

func (w *WebhookHandler) fail(c *gin.Context, err error, dataID string) {
	log := zerolog.Ctx(c.Request.Context())
	switch domain.KindOf(err) {
	case domain.ErrGatewayUnavailable, domain.ErrCatalogUnavailable, domain.ErrInternal:
		log.Error().Err(err).Str("payment_id", dataID).Msg("webhook processing failed, asking for redelivery")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "retry"})
	default:
		log.Warn().Err(err).Str("payment_id", dataID).Msg("webhook processed with error")
		c.JSON(http.StatusOK, gin.H{"status": "processed_with_error"})
	}
}
