// Package api contains the HTTP handlers and routing for the checkout service.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/edumarket/edumarket-checkout/internal/affiliate"
	"github.com/edumarket/edumarket-checkout/internal/checkout"
	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Handler contains the HTTP handlers for the checkout API.
type Handler struct {
	checkout   *checkout.Service
	affiliates *affiliate.Service
	webhooks   *WebhookHandler
	checks     map[string]HealthCheck
	service    string
}

// NewHandler creates a new API handler. webhooks may be nil when no hosted
// provider sends notifications.
func NewHandler(checkoutService *checkout.Service, affiliates *affiliate.Service, webhooks *WebhookHandler, checks map[string]HealthCheck) *Handler {
	return &Handler{
		checkout:   checkoutService,
		affiliates: affiliates,
		webhooks:   webhooks,
		checks:     checks,
		service:    "edumarket-checkout",
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Success bool                `json:"success"`
	Error   string              `json:"error"`
	Code    string              `json:"code,omitempty"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
}

// CourseOfferResponse is the checkout view of a course.
type CourseOfferResponse struct {
	Success       bool    `json:"success"`
	CourseID      string  `json:"courseId"`
	Title         string  `json:"title"`
	Price         string  `json:"price"`
	OriginalPrice *string `json:"originalPrice,omitempty"`
	SellerID      string  `json:"sellerId"`
	Available     bool    `json:"available"`
}

// GetCourseOffer handles GET /checkout/course/:courseId
func (h *Handler) GetCourseOffer(c *gin.Context) {
	offer, err := h.checkout.GetCourseOffer(c.Request.Context(), c.Param("courseId"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	resp := CourseOfferResponse{
		Success:   true,
		CourseID:  offer.CourseID,
		Title:     offer.Title,
		Price:     money(offer.Price),
		SellerID:  offer.SellerID,
		Available: offer.Available,
	}
	if offer.OriginalPrice != nil {
		p := money(*offer.OriginalPrice)
		resp.OriginalPrice = &p
	}
	c.JSON(http.StatusOK, resp)
}

// PaymentDataRequest carries the method specific fields of a checkout.
type PaymentDataRequest struct {
	CardNumber    string `json:"cardNumber"`
	Expiry        string `json:"expiry"`
	CVV           string `json:"cvv"`
	HolderName    string `json:"holderName"`
	PayerDocument string `json:"payerDocument"`
}

// ProcessCheckoutRequest represents the JSON body of POST /checkout/process.
type ProcessCheckoutRequest struct {
	CourseID      string              `json:"courseId"`
	PaymentMethod string              `json:"paymentMethod"`
	PaymentData   *PaymentDataRequest `json:"paymentData"`
	AffiliateCode string              `json:"affiliateCode"`
}

// ProcessCheckoutResponse identifies the purchase records.
type ProcessCheckoutResponse struct {
	Success      bool   `json:"success"`
	SaleID       string `json:"saleId"`
	EnrollmentID string `json:"enrollmentId"`
	Replayed     bool   `json:"replayed,omitempty"`
}

// ProcessCheckout handles POST /checkout/process
// The buyer comes from the authenticated identity, the price from the catalog.
func (h *Handler) ProcessCheckout(c *gin.Context) {
	var req ProcessCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, err)
		return
	}
	buyer := identityFrom(c)

	purchase := domain.PurchaseRequest{
		CourseID:       strings.TrimSpace(req.CourseID),
		BuyerID:        buyer.UserID,
		BuyerEmail:     buyer.Email,
		PaymentMethod:  domain.PaymentMethod(req.PaymentMethod),
		AffiliateCode:  affiliateCode(c, req.AffiliateCode),
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	}
	if d := req.PaymentData; d != nil {
		purchase.PaymentData.PayerDocument = d.PayerDocument
		if d.CardNumber != "" || d.Expiry != "" || d.CVV != "" || d.HolderName != "" {
			purchase.PaymentData.Card = &domain.CardData{
				Number:     d.CardNumber,
				Expiry:     d.Expiry,
				CVV:        d.CVV,
				HolderName: d.HolderName,
			}
		}
	}

	res, err := h.checkout.ProcessCheckout(c.Request.Context(), purchase)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, ProcessCheckoutResponse{
		Success:      true,
		SaleID:       res.SaleID,
		EnrollmentID: res.EnrollmentID,
		Replayed:     res.Replayed,
	})
}

// CreateSessionRequest represents the JSON body of POST /checkout/create-checkout-session.
type CreateSessionRequest struct {
	CourseID      string `json:"courseId"`
	AffiliateCode string `json:"affiliateCode"`
}

// CreateSessionResponse is what the client needs to reach the hosted payment page.
type CreateSessionResponse struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"sessionId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURL  string `json:"redirectUrl,omitempty"`
}

// CreateCheckoutSession handles POST /checkout/create-checkout-session
func (h *Handler) CreateCheckoutSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, err)
		return
	}
	buyer := identityFrom(c)

	res, err := h.checkout.CreateCheckoutSession(c.Request.Context(), checkout.SessionRequest{
		CourseID:      strings.TrimSpace(req.CourseID),
		BuyerID:       buyer.UserID,
		BuyerEmail:    buyer.Email,
		AffiliateCode: affiliateCode(c, req.AffiliateCode),
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, CreateSessionResponse{
		Success:      true,
		SessionID:    res.SessionID,
		ClientSecret: res.ClientSecret,
		RedirectURL:  res.RedirectURL,
	})
}

// SessionStatusResponse is the reconciled state of a hosted session.
type SessionStatusResponse struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	SaleID        string `json:"saleId,omitempty"`
	EnrollmentID  string `json:"enrollmentId,omitempty"`
}

// SessionStatus handles GET /checkout/session-status?session_id=
func (h *Handler) SessionStatus(c *gin.Context) {
	st, err := h.checkout.ResolveSession(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionStatusResponse{
		Success:       true,
		Status:        string(st.Status),
		CustomerEmail: st.CustomerEmail,
		SaleID:        st.SaleID,
		EnrollmentID:  st.EnrollmentID,
	})
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"service":      h.service,
		"dependencies": deps,
	})
}

// affiliateCode prefers the body and falls back to the ?ref= of the affiliate link.
func affiliateCode(c *gin.Context, fromBody string) string {
	if code := strings.TrimSpace(fromBody); code != "" {
		return code
	}
	return strings.TrimSpace(c.Query("ref"))
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
