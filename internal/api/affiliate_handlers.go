package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edumarket/edumarket-checkout/internal/affiliate"
	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// RegisterAffiliateRequest represents the JSON body of POST /affiliate/register.
// The commission rate is not part of it; it comes from configuration and the catalog.
type RegisterAffiliateRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	PaymentInfo string `json:"paymentInfo"`
}

// AffiliateResponse is the public view of an affiliate.
type AffiliateResponse struct {
	Success               bool   `json:"success"`
	AffiliateID           string `json:"affiliateId"`
	AffiliateCode         string `json:"affiliateCode"`
	Name                  string `json:"name"`
	Email                 string `json:"email"`
	CommissionRatePercent string `json:"commissionRatePercent"`
	Status                string `json:"status"`
	TotalCommission       string `json:"totalCommission"`
}

// RegisterAffiliate handles POST /affiliate/register
// Registering twice returns the existing affiliate with 200 instead of 201.
func (h *Handler) RegisterAffiliate(c *gin.Context) {
	var req RegisterAffiliateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, err)
		return
	}
	user := identityFrom(c)
	email := req.Email
	if email == "" {
		email = user.Email
	}

	a, created, err := h.affiliates.Register(c.Request.Context(), affiliate.RegisterRequest{
		UserID:      user.UserID,
		Name:        req.Name,
		Email:       email,
		PaymentInfo: req.PaymentInfo,
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, affiliateResponse(a))
}

// AffiliateLink handles GET /affiliate/link/:courseId
func (h *Handler) AffiliateLink(c *gin.Context) {
	courseID := c.Param("courseId")
	link, err := h.affiliates.Link(c.Request.Context(), identityFrom(c).UserID, courseID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"courseId": courseID,
		"url":      link,
	})
}

// DeactivateAffiliate handles POST /affiliate/deactivate
func (h *Handler) DeactivateAffiliate(c *gin.Context) {
	a, err := h.affiliates.Deactivate(c.Request.Context(), identityFrom(c).UserID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, affiliateResponse(a))
}

func affiliateResponse(a *domain.Affiliate) AffiliateResponse {
	return AffiliateResponse{
		Success:               true,
		AffiliateID:           a.AffiliateID,
		AffiliateCode:         a.AffiliateCode,
		Name:                  a.Name,
		Email:                 a.Email,
		CommissionRatePercent: a.CommissionRatePercent.StringFixed(2),
		Status:                string(a.Status),
		TotalCommission:       money(a.TotalCommission),
	}
}
