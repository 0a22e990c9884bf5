// Package catalog reads course offers from the marketplace core API.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// Client implements domain.CatalogLookup over the core API's internal endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new catalog client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// offerResponse is the JSON returned by the core API.
type offerResponse struct {
	ID                         string           `json:"id"`
	Title                      string           `json:"title"`
	Price                      decimal.Decimal  `json:"price"`
	OriginalPrice              *decimal.Decimal `json:"original_price"`
	SellerID                   string           `json:"seller_id"`
	Status                     string           `json:"status"`
	AffiliateCommissionPercent *decimal.Decimal `json:"affiliate_commission_percent"`
}

// GetCourseOffer fetches the current price and publication state of a course.
func (c *Client) GetCourseOffer(ctx context.Context, courseID string) (*domain.CourseOffer, error) {
	endpoint := fmt.Sprintf("%s/api/internal/courses/%s/checkout-offer/", c.baseURL, url.PathEscape(courseID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("X-Internal-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, domain.NewCheckoutError(domain.ErrNotFound, "course not found", "COURSE_NOT_FOUND")
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, unavailable(fmt.Errorf("authentication failed with catalog API"))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, unavailable(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)))
	}

	var offer offerResponse
	if err := json.NewDecoder(resp.Body).Decode(&offer); err != nil {
		return nil, unavailable(fmt.Errorf("failed to decode response: %w", err))
	}
	if offer.ID == "" {
		offer.ID = courseID
	}
	if offer.Price.IsNegative() {
		return nil, unavailable(fmt.Errorf("negative price %s for course %s", offer.Price, offer.ID))
	}
	if offer.OriginalPrice != nil && offer.OriginalPrice.LessThan(offer.Price) {
		zerolog.Ctx(ctx).Warn().
			Str("course_id", offer.ID).
			Str("price", offer.Price.StringFixed(2)).
			Str("original_price", offer.OriginalPrice.StringFixed(2)).
			Msg("original price below price, dropping it")
		offer.OriginalPrice = nil
	}

	return &domain.CourseOffer{
		CourseID:                   offer.ID,
		Title:                      offer.Title,
		Price:                      offer.Price,
		OriginalPrice:              offer.OriginalPrice,
		SellerID:                   offer.SellerID,
		PublishStatus:              domain.PublishStatus(offer.Status),
		AffiliateCommissionPercent: offer.AffiliateCommissionPercent,
	}, nil
}

func unavailable(err error) error {
	return domain.NewCheckoutError(domain.ErrCatalogUnavailable, "course catalog unavailable: "+err.Error(), "CATALOG_UNAVAILABLE")
}
