package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

func TestGetCourseOffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/internal/courses/course-1/checkout-offer/":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"course-1","title":"Go na prática","price":"297.00","original_price":"497.00","seller_id":"seller-1","status":"published","affiliate_commission_percent":15}`))
		case "/api/internal/courses/broken/checkout-offer/":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", time.Second)
	ctx := context.Background()

	offer, err := c.GetCourseOffer(ctx, "course-1")
	if err != nil {
		t.Fatalf("GetCourseOffer: %v", err)
	}
	if offer.Price.StringFixed(2) != "297.00" || offer.OriginalPrice == nil || offer.OriginalPrice.StringFixed(2) != "497.00" {
		t.Fatalf("prices = %s / %v", offer.Price, offer.OriginalPrice)
	}
	if !offer.Purchasable() || offer.SellerID != "seller-1" {
		t.Fatalf("offer = %+v", offer)
	}
	if offer.AffiliateCommissionPercent == nil || offer.AffiliateCommissionPercent.IntPart() != 15 {
		t.Fatalf("commission override = %v", offer.AffiliateCommissionPercent)
	}

	if _, err := c.GetCourseOffer(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing course error = %v", err)
	}
	if _, err := c.GetCourseOffer(ctx, "broken"); !errors.Is(err, domain.ErrCatalogUnavailable) {
		t.Fatalf("upstream failure error = %v", err)
	}

	bad := NewClient(srv.URL, "wrong", time.Second)
	if _, err := bad.GetCourseOffer(ctx, "course-1"); !errors.Is(err, domain.ErrCatalogUnavailable) {
		t.Fatalf("auth failure error = %v", err)
	}
}

func TestGetCourseOfferPriceChecks(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantOriginal string // empty when dropped
		wantErr      error
	}{
		{"discount kept", `{"price":"297.00","original_price":"497.00","status":"published"}`, "497.00", nil},
		{"equal kept", `{"price":"297.00","original_price":"297.00","status":"published"}`, "297.00", nil},
		{"below price dropped", `{"price":"297.00","original_price":"197.00","status":"published"}`, "", nil},
		{"negative price", `{"price":"-1.00","status":"published"}`, "", domain.ErrCatalogUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			offer, err := NewClient(srv.URL, "secret", time.Second).GetCourseOffer(context.Background(), "course-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetCourseOffer: %v", err)
			}
			switch {
			case tt.wantOriginal == "" && offer.OriginalPrice != nil:
				t.Fatalf("original price = %s, want dropped", offer.OriginalPrice)
			case tt.wantOriginal != "" && (offer.OriginalPrice == nil || offer.OriginalPrice.StringFixed(2) != tt.wantOriginal):
				t.Fatalf("original price = %v, want %s", offer.OriginalPrice, tt.wantOriginal)
			}
		})
	}
}
