// Package affiliate implements affiliate registration, referral links and sale attribution.
package affiliate

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/edumarket/edumarket-checkout/internal/domain"
	"github.com/edumarket/edumarket-checkout/internal/metrics"
	"github.com/edumarket/edumarket-checkout/internal/validation"
)

const codeAttempts = 5

// Options configures the affiliate service.
type Options struct {
	// LinkBaseURL is the storefront URL referral links point to.
	LinkBaseURL        string
	DefaultRatePercent decimal.Decimal
	Now                func() time.Time
}

// Service manages affiliates and resolves attribution for checkouts.
type Service struct {
	repo     domain.AffiliateRepository
	catalog  domain.CatalogLookup
	opts     Options
	validate *validator.Validate
}

// NewService creates a new affiliate service.
func NewService(repo domain.AffiliateRepository, catalog domain.CatalogLookup, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:     repo,
		catalog:  catalog,
		opts:     opts,
		validate: validation.New(opts.Now),
	}
}

// RegisterRequest is the data needed to become an affiliate.
type RegisterRequest struct {
	UserID      string `json:"userId" validate:"required"`
	Name        string `json:"name" validate:"required,notblank,max=120"`
	Email       string `json:"email" validate:"required,email"`
	PaymentInfo string `json:"paymentInfo" validate:"max=500"`
}

// Register creates an affiliate for the user and issues its code.
// A user that is already registered gets the existing affiliate back with created=false.
// Every affiliate starts at the configured default rate; only the catalog can override it per course.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (affiliate *domain.Affiliate, created bool, err error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, false, domain.NewValidationError("invalid affiliate registration", validation.FieldErrors(err, "")...)
	}
	existing, err := s.repo.GetAffiliateByUser(ctx, req.UserID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, false, err
	}

	now := s.opts.Now().UTC()
	affiliate = &domain.Affiliate{
		AffiliateID:           uuid.NewString(),
		UserID:                req.UserID,
		Name:                  strings.TrimSpace(req.Name),
		Email:                 strings.ToLower(strings.TrimSpace(req.Email)),
		PaymentInfo:           req.PaymentInfo,
		CommissionRatePercent: ClampRate(s.opts.DefaultRatePercent),
		Status:                domain.AffiliateStatusActive,
		TotalCommission:       decimal.Zero,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	// Codes are random; a collision just draws again.
	for i := 0; i < codeAttempts; i++ {
		code, err := NewCode()
		if err != nil {
			return nil, false, domain.NewCheckoutError(domain.ErrInternal, "failed to issue affiliate code", "INTERNAL_ERROR")
		}
		affiliate.AffiliateCode = code
		err = s.repo.CreateAffiliate(ctx, affiliate)
		if err == nil {
			zerolog.Ctx(ctx).Info().
				Str("affiliate_id", affiliate.AffiliateID).
				Str("user_id", affiliate.UserID).
				Msg("affiliate registered")
			return affiliate, true, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, false, err
		}
		// The user may have registered concurrently.
		if existing, gerr := s.repo.GetAffiliateByUser(ctx, req.UserID); gerr == nil {
			return existing, false, nil
		}
	}
	return nil, false, domain.NewCheckoutError(domain.ErrInternal, "could not issue a unique affiliate code", "INTERNAL_ERROR")
}

// Link returns the shareable referral URL of the user's affiliate code for a course.
func (s *Service) Link(ctx context.Context, userID, courseID string) (string, error) {
	if strings.TrimSpace(courseID) == "" {
		return "", domain.NewValidationError("course is required", domain.FieldError{Field: "courseId", Message: "is required"})
	}
	affiliate, err := s.repo.GetAffiliateByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.NewCheckoutError(domain.ErrNotFound, "user is not registered as an affiliate", "AFFILIATE_NOT_FOUND")
		}
		return "", err
	}
	if affiliate.Status != domain.AffiliateStatusActive {
		return "", domain.NewValidationError("affiliate is inactive")
	}
	if _, err := s.catalog.GetCourseOffer(ctx, courseID); err != nil {
		return "", err
	}
	return BuildLink(s.opts.LinkBaseURL, courseID, affiliate.AffiliateCode)
}

// BuildLink builds <base>/course/<courseID>?ref=<code>.
func BuildLink(baseURL, courseID, code string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", domain.NewCheckoutError(domain.ErrInternal, "invalid affiliate link base url", "INTERNAL_ERROR")
	}
	u = u.JoinPath("course", courseID)
	q := u.Query()
	q.Set("ref", code)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Deactivate stops the user's affiliate code from earning commission. The affiliate is kept.
func (s *Service) Deactivate(ctx context.Context, userID string) (*domain.Affiliate, error) {
	affiliate, err := s.repo.GetAffiliateByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewCheckoutError(domain.ErrNotFound, "user is not registered as an affiliate", "AFFILIATE_NOT_FOUND")
		}
		return nil, err
	}
	if affiliate.Status == domain.AffiliateStatusInactive {
		return affiliate, nil
	}
	if err := s.repo.UpdateAffiliateStatus(ctx, affiliate.AffiliateID, domain.AffiliateStatusInactive); err != nil {
		return nil, err
	}
	affiliate.Status = domain.AffiliateStatusInactive
	return affiliate, nil
}

// Attribution is a resolved affiliate credit for a sale.
type Attribution struct {
	AffiliateID string
	RatePercent decimal.Decimal
}

// CommissionRecord derives the commission row for an attributed sale.
func (a *Attribution) CommissionRecord(sale domain.Sale, now time.Time) *domain.AffiliateSale {
	if a == nil {
		return nil
	}
	return &domain.AffiliateSale{
		AffiliateSaleID:       uuid.NewString(),
		SaleID:                sale.SaleID,
		AffiliateID:           a.AffiliateID,
		CommissionAmount:      Commission(sale.Amount, a.RatePercent),
		CommissionRatePercent: ClampRate(a.RatePercent),
		Status:                domain.AffiliateSaleStatusPending,
		CreatedAt:             now,
	}
}

// Resolve attributes a sale of offer to the affiliate owning code.
//
// Resolution fails open: unknown or inactive codes, self-referrals and ledger
// errors all yield nil and never fail the purchase.
func (s *Service) Resolve(ctx context.Context, code string, offer *domain.CourseOffer) *Attribution {
	code = NormalizeCode(code)
	if code == "" || offer == nil {
		return nil
	}
	log := zerolog.Ctx(ctx).With().Str("affiliate_code", code).Str("course_id", offer.CourseID).Logger()

	affiliate, err := s.repo.GetAffiliateByCode(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			metrics.AffiliateAttributions.WithLabelValues("unknown").Inc()
			log.Warn().Msg("unknown affiliate code, continuing without attribution")
			return nil
		}
		metrics.AffiliateAttributions.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("affiliate lookup failed, continuing without attribution")
		return nil
	}
	if affiliate.Status != domain.AffiliateStatusActive {
		metrics.AffiliateAttributions.WithLabelValues("inactive").Inc()
		log.Warn().Str("affiliate_id", affiliate.AffiliateID).Msg("inactive affiliate code, continuing without attribution")
		return nil
	}
	if affiliate.UserID == offer.SellerID {
		metrics.AffiliateAttributions.WithLabelValues("self_referral").Inc()
		log.Info().Str("affiliate_id", affiliate.AffiliateID).Msg("self referral dropped")
		return nil
	}

	rate := affiliate.CommissionRatePercent
	if offer.AffiliateCommissionPercent != nil {
		rate = *offer.AffiliateCommissionPercent
	}
	metrics.AffiliateAttributions.WithLabelValues("attributed").Inc()
	return &Attribution{AffiliateID: affiliate.AffiliateID, RatePercent: ClampRate(rate)}
}
