// Package checkout orchestrates course purchases: validation, idempotency,
// price and affiliate resolution, payment and the atomic commit of the
// resulting Sale, Enrollment and commission.
package checkout

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/edumarket/edumarket-checkout/internal/affiliate"
	"github.com/edumarket/edumarket-checkout/internal/domain"
	"github.com/edumarket/edumarket-checkout/internal/metrics"
)

var tracer = otel.Tracer("github.com/edumarket/edumarket-checkout/internal/checkout")

// RetryPolicy bounds a retry loop.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// Options tunes the checkout service.
type Options struct {
	// AttemptTTL is how long a pending idempotency reservation blocks its key.
	AttemptTTL time.Duration
	// CacheTTL is how long finished attempts stay in the idempotency cache.
	CacheTTL time.Duration
	// SessionTTL is how long a hosted session can be paid.
	SessionTTL time.Duration
	// Commit retries transient storage failures after an approved payment.
	Commit RetryPolicy
	// InFlightWait bounds how long a duplicate request waits for the original.
	InFlightWait RetryPolicy
	Now          func() time.Time
}

func (o *Options) defaults() {
	if o.AttemptTTL == 0 {
		o.AttemptTTL = 2 * time.Minute
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = 24 * time.Hour
	}
	if o.SessionTTL == 0 {
		o.SessionTTL = 30 * time.Minute
	}
	if o.Commit.Attempts == 0 {
		o.Commit = RetryPolicy{Attempts: 5, Delay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	if o.InFlightWait.Attempts == 0 {
		o.InFlightWait = RetryPolicy{Attempts: 20, Delay: 250 * time.Millisecond}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service is the checkout orchestrator.
type Service struct {
	catalog    domain.CatalogLookup
	store      domain.Store
	gateway    domain.PaymentGateway
	affiliates *affiliate.Service
	cache      domain.AttemptCache
	events     domain.EventPublisher
	opts       Options

	polls singleflight.Group
}

// NewService creates a new checkout service. cache may be nil.
func NewService(
	catalog domain.CatalogLookup,
	store domain.Store,
	gateway domain.PaymentGateway,
	affiliates *affiliate.Service,
	cache domain.AttemptCache,
	events domain.EventPublisher,
	opts Options,
) *Service {
	opts.defaults()
	return &Service{
		catalog:    catalog,
		store:      store,
		gateway:    gateway,
		affiliates: affiliates,
		cache:      cache,
		events:     events,
		opts:       opts,
	}
}

// Result identifies the records of a completed purchase.
type Result struct {
	SaleID       string
	EnrollmentID string
	// Replayed is set when the purchase had already been completed.
	Replayed bool
}

// Offer is the checkout view of a course.
type Offer struct {
	domain.CourseOffer
	Available bool
}

// GetCourseOffer returns the current price and availability of a course.
func (s *Service) GetCourseOffer(ctx context.Context, courseID string) (*Offer, error) {
	if strings.TrimSpace(courseID) == "" {
		return nil, domain.NewValidationError("course is required", domain.FieldError{Field: "courseId", Message: "is required"})
	}
	offer, err := s.catalog.GetCourseOffer(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return &Offer{CourseOffer: *offer, Available: offer.Purchasable()}, nil
}

// ProcessCheckout charges the buyer for a course and commits the purchase.
// Retried and concurrent submissions of the same purchase return the same records.
func (s *Service) ProcessCheckout(ctx context.Context, req domain.PurchaseRequest) (*Result, error) {
	ctx, span := tracer.Start(ctx, "checkout.process")
	span.SetAttributes(
		attribute.String("checkout.course_id", req.CourseID),
		attribute.String("checkout.payment_method", string(req.PaymentMethod)),
	)
	defer span.End()

	start := time.Now()
	res, err := s.processCheckout(ctx, req)

	metrics.CheckoutDuration.WithLabelValues(string(req.PaymentMethod)).Observe(time.Since(start).Seconds())
	metrics.CheckoutRequests.WithLabelValues(string(req.PaymentMethod), outcome(res, err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("checkout.sale_id", res.SaleID), attribute.Bool("checkout.replayed", res.Replayed))
	return res, nil
}

func (s *Service) processCheckout(ctx context.Context, req domain.PurchaseRequest) (*Result, error) {
	if err := validatePurchase(req); err != nil {
		return nil, err
	}
	idem := idempotencyFor(req)
	log := zerolog.Ctx(ctx).With().
		Str("course_id", req.CourseID).
		Str("buyer_id", req.BuyerID).
		Str("idempotency_key", idem.key).
		Logger()
	ctx = log.WithContext(ctx)

	if res := s.cachedReplay(ctx, idem); res != nil {
		return res, nil
	}

	for try := 0; ; try++ {
		held, reserved, err := s.store.ReserveAttempt(ctx, idem.key, idem.hash, s.opts.Now().UTC(), s.opts.AttemptTTL)
		if err != nil {
			return nil, err
		}
		if reserved {
			break
		}
		res, err := s.replay(ctx, req, idem, held)
		if errors.Is(err, errAttemptReleased) {
			if try == 0 {
				continue
			}
			e := domain.NewCheckoutError(domain.ErrConflict, "checkout already in progress", "CHECKOUT_IN_PROGRESS")
			e.Retryable = true
			return nil, e
		}
		return res, err
	}

	res, err := s.purchase(ctx, req, idem)
	if err != nil {
		s.settle(ctx, idem, err)
		return nil, err
	}
	return res, nil
}

// purchase runs a reserved checkout. Errors returned before the payment is
// approved leave nothing committed.
func (s *Service) purchase(ctx context.Context, req domain.PurchaseRequest, idem idempotency) (*Result, error) {
	log := zerolog.Ctx(ctx)

	enrollment, sale, err := s.store.FindEnrollment(ctx, req.CourseID, req.BuyerID)
	switch {
	case err == nil:
		log.Info().Str("enrollment_id", enrollment.EnrollmentID).Msg("buyer already enrolled, returning existing enrollment")
		s.completeAttempt(ctx, idem, sale.SaleID, enrollment.EnrollmentID)
		return &Result{SaleID: sale.SaleID, EnrollmentID: enrollment.EnrollmentID, Replayed: true}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	offer, err := s.catalog.GetCourseOffer(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}
	if !offer.Purchasable() {
		return nil, domain.NewValidationError("course is not available for purchase",
			domain.FieldError{Field: "courseId", Message: "is not published"})
	}

	attribution := s.affiliates.Resolve(ctx, req.AffiliateCode, offer)

	charge, err := s.gateway.Charge(ctx, domain.ChargeRequest{
		Amount:     offer.Price,
		Method:     req.PaymentMethod,
		Data:       req.PaymentData,
		Reference:  idem.key,
		BuyerEmail: req.BuyerEmail,
	})
	if err != nil {
		log.Warn().Err(err).Msg("payment not approved")
		return nil, err
	}

	commit := s.attemptCommit(idem, req, offer, charge.Reference, attribution)
	switch {
	case charge.Pending:
		return nil, s.deferSettlement(ctx, commit)
	case !charge.Approved:
		return nil, domain.NewCheckoutError(domain.ErrPaymentDeclined, "payment declined", "PAYMENT_DECLINED")
	}
	return s.record(ctx, idem, commit)
}

// resumeSettlement confirms the charge a settling attempt is bound to and
// commits it once approved. No new charge is ever opened for the key.
func (s *Service) resumeSettlement(ctx context.Context, req domain.PurchaseRequest, idem idempotency, held *domain.CheckoutAttempt) (*Result, error) {
	log := zerolog.Ctx(ctx).With().Str("payment_reference", held.PaymentReference).Logger()

	charge, err := s.gateway.ConfirmCharge(ctx, held.PaymentReference)
	switch {
	case errors.Is(err, domain.ErrPaymentDeclined):
		log.Info().Msg("pending payment was declined")
		s.settle(ctx, idem, err)
		return nil, err
	case err != nil:
		return nil, err
	case charge.Pending:
		return nil, settlementPending()
	case !charge.Approved:
		return nil, domain.NewCheckoutError(domain.ErrPaymentDeclined, "payment declined", "PAYMENT_DECLINED")
	}

	offer, err := s.catalog.GetCourseOffer(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}
	// The buyer pays what was charged, whatever the catalog says now.
	charged := *offer
	charged.Price = held.Amount
	attribution := s.affiliates.Resolve(ctx, req.AffiliateCode, &charged)

	log.Info().Msg("pending payment settled, recording purchase")
	return s.record(ctx, idem, s.attemptCommit(idem, req, &charged, charge.Reference, attribution))
}

// attemptCommit builds the records of a charge made under idem.
func (s *Service) attemptCommit(idem idempotency, req domain.PurchaseRequest, offer *domain.CourseOffer, reference string, attribution *affiliate.Attribution) domain.PurchaseCommit {
	key := idem.key
	c := s.newCommit(offer, req.BuyerID, req.PaymentMethod, reference, attribution)
	c.Sale.IdempotencyKey = &key
	c.AttemptKey = idem.key
	return c
}

// record commits an approved charge and finishes its attempt.
func (s *Service) record(ctx context.Context, idem idempotency, c domain.PurchaseCommit) (*Result, error) {
	result, err := s.commit(ctx, c)
	if err != nil {
		return nil, err
	}
	if result.Existing {
		s.completeAttempt(ctx, idem, result.Sale.SaleID, result.Enrollment.EnrollmentID)
	} else {
		s.cacheAttempt(ctx, &domain.CheckoutAttempt{
			IdempotencyKey: idem.key,
			RequestHash:    idem.hash,
			Status:         domain.AttemptStatusSucceeded,
			SaleID:         result.Sale.SaleID,
			EnrollmentID:   result.Enrollment.EnrollmentID,
		})
	}
	return &Result{SaleID: result.Sale.SaleID, EnrollmentID: result.Enrollment.EnrollmentID, Replayed: result.Existing}, nil
}

// newCommit builds the records of an approved payment for offer.
func (s *Service) newCommit(offer *domain.CourseOffer, buyerID string, method domain.PaymentMethod, reference string, attribution *affiliate.Attribution) domain.PurchaseCommit {
	now := s.opts.Now().UTC()
	sale := domain.Sale{
		SaleID:           uuid.NewString(),
		CourseID:         offer.CourseID,
		BuyerID:          buyerID,
		SellerID:         offer.SellerID,
		Amount:           offer.Price,
		PaymentMethod:    method,
		PaymentReference: reference,
		Status:           domain.SaleStatusApproved,
		CreatedAt:        now,
	}
	if attribution != nil {
		id := attribution.AffiliateID
		sale.AffiliateID = &id
	}
	return domain.PurchaseCommit{
		Sale: sale,
		Enrollment: domain.Enrollment{
			EnrollmentID: uuid.NewString(),
			CourseID:     offer.CourseID,
			BuyerID:      buyerID,
			SaleID:       sale.SaleID,
			Progress:     0,
			EnrolledAt:   now,
		},
		AffiliateSale: attribution.CommissionRecord(sale, now),
	}
}

func (s *Service) completeAttempt(ctx context.Context, idem idempotency, saleID, enrollmentID string) {
	at := &domain.CheckoutAttempt{
		IdempotencyKey: idem.key,
		RequestHash:    idem.hash,
		Status:         domain.AttemptStatusSucceeded,
		SaleID:         saleID,
		EnrollmentID:   enrollmentID,
	}
	if err := s.store.CompleteAttempt(context.WithoutCancel(ctx), idem.key, saleID, enrollmentID); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to complete checkout attempt")
		return
	}
	s.cacheAttempt(ctx, at)
}

func validatePurchase(req domain.PurchaseRequest) error {
	var fields []domain.FieldError
	if strings.TrimSpace(req.CourseID) == "" {
		fields = append(fields, domain.FieldError{Field: "courseId", Message: "is required"})
	}
	if strings.TrimSpace(req.BuyerID) == "" {
		fields = append(fields, domain.FieldError{Field: "buyerId", Message: "is required"})
	}
	switch req.PaymentMethod {
	case domain.PaymentMethodCard:
		if req.PaymentData.Card == nil {
			fields = append(fields, domain.FieldError{Field: "paymentData", Message: "is required for card payments"})
		}
	case domain.PaymentMethodPix:
	case domain.PaymentMethodHostedSession:
		fields = append(fields, domain.FieldError{Field: "paymentMethod", Message: "hosted payments start at create-checkout-session"})
	case "":
		fields = append(fields, domain.FieldError{Field: "paymentMethod", Message: "is required"})
	default:
		fields = append(fields, domain.FieldError{Field: "paymentMethod", Message: "has an unsupported value"})
	}
	if len(fields) > 0 {
		return domain.NewValidationError("invalid checkout request", fields...)
	}
	return nil
}

func outcome(res *Result, err error) string {
	switch {
	case err == nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "approved"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrPaymentDeclined):
		return "declined"
	case errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, domain.ErrCatalogUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	}
	return "error"
}
