package checkout

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/edumarket/edumarket-checkout/internal/affiliate"
	"github.com/edumarket/edumarket-checkout/internal/domain"
	"github.com/edumarket/edumarket-checkout/internal/metrics"
)

// SessionRequest opens a hosted payment session.
type SessionRequest struct {
	CourseID      string
	BuyerID       string
	BuyerEmail    string
	AffiliateCode string
}

// SessionResult is what the client needs to reach the hosted payment page.
type SessionResult struct {
	SessionID    string
	ClientSecret string
	RedirectURL  string
}

// SessionStatus is the reconciled state of a hosted session.
type SessionStatus struct {
	Status        domain.SessionStatus
	CustomerEmail string
	SaleID        string
	EnrollmentID  string
}

// CreateCheckoutSession opens a hosted payment session priced from the catalog.
func (s *Service) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*SessionResult, error) {
	ctx, span := tracer.Start(ctx, "checkout.create_session")
	span.SetAttributes(attribute.String("checkout.course_id", req.CourseID))
	defer span.End()

	res, err := s.createCheckoutSession(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (s *Service) createCheckoutSession(ctx context.Context, req SessionRequest) (*SessionResult, error) {
	var fields []domain.FieldError
	if strings.TrimSpace(req.CourseID) == "" {
		fields = append(fields, domain.FieldError{Field: "courseId", Message: "is required"})
	}
	if strings.TrimSpace(req.BuyerID) == "" {
		fields = append(fields, domain.FieldError{Field: "buyerId", Message: "is required"})
	}
	if len(fields) > 0 {
		return nil, domain.NewValidationError("invalid checkout session request", fields...)
	}

	if enrollment, _, err := s.store.FindEnrollment(ctx, req.CourseID, req.BuyerID); err == nil {
		return nil, &domain.CheckoutError{
			Err:     domain.ErrConflict,
			Message: "buyer is already enrolled in this course (enrollment " + enrollment.EnrollmentID + ")",
			Code:    "ALREADY_ENROLLED",
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
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

	now := s.opts.Now().UTC()
	session := &domain.PaymentSession{
		SessionID:     "cs_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		CourseID:      offer.CourseID,
		BuyerID:       req.BuyerID,
		BuyerEmail:    req.BuyerEmail,
		AffiliateCode: affiliate.NormalizeCode(req.AffiliateCode),
		Amount:        offer.Price,
		Status:        domain.SessionStatusOpen,
		ExpiresAt:     now.Add(s.opts.SessionTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	hosted, err := s.gateway.CreateSession(ctx, domain.HostedSessionRequest{
		SessionID:  session.SessionID,
		CourseID:   offer.CourseID,
		Title:      offer.Title,
		BuyerID:    req.BuyerID,
		BuyerEmail: req.BuyerEmail,
		Amount:     offer.Price,
		ExpiresAt:  session.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	session.ClientSecret = hosted.ClientSecret
	session.ProviderReference = hosted.ProviderReference
	session.RedirectURL = hosted.RedirectURL

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("session_id", session.SessionID).
		Str("course_id", session.CourseID).
		Str("provider_reference", session.ProviderReference).
		Msg("checkout session created")

	return &SessionResult{
		SessionID:    session.SessionID,
		ClientSecret: session.ClientSecret,
		RedirectURL:  session.RedirectURL,
	}, nil
}

// ResolveSession reconciles a hosted session with the provider. The first
// call that observes it complete commits the purchase; later calls return
// the same records. Concurrent polls of one session share a single resolution.
func (s *Service) ResolveSession(ctx context.Context, sessionID string) (*SessionStatus, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, domain.NewValidationError("session_id is required", domain.FieldError{Field: "session_id", Message: "is required"})
	}
	ctx, span := tracer.Start(ctx, "checkout.resolve_session")
	span.SetAttributes(attribute.String("checkout.session_id", sessionID))
	defer span.End()

	v, err, shared := s.polls.Do(sessionID, func() (any, error) {
		return s.resolveSession(context.WithoutCancel(ctx), sessionID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	st := *v.(*SessionStatus)
	span.SetAttributes(attribute.String("checkout.session_status", string(st.Status)), attribute.Bool("checkout.shared", shared))
	metrics.SessionResolutions.WithLabelValues(string(st.Status)).Inc()
	return &st, nil
}

func (s *Service) resolveSession(ctx context.Context, sessionID string) (*SessionStatus, error) {
	log := zerolog.Ctx(ctx).With().Str("session_id", sessionID).Logger()
	ctx = log.WithContext(ctx)

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// A sale already referencing the session means it was resolved before.
	sale, enrollment, err := s.store.FindSaleBySession(ctx, sessionID)
	switch {
	case err == nil:
		st := &SessionStatus{Status: domain.SessionStatusComplete, CustomerEmail: session.CustomerEmail, SaleID: sale.SaleID}
		if enrollment != nil {
			st.EnrollmentID = enrollment.EnrollmentID
		}
		return st, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	switch session.Status {
	case domain.SessionStatusExpired:
		return &SessionStatus{Status: domain.SessionStatusExpired}, nil
	case domain.SessionStatusComplete:
		// Paid, but the enrollment came from another purchase of the same course.
		enrollment, sale, err := s.store.FindEnrollment(ctx, session.CourseID, session.BuyerID)
		if err != nil {
			return nil, err
		}
		return &SessionStatus{
			Status:        domain.SessionStatusComplete,
			CustomerEmail: session.CustomerEmail,
			SaleID:        sale.SaleID,
			EnrollmentID:  enrollment.EnrollmentID,
		}, nil
	}

	state, err := s.gateway.ResolveSession(ctx, *session)
	if err != nil {
		return nil, err
	}

	switch state.Status {
	case domain.SessionStatusOpen:
		return &SessionStatus{Status: domain.SessionStatusOpen}, nil
	case domain.SessionStatusComplete:
		return s.completeSession(ctx, session, state)
	default:
		if err := s.store.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusExpired, ""); err != nil {
			return nil, err
		}
		log.Info().Str("provider_status", string(state.Status)).Msg("checkout session expired")
		return &SessionStatus{Status: domain.SessionStatusExpired}, nil
	}
}

// completeSession commits the purchase paid through a hosted session.
func (s *Service) completeSession(ctx context.Context, session *domain.PaymentSession, state *domain.HostedSessionState) (*SessionStatus, error) {
	log := zerolog.Ctx(ctx)

	offer, err := s.catalog.GetCourseOffer(ctx, session.CourseID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		// The course was removed after payment; the buyer still gets what they paid for.
		log.Warn().Str("course_id", session.CourseID).Msg("course missing at session completion, committing without attribution")
		offer = &domain.CourseOffer{CourseID: session.CourseID}
	default:
		return nil, err
	}
	// The buyer paid the amount fixed when the session opened.
	paid := *offer
	paid.Price = session.Amount

	var attribution *affiliate.Attribution
	if offer.SellerID != "" {
		attribution = s.affiliates.Resolve(ctx, session.AffiliateCode, &paid)
	}

	reference := state.PaymentReference
	if reference == "" {
		reference = session.ProviderReference
	}
	commit := s.newCommit(&paid, session.BuyerID, domain.PaymentMethodHostedSession, reference, attribution)
	sessionID := session.SessionID
	commit.Sale.SessionID = &sessionID

	result, err := s.commit(ctx, commit)
	if err != nil {
		return nil, err
	}

	email := state.CustomerEmail
	if email == "" {
		email = session.BuyerEmail
	}
	if err := s.store.UpdateSessionStatus(ctx, session.SessionID, domain.SessionStatusComplete, email); err != nil {
		log.Error().Err(err).Msg("failed to mark checkout session complete")
	}
	return &SessionStatus{
		Status:        domain.SessionStatusComplete,
		CustomerEmail: email,
		SaleID:        result.Sale.SaleID,
		EnrollmentID:  result.Enrollment.EnrollmentID,
	}, nil
}
