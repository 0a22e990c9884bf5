package checkout

import (
	"context"
	"errors"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edumarket/edumarket-checkout/internal/domain"
	"github.com/edumarket/edumarket-checkout/internal/metrics"
)

const (
	codeReconciliationPending = "RECONCILIATION_PENDING"
	codeSettlementPending     = "SETTLEMENT_PENDING"
)

// commit writes the records of an approved payment.
//
// Transient storage failures are retried. A uniqueness conflict means the
// purchase was already recorded and the existing records are returned. When
// the records cannot be written at all the payment is queued for
// reconciliation and never dropped, and its attempt is held so the key cannot
// charge again.
func (s *Service) commit(ctx context.Context, c domain.PurchaseCommit) (*domain.CommitResult, error) {
	// The payment is already approved; a client disconnect must not abandon the write.
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "checkout.commit")
	defer span.End()
	log := zerolog.Ctx(ctx).With().Str("sale_id", c.Sale.SaleID).Str("payment_reference", c.Sale.PaymentReference).Logger()

	var result *domain.CommitResult
	err := retry.Do(
		func() error {
			r, err := s.store.CommitPurchase(ctx, c)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		retry.Attempts(s.opts.Commit.Attempts),
		retry.Delay(s.opts.Commit.Delay),
		retry.MaxDelay(s.opts.Commit.MaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, domain.ErrConflict)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("purchase commit failed, retrying")
		}),
	)

	switch {
	case err == nil:
		log.Info().
			Str("enrollment_id", result.Enrollment.EnrollmentID).
			Bool("attributed", result.AffiliateSale != nil).
			Msg("purchase committed")
		s.publish(ctx, approvedEvent(result))
		return result, nil

	case errors.Is(err, domain.ErrConflict):
		existing, lerr := s.existingPurchase(ctx, c)
		if lerr != nil {
			log.Error().Err(lerr).Msg("purchase conflict but existing records not found")
			return nil, s.failCommit(ctx, c, "conflict without existing records: "+lerr.Error())
		}
		if existing.Sale.PaymentReference != c.Sale.PaymentReference {
			// A second approved payment for an enrollment that already exists.
			s.reconcile(ctx, c, domain.ReconciliationDuplicateCharge, "enrollment "+existing.Enrollment.EnrollmentID+" already paid by sale "+existing.Sale.SaleID)
		}
		log.Info().Str("existing_sale_id", existing.Sale.SaleID).Msg("purchase already recorded, returning existing records")
		return existing, nil

	default:
		log.Error().Err(err).Msg("purchase commit failed after approved payment")
		return nil, s.failCommit(ctx, c, err.Error())
	}
}

// failCommit queues an approved payment whose records could not be written.
func (s *Service) failCommit(ctx context.Context, c domain.PurchaseCommit, detail string) error {
	s.hold(ctx, c, domain.AttemptStatusReconciling)
	s.reconcile(ctx, c, domain.ReconciliationCommitFailed, detail)
	return domain.NewCheckoutError(domain.ErrInternal,
		"payment approved but the purchase could not be recorded; it was queued for reconciliation",
		codeReconciliationPending)
}

// deferSettlement holds the attempt of a charge the provider has not settled
// yet. A retry of the same request confirms that charge instead of opening a new one.
func (s *Service) deferSettlement(ctx context.Context, c domain.PurchaseCommit) error {
	ctx = context.WithoutCancel(ctx)
	zerolog.Ctx(ctx).Warn().Str("payment_reference", c.Sale.PaymentReference).Msg("payment still pending, holding checkout attempt")
	s.hold(ctx, c, domain.AttemptStatusSettling)
	s.reconcile(ctx, c, domain.ReconciliationSettlementPending, "charge not settled when the buyer was answered")
	return settlementPending()
}

func settlementPending() error {
	e := domain.NewCheckoutError(domain.ErrConflict, "payment is still being confirmed; retry the same request", codeSettlementPending)
	e.Retryable = true
	return e
}

// hold binds the attempt of c to its charge. Storage failures are retried
// like the commit itself.
func (s *Service) hold(ctx context.Context, c domain.PurchaseCommit, status domain.AttemptStatus) {
	if c.AttemptKey == "" {
		return
	}
	err := retry.Do(
		func() error {
			return s.store.HoldAttempt(ctx, c.AttemptKey, status, c.Sale.PaymentReference, c.Sale.Amount)
		},
		retry.Attempts(s.opts.Commit.Attempts),
		retry.Delay(s.opts.Commit.Delay),
		retry.MaxDelay(s.opts.Commit.MaxDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrNotFound)
		}),
	)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("attempt_status", string(status)).
			Str("payment_reference", c.Sale.PaymentReference).
			Msg("failed to hold checkout attempt")
	}
}

// existingPurchase loads the records that won a uniqueness conflict against c.
func (s *Service) existingPurchase(ctx context.Context, c domain.PurchaseCommit) (*domain.CommitResult, error) {
	if c.Sale.SessionID != nil {
		sale, enrollment, err := s.store.FindSaleBySession(ctx, *c.Sale.SessionID)
		if err == nil && enrollment != nil {
			return &domain.CommitResult{Sale: *sale, Enrollment: *enrollment, Existing: true}, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	enrollment, sale, err := s.store.FindEnrollment(ctx, c.Enrollment.CourseID, c.Enrollment.BuyerID)
	if err != nil {
		return nil, err
	}
	return &domain.CommitResult{Sale: *sale, Enrollment: *enrollment, Existing: true}, nil
}

// reconcile queues an approved payment for manual follow-up.
func (s *Service) reconcile(ctx context.Context, c domain.PurchaseCommit, reason domain.ReconciliationReason, detail string) {
	rec := &domain.Reconciliation{
		ReconciliationID: uuid.NewString(),
		Reason:           reason,
		SaleID:           c.Sale.SaleID,
		CourseID:         c.Sale.CourseID,
		BuyerID:          c.Sale.BuyerID,
		PaymentMethod:    c.Sale.PaymentMethod,
		PaymentReference: c.Sale.PaymentReference,
		Amount:           c.Sale.Amount,
		Detail:           detail,
		CreatedAt:        s.opts.Now().UTC(),
	}
	metrics.Reconciliations.WithLabelValues(string(reason)).Inc()

	log := zerolog.Ctx(ctx).With().
		Str("reconciliation_id", rec.ReconciliationID).
		Str("reason", string(reason)).
		Str("payment_reference", rec.PaymentReference).
		Logger()
	if err := s.store.RecordReconciliation(ctx, rec); err != nil {
		// The event and this log line are the remaining trail.
		log.Error().Err(err).Str("amount", rec.Amount.StringFixed(2)).Msg("failed to record reconciliation")
	} else {
		log.Warn().Msg("payment queued for reconciliation")
	}

	s.publish(ctx, domain.CheckoutEvent{
		Type:             domain.EventReconciliationRequired,
		SaleID:           rec.SaleID,
		CourseID:         rec.CourseID,
		BuyerID:          rec.BuyerID,
		SellerID:         c.Sale.SellerID,
		Amount:           rec.Amount.StringFixed(2),
		PaymentMethod:    string(rec.PaymentMethod),
		PaymentReference: rec.PaymentReference,
		Reason:           string(reason),
		OccurredAt:       rec.CreatedAt,
	})
}

func approvedEvent(r *domain.CommitResult) domain.CheckoutEvent {
	ev := domain.CheckoutEvent{
		Type:             domain.EventSaleApproved,
		SaleID:           r.Sale.SaleID,
		EnrollmentID:     r.Enrollment.EnrollmentID,
		CourseID:         r.Sale.CourseID,
		BuyerID:          r.Sale.BuyerID,
		SellerID:         r.Sale.SellerID,
		Amount:           r.Sale.Amount.StringFixed(2),
		PaymentMethod:    string(r.Sale.PaymentMethod),
		PaymentReference: r.Sale.PaymentReference,
		OccurredAt:       r.Sale.CreatedAt,
	}
	if r.AffiliateSale != nil {
		ev.AffiliateID = r.AffiliateSale.AffiliateID
		ev.CommissionAmount = r.AffiliateSale.CommissionAmount.StringFixed(2)
	}
	return ev
}

// publish emits an event. Delivery failures are logged and never fail the checkout.
func (s *Service) publish(ctx context.Context, ev domain.CheckoutEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("event_type", ev.Type).Msg("failed to publish checkout event")
	}
}
