package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/edumarket/edumarket-checkout/internal/affiliate"
	"github.com/edumarket/edumarket-checkout/internal/domain"
	"github.com/edumarket/edumarket-checkout/internal/validation"
)

// idempotency identifies one logical checkout.
type idempotency struct {
	key  string
	hash string
	// explicit is set when the client supplied the key.
	explicit bool
}

// idempotencyFor derives the key and request hash of req. Without a client
// key the pair (buyer, course) is the key, since a buyer can own a course once.
func idempotencyFor(req domain.PurchaseRequest) idempotency {
	if req.IdempotencyKey == "" {
		return idempotency{
			key:  "auto:" + req.BuyerID + ":" + req.CourseID,
			hash: digest(req.BuyerID, req.CourseID),
		}
	}

	// Card secrets stay out of the hash; the last four digits are enough to tell two cards apart.
	var card string
	if c := req.PaymentData.Card; c != nil {
		n := validation.StripCardNumber(c.Number)
		if len(n) > 4 {
			n = n[len(n)-4:]
		}
		card = n + "|" + c.Expiry
	}
	return idempotency{
		key: "client:" + req.BuyerID + ":" + req.IdempotencyKey,
		hash: digest(
			req.BuyerID,
			req.CourseID,
			string(req.PaymentMethod),
			affiliate.NormalizeCode(req.AffiliateCode),
			card,
			req.PaymentData.PayerDocument,
		),
		explicit: true,
	}
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

var (
	errAttemptPending  = errors.New("checkout attempt still pending")
	errAttemptReleased = errors.New("checkout attempt released")
)

// replay answers a request whose key is already held by another attempt.
// A pending attempt is awaited for a bounded time before reporting a conflict.
// A settling attempt is resumed; a reconciling one is never charged again.
func (s *Service) replay(ctx context.Context, req domain.PurchaseRequest, idem idempotency, held *domain.CheckoutAttempt) (*Result, error) {
	if held.RequestHash != idem.hash {
		return nil, &domain.CheckoutError{
			Err:     domain.ErrValidation,
			Message: "idempotency key was already used for a different request",
			Code:    "IDEMPOTENCY_KEY_REUSED",
			Fields:  []domain.FieldError{{Field: "Idempotency-Key", Message: "was used for a different request"}},
		}
	}

	if held.Status == domain.AttemptStatusPending {
		err := retry.Do(
			func() error {
				at, err := s.store.GetAttempt(ctx, idem.key)
				if err != nil {
					return err
				}
				held = at
				if at.Status == domain.AttemptStatusPending {
					return errAttemptPending
				}
				return nil
			},
			retry.Attempts(s.opts.InFlightWait.Attempts),
			retry.Delay(s.opts.InFlightWait.Delay),
			retry.DelayType(retry.FixedDelay),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool { return errors.Is(err, errAttemptPending) }),
		)
		switch {
		case errors.Is(err, errAttemptPending):
			e := domain.NewCheckoutError(domain.ErrConflict, "checkout already in progress", "CHECKOUT_IN_PROGRESS")
			e.Retryable = true
			return nil, e
		case errors.Is(err, domain.ErrNotFound):
			// The holder stopped early and released the key.
			return nil, errAttemptReleased
		case err != nil:
			return nil, err
		}
	}

	switch held.Status {
	case domain.AttemptStatusSucceeded:
		s.cacheAttempt(ctx, held)
		return &Result{SaleID: held.SaleID, EnrollmentID: held.EnrollmentID, Replayed: true}, nil
	case domain.AttemptStatusDeclined:
		msg := "payment declined"
		if held.FailureReason != "" {
			msg = held.FailureReason
		}
		return nil, domain.NewCheckoutError(domain.ErrPaymentDeclined, msg, "PAYMENT_DECLINED")
	case domain.AttemptStatusSettling:
		return s.resumeSettlement(ctx, req, idem, held)
	case domain.AttemptStatusReconciling:
		return nil, domain.NewCheckoutError(domain.ErrConflict,
			"payment approved and queued for reconciliation; it will not be charged again", codeReconciliationPending)
	}
	return nil, domain.NewCheckoutError(domain.ErrInternal, "unknown checkout attempt state", "INTERNAL_ERROR")
}

// cachedReplay serves a finished attempt from the cache. Cache failures fall through to the store.
func (s *Service) cachedReplay(ctx context.Context, idem idempotency) *Result {
	if s.cache == nil {
		return nil
	}
	at, err := s.cache.GetAttempt(ctx, idem.key)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("idempotency cache read failed")
		return nil
	}
	if at == nil || at.Status != domain.AttemptStatusSucceeded || at.RequestHash != idem.hash {
		return nil
	}
	return &Result{SaleID: at.SaleID, EnrollmentID: at.EnrollmentID, Replayed: true}
}

func (s *Service) cacheAttempt(ctx context.Context, at *domain.CheckoutAttempt) {
	if s.cache == nil || at == nil {
		return
	}
	if err := s.cache.PutAttempt(ctx, at, s.opts.CacheTTL); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("idempotency cache write failed")
	}
}

// settle records the outcome of a reserved attempt when processing stops early.
func (s *Service) settle(ctx context.Context, idem idempotency, err error) {
	ctx = context.WithoutCancel(ctx)
	log := zerolog.Ctx(ctx)
	var cerr *domain.CheckoutError
	if errors.As(err, &cerr) && (cerr.Code == codeReconciliationPending || cerr.Code == codeSettlementPending) {
		// The attempt is already bound to its charge.
		return
	}
	if idem.explicit && errors.Is(err, domain.ErrPaymentDeclined) {
		msg := "payment declined"
		if cerr != nil && cerr.Message != "" {
			msg = cerr.Message
		}
		if derr := s.store.DeclineAttempt(ctx, idem.key, msg); derr != nil {
			log.Error().Err(derr).Msg("failed to record declined attempt")
		}
		return
	}
	if rerr := s.store.ReleaseAttempt(ctx, idem.key); rerr != nil {
		log.Error().Err(rerr).Msg("failed to release checkout attempt")
	}
}
