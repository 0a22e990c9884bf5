// Package payment implements the payment strategies used by the checkout:
// a direct card/PIX charge and a hosted payment session.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/edumarket/edumarket-checkout/internal/domain"
	"github.com/edumarket/edumarket-checkout/internal/metrics"
)

var tracer = otel.Tracer("github.com/edumarket/edumarket-checkout/internal/payment")

// HostedProvider is an external payment page provider.
type HostedProvider interface {
	CreateSession(ctx context.Context, req domain.HostedSessionRequest) (*domain.HostedSession, error)
	SessionState(ctx context.Context, session domain.PaymentSession) (*domain.HostedSessionState, error)
}

// Gateway dispatches to the strategy matching the payment method.
// It implements domain.PaymentGateway.
type Gateway struct {
	direct *Direct
	hosted HostedProvider
	now    func() time.Time
}

// NewGateway creates a gateway over the direct strategy and a hosted provider.
func NewGateway(direct *Direct, hosted HostedProvider, now func() time.Time) *Gateway {
	if now == nil {
		now = time.Now
	}
	return &Gateway{direct: direct, hosted: hosted, now: now}
}

// Charge implements domain.PaymentGateway.
func (g *Gateway) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if req.Method == domain.PaymentMethodHostedSession {
		return nil, domain.NewValidationError("hosted session payments start at create-checkout-session",
			domain.FieldError{Field: "paymentMethod", Message: "has an unsupported value"})
	}

	ctx, span := tracer.Start(ctx, "payment.charge")
	span.SetAttributes(attribute.String("payment.method", string(req.Method)))
	defer span.End()

	start := time.Now()
	res, err := g.direct.Charge(ctx, req)
	err = classify(ctx, "charge", err)
	observe("charge", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.reference", res.Reference))
	return res, nil
}

// ConfirmCharge implements domain.PaymentGateway.
func (g *Gateway) ConfirmCharge(ctx context.Context, reference string) (*domain.ChargeResult, error) {
	ctx, span := tracer.Start(ctx, "payment.confirm")
	span.SetAttributes(attribute.String("payment.reference", reference))
	defer span.End()

	start := time.Now()
	res, err := g.direct.Confirm(ctx, reference)
	err = classify(ctx, "confirm", err)
	observe("confirm", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.status", res.Status))
	return res, nil
}

// CreateSession implements domain.PaymentGateway.
func (g *Gateway) CreateSession(ctx context.Context, req domain.HostedSessionRequest) (*domain.HostedSession, error) {
	ctx, span := tracer.Start(ctx, "payment.create_session")
	span.SetAttributes(attribute.String("checkout.session_id", req.SessionID))
	defer span.End()

	start := time.Now()
	hs, err := g.hosted.CreateSession(ctx, req)
	err = classify(ctx, "create_session", err)
	observe("create_session", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return hs, nil
}

// ResolveSession implements domain.PaymentGateway. A session past its expiry
// that the provider still reports as open is expired.
func (g *Gateway) ResolveSession(ctx context.Context, session domain.PaymentSession) (*domain.HostedSessionState, error) {
	if session.Status == domain.SessionStatusExpired {
		return &domain.HostedSessionState{Status: domain.SessionStatusExpired}, nil
	}

	ctx, span := tracer.Start(ctx, "payment.resolve_session")
	span.SetAttributes(attribute.String("checkout.session_id", session.SessionID))
	defer span.End()

	start := time.Now()
	state, err := g.hosted.SessionState(ctx, session)
	err = classify(ctx, "resolve_session", err)
	observe("resolve_session", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if state.Status == domain.SessionStatusOpen && session.Expired(g.now()) {
		state.Status = domain.SessionStatusExpired
	}
	span.SetAttributes(attribute.String("checkout.session_status", string(state.Status)))
	return state, nil
}

// classify keeps typed errors and turns everything else into a gateway outage.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var cerr *domain.CheckoutError
	if errors.As(err, &cerr) {
		return err
	}
	zerolog.Ctx(ctx).Error().Err(err).Str("operation", op).Msg("payment provider call failed")
	return domain.NewCheckoutError(domain.ErrGatewayUnavailable, "payment provider unavailable", "GATEWAY_UNAVAILABLE")
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPaymentDeclined):
		outcome = "declined"
	case errors.Is(err, domain.ErrValidation):
		outcome = "invalid"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		outcome = "unavailable"
	default:
		outcome = "error"
	}
	metrics.GatewayCalls.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}
