package payment

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/edumarket/edumarket-checkout/internal/domain"
	"github.com/edumarket/edumarket-checkout/internal/validation"
)

// SettlementStatus is the processor's verdict on a charge.
type SettlementStatus string

const (
	SettlementApproved SettlementStatus = "approved"
	SettlementDeclined SettlementStatus = "declined"
	SettlementPending  SettlementStatus = "pending"
)

// SettlementRequest is what the direct strategy sends to the processor.
type SettlementRequest struct {
	Amount    decimal.Decimal
	Method    domain.PaymentMethod
	Card      *domain.CardData // number stripped of separators
	Document  string
	Reference string
}

// Settlement is the processor's answer.
type Settlement struct {
	Status    SettlementStatus
	Reference string
	Reason    string
}

// Settler settles direct charges. Transport failures are returned as errors.
type Settler interface {
	Settle(ctx context.Context, req SettlementRequest) (*Settlement, error)
	// Confirm re-reads a pending settlement.
	Confirm(ctx context.Context, reference string) (*Settlement, error)
}

// ConfirmPolicy bounds how long a pending settlement is polled.
type ConfirmPolicy struct {
	Attempts uint
	Delay    time.Duration
}

// Direct is the card and PIX strategy.
type Direct struct {
	settler  Settler
	validate *validator.Validate
	confirm  ConfirmPolicy
}

// NewDirect creates the direct strategy. now drives card expiry checks.
func NewDirect(settler Settler, confirm ConfirmPolicy, now func() time.Time) *Direct {
	if now == nil {
		now = time.Now
	}
	if confirm.Attempts == 0 {
		confirm.Attempts = 5
	}
	return &Direct{
		settler:  settler,
		validate: validation.New(now),
		confirm:  confirm,
	}
}

var errStillPending = errors.New("settlement still pending")

// Charge validates the payment data and settles amount.
// Card data is fully validated before the processor is contacted.
func (d *Direct) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	sreq := SettlementRequest{
		Amount:    req.Amount,
		Method:    req.Method,
		Document:  req.Data.PayerDocument,
		Reference: req.Reference,
	}

	switch req.Method {
	case domain.PaymentMethodCard:
		card := req.Data.Card
		if card == nil {
			return nil, domain.NewValidationError("card data is required",
				domain.FieldError{Field: "paymentData", Message: "is required"})
		}
		if err := d.validate.Struct(card); err != nil {
			return nil, domain.NewValidationError("invalid card data", validation.FieldErrors(err, "paymentData.")...)
		}
		stripped := *card
		stripped.Number = validation.StripCardNumber(card.Number)
		sreq.Card = &stripped
	case domain.PaymentMethodPix:
	default:
		return nil, domain.NewValidationError("unsupported payment method",
			domain.FieldError{Field: "paymentMethod", Message: "has an unsupported value"})
	}

	settlement, err := d.settler.Settle(ctx, sreq)
	if err != nil {
		return nil, err
	}
	if settlement.Status == SettlementPending {
		settlement, err = d.awaitSettlement(ctx, settlement.Reference)
		if err != nil {
			return nil, err
		}
	}
	return chargeResult(settlement)
}

// Confirm re-reads a charge that Charge reported as pending.
func (d *Direct) Confirm(ctx context.Context, reference string) (*domain.ChargeResult, error) {
	settlement, err := d.awaitSettlement(ctx, reference)
	if err != nil {
		return nil, err
	}
	return chargeResult(settlement)
}

// chargeResult maps a settlement to the checkout's view of it. A pending
// settlement keeps its reference so the charge can be confirmed later.
func chargeResult(settlement *Settlement) (*domain.ChargeResult, error) {
	switch settlement.Status {
	case SettlementApproved:
		return &domain.ChargeResult{Approved: true, Reference: settlement.Reference, Status: string(settlement.Status)}, nil
	case SettlementPending:
		return &domain.ChargeResult{Pending: true, Reference: settlement.Reference, Status: string(settlement.Status)}, nil
	case SettlementDeclined:
		e := domain.NewCheckoutError(domain.ErrPaymentDeclined, "payment declined", "PAYMENT_DECLINED")
		if settlement.Reason != "" {
			e.Message = "payment declined: " + settlement.Reason
		}
		return nil, e
	default:
		return nil, domain.NewCheckoutError(domain.ErrGatewayUnavailable, "payment did not settle", "GATEWAY_UNAVAILABLE")
	}
}

// awaitSettlement polls a pending settlement until it is approved or declined.
// It returns the last pending settlement when the policy runs out.
func (d *Direct) awaitSettlement(ctx context.Context, reference string) (*Settlement, error) {
	var final *Settlement
	err := retry.Do(
		func() error {
			s, err := d.settler.Confirm(ctx, reference)
			if err != nil {
				return err
			}
			final = s
			if s.Status == SettlementPending {
				return errStillPending
			}
			return nil
		},
		retry.Attempts(d.confirm.Attempts),
		retry.Delay(d.confirm.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errStillPending)
		}),
	)
	if errors.Is(err, errStillPending) {
		return final, nil
	}
	if err != nil {
		return nil, err
	}
	return final, nil
}
