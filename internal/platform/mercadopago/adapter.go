// Package mercadopago implements the hosted checkout provider with the Mercado Pago SDK.
package mercadopago

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// Options configures the adapter.
type Options struct {
	AccessToken string
	CurrencyID  string
	// ReturnURL receives the buyer after payment; session_id is appended.
	ReturnURL       string
	NotificationURL string
	// Sandbox redirects buyers to the sandbox payment page.
	Sandbox bool
}

// Adapter implements payment.HostedProvider. A preference is the hosted
// session; its external_reference carries our session id so payments can be
// matched back to it.
type Adapter struct {
	preferences preference.Client
	payments    payment.Client
	opts        Options
}

// NewAdapter creates a new Mercado Pago adapter.
func NewAdapter(opts Options) (*Adapter, error) {
	cfg, err := config.New(opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create MP config: %w", err)
	}
	if opts.CurrencyID == "" {
		opts.CurrencyID = "BRL"
	}
	return &Adapter{
		preferences: preference.NewClient(cfg),
		payments:    payment.NewClient(cfg),
		opts:        opts,
	}, nil
}

// CreateSession creates a payment preference for one course.
func (a *Adapter) CreateSession(ctx context.Context, req domain.HostedSessionRequest) (*domain.HostedSession, error) {
	expires := req.ExpiresAt
	request := preference.Request{
		Items: []preference.ItemRequest{
			{
				ID:         req.CourseID,
				Title:      req.Title,
				Quantity:   1,
				UnitPrice:  req.Amount.InexactFloat64(),
				CurrencyID: a.opts.CurrencyID,
			},
		},
		Payer: &preference.PayerRequest{
			Email: req.BuyerEmail,
		},
		ExternalReference: req.SessionID,
		AutoReturn:        "approved",
		BackURLs: &preference.BackURLsRequest{
			Success: returnURL(a.opts.ReturnURL, req.SessionID, "success"),
			Failure: returnURL(a.opts.ReturnURL, req.SessionID, "failure"),
			Pending: returnURL(a.opts.ReturnURL, req.SessionID, "pending"),
		},
		NotificationURL:  a.opts.NotificationURL,
		Expires:          true,
		ExpirationDateTo: &expires,
	}

	result, err := a.preferences.Create(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to create preference: %w", err)
	}

	redirect := result.InitPoint
	if a.opts.Sandbox && result.SandboxInitPoint != "" {
		redirect = result.SandboxInitPoint
	}
	return &domain.HostedSession{
		ProviderReference: result.ID,
		ClientSecret:      result.ID,
		RedirectURL:       redirect,
	}, nil
}

// SessionState looks up the payments made against a session's preference.
func (a *Adapter) SessionState(ctx context.Context, session domain.PaymentSession) (*domain.HostedSessionState, error) {
	result, err := a.payments.Search(ctx, payment.SearchRequest{
		Filters: map[string]string{"external_reference": session.SessionID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search payments: %w", err)
	}

	payments := make([]paymentSummary, 0, len(result.Results))
	for _, p := range result.Results {
		payments = append(payments, paymentSummary{
			ID:     strconv.Itoa(p.ID),
			Status: p.Status,
			Email:  p.Payer.Email,
		})
	}
	return stateOf(payments), nil
}

// SessionForPayment returns the session a notified payment belongs to.
func (a *Adapter) SessionForPayment(ctx context.Context, paymentID string) (string, error) {
	id, err := strconv.Atoi(paymentID)
	if err != nil {
		return "", domain.NewValidationError("invalid payment id", domain.FieldError{Field: "data.id", Message: "must be numeric"})
	}
	result, err := a.payments.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to get payment info: %w", err)
	}
	if result.ExternalReference == "" {
		return "", domain.NewCheckoutError(domain.ErrNotFound, "payment is not linked to a checkout session", "SESSION_NOT_FOUND")
	}
	return result.ExternalReference, nil
}

type paymentSummary struct {
	ID     string
	Status string
	Email  string
}

// stateOf folds the payments of a preference into a session state. One
// approved payment completes the session; a preference whose payments were
// all voided is expired; anything else is still open.
func stateOf(payments []paymentSummary) *domain.HostedSessionState {
	voided := 0
	for _, p := range payments {
		switch p.Status {
		case "approved":
			return &domain.HostedSessionState{
				Status:           domain.SessionStatusComplete,
				CustomerEmail:    p.Email,
				PaymentReference: "mp_" + p.ID,
			}
		case "cancelled", "refunded", "charged_back":
			voided++
		}
	}
	if len(payments) > 0 && voided == len(payments) {
		return &domain.HostedSessionState{Status: domain.SessionStatusExpired}
	}
	return &domain.HostedSessionState{Status: domain.SessionStatusOpen}
}

func returnURL(base, sessionID, result string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("result", result)
	u.RawQuery = q.Encode()
	return u.String()
}
