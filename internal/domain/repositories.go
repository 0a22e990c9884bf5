// Package domain contains the core business entities and interfaces for the checkout service.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CatalogLookup reads course offers from the catalog. Results must never be cached across requests.
type CatalogLookup interface {
	// GetCourseOffer returns ErrNotFound if the course doesn't exist.
	GetCourseOffer(ctx context.Context, courseID string) (*CourseOffer, error)
}

// AffiliateRepository stores affiliates.
type AffiliateRepository interface {
	// CreateAffiliate returns ErrConflict if the code or the user is already registered.
	CreateAffiliate(ctx context.Context, affiliate *Affiliate) error
	GetAffiliateByCode(ctx context.Context, code string) (*Affiliate, error)
	GetAffiliateByUser(ctx context.Context, userID string) (*Affiliate, error)
	UpdateAffiliateStatus(ctx context.Context, affiliateID string, status AffiliateStatus) error
}

// PurchaseRepository owns Sale, Enrollment and AffiliateSale rows.
type PurchaseRepository interface {
	// FindEnrollment returns the enrollment of buyerID in courseID and the sale that created it.
	FindEnrollment(ctx context.Context, courseID, buyerID string) (*Enrollment, *Sale, error)

	// FindSaleBySession returns the sale committed for a hosted session and its enrollment.
	FindSaleBySession(ctx context.Context, sessionID string) (*Sale, *Enrollment, error)

	// CommitPurchase writes all records of commit atomically. It returns an ErrConflict
	// error when a uniqueness constraint shows the purchase was already recorded.
	CommitPurchase(ctx context.Context, commit PurchaseCommit) (*CommitResult, error)

	// GetAffiliateSale returns the commission recorded for saleID.
	GetAffiliateSale(ctx context.Context, saleID string) (*AffiliateSale, error)
}

// IdempotencyRepository reserves checkout attempts by idempotency key.
type IdempotencyRepository interface {
	// ReserveAttempt inserts a pending attempt, or takes over a pending one past its expiry.
	// reserved is false when another attempt holds the key; the holder is returned.
	ReserveAttempt(ctx context.Context, key, requestHash string, now time.Time, ttl time.Duration) (attempt *CheckoutAttempt, reserved bool, err error)
	GetAttempt(ctx context.Context, key string) (*CheckoutAttempt, error)
	CompleteAttempt(ctx context.Context, key, saleID, enrollmentID string) error
	DeclineAttempt(ctx context.Context, key, reason string) error
	// HoldAttempt moves a pending or settling attempt to status, recording the
	// charge it is bound to. Held attempts are never taken over.
	HoldAttempt(ctx context.Context, key string, status AttemptStatus, reference string, amount decimal.Decimal) error
	// ReleaseAttempt removes a pending or settling attempt so the key can be retried.
	ReleaseAttempt(ctx context.Context, key string) error
}

// SessionRepository stores hosted payment sessions.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *PaymentSession) error
	GetSession(ctx context.Context, sessionID string) (*PaymentSession, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus, customerEmail string) error
}

// ReconciliationRepository queues payments for manual follow-up.
type ReconciliationRepository interface {
	RecordReconciliation(ctx context.Context, rec *Reconciliation) error
}

// Store is the relational store backing the checkout.
type Store interface {
	AffiliateRepository
	PurchaseRepository
	IdempotencyRepository
	SessionRepository
	ReconciliationRepository
}

// AttemptCache is a fast path in front of IdempotencyRepository for finished attempts.
type AttemptCache interface {
	// GetAttempt returns nil without error on a miss.
	GetAttempt(ctx context.Context, key string) (*CheckoutAttempt, error)
	PutAttempt(ctx context.Context, attempt *CheckoutAttempt, ttl time.Duration) error
}

// PaymentGateway is the capability set of the payment strategies.
type PaymentGateway interface {
	// Charge settles a direct payment. Declines return ErrPaymentDeclined,
	// provider failures ErrGatewayUnavailable.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)

	// ConfirmCharge re-reads a direct charge that was left pending.
	ConfirmCharge(ctx context.Context, reference string) (*ChargeResult, error)

	// CreateSession opens a hosted payment page.
	CreateSession(ctx context.Context, req HostedSessionRequest) (*HostedSession, error)

	// ResolveSession reads the provider's current state of a hosted session.
	ResolveSession(ctx context.Context, session PaymentSession) (*HostedSessionState, error)
}

// EventPublisher publishes checkout events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event CheckoutEvent) error
}
