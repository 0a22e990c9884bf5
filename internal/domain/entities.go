// Package domain contains the core business entities and interfaces for the checkout service.
// This is the innermost layer - it has no dependencies on transport or storage frameworks.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod selects the payment strategy used for a purchase.
type PaymentMethod string

const (
	PaymentMethodCard          PaymentMethod = "card"
	PaymentMethodPix           PaymentMethod = "pix"
	PaymentMethodHostedSession PaymentMethod = "hostedSession"
)

// CardData is the card payload of a direct card charge.
// It is validated and handed to the settlement processor, never persisted.
type CardData struct {
	Number     string `json:"cardNumber" validate:"required,luhn"`
	Expiry     string `json:"expiry" validate:"required,card_expiry"`
	CVV        string `json:"cvv" validate:"required,numeric,min=3,max=4"`
	HolderName string `json:"holderName" validate:"required,notblank"`
}

// PaymentData is the method-specific payload of a PurchaseRequest.
type PaymentData struct {
	Card          *CardData
	PayerDocument string // CPF/CNPJ for pix, optional
}

// PurchaseRequest is a buyer's intent to purchase a course.
type PurchaseRequest struct {
	CourseID       string
	BuyerID        string
	BuyerEmail     string
	PaymentMethod  PaymentMethod
	PaymentData    PaymentData
	AffiliateCode  string
	IdempotencyKey string // client supplied, optional
}

// PublishStatus is the catalog visibility of a course.
type PublishStatus string

const (
	PublishStatusDraft     PublishStatus = "draft"
	PublishStatusPublished PublishStatus = "published"
	PublishStatusArchived  PublishStatus = "archived"
)

// CourseOffer is the purchasable projection of a course, read fresh from the catalog.
type CourseOffer struct {
	CourseID      string
	Title         string
	Price         decimal.Decimal
	OriginalPrice *decimal.Decimal
	SellerID      string
	PublishStatus PublishStatus

	// AffiliateCommissionPercent overrides the affiliate's own rate when the seller set one.
	AffiliateCommissionPercent *decimal.Decimal
}

// Purchasable reports whether the offer can be sold.
func (o CourseOffer) Purchasable() bool {
	return o.PublishStatus == PublishStatusPublished && !o.Price.IsNegative()
}

// AffiliateStatus is the lifecycle state of an affiliate.
type AffiliateStatus string

const (
	AffiliateStatusActive   AffiliateStatus = "active"
	AffiliateStatusInactive AffiliateStatus = "inactive"
)

// Affiliate is a referrer earning commission on attributed sales.
// Affiliates are never deleted, only deactivated.
type Affiliate struct {
	AffiliateID           string
	UserID                string
	Name                  string
	Email                 string
	PaymentInfo           string
	AffiliateCode         string
	CommissionRatePercent decimal.Decimal
	Status                AffiliateStatus
	TotalSales            int64
	TotalCommission       decimal.Decimal
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SaleStatus is the settlement state of a sale.
type SaleStatus string

const (
	SaleStatusPending  SaleStatus = "pending"
	SaleStatusApproved SaleStatus = "approved"
	SaleStatusFailed   SaleStatus = "failed"
)

// Sale records a completed purchase. Rows are append-only and Amount never changes.
type Sale struct {
	SaleID           string
	CourseID         string
	BuyerID          string
	SellerID         string
	Amount           decimal.Decimal
	PaymentMethod    PaymentMethod
	PaymentReference string
	Status           SaleStatus
	AffiliateID      *string
	IdempotencyKey   *string
	SessionID        *string
	CreatedAt        time.Time
}

// Enrollment grants a buyer access to a course. At most one exists per (CourseID, BuyerID).
type Enrollment struct {
	EnrollmentID string
	CourseID     string
	BuyerID      string
	SaleID       string
	Progress     int
	EnrolledAt   time.Time
}

// AffiliateSaleStatus is the payout state of a commission.
type AffiliateSaleStatus string

const (
	AffiliateSaleStatusPending  AffiliateSaleStatus = "pending"
	AffiliateSaleStatusApproved AffiliateSaleStatus = "approved"
	AffiliateSaleStatusPaid     AffiliateSaleStatus = "paid"
)

// AffiliateSale is the commission owed for an attributed sale. It exists only alongside its Sale.
type AffiliateSale struct {
	AffiliateSaleID       string
	SaleID                string
	AffiliateID           string
	CommissionAmount      decimal.Decimal
	CommissionRatePercent decimal.Decimal
	Status                AffiliateSaleStatus
	CreatedAt             time.Time
}

// SessionStatus is the state of a hosted payment session.
type SessionStatus string

const (
	SessionStatusOpen     SessionStatus = "open"
	SessionStatusComplete SessionStatus = "complete"
	SessionStatusExpired  SessionStatus = "expired"
)

// PaymentSession tracks a hosted checkout from creation until it is resolved.
type PaymentSession struct {
	SessionID         string
	CourseID          string
	BuyerID           string
	BuyerEmail        string
	AffiliateCode     string
	Amount            decimal.Decimal
	Status            SessionStatus
	ClientSecret      string
	ProviderReference string
	RedirectURL       string
	CustomerEmail     string
	ExpiresAt         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Expired reports whether the session can no longer be paid at now.
func (s PaymentSession) Expired(now time.Time) bool {
	return s.Status == SessionStatusExpired || (!s.ExpiresAt.IsZero() && now.After(s.ExpiresAt))
}

// AttemptStatus is the state of an idempotency reservation.
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusDeclined  AttemptStatus = "declined"
	// AttemptStatusSettling holds a key whose payment the provider has not settled yet.
	AttemptStatusSettling AttemptStatus = "settling"
	// AttemptStatusReconciling holds a key whose approved payment could not be recorded.
	AttemptStatusReconciling AttemptStatus = "reconciling"
)

// CheckoutAttempt is the idempotency record of one logical checkout request.
type CheckoutAttempt struct {
	IdempotencyKey string        `json:"idempotency_key"`
	RequestHash    string        `json:"request_hash"`
	Status         AttemptStatus `json:"status"`
	SaleID         string        `json:"sale_id,omitempty"`
	EnrollmentID   string        `json:"enrollment_id,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	// PaymentReference and Amount identify the charge of a settling or reconciling attempt.
	PaymentReference string          `json:"payment_reference,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	ExpiresAt        time.Time       `json:"expires_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ReconciliationReason names why a payment needs manual follow-up.
type ReconciliationReason string

const (
	// ReconciliationCommitFailed means the payment was approved but the records could not be written.
	ReconciliationCommitFailed ReconciliationReason = "commit_failed"
	// ReconciliationDuplicateCharge means a second payment was approved for an existing enrollment.
	ReconciliationDuplicateCharge ReconciliationReason = "duplicate_charge"
	// ReconciliationSettlementPending means a charge was still unsettled when the buyer was answered.
	ReconciliationSettlementPending ReconciliationReason = "settlement_pending"
)

// Reconciliation is an approved payment that needs manual follow-up.
type Reconciliation struct {
	ReconciliationID string
	Reason           ReconciliationReason
	SaleID           string
	CourseID         string
	BuyerID          string
	PaymentMethod    PaymentMethod
	PaymentReference string
	Amount           decimal.Decimal
	Detail           string
	CreatedAt        time.Time
}

// PurchaseCommit is the unit of records written for one approved payment.
type PurchaseCommit struct {
	Sale          Sale
	Enrollment    Enrollment
	AffiliateSale *AffiliateSale

	// AttemptKey marks the idempotency reservation succeeded in the same transaction.
	AttemptKey string
}

// CommitResult is the outcome of a purchase commit.
type CommitResult struct {
	Sale          Sale
	Enrollment    Enrollment
	AffiliateSale *AffiliateSale

	// Existing is set when the records were already committed by an earlier call.
	Existing bool
}

// ChargeRequest asks the direct strategy to settle an amount.
type ChargeRequest struct {
	Amount     decimal.Decimal
	Method     PaymentMethod
	Data       PaymentData
	Reference  string
	BuyerEmail string
}

// ChargeResult is the outcome of a direct charge.
type ChargeResult struct {
	Approved bool
	// Pending is set when the provider had not settled the charge by the time polling gave up.
	Pending   bool
	Reference string
	Status    string
}

// HostedSessionRequest asks the hosted provider to open a payment page.
type HostedSessionRequest struct {
	SessionID  string
	CourseID   string
	Title      string
	BuyerID    string
	BuyerEmail string
	Amount     decimal.Decimal
	ExpiresAt  time.Time
}

// HostedSession is the provider side of an opened session.
type HostedSession struct {
	ProviderReference string
	ClientSecret      string
	RedirectURL       string
}

// HostedSessionState is the provider's current view of a session.
type HostedSessionState struct {
	Status           SessionStatus
	CustomerEmail    string
	PaymentReference string
}

// CheckoutEvent is published after checkout state changes.
type CheckoutEvent struct {
	Type             string    `json:"type"`
	SaleID           string    `json:"sale_id,omitempty"`
	EnrollmentID     string    `json:"enrollment_id,omitempty"`
	CourseID         string    `json:"course_id"`
	BuyerID          string    `json:"buyer_id"`
	SellerID         string    `json:"seller_id,omitempty"`
	AffiliateID      string    `json:"affiliate_id,omitempty"`
	Amount           string    `json:"amount"`
	CommissionAmount string    `json:"commission_amount,omitempty"`
	PaymentMethod    string    `json:"payment_method"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Checkout event types.
const (
	EventSaleApproved           = "checkout.sale.approved"
	EventReconciliationRequired = "checkout.reconciliation.required"
)
