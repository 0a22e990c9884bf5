package postgres

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

type affiliateModel struct {
	AffiliateID           string          `gorm:"column:affiliate_id;primaryKey"`
	UserID                string          `gorm:"column:user_id"`
	Name                  string          `gorm:"column:name"`
	Email                 string          `gorm:"column:email"`
	PaymentInfo           string          `gorm:"column:payment_info"`
	AffiliateCode         string          `gorm:"column:affiliate_code"`
	CommissionRatePercent decimal.Decimal `gorm:"column:commission_rate_percent;type:numeric(5,2)"`
	Status                string          `gorm:"column:status"`
	TotalSales            int64           `gorm:"column:total_sales"`
	TotalCommission       decimal.Decimal `gorm:"column:total_commission;type:numeric(14,2)"`
	CreatedAt             time.Time       `gorm:"column:created_at"`
	UpdatedAt             time.Time       `gorm:"column:updated_at"`
}

func (affiliateModel) TableName() string { return "affiliates" }

type saleModel struct {
	SaleID           string          `gorm:"column:sale_id;primaryKey"`
	CourseID         string          `gorm:"column:course_id"`
	BuyerID          string          `gorm:"column:buyer_id"`
	SellerID         string          `gorm:"column:seller_id"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(12,2)"`
	PaymentMethod    string          `gorm:"column:payment_method"`
	PaymentReference string          `gorm:"column:payment_reference"`
	Status           string          `gorm:"column:status"`
	AffiliateID      *string         `gorm:"column:affiliate_id"`
	IdempotencyKey   *string         `gorm:"column:idempotency_key"`
	SessionID        *string         `gorm:"column:session_id"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
}

func (saleModel) TableName() string { return "sales" }

type enrollmentModel struct {
	EnrollmentID string    `gorm:"column:enrollment_id;primaryKey"`
	CourseID     string    `gorm:"column:course_id"`
	BuyerID      string    `gorm:"column:buyer_id"`
	SaleID       string    `gorm:"column:sale_id"`
	Progress     int       `gorm:"column:progress"`
	EnrolledAt   time.Time `gorm:"column:enrolled_at"`
}

func (enrollmentModel) TableName() string { return "enrollments" }

type affiliateSaleModel struct {
	AffiliateSaleID       string          `gorm:"column:affiliate_sale_id;primaryKey"`
	SaleID                string          `gorm:"column:sale_id"`
	AffiliateID           string          `gorm:"column:affiliate_id"`
	CommissionAmount      decimal.Decimal `gorm:"column:commission_amount;type:numeric(12,2)"`
	CommissionRatePercent decimal.Decimal `gorm:"column:commission_rate_percent;type:numeric(5,2)"`
	Status                string          `gorm:"column:status"`
	CreatedAt             time.Time       `gorm:"column:created_at"`
}

func (affiliateSaleModel) TableName() string { return "affiliate_sales" }

type attemptModel struct {
	IdempotencyKey   string          `gorm:"column:idempotency_key;primaryKey"`
	RequestHash      string          `gorm:"column:request_hash"`
	Status           string          `gorm:"column:status"`
	SaleID           *string         `gorm:"column:sale_id"`
	EnrollmentID     *string         `gorm:"column:enrollment_id"`
	FailureReason    string          `gorm:"column:failure_reason"`
	PaymentReference string          `gorm:"column:payment_reference"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(12,2)"`
	ExpiresAt        time.Time       `gorm:"column:expires_at"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (attemptModel) TableName() string { return "checkout_attempts" }

type sessionModel struct {
	SessionID         string          `gorm:"column:session_id;primaryKey"`
	CourseID          string          `gorm:"column:course_id"`
	BuyerID           string          `gorm:"column:buyer_id"`
	BuyerEmail        string          `gorm:"column:buyer_email"`
	AffiliateCode     string          `gorm:"column:affiliate_code"`
	Amount            decimal.Decimal `gorm:"column:amount;type:numeric(12,2)"`
	Status            string          `gorm:"column:status"`
	ClientSecret      string          `gorm:"column:client_secret"`
	ProviderReference string          `gorm:"column:provider_reference"`
	RedirectURL       string          `gorm:"column:redirect_url"`
	CustomerEmail     string          `gorm:"column:customer_email"`
	ExpiresAt         time.Time       `gorm:"column:expires_at"`
	CreatedAt         time.Time       `gorm:"column:created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at"`
}

func (sessionModel) TableName() string { return "payment_sessions" }

type reconciliationModel struct {
	ReconciliationID string          `gorm:"column:reconciliation_id;primaryKey"`
	Reason           string          `gorm:"column:reason"`
	SaleID           string          `gorm:"column:sale_id"`
	CourseID         string          `gorm:"column:course_id"`
	BuyerID          string          `gorm:"column:buyer_id"`
	PaymentMethod    string          `gorm:"column:payment_method"`
	PaymentReference string          `gorm:"column:payment_reference"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(12,2)"`
	Detail           string          `gorm:"column:detail"`
	ResolvedAt       *time.Time      `gorm:"column:resolved_at"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
}

func (reconciliationModel) TableName() string { return "reconciliations" }

func toAffiliateModel(a *domain.Affiliate) affiliateModel {
	return affiliateModel{
		AffiliateID:           a.AffiliateID,
		UserID:                a.UserID,
		Name:                  a.Name,
		Email:                 a.Email,
		PaymentInfo:           a.PaymentInfo,
		AffiliateCode:         a.AffiliateCode,
		CommissionRatePercent: a.CommissionRatePercent,
		Status:                string(a.Status),
		TotalSales:            a.TotalSales,
		TotalCommission:       a.TotalCommission,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
}

func toDomainAffiliate(row affiliateModel) *domain.Affiliate {
	return &domain.Affiliate{
		AffiliateID:           row.AffiliateID,
		UserID:                row.UserID,
		Name:                  row.Name,
		Email:                 row.Email,
		PaymentInfo:           row.PaymentInfo,
		AffiliateCode:         row.AffiliateCode,
		CommissionRatePercent: row.CommissionRatePercent,
		Status:                domain.AffiliateStatus(row.Status),
		TotalSales:            row.TotalSales,
		TotalCommission:       row.TotalCommission,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}
}

func toSaleModel(s domain.Sale) saleModel {
	return saleModel{
		SaleID:           s.SaleID,
		CourseID:         s.CourseID,
		BuyerID:          s.BuyerID,
		SellerID:         s.SellerID,
		Amount:           s.Amount,
		PaymentMethod:    string(s.PaymentMethod),
		PaymentReference: s.PaymentReference,
		Status:           string(s.Status),
		AffiliateID:      s.AffiliateID,
		IdempotencyKey:   s.IdempotencyKey,
		SessionID:        s.SessionID,
		CreatedAt:        s.CreatedAt,
	}
}

func toDomainSale(row saleModel) *domain.Sale {
	return &domain.Sale{
		SaleID:           row.SaleID,
		CourseID:         row.CourseID,
		BuyerID:          row.BuyerID,
		SellerID:         row.SellerID,
		Amount:           row.Amount,
		PaymentMethod:    domain.PaymentMethod(row.PaymentMethod),
		PaymentReference: row.PaymentReference,
		Status:           domain.SaleStatus(row.Status),
		AffiliateID:      row.AffiliateID,
		IdempotencyKey:   row.IdempotencyKey,
		SessionID:        row.SessionID,
		CreatedAt:        row.CreatedAt,
	}
}

func toEnrollmentModel(e domain.Enrollment) enrollmentModel {
	return enrollmentModel{
		EnrollmentID: e.EnrollmentID,
		CourseID:     e.CourseID,
		BuyerID:      e.BuyerID,
		SaleID:       e.SaleID,
		Progress:     e.Progress,
		EnrolledAt:   e.EnrolledAt,
	}
}

func toDomainEnrollment(row enrollmentModel) *domain.Enrollment {
	return &domain.Enrollment{
		EnrollmentID: row.EnrollmentID,
		CourseID:     row.CourseID,
		BuyerID:      row.BuyerID,
		SaleID:       row.SaleID,
		Progress:     row.Progress,
		EnrolledAt:   row.EnrolledAt,
	}
}

func toAffiliateSaleModel(a domain.AffiliateSale) affiliateSaleModel {
	return affiliateSaleModel{
		AffiliateSaleID:       a.AffiliateSaleID,
		SaleID:                a.SaleID,
		AffiliateID:           a.AffiliateID,
		CommissionAmount:      a.CommissionAmount,
		CommissionRatePercent: a.CommissionRatePercent,
		Status:                string(a.Status),
		CreatedAt:             a.CreatedAt,
	}
}

func toDomainAffiliateSale(row affiliateSaleModel) *domain.AffiliateSale {
	return &domain.AffiliateSale{
		AffiliateSaleID:       row.AffiliateSaleID,
		SaleID:                row.SaleID,
		AffiliateID:           row.AffiliateID,
		CommissionAmount:      row.CommissionAmount,
		CommissionRatePercent: row.CommissionRatePercent,
		Status:                domain.AffiliateSaleStatus(row.Status),
		CreatedAt:             row.CreatedAt,
	}
}

func toDomainAttempt(row attemptModel) *domain.CheckoutAttempt {
	return &domain.CheckoutAttempt{
		IdempotencyKey:   row.IdempotencyKey,
		RequestHash:      row.RequestHash,
		Status:           domain.AttemptStatus(row.Status),
		SaleID:           derefString(row.SaleID),
		EnrollmentID:     derefString(row.EnrollmentID),
		FailureReason:    row.FailureReason,
		PaymentReference: row.PaymentReference,
		Amount:           row.Amount,
		ExpiresAt:        row.ExpiresAt,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

func toSessionModel(s *domain.PaymentSession) sessionModel {
	return sessionModel{
		SessionID:         s.SessionID,
		CourseID:          s.CourseID,
		BuyerID:           s.BuyerID,
		BuyerEmail:        s.BuyerEmail,
		AffiliateCode:     s.AffiliateCode,
		Amount:            s.Amount,
		Status:            string(s.Status),
		ClientSecret:      s.ClientSecret,
		ProviderReference: s.ProviderReference,
		RedirectURL:       s.RedirectURL,
		CustomerEmail:     s.CustomerEmail,
		ExpiresAt:         s.ExpiresAt,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func toDomainSession(row sessionModel) *domain.PaymentSession {
	return &domain.PaymentSession{
		SessionID:         row.SessionID,
		CourseID:          row.CourseID,
		BuyerID:           row.BuyerID,
		BuyerEmail:        row.BuyerEmail,
		AffiliateCode:     row.AffiliateCode,
		Amount:            row.Amount,
		Status:            domain.SessionStatus(row.Status),
		ClientSecret:      row.ClientSecret,
		ProviderReference: row.ProviderReference,
		RedirectURL:       row.RedirectURL,
		CustomerEmail:     row.CustomerEmail,
		ExpiresAt:         row.ExpiresAt,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
