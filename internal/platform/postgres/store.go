package postgres

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// Store implements domain.Store. Uniqueness is enforced by the schema: one
// enrollment per (course, buyer), one sale per idempotency key and per
// session, one commission per sale.
type Store struct {
	db *gorm.DB
}

// NewStore creates a store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func notFound(what string) error {
	return domain.NewCheckoutError(domain.ErrNotFound, what+" not found", "NOT_FOUND")
}

// lookupErr maps a failed single-row read.
func lookupErr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(what)
	}
	return errors.Wrapf(err, "get %s", what)
}

// CreateAffiliate implements domain.AffiliateRepository.
func (s *Store) CreateAffiliate(ctx context.Context, a *domain.Affiliate) error {
	row := toAffiliateModel(a)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.NewCheckoutError(domain.ErrConflict, "affiliate code or user already registered", "AFFILIATE_EXISTS")
		}
		return errors.Wrap(err, "create affiliate")
	}
	return nil
}

// GetAffiliateByCode implements domain.AffiliateRepository.
func (s *Store) GetAffiliateByCode(ctx context.Context, code string) (*domain.Affiliate, error) {
	var row affiliateModel
	if err := s.db.WithContext(ctx).Where("affiliate_code = ?", code).Take(&row).Error; err != nil {
		return nil, lookupErr(err, "affiliate")
	}
	return toDomainAffiliate(row), nil
}

// GetAffiliateByUser implements domain.AffiliateRepository.
func (s *Store) GetAffiliateByUser(ctx context.Context, userID string) (*domain.Affiliate, error) {
	var row affiliateModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error; err != nil {
		return nil, lookupErr(err, "affiliate")
	}
	return toDomainAffiliate(row), nil
}

// UpdateAffiliateStatus implements domain.AffiliateRepository.
func (s *Store) UpdateAffiliateStatus(ctx context.Context, affiliateID string, status domain.AffiliateStatus) error {
	res := s.db.WithContext(ctx).
		Model(&affiliateModel{}).
		Where("affiliate_id = ?", affiliateID).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "update affiliate status")
	}
	if res.RowsAffected == 0 {
		return notFound("affiliate")
	}
	return nil
}

// FindEnrollment implements domain.PurchaseRepository.
func (s *Store) FindEnrollment(ctx context.Context, courseID, buyerID string) (*domain.Enrollment, *domain.Sale, error) {
	db := s.db.WithContext(ctx)
	var enrollment enrollmentModel
	if err := db.Where("course_id = ? AND buyer_id = ?", courseID, buyerID).Take(&enrollment).Error; err != nil {
		return nil, nil, lookupErr(err, "enrollment")
	}
	var sale saleModel
	if err := db.Where("sale_id = ?", enrollment.SaleID).Take(&sale).Error; err != nil {
		return nil, nil, lookupErr(err, "sale")
	}
	return toDomainEnrollment(enrollment), toDomainSale(sale), nil
}

// FindSaleBySession implements domain.PurchaseRepository.
func (s *Store) FindSaleBySession(ctx context.Context, sessionID string) (*domain.Sale, *domain.Enrollment, error) {
	db := s.db.WithContext(ctx)
	var sale saleModel
	if err := db.Where("session_id = ?", sessionID).Take(&sale).Error; err != nil {
		return nil, nil, lookupErr(err, "sale")
	}
	var enrollment enrollmentModel
	err := db.Where("sale_id = ?", sale.SaleID).Take(&enrollment).Error
	switch {
	case err == nil:
		return toDomainSale(sale), toDomainEnrollment(enrollment), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return toDomainSale(sale), nil, nil
	}
	return nil, nil, errors.Wrap(err, "get enrollment")
}

// CommitPurchase implements domain.PurchaseRepository in one transaction.
func (s *Store) CommitPurchase(ctx context.Context, c domain.PurchaseCommit) (*domain.CommitResult, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sale := toSaleModel(c.Sale)
		if err := tx.Create(&sale).Error; err != nil {
			return err
		}
		enrollment := toEnrollmentModel(c.Enrollment)
		if err := tx.Create(&enrollment).Error; err != nil {
			return err
		}
		if c.AffiliateSale != nil {
			commission := toAffiliateSaleModel(*c.AffiliateSale)
			if err := tx.Create(&commission).Error; err != nil {
				return err
			}
			res := tx.Model(&affiliateModel{}).
				Where("affiliate_id = ?", c.AffiliateSale.AffiliateID).
				Updates(map[string]any{
					"total_sales":      gorm.Expr("total_sales + 1"),
					"total_commission": gorm.Expr("total_commission + ?", c.AffiliateSale.CommissionAmount),
					"updated_at":       c.Sale.CreatedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errors.Errorf("affiliate %s missing for commission", c.AffiliateSale.AffiliateID)
			}
		}
		if c.AttemptKey != "" {
			err := tx.Model(&attemptModel{}).
				Where("idempotency_key = ?", c.AttemptKey).
				Updates(map[string]any{
					"status":        string(domain.AttemptStatusSucceeded),
					"sale_id":       c.Sale.SaleID,
					"enrollment_id": c.Enrollment.EnrollmentID,
					"updated_at":    c.Sale.CreatedAt,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.NewCheckoutError(domain.ErrConflict, "purchase already recorded", "PURCHASE_EXISTS")
		}
		return nil, errors.Wrap(err, "commit purchase")
	}
	return &domain.CommitResult{Sale: c.Sale, Enrollment: c.Enrollment, AffiliateSale: c.AffiliateSale}, nil
}

// GetAffiliateSale implements domain.PurchaseRepository.
func (s *Store) GetAffiliateSale(ctx context.Context, saleID string) (*domain.AffiliateSale, error) {
	var row affiliateSaleModel
	if err := s.db.WithContext(ctx).Where("sale_id = ?", saleID).Take(&row).Error; err != nil {
		return nil, lookupErr(err, "affiliate sale")
	}
	return toDomainAffiliateSale(row), nil
}

// ReserveAttempt implements domain.IdempotencyRepository. The insert takes over
// an existing row only when it is pending and past its expiry.
func (s *Store) ReserveAttempt(ctx context.Context, key, requestHash string, now time.Time, ttl time.Duration) (*domain.CheckoutAttempt, bool, error) {
	db := s.db.WithContext(ctx)
	for i := 0; i < 3; i++ {
		row := attemptModel{
			IdempotencyKey: key,
			RequestHash:    requestHash,
			Status:         string(domain.AttemptStatusPending),
			ExpiresAt:      now.Add(ttl),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		res := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "idempotency_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"request_hash", "status", "sale_id", "enrollment_id", "failure_reason",
				"payment_reference", "amount", "expires_at", "created_at", "updated_at",
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{
					SQL:  "checkout_attempts.status = ? AND checkout_attempts.expires_at <= ?",
					Vars: []any{string(domain.AttemptStatusPending), now},
				},
			}},
		}).Create(&row)
		if res.Error != nil {
			return nil, false, errors.Wrap(res.Error, "reserve checkout attempt")
		}
		if res.RowsAffected == 1 {
			return toDomainAttempt(row), true, nil
		}

		var held attemptModel
		err := db.Where("idempotency_key = ?", key).Take(&held).Error
		if err == nil {
			return toDomainAttempt(held), false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, errors.Wrap(err, "get checkout attempt")
		}
		// Released between the insert and the read; try again.
	}
	return nil, false, errors.Errorf("checkout attempt %s kept changing during reservation", key)
}

// GetAttempt implements domain.IdempotencyRepository.
func (s *Store) GetAttempt(ctx context.Context, key string) (*domain.CheckoutAttempt, error) {
	var row attemptModel
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&row).Error; err != nil {
		return nil, lookupErr(err, "checkout attempt")
	}
	return toDomainAttempt(row), nil
}

// CompleteAttempt implements domain.IdempotencyRepository.
func (s *Store) CompleteAttempt(ctx context.Context, key, saleID, enrollmentID string) error {
	return s.updateAttempt(ctx, key, map[string]any{
		"status":        string(domain.AttemptStatusSucceeded),
		"sale_id":       nullableString(saleID),
		"enrollment_id": nullableString(enrollmentID),
		"updated_at":    time.Now().UTC(),
	})
}

// DeclineAttempt implements domain.IdempotencyRepository.
func (s *Store) DeclineAttempt(ctx context.Context, key, reason string) error {
	return s.updateAttempt(ctx, key, map[string]any{
		"status":         string(domain.AttemptStatusDeclined),
		"failure_reason": reason,
		"updated_at":     time.Now().UTC(),
	})
}

func (s *Store) updateAttempt(ctx context.Context, key string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&attemptModel{}).Where("idempotency_key = ?", key).Updates(fields)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update checkout attempt")
	}
	if res.RowsAffected == 0 {
		return notFound("checkout attempt")
	}
	return nil
}

// HoldAttempt implements domain.IdempotencyRepository.
func (s *Store) HoldAttempt(ctx context.Context, key string, status domain.AttemptStatus, reference string, amount decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&attemptModel{}).
		Where("idempotency_key = ? AND status IN ?", key, releasableStatuses).
		Updates(map[string]any{
			"status":            string(status),
			"payment_reference": reference,
			"amount":            amount,
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "hold checkout attempt")
	}
	if res.RowsAffected == 0 {
		return domain.NewCheckoutError(domain.ErrConflict, "checkout attempt already finished", "ATTEMPT_FINISHED")
	}
	return nil
}

var releasableStatuses = []string{string(domain.AttemptStatusPending), string(domain.AttemptStatusSettling)}

// ReleaseAttempt implements domain.IdempotencyRepository.
func (s *Store) ReleaseAttempt(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ? AND status IN ?", key, releasableStatuses).
		Delete(&attemptModel{}).Error
	return errors.Wrap(err, "release checkout attempt")
}

// CreateSession implements domain.SessionRepository.
func (s *Store) CreateSession(ctx context.Context, session *domain.PaymentSession) error {
	row := toSessionModel(session)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.NewCheckoutError(domain.ErrConflict, "session exists", "SESSION_EXISTS")
		}
		return errors.Wrap(err, "create session")
	}
	return nil
}

// GetSession implements domain.SessionRepository.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	var row sessionModel
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error; err != nil {
		return nil, lookupErr(err, "session")
	}
	return toDomainSession(row), nil
}

// UpdateSessionStatus implements domain.SessionRepository. Only open sessions change.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, customerEmail string) error {
	fields := map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	if customerEmail != "" {
		fields["customer_email"] = customerEmail
	}
	db := s.db.WithContext(ctx)
	res := db.Model(&sessionModel{}).
		Where("session_id = ? AND status = ?", sessionID, string(domain.SessionStatusOpen)).
		Updates(fields)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update session status")
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.Model(&sessionModel{}).Where("session_id = ?", sessionID).Count(&n).Error; err != nil {
			return errors.Wrap(err, "count sessions")
		}
		if n == 0 {
			return notFound("session")
		}
	}
	return nil
}

// RecordReconciliation implements domain.ReconciliationRepository.
func (s *Store) RecordReconciliation(ctx context.Context, rec *domain.Reconciliation) error {
	row := reconciliationModel{
		ReconciliationID: rec.ReconciliationID,
		Reason:           string(rec.Reason),
		SaleID:           rec.SaleID,
		CourseID:         rec.CourseID,
		BuyerID:          rec.BuyerID,
		PaymentMethod:    string(rec.PaymentMethod),
		PaymentReference: rec.PaymentReference,
		Amount:           rec.Amount,
		Detail:           rec.Detail,
		CreatedAt:        rec.CreatedAt,
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(&row).Error, "record reconciliation")
}

var _ domain.Store = (*Store)(nil)
