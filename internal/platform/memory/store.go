// Package memory implements the checkout store in process memory.
// It enforces the same uniqueness rules as the Postgres schema and backs tests and local runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// Store implements domain.Store.
type Store struct {
	mu sync.Mutex

	affiliates      map[string]domain.Affiliate // by id
	affiliateCodes  map[string]string           // code -> id
	affiliateUsers  map[string]string           // user -> id
	sales           map[string]domain.Sale
	saleKeys        map[string]string // idempotency key -> sale id
	saleSessions    map[string]string // session id -> sale id
	enrollments     map[string]domain.Enrollment
	enrollmentPairs map[string]string               // course|buyer -> enrollment id
	affiliateSales  map[string]domain.AffiliateSale // by sale id
	attempts        map[string]domain.CheckoutAttempt
	sessions        map[string]domain.PaymentSession
	reconciliations []domain.Reconciliation

	failCommits int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		affiliates:      make(map[string]domain.Affiliate),
		affiliateCodes:  make(map[string]string),
		affiliateUsers:  make(map[string]string),
		sales:           make(map[string]domain.Sale),
		saleKeys:        make(map[string]string),
		saleSessions:    make(map[string]string),
		enrollments:     make(map[string]domain.Enrollment),
		enrollmentPairs: make(map[string]string),
		affiliateSales:  make(map[string]domain.AffiliateSale),
		attempts:        make(map[string]domain.CheckoutAttempt),
		sessions:        make(map[string]domain.PaymentSession),
	}
}

var (
	errTransient = domain.NewCheckoutError(domain.ErrInternal, "storage temporarily unavailable", "STORAGE_ERROR")
	errDuplicate = domain.NewCheckoutError(domain.ErrConflict, "purchase already recorded", "PURCHASE_EXISTS")
)

func pairKey(courseID, buyerID string) string { return courseID + "|" + buyerID }

func notFound(what string) error {
	return domain.NewCheckoutError(domain.ErrNotFound, what+" not found", "NOT_FOUND")
}

// CreateAffiliate implements domain.AffiliateRepository.
func (s *Store) CreateAffiliate(_ context.Context, a *domain.Affiliate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.affiliateCodes[a.AffiliateCode]; ok {
		return domain.NewCheckoutError(domain.ErrConflict, "affiliate code taken", "AFFILIATE_CODE_TAKEN")
	}
	if _, ok := s.affiliateUsers[a.UserID]; ok {
		return domain.NewCheckoutError(domain.ErrConflict, "user already registered", "AFFILIATE_EXISTS")
	}
	s.affiliates[a.AffiliateID] = *a
	s.affiliateCodes[a.AffiliateCode] = a.AffiliateID
	s.affiliateUsers[a.UserID] = a.AffiliateID
	return nil
}

// GetAffiliateByCode implements domain.AffiliateRepository.
func (s *Store) GetAffiliateByCode(_ context.Context, code string) (*domain.Affiliate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.affiliateCodes[code]
	if !ok {
		return nil, notFound("affiliate")
	}
	a := s.affiliates[id]
	return &a, nil
}

// GetAffiliateByUser implements domain.AffiliateRepository.
func (s *Store) GetAffiliateByUser(_ context.Context, userID string) (*domain.Affiliate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.affiliateUsers[userID]
	if !ok {
		return nil, notFound("affiliate")
	}
	a := s.affiliates[id]
	return &a, nil
}

// GetAffiliate returns an affiliate by id.
func (s *Store) GetAffiliate(_ context.Context, affiliateID string) (*domain.Affiliate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.affiliates[affiliateID]
	if !ok {
		return nil, notFound("affiliate")
	}
	return &a, nil
}

// UpdateAffiliateStatus implements domain.AffiliateRepository.
func (s *Store) UpdateAffiliateStatus(_ context.Context, affiliateID string, status domain.AffiliateStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.affiliates[affiliateID]
	if !ok {
		return notFound("affiliate")
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	s.affiliates[affiliateID] = a
	return nil
}

// FindEnrollment implements domain.PurchaseRepository.
func (s *Store) FindEnrollment(_ context.Context, courseID, buyerID string) (*domain.Enrollment, *domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.enrollmentPairs[pairKey(courseID, buyerID)]
	if !ok {
		return nil, nil, notFound("enrollment")
	}
	e := s.enrollments[id]
	sale := s.sales[e.SaleID]
	return &e, &sale, nil
}

// FindSaleBySession implements domain.PurchaseRepository.
func (s *Store) FindSaleBySession(_ context.Context, sessionID string) (*domain.Sale, *domain.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.saleSessions[sessionID]
	if !ok {
		return nil, nil, notFound("sale")
	}
	sale := s.sales[id]
	for _, e := range s.enrollments {
		if e.SaleID == id {
			return &sale, &e, nil
		}
	}
	return &sale, nil, nil
}

// CommitPurchase implements domain.PurchaseRepository. All checks run before any write.
func (s *Store) CommitPurchase(_ context.Context, c domain.PurchaseCommit) (*domain.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCommits > 0 {
		s.failCommits--
		return nil, errTransient
	}
	if _, ok := s.sales[c.Sale.SaleID]; ok {
		return nil, errDuplicate
	}
	if c.Sale.IdempotencyKey != nil {
		if _, ok := s.saleKeys[*c.Sale.IdempotencyKey]; ok {
			return nil, errDuplicate
		}
	}
	if c.Sale.SessionID != nil {
		if _, ok := s.saleSessions[*c.Sale.SessionID]; ok {
			return nil, errDuplicate
		}
	}
	if _, ok := s.enrollmentPairs[pairKey(c.Enrollment.CourseID, c.Enrollment.BuyerID)]; ok {
		return nil, errDuplicate
	}
	if c.AffiliateSale != nil {
		if _, ok := s.affiliateSales[c.AffiliateSale.SaleID]; ok {
			return nil, errDuplicate
		}
		if _, ok := s.affiliates[c.AffiliateSale.AffiliateID]; !ok {
			return nil, domain.NewCheckoutError(domain.ErrInternal, "affiliate missing for commission", "STORAGE_ERROR")
		}
	}

	s.sales[c.Sale.SaleID] = c.Sale
	if c.Sale.IdempotencyKey != nil {
		s.saleKeys[*c.Sale.IdempotencyKey] = c.Sale.SaleID
	}
	if c.Sale.SessionID != nil {
		s.saleSessions[*c.Sale.SessionID] = c.Sale.SaleID
	}
	s.enrollments[c.Enrollment.EnrollmentID] = c.Enrollment
	s.enrollmentPairs[pairKey(c.Enrollment.CourseID, c.Enrollment.BuyerID)] = c.Enrollment.EnrollmentID

	if c.AffiliateSale != nil {
		s.affiliateSales[c.AffiliateSale.SaleID] = *c.AffiliateSale
		a := s.affiliates[c.AffiliateSale.AffiliateID]
		a.TotalSales++
		a.TotalCommission = a.TotalCommission.Add(c.AffiliateSale.CommissionAmount)
		a.UpdatedAt = c.Sale.CreatedAt
		s.affiliates[a.AffiliateID] = a
	}
	if c.AttemptKey != "" {
		if at, ok := s.attempts[c.AttemptKey]; ok {
			at.Status = domain.AttemptStatusSucceeded
			at.SaleID = c.Sale.SaleID
			at.EnrollmentID = c.Enrollment.EnrollmentID
			at.UpdatedAt = c.Sale.CreatedAt
			s.attempts[c.AttemptKey] = at
		}
	}
	return &domain.CommitResult{Sale: c.Sale, Enrollment: c.Enrollment, AffiliateSale: c.AffiliateSale}, nil
}

// GetAffiliateSale implements domain.PurchaseRepository.
func (s *Store) GetAffiliateSale(_ context.Context, saleID string) (*domain.AffiliateSale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.affiliateSales[saleID]
	if !ok {
		return nil, notFound("affiliate sale")
	}
	return &as, nil
}

// ReserveAttempt implements domain.IdempotencyRepository.
func (s *Store) ReserveAttempt(_ context.Context, key, requestHash string, now time.Time, ttl time.Duration) (*domain.CheckoutAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.attempts[key]; ok {
		if existing.Status != domain.AttemptStatusPending || now.Before(existing.ExpiresAt) {
			return &existing, false, nil
		}
	}
	at := domain.CheckoutAttempt{
		IdempotencyKey: key,
		RequestHash:    requestHash,
		Status:         domain.AttemptStatusPending,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.attempts[key] = at
	return &at, true, nil
}

// GetAttempt implements domain.IdempotencyRepository.
func (s *Store) GetAttempt(_ context.Context, key string) (*domain.CheckoutAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.attempts[key]
	if !ok {
		return nil, notFound("checkout attempt")
	}
	return &at, nil
}

// CompleteAttempt implements domain.IdempotencyRepository.
func (s *Store) CompleteAttempt(_ context.Context, key, saleID, enrollmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.attempts[key]
	if !ok {
		return notFound("checkout attempt")
	}
	at.Status = domain.AttemptStatusSucceeded
	at.SaleID = saleID
	at.EnrollmentID = enrollmentID
	at.UpdatedAt = time.Now().UTC()
	s.attempts[key] = at
	return nil
}

// DeclineAttempt implements domain.IdempotencyRepository.
func (s *Store) DeclineAttempt(_ context.Context, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.attempts[key]
	if !ok {
		return notFound("checkout attempt")
	}
	at.Status = domain.AttemptStatusDeclined
	at.FailureReason = reason
	at.UpdatedAt = time.Now().UTC()
	s.attempts[key] = at
	return nil
}

// HoldAttempt implements domain.IdempotencyRepository.
func (s *Store) HoldAttempt(_ context.Context, key string, status domain.AttemptStatus, reference string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.attempts[key]
	if !ok {
		return notFound("checkout attempt")
	}
	if !releasable(at.Status) {
		return domain.NewCheckoutError(domain.ErrConflict, "checkout attempt already finished", "ATTEMPT_FINISHED")
	}
	at.Status = status
	at.PaymentReference = reference
	at.Amount = amount
	at.UpdatedAt = time.Now().UTC()
	s.attempts[key] = at
	return nil
}

func releasable(status domain.AttemptStatus) bool {
	return status == domain.AttemptStatusPending || status == domain.AttemptStatusSettling
}

// ReleaseAttempt implements domain.IdempotencyRepository.
func (s *Store) ReleaseAttempt(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.attempts[key]; ok && releasable(at.Status) {
		delete(s.attempts, key)
	}
	return nil
}

// CreateSession implements domain.SessionRepository.
func (s *Store) CreateSession(_ context.Context, session *domain.PaymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; ok {
		return domain.NewCheckoutError(domain.ErrConflict, "session exists", "SESSION_EXISTS")
	}
	s.sessions[session.SessionID] = *session
	return nil
}

// GetSession implements domain.SessionRepository.
func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, notFound("session")
	}
	return &session, nil
}

// UpdateSessionStatus implements domain.SessionRepository. Terminal sessions are not changed.
func (s *Store) UpdateSessionStatus(_ context.Context, sessionID string, status domain.SessionStatus, customerEmail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return notFound("session")
	}
	if session.Status != domain.SessionStatusOpen {
		return nil
	}
	session.Status = status
	if customerEmail != "" {
		session.CustomerEmail = customerEmail
	}
	session.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = session
	return nil
}

// RecordReconciliation implements domain.ReconciliationRepository.
func (s *Store) RecordReconciliation(_ context.Context, rec *domain.Reconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciliations = append(s.reconciliations, *rec)
	return nil
}

// Counts reports the number of stored sales, enrollments and commissions.
func (s *Store) Counts() (sales, enrollments, affiliateSales int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sales), len(s.enrollments), len(s.affiliateSales)
}

// Sale returns a stored sale by id.
func (s *Store) Sale(saleID string) (domain.Sale, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[saleID]
	return sale, ok
}

// Enrollment returns a stored enrollment by id.
func (s *Store) Enrollment(enrollmentID string) (domain.Enrollment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[enrollmentID]
	return e, ok
}

// Reconciliations returns the queued reconciliations.
func (s *Store) Reconciliations() []domain.Reconciliation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Reconciliation(nil), s.reconciliations...)
}

// SetFailCommits makes the next n commits fail with a transient error.
func (s *Store) SetFailCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
}
