package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// openTestStore connects to EDUMARKET_TEST_DATABASE_URL; tests are skipped without it.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("EDUMARKET_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("EDUMARKET_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, url, PoolConfig{MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewStore(db)
}

func newCommit(courseID, buyerID, key string) domain.PurchaseCommit {
	now := time.Now().UTC().Truncate(time.Microsecond)
	sale := domain.Sale{
		SaleID:           uuid.NewString(),
		CourseID:         courseID,
		BuyerID:          buyerID,
		SellerID:         "seller-1",
		Amount:           decimal.RequireFromString("297.00"),
		PaymentMethod:    domain.PaymentMethodPix,
		PaymentReference: "ref-" + uuid.NewString(),
		Status:           domain.SaleStatusApproved,
		IdempotencyKey:   &key,
		CreatedAt:        now,
	}
	return domain.PurchaseCommit{
		Sale: sale,
		Enrollment: domain.Enrollment{
			EnrollmentID: uuid.NewString(),
			CourseID:     courseID,
			BuyerID:      buyerID,
			SaleID:       sale.SaleID,
			EnrolledAt:   now,
		},
		AttemptKey: key,
	}
}

func TestCommitPurchaseUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	course, buyer := "course-"+uuid.NewString(), "buyer-"+uuid.NewString()

	key := "client:" + buyer + ":k1"
	if _, reserved, err := s.ReserveAttempt(ctx, key, "hash", time.Now(), time.Minute); err != nil || !reserved {
		t.Fatalf("ReserveAttempt = %v, %v", reserved, err)
	}
	first := newCommit(course, buyer, key)
	if _, err := s.CommitPurchase(ctx, first); err != nil {
		t.Fatalf("CommitPurchase: %v", err)
	}
	at, err := s.GetAttempt(ctx, key)
	if err != nil || at.Status != domain.AttemptStatusSucceeded || at.SaleID != first.Sale.SaleID {
		t.Fatalf("attempt = %+v, %v", at, err)
	}

	second := newCommit(course, buyer, "client:"+buyer+":k2")
	if _, err := s.CommitPurchase(ctx, second); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second commit error = %v, want conflict", err)
	}
	enrollment, sale, err := s.FindEnrollment(ctx, course, buyer)
	if err != nil {
		t.Fatalf("FindEnrollment: %v", err)
	}
	if enrollment.EnrollmentID != first.Enrollment.EnrollmentID || !sale.Amount.Equal(first.Sale.Amount) {
		t.Fatalf("found %+v / %+v", enrollment, sale)
	}
}

func TestReserveAttemptTakesOverExpiredPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "auto:" + uuid.NewString()
	now := time.Now().UTC()

	if _, reserved, err := s.ReserveAttempt(ctx, key, "h1", now, time.Minute); err != nil || !reserved {
		t.Fatalf("first reserve = %v, %v", reserved, err)
	}
	held, reserved, err := s.ReserveAttempt(ctx, key, "h1", now.Add(30*time.Second), time.Minute)
	if err != nil || reserved || held.Status != domain.AttemptStatusPending {
		t.Fatalf("second reserve = %+v, %v, %v", held, reserved, err)
	}
	if _, reserved, err := s.ReserveAttempt(ctx, key, "h1", now.Add(2*time.Minute), time.Minute); err != nil || !reserved {
		t.Fatalf("reserve after expiry = %v, %v", reserved, err)
	}

	if err := s.DeclineAttempt(ctx, key, "card declined"); err != nil {
		t.Fatalf("DeclineAttempt: %v", err)
	}
	held, reserved, err = s.ReserveAttempt(ctx, key, "h1", now.Add(time.Hour), time.Minute)
	if err != nil || reserved || held.Status != domain.AttemptStatusDeclined || held.FailureReason != "card declined" {
		t.Fatalf("reserve over declined = %+v, %v, %v", held, reserved, err)
	}
}

func TestHeldAttemptSurvivesExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "client:" + uuid.NewString()
	now := time.Now().UTC()
	amount := decimal.RequireFromString("297.00")

	if _, reserved, err := s.ReserveAttempt(ctx, key, "h1", now, time.Minute); err != nil || !reserved {
		t.Fatalf("reserve = %v, %v", reserved, err)
	}
	if err := s.HoldAttempt(ctx, key, domain.AttemptStatusSettling, "pix-1", amount); err != nil {
		t.Fatalf("hold settling: %v", err)
	}
	if err := s.HoldAttempt(ctx, key, domain.AttemptStatusReconciling, "pix-1", amount); err != nil {
		t.Fatalf("hold reconciling: %v", err)
	}

	held, reserved, err := s.ReserveAttempt(ctx, key, "h1", now.Add(time.Hour), time.Minute)
	if err != nil || reserved {
		t.Fatalf("reserve after expiry = %v, %v", reserved, err)
	}
	if held.Status != domain.AttemptStatusReconciling || held.PaymentReference != "pix-1" || !held.Amount.Equal(amount) {
		t.Fatalf("held attempt = %+v", held)
	}

	if err := s.ReleaseAttempt(ctx, key); err != nil {
		t.Fatalf("ReleaseAttempt: %v", err)
	}
	if _, err := s.GetAttempt(ctx, key); err != nil {
		t.Fatalf("reconciling attempt was released: %v", err)
	}
	if err := s.HoldAttempt(ctx, key, domain.AttemptStatusSettling, "pix-2", amount); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("re-hold error = %v, want conflict", err)
	}
}

func TestSessionStatusOnlyLeavesOpen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	session := &domain.PaymentSession{
		SessionID:         "cs_" + uuid.NewString(),
		CourseID:          "course-1",
		BuyerID:           "buyer-1",
		Amount:            decimal.RequireFromString("97.00"),
		Status:            domain.SessionStatusOpen,
		ClientSecret:      "secret",
		ProviderReference: "pref-1",
		ExpiresAt:         now.Add(time.Hour),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, session.SessionID, domain.SessionStatusComplete, "payer@example.com"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, session.SessionID, domain.SessionStatusExpired, ""); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, err := s.GetSession(ctx, session.SessionID)
	if err != nil || got.Status != domain.SessionStatusComplete || got.CustomerEmail != "payer@example.com" {
		t.Fatalf("session = %+v, %v", got, err)
	}
	if err := s.UpdateSessionStatus(ctx, "cs_missing", domain.SessionStatusExpired, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing session error = %v", err)
	}
}
