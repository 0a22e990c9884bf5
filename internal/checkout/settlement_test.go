package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edumarket/edumarket-checkout/internal/domain"
	"github.com/edumarket/edumarket-checkout/internal/payment"
)

// scriptedSettler leaves every PIX charge pending and answers confirmations
// from a script. The last entry repeats once the script runs out.
type scriptedSettler struct {
	mu       sync.Mutex
	confirms []payment.SettlementStatus
}

func (s *scriptedSettler) Settle(_ context.Context, _ payment.SettlementRequest) (*payment.Settlement, error) {
	return &payment.Settlement{Status: payment.SettlementPending, Reference: "pix-1"}, nil
}

func (s *scriptedSettler) Confirm(_ context.Context, reference string) (*payment.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.confirms[0]
	if len(s.confirms) > 1 {
		s.confirms = s.confirms[1:]
	}
	st := &payment.Settlement{Status: status, Reference: reference}
	if status == payment.SettlementDeclined {
		st.Reason = "pix expired"
	}
	return st, nil
}

// withSettler swaps the direct strategy for one polling settler twice per call.
func (h *harness) withSettler(settler payment.Settler) {
	direct := payment.NewDirect(settler, payment.ConfirmPolicy{Attempts: 2, Delay: time.Millisecond}, h.clock.Now)
	h.gateway.PaymentGateway = payment.NewGateway(direct, h.hosted, h.clock.Now)
}

func TestPendingSettlementHoldsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.withSettler(&scriptedSettler{confirms: []payment.SettlementStatus{payment.SettlementPending}})

	_, err := h.svc.ProcessCheckout(ctx, pixRequest("key-1", ""))
	var cerr *domain.CheckoutError
	if !errors.Is(err, domain.ErrConflict) || !errors.As(err, &cerr) || cerr.Code != codeSettlementPending || !cerr.Retryable {
		t.Fatalf("error = %v, want retryable %s", err, codeSettlementPending)
	}

	at, err := h.store.GetAttempt(ctx, "client:buyer-1:key-1")
	if err != nil || at.Status != domain.AttemptStatusSettling || at.PaymentReference != "pix-1" || at.Amount.StringFixed(2) != "297.00" {
		t.Fatalf("attempt = %+v, %v", at, err)
	}
	recs := h.store.Reconciliations()
	if len(recs) != 1 || recs[0].Reason != domain.ReconciliationSettlementPending || recs[0].PaymentReference != "pix-1" {
		t.Fatalf("reconciliations = %+v", recs)
	}
	assertCounts(t, h.store, 0, 0, 0)
}

func TestRetryConfirmsPendingSettlement(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		held        string
		confirms    []payment.SettlementStatus
		wantErr     error
		wantSales   int
		wantAttempt domain.AttemptStatus // empty when the attempt is released
	}{
		{
			name:        "settles",
			key:         "key-1",
			held:        "client:buyer-1:key-1",
			confirms:    []payment.SettlementStatus{payment.SettlementPending, payment.SettlementPending, payment.SettlementApproved},
			wantSales:   1,
			wantAttempt: domain.AttemptStatusSucceeded,
		},
		{
			name:        "settles on a later retry",
			key:         "",
			held:        "auto:buyer-1:course-1",
			confirms:    []payment.SettlementStatus{payment.SettlementPending, payment.SettlementPending, payment.SettlementPending, payment.SettlementPending, payment.SettlementApproved},
			wantErr:     domain.ErrConflict,
			wantAttempt: domain.AttemptStatusSettling,
		},
		{
			name:        "declined with client key",
			key:         "key-1",
			held:        "client:buyer-1:key-1",
			confirms:    []payment.SettlementStatus{payment.SettlementPending, payment.SettlementPending, payment.SettlementDeclined},
			wantErr:     domain.ErrPaymentDeclined,
			wantAttempt: domain.AttemptStatusDeclined,
		},
		{
			name:     "declined with derived key",
			key:      "",
			held:     "auto:buyer-1:course-1",
			confirms: []payment.SettlementStatus{payment.SettlementPending, payment.SettlementPending, payment.SettlementDeclined},
			wantErr:  domain.ErrPaymentDeclined,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.withSettler(&scriptedSettler{confirms: tt.confirms})

			if _, err := h.svc.ProcessCheckout(ctx, pixRequest(tt.key, "")); !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("first call error = %v, want conflict", err)
			}

			// The key stays bound to the charge well past the attempt TTL.
			h.clock.Advance(10 * time.Minute)
			res, err := h.svc.ProcessCheckout(ctx, pixRequest(tt.key, ""))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("retry error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("retry: %v", err)
			}

			if n := h.gateway.charges.Load(); n != 1 {
				t.Fatalf("charged %d times, want 1", n)
			}
			assertCounts(t, h.store, tt.wantSales, tt.wantSales, 0)
			if tt.wantSales == 1 {
				sale, ok := h.store.Sale(res.SaleID)
				if !ok || sale.PaymentReference != "pix-1" || sale.Amount.StringFixed(2) != "297.00" {
					t.Fatalf("sale = %+v, found %v", sale, ok)
				}
			}

			at, err := h.store.GetAttempt(ctx, tt.held)
			if tt.wantAttempt == "" {
				if !errors.Is(err, domain.ErrNotFound) {
					t.Fatalf("attempt = %+v, %v; want released", at, err)
				}
				return
			}
			if err != nil || at.Status != tt.wantAttempt {
				t.Fatalf("attempt = %+v, %v; want %s", at, err, tt.wantAttempt)
			}
		})
	}
}

func TestSettledRetryIsReplayed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.withSettler(&scriptedSettler{confirms: []payment.SettlementStatus{
		payment.SettlementPending, payment.SettlementPending, payment.SettlementApproved,
	}})

	_, _ = h.svc.ProcessCheckout(ctx, pixRequest("key-1", ""))
	first, err := h.svc.ProcessCheckout(ctx, pixRequest("key-1", ""))
	if err != nil {
		t.Fatalf("settling retry: %v", err)
	}
	again, err := h.svc.ProcessCheckout(ctx, pixRequest("key-1", ""))
	if err != nil || !again.Replayed || again.SaleID != first.SaleID {
		t.Fatalf("replay = %+v, %v", again, err)
	}
	if n := h.gateway.charges.Load(); n != 1 {
		t.Fatalf("charged %d times, want 1", n)
	}
}
