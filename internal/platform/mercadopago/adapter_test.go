package mercadopago

import (
	"net/url"
	"testing"
	"time"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

func TestStateOf(t *testing.T) {
	tests := []struct {
		name     string
		payments []paymentSummary
		want     domain.SessionStatus
	}{
		{"no payments yet", nil, domain.SessionStatusOpen},
		{"pending pix", []paymentSummary{{ID: "1", Status: "pending"}}, domain.SessionStatusOpen},
		{"rejected card can be retried", []paymentSummary{{ID: "1", Status: "rejected"}}, domain.SessionStatusOpen},
		{"approved after rejection", []paymentSummary{{ID: "1", Status: "rejected"}, {ID: "2", Status: "approved", Email: "a@b.com"}}, domain.SessionStatusComplete},
		{"all cancelled", []paymentSummary{{ID: "1", Status: "cancelled"}, {ID: "2", Status: "refunded"}}, domain.SessionStatusExpired},
		{"cancelled and pending", []paymentSummary{{ID: "1", Status: "cancelled"}, {ID: "2", Status: "in_process"}}, domain.SessionStatusOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stateOf(tt.payments)
			if got.Status != tt.want {
				t.Fatalf("status = %s, want %s", got.Status, tt.want)
			}
			if got.Status == domain.SessionStatusComplete && (got.PaymentReference != "mp_2" || got.CustomerEmail != "a@b.com") {
				t.Fatalf("state = %+v", got)
			}
		})
	}
}

func TestReturnURL(t *testing.T) {
	got := returnURL("https://edumarket.example.com/checkout/return?lang=pt", "cs_123", "success")
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("session_id") != "cs_123" || q.Get("result") != "success" || q.Get("lang") != "pt" {
		t.Fatalf("query = %v", q)
	}
	if returnURL("", "cs_123", "success") != "" {
		t.Fatal("empty base should stay empty")
	}
}

func TestSignatureVerifier(t *testing.T) {
	now := time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)
	v := NewSignatureVerifier("whsec", 5*time.Minute, func() time.Time { return now })

	header := SignatureHeader("whsec", "123456", "req-1", now.Add(-time.Minute))
	if !v.Verify(header, "req-1", "123456") {
		t.Fatal("valid signature rejected")
	}

	tests := []struct {
		name      string
		header    string
		requestID string
		dataID    string
	}{
		{"empty header", "", "req-1", "123456"},
		{"wrong secret", SignatureHeader("other", "123456", "req-1", now), "req-1", "123456"},
		{"tampered data id", header, "req-1", "654321"},
		{"tampered request id", header, "req-2", "123456"},
		{"stale timestamp", SignatureHeader("whsec", "123456", "req-1", now.Add(-time.Hour)), "req-1", "123456"},
		{"malformed", "v1=abc", "req-1", "123456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v.Verify(tt.header, tt.requestID, tt.dataID) {
				t.Fatal("signature accepted")
			}
		})
	}

	if NewSignatureVerifier("", 0, nil).Verify(header, "req-1", "123456") {
		t.Fatal("verifier without secret accepted a signature")
	}
}
