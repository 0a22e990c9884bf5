package validation

import (
	"testing"
	"time"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

func TestValidCardNumber(t *testing.T) {
	tests := []struct {
		number string
		want   bool
	}{
		{"4111 1111 1111 1111", true},
		{"4111-1111-1111-1111", true},
		{"4111111111111111", true},
		{"5555555555554444", true},
		{"4111-1111-1111-1112", false},
		{"4111 1111 1111 111a", false},
		{"4111", false},
		{"", false},
		{"41111111111111111111", false},
	}
	for _, tt := range tests {
		if got := ValidCardNumber(tt.number); got != tt.want {
			t.Errorf("ValidCardNumber(%q) = %v, want %v", tt.number, got, tt.want)
		}
	}
}

func TestValidExpiry(t *testing.T) {
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		expiry string
		want   bool
	}{
		{"01/20", false},
		{"02/26", false},
		{"03/26", true},
		{"12/30", true},
		{"13/30", false},
		{"00/30", false},
		{"3/30", false},
		{"03-30", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidExpiry(tt.expiry, now); got != tt.want {
			t.Errorf("ValidExpiry(%q) = %v, want %v", tt.expiry, got, tt.want)
		}
	}
}

func TestCardStructValidation(t *testing.T) {
	now := func() time.Time { return time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC) }
	v := New(now)

	card := domain.CardData{
		Number:     "4111-1111-1111-1112",
		Expiry:     "01/20",
		CVV:        "12",
		HolderName: "  ",
	}
	fields := FieldErrors(v.Struct(card), "paymentData.")
	got := map[string]bool{}
	for _, f := range fields {
		got[f.Field] = true
	}
	for _, want := range []string{"paymentData.cardNumber", "paymentData.expiry", "paymentData.cvv", "paymentData.holderName"} {
		if !got[want] {
			t.Errorf("missing field error for %s in %+v", want, fields)
		}
	}

	valid := domain.CardData{
		Number:     "4111 1111 1111 1111",
		Expiry:     "12/30",
		CVV:        "123",
		HolderName: "Ana Souza",
	}
	if err := v.Struct(valid); err != nil {
		t.Fatalf("valid card rejected: %v", err)
	}
}
