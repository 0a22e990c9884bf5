// Package validation configures the struct validator shared by the service and HTTP layers.
package validation

import (
	"errors"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// New returns a validator with the checkout tags registered.
// now drives the card_expiry check.
func New(now func() time.Time) *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(jsonName)

	_ = v.RegisterValidation("luhn", func(fl validator.FieldLevel) bool {
		return ValidCardNumber(fl.Field().String())
	})
	_ = v.RegisterValidation("card_expiry", func(fl validator.FieldLevel) bool {
		return ValidExpiry(fl.Field().String(), now())
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

func jsonName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return f.Name
	}
	return name
}

// StripCardNumber removes the spaces and dashes a card number is usually typed with.
func StripCardNumber(number string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, number)
}

// ValidCardNumber applies the Luhn checksum to a 12 to 19 digit card number.
func ValidCardNumber(number string) bool {
	digits := StripCardNumber(number)
	if len(digits) < 12 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		n := int(c - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

// ValidExpiry checks an MM/YY expiry. A card is valid through the last day of its month.
func ValidExpiry(expiry string, now time.Time) bool {
	parts := strings.Split(strings.TrimSpace(expiry), "/")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return false
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return false
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil || year < 0 {
		return false
	}
	// First instant of the month after expiry.
	end := time.Date(2000+year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC)
	return now.UTC().Before(end)
}

var messages = map[string]string{
	"required":    "is required",
	"luhn":        "is not a valid card number",
	"card_expiry": "must be a future expiry in MM/YY format",
	"numeric":     "must contain only digits",
	"min":         "is too short",
	"max":         "is too long",
	"email":       "must be a valid email address",
	"oneof":       "has an unsupported value",
	"notblank":    "must not be blank",
	"gte":         "is below the allowed range",
	"lte":         "is above the allowed range",
}

// FieldErrors converts validator errors into field level errors.
// prefix is prepended to every field name.
func FieldErrors(err error, prefix string) []domain.FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]domain.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := messages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		out = append(out, domain.FieldError{Field: prefix + fe.Field(), Message: msg})
	}
	return out
}
