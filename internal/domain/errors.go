// Package domain contains the core business entities and interfaces for the checkout service.
package domain

import "errors"

// Error kinds. Every error returned across a service boundary wraps exactly one of these.
var (
	// ErrValidation is returned for malformed requests, bad card data or unpublished courses.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a course, session or affiliate does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPaymentDeclined is returned when the gateway explicitly rejected a charge.
	ErrPaymentDeclined = errors.New("payment declined")

	// ErrGatewayUnavailable is returned when the payment provider could not be reached.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrCatalogUnavailable is returned when the catalog API could not be reached.
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrConflict is returned when the records for a purchase already exist
	// or the same checkout is still in flight.
	ErrConflict = errors.New("conflict")

	// ErrInternal is returned for storage failures and other unexpected conditions.
	ErrInternal = errors.New("internal error")
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// CheckoutError wraps an error kind with a caller facing message and code.
type CheckoutError struct {
	Err       error
	Message   string
	Code      string
	Fields    []FieldError
	Retryable bool
}

// Error implements the error interface.
func (e *CheckoutError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with CheckoutError.
func (e *CheckoutError) Unwrap() error {
	return e.Err
}

// NewCheckoutError creates a new CheckoutError with the given kind, message and code.
func NewCheckoutError(err error, message, code string) *CheckoutError {
	return &CheckoutError{
		Err:       err,
		Message:   message,
		Code:      code,
		Retryable: errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrCatalogUnavailable),
	}
}

// NewValidationError creates a validation error carrying field level detail.
func NewValidationError(message string, fields ...FieldError) *CheckoutError {
	return &CheckoutError{
		Err:     ErrValidation,
		Message: message,
		Code:    "VALIDATION_ERROR",
		Fields:  fields,
	}
}

var kinds = []error{
	ErrValidation,
	ErrNotFound,
	ErrPaymentDeclined,
	ErrGatewayUnavailable,
	ErrCatalogUnavailable,
	ErrConflict,
	ErrInternal,
}

// KindOf returns the error kind err wraps, or ErrInternal for unclassified errors.
func KindOf(err error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err, kind error) bool {
	return err != nil && KindOf(err) == kind
}
