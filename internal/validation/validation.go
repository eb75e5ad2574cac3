// Package validation provides input validation helpers for the marketplace API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxReasonLength bounds free-text reason/description fields
const MaxReasonLength = 2000

var (
	// idRegex validates prefixed record IDs (ord_..., pay_..., esc_..., dsp_...)
	idRegex = regexp.MustCompile(`^[a-z]{2,8}_[a-f0-9]{8,32}$`)
	// currencyRegex validates ISO 4217 codes
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string is a well-formed prefixed record ID
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IsValidCurrency checks if a string is a 3-letter ISO 4217 code
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// SanitizeString trims whitespace, strips null bytes, and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a single failed field check
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Field + ": " + ve.Message
	}
	return strings.Join(parts, "; ")
}

// Validate runs validators and collects every failure, so callers see
// all missing fields at once rather than one per round trip.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks if a field is a well-formed record ID
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be a valid record ID"}
		}
		return nil
	}
}

// ValidCurrency checks if a field is an ISO 4217 currency code
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a 3-letter ISO 4217 code"}
		}
		return nil
	}
}

// PositiveAmount checks a minor-unit amount is strictly positive
func PositiveAmount(field string, amount int64) func() *ValidationError {
	return func() *ValidationError {
		if amount <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive amount in minor units"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
