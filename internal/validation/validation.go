// Package validation provides input validation helpers and middleware for
// the escrow API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/channelescrow/internal/idgen"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims, strips null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// IsDealRef reports whether s is a deal UUID or a TXN- reference.
func IsDealRef(s string) bool {
	if idgen.IsTransactionID(s) {
		return true
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// ValidationError represents a validation error
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
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf checks an optional enum field. Empty values pass; combine with
// Required when the field is mandatory.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Money checks a monetary amount: at most two decimal places, positive, or
// zero when allowZero is set.
func Money(field string, value decimal.Decimal, allowZero bool) func() *ValidationError {
	return func() *ValidationError {
		if value.IsNegative() || (!allowZero && value.IsZero()) {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		if value.Exponent() < -2 {
			return &ValidationError{Field: field, Message: "at most two decimal places"}
		}
		return nil
	}
}

// NotEmpty checks that a list field has at least one element.
func NotEmpty[T any](field string, values []T) func() *ValidationError {
	return func() *ValidationError {
		if len(values) == 0 {
			return &ValidationError{Field: field, Message: "at least one value is required"}
		}
		return nil
	}
}

// DealRefParamMiddleware rejects malformed :id parameters before they reach
// a handler.
func DealRefParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsDealRef(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "validation_error",
				"message": "id must be a deal UUID or a TXN- reference",
			})
			return
		}
		c.Next()
	}
}
