// Package validation provides input validation helpers for the satwatch API.
package validation

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). No satwatch
// endpoint accepts payloads anywhere near this.
const MaxRequestSize = 64 << 10

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxSatsAmount caps a single credit purchase or deduction. Far above
// any plausible legitimate request, far below int64 overflow territory.
const MaxSatsAmount = 100_000_000 // one whole bitcoin

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
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

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidSats checks that an integer is a usable sat amount.
func ValidSats(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive number of sats"}
		}
		if value > MaxSatsAmount {
			return &ValidationError{Field: field, Message: "exceeds maximum sat amount"}
		}
		return nil
	}
}

// ParseSats parses a string sat amount and validates its range.
func ParseSats(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 || n > MaxSatsAmount {
		return 0, false
	}
	return n, true
}

// ValidAction checks that a usage action label is well-formed: lowercase
// words joined by underscores, like the actions the API records.
func ValidAction(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		for _, c := range value {
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
				return &ValidationError{Field: field, Message: "must be lowercase words joined by underscores"}
			}
		}
		if strings.HasPrefix(value, "_") || strings.HasSuffix(value, "_") {
			return &ValidationError{Field: field, Message: "must be lowercase words joined by underscores"}
		}
		return nil
	}
}
