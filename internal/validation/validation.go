// Package validation checks host API input before it reaches the guard.
package validation

import (
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/idgen"
)

// MaxRequestSize caps request bodies. A full signal batch fits well below it.
const MaxRequestSize = 1 << 20

// MaxUserIDLength bounds the user identifier passed on authentication.
const MaxUserIDLength = 256

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects the field errors of one request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(msgs, "; ")
}

// RequestSizeMiddleware limits request body size. Reads past the limit fail
// with *http.MaxBytesError.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// UserID trims raw and checks it names a user: present, at most
// MaxUserIDLength bytes, with no control characters. The trimmed value is
// returned with any errors.
func UserID(raw string) (string, Errors) {
	id := strings.TrimSpace(raw)
	var errs Errors
	switch {
	case id == "":
		errs = append(errs, FieldError{Field: "userId", Message: "is required"})
	case len(id) > MaxUserIDLength:
		errs = append(errs, FieldError{Field: "userId", Message: "exceeds " + strconv.Itoa(MaxUserIDLength) + " bytes"})
	case strings.ContainsFunc(id, unicode.IsControl):
		errs = append(errs, FieldError{Field: "userId", Message: "contains control characters"})
	}
	return id, errs
}

// Limit parses a "limit" query value. Empty gives def; values above max are
// clamped; anything else that is not a positive integer is an error.
func Limit(raw string, def, max int) (int, *FieldError) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &FieldError{Field: "limit", Message: "must be a positive integer"}
	}
	return min(n, max), nil
}

// IDParamMiddleware rejects requests whose :id parameter is not an ID
// carrying prefix, e.g. "inc_".
func IDParamMiddleware(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !strings.HasPrefix(id, prefix) || !idgen.Valid(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must look like " + prefix + "<32 hex chars>",
			})
			return
		}
		c.Next()
	}
}
