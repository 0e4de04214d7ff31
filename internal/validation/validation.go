// Package validation guards operator API inputs.
package validation

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxTokenLength bounds a session token accepted in a URL path.
const MaxTokenLength = 256

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

// SanitizeString trims whitespace, drops control characters and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// IsValidToken reports whether s can be used as a lookup key: non-empty,
// bounded, and free of whitespace and control characters.
func IsValidToken(s string) bool {
	if s == "" || len(s) > MaxTokenLength {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// TokenParamMiddleware rejects malformed :token URL parameters early.
func TokenParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsValidToken(c.Param("token")) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_token",
				"message": "token must be 1-256 printable characters without whitespace",
			})
			return
		}
		c.Next()
	}
}
