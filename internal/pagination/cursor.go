// Package pagination implements keyset cursors over (time, key) ordered
// listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrInvalidCursor is returned by Decode for tampered or truncated cursors.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the position just after the last item of a page.
type Cursor struct {
	At  time.Time
	Key string
}

// After reports whether an item sorted newest-first comes after c.
func (c *Cursor) After(at time.Time, key string) bool {
	if c == nil {
		return true
	}
	if !at.Equal(c.At) {
		return at.Before(c.At)
	}
	return key < c.Key
}

// Encode returns an opaque cursor string.
func Encode(at time.Time, key string) string {
	raw := fmt.Sprintf("%d|%s", at.UnixNano(), key)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode. Empty input yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, key, ok := strings.Cut(string(raw), "|")
	if !ok || key == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), Key: key}, nil
}

// ParseLimit reads a page size, falling back to DefaultLimit and capping
// at MaxLimit.
func ParseLimit(s string) (int, error) {
	if s == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return min(n, MaxLimit), nil
}

// ComputePage trims items fetched with limit+1 to limit and returns the
// cursor for the next page, if any.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, k := key(items[len(items)-1])
	return items, Encode(at, k), true
}
