// Package sessions records correlation metadata for monitored sessions.
//
// A record is created when a client announces its session token and is
// keyed by that token. Tokens are client-supplied labels, not identities.
// Records are never evicted: the table grows for the lifetime of the
// process (or the backing database).
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sentinel/internal/pagination"
)

// ErrNotFound is returned by Get for unknown tokens.
var ErrNotFound = errors.New("session not found")

// Record is the metadata captured at session init.
type Record struct {
	Token         string    `json:"token"`
	StartTime     time.Time `json:"startTime"`
	SourceAddress string    `json:"sourceAddress"`
	UserAgent     string    `json:"userAgent"`
}

// Store persists session records. Create is an upsert: a repeated token
// replaces the previous record.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, token string) (*Record, error)
	// List returns up to limit records newest first (StartTime, then Token,
	// both descending), starting strictly after the cursor when one is given.
	List(ctx context.Context, after *pagination.Cursor, limit int) ([]Record, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
