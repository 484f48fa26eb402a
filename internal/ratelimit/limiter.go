// Package ratelimit counts requests per client key inside fixed windows.
package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// FallbackKey identifies clients that did not present a forwarded address.
const FallbackKey = "unknown"

// Result is the outcome of one Check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is policy-agnostic: every caller supplies its own budget.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// ClientKey returns the first entry of X-Forwarded-For, or FallbackKey.
func ClientKey(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return FallbackKey
	}
	first, _, _ := strings.Cut(forwarded, ",")
	first = strings.TrimSpace(first)
	if first == "" {
		return FallbackKey
	}
	return first
}
