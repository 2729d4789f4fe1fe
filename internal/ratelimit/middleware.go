package ratelimit

import (
	"net/http"
	"strconv"
)

// Check applies the dynamic rate limit for one request and writes the
// standard X-RateLimit-* headers. It returns false when the caller must
// reject the request with 429 (retryAfter has already been written to the
// Retry-After header in that case).
func (s *Store) Check(w http.ResponseWriter, slug, path, method, role, clientIP string) bool {
	key := Key(slug, path, method, role, clientIP)
	allowed, remaining, retryAfter := s.Allow(key)

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.Limit()))
	if allowed {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", "0")
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	return false
}
