package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"opaque-idp/internal/logging"
)

// WriteHeaders sets the X-RateLimit headers for res, and Retry-After when denied.
// Disabled classes get no headers.
func WriteHeaders(w http.ResponseWriter, res Result) {
	if res.Disabled {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(retrySeconds(res.RetryAfter)))
	}
}

func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// WriteTooManyRequests writes the 429 response body for a denied result.
func WriteTooManyRequests(w http.ResponseWriter, res Result) {
	WriteHeaders(w, res)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":               "too many requests",
		"retry_after_seconds": retrySeconds(res.RetryAfter),
	})
}

// Middleware limits every request by client IP under class. Identifier-scoped checks
// happen in the handlers that know the identifier.
func (l *Limiter) Middleware(class Class, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Check(r.Context(), class, ClientIP(r, trustProxy), "")
			if err != nil {
				l.logger.Error("rate limit check failed", logging.Err(err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if !res.Allowed {
				WriteTooManyRequests(w, res)
				return
			}
			WriteHeaders(w, res)
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the caller address. X-Forwarded-For is only honoured behind a trusted
// proxy; otherwise any client could pick its own rate-limit scope.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
