package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/llmops-lab/blackbox-gateway/internal/gateway/budget"
	"github.com/llmops-lab/blackbox-gateway/internal/shared/redis"
)

type ctxKey int

const fingerprintKey ctxKey = iota

// FingerprintFromContext returns the API key fingerprint set by the
// KeyFingerprint middleware, or the anonymous fingerprint.
func FingerprintFromContext(ctx context.Context) string {
	if fp, ok := ctx.Value(fingerprintKey).(string); ok {
		return fp
	}
	return budget.Fingerprint("")
}

type Middleware struct {
	redis     *redis.Client
	rateLimit int
}

func NewMiddleware(redisClient *redis.Client, rateLimit int) *Middleware {
	return &Middleware{
		redis:     redisClient,
		rateLimit: rateLimit,
	}
}

// KeyFingerprint hashes the caller's bearer token into the request context.
// The raw key is not validated and not kept: the gateway attributes spend to
// fingerprints, it does not authenticate. Requests without a key are
// attributed to the shared anonymous fingerprint.
func (m *Middleware) KeyFingerprint(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rawKey string
		authHeader := r.Header.Get("Authorization")
		if after, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			rawKey = strings.TrimSpace(after)
		}

		ctx := context.WithValue(r.Context(), fingerprintKey, budget.Fingerprint(rawKey))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimit enforces a fixed-window per-minute request limit per fingerprint.
// This is request-count throttling, separate from the budget guard's cost
// admission. If Redis is unavailable the request passes through.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fingerprint := FingerprintFromContext(r.Context())

		exceeded, remaining, err := m.redis.CheckRateLimit(r.Context(), fingerprint, m.rateLimit)
		if err != nil {
			log.Warn().Err(err).Msg("rate limit check unavailable, passing request through")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.rateLimit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if exceeded {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
				"too many requests, try again in a minute", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORS handles cross-origin requests
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
