package api

import (
	"net/http"
	"time"

	"github.com/kalambet/scanline/internal/storage"
)

// DefaultRateLimit is the per-key request ceiling over the trailing window.
const DefaultRateLimit = 100

// rateWindow is the trailing span requests are counted over.
const rateWindow = time.Hour

// RateLimit rejects a key's requests once it has used its allowance within
// the trailing hour. The decision rides on the persisted request log, so
// capacity returns gradually as old requests age out rather than all at
// once on an interval boundary.
func RateLimit(store *storage.Store, limit int, now func() time.Time) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := apiKeyFrom(r)
			ok, err := store.AdmitGatewayRequest(key.ID, now().UTC(), rateWindow, limit)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to apply rate limit: %v", err)
				return
			}
			if !ok {
				httpError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit of %d requests per hour exceeded", limit)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
