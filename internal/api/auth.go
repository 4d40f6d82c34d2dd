package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/scanline/internal/storage"
)

type ctxKey int

const (
	ctxKeyUser ctxKey = iota
	ctxKeyAPIKey
)

// KeyAuth authenticates requests with a bearer API key. Revoked or unknown
// keys and keys owned by non-enterprise accounts all fail identically with
// 401; the API surface is an enterprise feature.
func KeyAuth(store *storage.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing api key")
				return
			}

			secret := auth[len(prefix):]
			key, err := store.GetAPIKeyBySecret(secret)
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing api key")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to authenticate: %v", err)
				return
			}
			// The SQL lookup already matched on equality; re-check in
			// constant time so the byte comparison itself leaks nothing.
			if subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing api key")
				return
			}

			user, err := store.GetUser(key.UserID)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to authenticate: %v", err)
				return
			}
			if user.Tier != "enterprise" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "api access requires an enterprise account")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyUser, user)
			ctx = context.WithValue(ctx, ctxKeyAPIKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userFrom(r *http.Request) storage.User {
	u, _ := r.Context().Value(ctxKeyUser).(storage.User)
	return u
}

func apiKeyFrom(r *http.Request) storage.APIKey {
	k, _ := r.Context().Value(ctxKeyAPIKey).(storage.APIKey)
	return k
}
