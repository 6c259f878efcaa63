package httpapi

import (
	"context"
	"net/http"

	"github.com/kadirpekel/agentcore/internal/errs"
	"github.com/kadirpekel/agentcore/internal/fingerprint"
)

type contextKey string

const (
	callerKeyContextKey contextKey = "caller_key"
	callerFPContextKey  contextKey = "caller_fp"
)

// apiKeyMiddleware extracts X-API-Key, grounded on the teacher's
// JWTValidator.HTTPMiddleware header-extraction shape but adapted for a
// flat API key instead of a bearer JWT: missing or empty ⇒ 401 (spec §6.1).
func apiKeyMiddleware(hasher *fingerprint.Hasher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeError(w, errs.New(errs.Unauthenticated, "ERR_API_KEY_MISSING", "X-API-Key header is required"))
				return
			}

			fpCache := fingerprint.NewRequestCache(hasher)
			fp := fpCache.Fingerprint(key)
			ctx := fingerprint.WithRequestCache(r.Context(), fpCache)
			ctx = context.WithValue(ctx, callerKeyContextKey, key)
			ctx = context.WithValue(ctx, callerFPContextKey, fp)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func callerKey(r *http.Request) string {
	key, _ := r.Context().Value(callerKeyContextKey).(string)
	return key
}

func callerFP(r *http.Request) fingerprint.Fingerprint {
	fp, _ := r.Context().Value(callerFPContextKey).(fingerprint.Fingerprint)
	return fp
}
