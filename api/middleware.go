package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey int

const actorKey contextKey = iota

// actorHeader names the operator on whose behalf an authenticated caller
// acts. It is recorded on revocations and in the audit log.
const actorHeader = "X-Actor"

const defaultActor = "admin"

// AdminAuth checks the static admin bearer token when one is configured and
// stores the acting operator on the request context. Repeated failures from
// one client IP are rate limited.
func (a *API) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken != "" {
			ip := a.extractClientIP(r)
			if blocked, retryAfter := a.limiter.check(ip); blocked {
				a.audit.logFailure(AuditAuthRateLimited, r, "locked out")
				writeRateLimited(w, retryAfter)
				return
			}
			token, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
				a.limiter.recordFailure(ip)
				a.audit.logFailure(AuditAuthFailure, r, "invalid admin token")
				w.Header().Set("WWW-Authenticate", `Bearer realm="caengine"`)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			a.limiter.recordSuccess(ip)
		}

		actor := strings.TrimSpace(r.Header.Get(actorHeader))
		if actor == "" {
			actor = defaultActor
		}
		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func actorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
