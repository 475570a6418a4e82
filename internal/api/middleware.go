package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeskhq/opsdesk/internal/redis"
	"github.com/opsdeskhq/opsdesk/internal/tenant"
)

// TenantContextMiddleware establishes the per-request tenant context from
// the X-Tenant-ID header. The context is set exactly once here and read by
// every handler and transaction hook downstream; requests without a valid
// tenant are rejected before touching any data.
func TenantContextMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("X-Tenant-ID")
			if raw == "" {
				writeProblem(w, http.StatusBadRequest, "missing_tenant", "Missing tenant", "X-Tenant-ID header is required")
				return
			}
			tenantID, err := uuid.Parse(raw)
			if err != nil {
				writeProblem(w, http.StatusBadRequest, "invalid_tenant", "Invalid tenant", "X-Tenant-ID must be a valid UUID")
				return
			}

			role := tenant.RoleMember
			if hdr := r.Header.Get("X-Role"); hdr != "" {
				role = tenant.Role(hdr)
				if !role.Valid() {
					writeProblem(w, http.StatusBadRequest, "invalid_role", "Invalid role", "X-Role must be member or owner_admin")
					return
				}
			}

			ctx := tenant.NewContext(r.Context(), tenant.Context{TenantID: tenantID, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware creates an HTTP middleware that enforces per-tenant
// rate limits. A nil limiter (Redis unavailable) disables limiting.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			tc, ok := tenant.FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			key := "tenant:" + tc.TenantID.String()

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				retryAfter := time.Until(result.ResetAt).Seconds()
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter)))
				writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
