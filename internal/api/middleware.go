/**
 * @description
 * This file contains custom middleware for the HTTP router: optional bearer-token
 * authentication and rate limiting for the admin settlement endpoints.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HS256 token validation.
 */

package api

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/danielabrahamx/blink/internal/app"
)

// AdminSubjectContextKey is a custom type for the context key to avoid collisions.
type AdminSubjectContextKey string

const adminSubjectKey AdminSubjectContextKey = "adminSubject"

// AdminSubjectFromContext returns the authenticated admin subject, if any.
func AdminSubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(adminSubjectKey).(string)
	return subject, ok && subject != ""
}

// AdminAuthMiddleware validates HS256 bearer tokens signed with secret. An empty
// secret disables authentication.
func AdminAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if strings.TrimSpace(secret) == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Get the Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Authorization header required"})
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid Authorization header format"})
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid token"})
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Subject not found in token"})
				return
			}

			ctx := context.WithValue(r.Context(), adminSubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminLimiter admits admin requests per caller.
type AdminLimiter interface {
	Admit(ctx context.Context, scope string, caller app.AdminCaller, limit int) (app.AdminQuota, error)
}

// RateLimitMiddleware allows limit admin requests per minute per JWT subject,
// or per client IP when admin auth is disabled. Limiter errors let the request
// through.
func RateLimitMiddleware(limiter AdminLimiter, scope string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := app.AdminCaller{IP: clientIP(r)}
			if subject, ok := AdminSubjectFromContext(r.Context()); ok {
				caller.Subject = subject
			}

			quota, err := limiter.Admit(r.Context(), scope, caller, limit)
			if err != nil {
				log.Warn().Err(err).Str("component", "api").Str("scope", scope).Msg("rate limiter unavailable; allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !quota.Allowed {
				retryAfter := int(math.Ceil(quota.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Too many requests"})
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(quota.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
