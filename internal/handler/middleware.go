package handler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"identity-service/internal/token"
	"identity-service/internal/util"
)

type contextKey string

const claimsKey contextKey = "claims"

// RateLimiter counts requests per client IP.
type RateLimiter interface {
	AllowIP(ctx context.Context, ip string) (bool, time.Duration, error)
}

// Authenticator validates access tokens.
type Authenticator interface {
	Authenticate(raw string) (*token.Claims, error)
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// RateLimitMiddleware rejects clients over their request budget with 429. A
// limiter failure lets the request through.
func RateLimitMiddleware(limiter RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retry, err := limiter.AllowIP(r.Context(), clientIP(r))
			if err != nil {
				logger.Warn("Rate limiter unavailable", util.ErrorField(err))
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				secs := int(math.Ceil(retry.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				respondWithJSON(w, http.StatusTooManyRequests, Response{
					Success: false,
					Message: fmt.Sprintf("Rate limit exceeded, retry in %ds", secs),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth accepts an access token from the access_token cookie or a
// Bearer header and stores its claims in the request context.
func RequireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := cookieValue(r, accessCookie)
			if raw == "" {
				if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
					raw = strings.TrimSpace(h[7:])
				}
			}
			if raw == "" {
				respondWithJSON(w, http.StatusUnauthorized, Response{
					Success: false,
					Message: "No authorization token provided",
				})
				return
			}

			claims, err := auth.Authenticate(raw)
			if err != nil {
				msg := "Invalid authorization token"
				if errors.Is(err, token.ErrTokenExpired) {
					msg = "Authorization token expired"
				}
				respondWithJSON(w, http.StatusUnauthorized, Response{Success: false, Message: msg})
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*token.Claims)
	return c, ok
}
