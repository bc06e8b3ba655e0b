package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

const (
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"

	maxBodyBytes = 1 << 20
)

// AuthHandler handles HTTP requests for signup, verification and sessions
type AuthHandler struct {
	auth   *service.AuthService
	cookie config.CookieConfig
	secure bool
	logger *zap.Logger
}

func NewAuthHandler(auth *service.AuthService, cfg *config.Config, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		auth:   auth,
		cookie: cfg.Cookie,
		secure: cfg.Cookie.Secure || cfg.IsProduction(),
		logger: logger,
	}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/signup", h.Signup)
	r.Post("/verify-email", h.VerifyEmail)
	r.Post("/resend-otp", h.ResendOTP)
	r.Post("/signin", h.Signin)
	r.Post("/refresh", h.Refresh)
	r.Post("/signout", h.Signout)

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(h.auth))
		r.Get("/me", h.Me)
	})
}

// Signup handles registration and sends the activation code
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req service.SignupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	user, err := h.auth.Signup(r.Context(), &req, requestMeta(r))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Signup failed")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(
		map[string]any{"id": user.ID},
		"User registered successfully, OTP sent to provided email. Please verify.",
	))
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req service.VerifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	session, err := h.auth.VerifyEmail(r.Context(), &req, requestMeta(r))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Verification failed")
		return
	}

	h.setSessionCookies(w, session)
	respondWithJSON(w, http.StatusOK, successResponse(
		map[string]any{"user": session.User},
		"Email verified and user signed in",
	))
}

func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req service.ResendOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.auth.ResendOTP(r.Context(), &req, requestMeta(r)); err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to resend OTP")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "OTP sent to provided email"))
}

func (h *AuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	var req service.SigninRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	session, err := h.auth.Signin(r.Context(), &req, requestMeta(r))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Error signing in")
		return
	}

	h.setSessionCookies(w, session)
	respondWithJSON(w, http.StatusOK, successResponse(
		map[string]any{"user": session.User},
		"User logged in successfully",
	))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh reads the refresh token from its cookie, or from the body when the
// cookie is absent.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := cookieValue(r, refreshCookie)
	if raw == "" {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
			return
		}
		raw = req.RefreshToken
	}
	if raw == "" {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("no refresh token provided"), "Refresh failed")
		return
	}

	session, err := h.auth.Refresh(r.Context(), raw, requestMeta(r))
	if err != nil {
		h.clearSessionCookies(w)
		h.respondWithError(w, getStatusCode(err), err, "Refresh failed")
		return
	}

	h.setSessionCookies(w, session)
	respondWithJSON(w, http.StatusOK, successResponse(
		map[string]any{"user": session.User},
		"Session refreshed",
	))
}

func (h *AuthHandler) Signout(w http.ResponseWriter, r *http.Request) {
	err := h.auth.Signout(r.Context(), cookieValue(r, refreshCookie), requestMeta(r))
	h.clearSessionCookies(w)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Logout failed. Please try again later.")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Logout successful"))
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("no authorization token provided"), "Unauthorized")
		return
	}
	uid, err := claims.UserID()
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, err, "Unauthorized")
		return
	}

	profile, err := h.auth.Profile(r.Context(), uid)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Error fetching user profile")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(profile, "User profile fetched successfully"))
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	fields := []zap.Field{
		util.Int("status_code", statusCode),
		util.String("message", message),
		util.ErrorField(err),
	}
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response", fields...)
	} else {
		h.logger.Warn("HTTP error response", fields...)
	}
	respondWithJSON(w, statusCode, errorResponse(err, statusCode, message))
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, s *service.Session) {
	http.SetCookie(w, h.newCookie(accessCookie, s.AccessToken, s.AccessExpiresAt))
	http.SetCookie(w, h.newCookie(refreshCookie, s.RefreshToken, s.RefreshExpiresAt))
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, h.newCookie(accessCookie, "", time.Time{}))
	http.SetCookie(w, h.newCookie(refreshCookie, "", time.Time{}))
}

// newCookie builds a session cookie. A zero expiry deletes the cookie.
func (h *AuthHandler) newCookie(name, value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cookie.Domain,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	}
	if expires.IsZero() {
		c.MaxAge = -1
		return c
	}
	c.Expires = expires
	c.MaxAge = int(time.Until(expires).Seconds())
	return c
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return nil
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// clientIP strips the port RemoteAddr carries when no proxy header was seen.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
