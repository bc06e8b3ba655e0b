package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	mailmocks "identity-service/internal/mailer/mocks"
	"identity-service/internal/models"
	"identity-service/internal/otp"
	"identity-service/internal/repository"
	repomocks "identity-service/internal/repository/mocks"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/service"
	"identity-service/internal/token"
)

const testCode = "482913"

type testServer struct {
	router chi.Router
	users  *repomocks.MockUserRepository
	sender *mailmocks.MockSender
	mr     *miniredis.Miniredis
}

type serverOption func(*config.Config)

func newTestServer(t *testing.T, health HealthFunc, opts ...serverOption) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	redisClient := client.NewRedisClientFrom(rdb)

	cfg := &config.Config{
		ServiceName: "identity-service",
		APIPath:     "/api",
		OTP: config.OTPConfig{
			ActivationTemplate: "email-otp-activation",
			ResendTemplate:     "email-otp-resend",
			Subject:            "Verify your email",
		},
		JWT: config.JWTConfig{
			Secret:             "test-secret",
			Issuer:             "identity-service",
			AccessTTL:          15 * time.Minute,
			RefreshTTL:         7 * 24 * time.Hour,
			RememberAccessTTL:  time.Hour,
			RememberRefreshTTL: 30 * 24 * time.Hour,
		},
		Hashing:   config.HashingConfig{Argon2MemoryCost: 1024, Argon2TimeCost: 1, Argon2Parallelism: 1, Pepper: "pepper"},
		Users:     config.UsersConfig{TrustedDomains: []string{"@gmail.com"}},
		Cookie:    config.CookieConfig{Domain: "localhost"},
		CORS:      config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		RateLimit: config.RateLimitConfig{Max: 100, Window: time.Minute},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctrl := gomock.NewController(t)
	users := repomocks.NewMockUserRepository(ctrl)
	sender := mailmocks.NewMockSender(ctrl)

	store := redisrepo.NewStore(redisClient)
	otpMgr := otp.New(store, sender, nil, otp.WithCodeGenerator(func() (string, error) { return testCode, nil }))
	auth := service.NewAuthService(users, otpMgr, store, hashing.NewHasher(cfg.Hashing),
		token.NewManager(cfg.JWT), nil, cfg, nil)

	limiter := redisrepo.NewRateLimitCache(redisClient, cfg.RateLimit.Max, cfg.RateLimit.Window)
	router := NewRouter(cfg, NewAuthHandler(auth, cfg, nil), limiter, health, nil)

	return &testServer{router: router, users: users, sender: sender, mr: mr}
}

func (s *testServer) do(t *testing.T, method, path, body string, cookies ...*http.Cookie) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSignupVerifyProfileSignout(t *testing.T) {
	s := newTestServer(t, nil)

	var user *models.User
	s.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").Return(nil, repository.ErrUserNotFound)
	s.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)
	s.users.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, u *models.User) error {
		u.ID = 42
		u.UID = uuid.New()
		user = u
		return nil
	})

	rec, resp := s.do(t, http.MethodPost, "/api/v1/auth/signup",
		`{"email":"jane@gmail.com","password":"correct-horse","fullname":"Jane Doe"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, resp.Success)
	require.Equal(t, map[string]any{"id": float64(42)}, resp.Data)

	s.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").DoAndReturn(func(context.Context, string) (*models.User, error) {
		return user, nil
	})
	s.users.EXPECT().MarkEmailVerified(gomock.Any(), gomock.Any()).Return(nil)

	rec, resp = s.do(t, http.MethodPost, "/api/v1/auth/verify-email",
		fmt.Sprintf(`{"email":"jane@gmail.com","otp":"%s"}`, testCode))
	require.Equal(t, http.StatusOK, rec.Code, resp.Error)
	require.Equal(t, "Email verified and user signed in", resp.Message)

	access := cookieNamed(rec, accessCookie)
	refresh := cookieNamed(rec, refreshCookie)
	require.NotNil(t, access)
	require.NotNil(t, refresh)
	require.True(t, access.HttpOnly)
	require.Equal(t, http.SameSiteStrictMode, access.SameSite)
	require.Equal(t, "localhost", access.Domain)

	s.users.EXPECT().FindByID(gomock.Any(), user.UID).Return(user, nil)

	rec, resp = s.do(t, http.MethodGet, "/api/v1/auth/me", "", access)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "jane@gmail.com", resp.Data.(map[string]any)["email"])

	rec, resp = s.do(t, http.MethodPost, "/api/v1/auth/signout", "", refresh)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Logout successful", resp.Message)
	require.Equal(t, -1, cookieNamed(rec, accessCookie).MaxAge)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", refresh)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignupDeliveryFailureHidesTransportError(t *testing.T) {
	s := newTestServer(t, nil)

	s.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").Return(nil, repository.ErrUserNotFound)
	s.sender.EXPECT().Send(gomock.Any(), gomock.Any()).
		Return(errors.New("failed to send email: dial tcp 10.0.4.17:587: connect: connection refused"))

	rec, resp := s.do(t, http.MethodPost, "/api/v1/auth/signup",
		`{"email":"jane@gmail.com","password":"correct-horse","fullname":"Jane Doe"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "failed to send OTP", resp.Error)
	require.NotContains(t, rec.Body.String(), "10.0.4.17")
	require.NotContains(t, rec.Body.String(), "dial tcp")
}

func TestVerifyEmailWrongCodeThenLockout(t *testing.T) {
	s := newTestServer(t, nil)
	user := &models.User{ID: 1, UID: uuid.New(), Email: "jane@gmail.com", IsActive: true}
	require.NoError(t, s.mr.Set(otp.CodeKey(user.Email), testCode))
	s.users.EXPECT().FindByEmail(gomock.Any(), user.Email).Return(user, nil).Times(3)

	body := `{"email":"jane@gmail.com","otp":"111111"}`

	rec, resp := s.do(t, http.MethodPost, "/api/v1/auth/verify-email", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Incorrect OTP. 1 attempt left", resp.Error)

	rec, resp = s.do(t, http.MethodPost, "/api/v1/auth/verify-email", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Incorrect OTP. 0 attempts left", resp.Error)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/verify-email", body)
	require.Equal(t, http.StatusLocked, rec.Code)
}

func TestSignupValidationErrors(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := s.do(t, http.MethodPost, "/api/v1/auth/signup", `{"email":"nope","password":"x","fullname":"Jane"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, resp.Success)
	require.Len(t, resp.Errors, 2)
	require.Equal(t, "email", resp.Errors[0].Field)
	require.Equal(t, "password", resp.Errors[1].Field)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/signup", `{"email":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMeRequiresToken(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := s.do(t, http.MethodGet, "/api/v1/auth/me", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "No authorization token provided", resp.Message)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMeAcceptsBearerToken(t *testing.T) {
	s := newTestServer(t, nil)
	user := &models.User{ID: 3, UID: uuid.New(), Email: "jane@gmail.com", IsActive: true}

	pair, err := token.NewManager(config.JWTConfig{
		Secret: "test-secret", Issuer: "identity-service", AccessTTL: time.Minute, RefreshTTL: time.Hour,
	}).Issue(token.Subject{UserID: user.UID, Email: user.Email}, false)
	require.NoError(t, err)
	s.users.EXPECT().FindByID(gomock.Any(), user.UID).Return(user, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, nil, func(c *config.Config) { c.RateLimit.Max = 2 })

	for i := 0; i < 2; i++ {
		rec, _ := s.do(t, http.MethodGet, "/api/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, resp := s.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "Rate limit exceeded, retry in 60s", resp.Message)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := newTestServer(t, func(context.Context) error { return nil })
		rec, resp := s.do(t, http.MethodGet, "/api/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "healthy", resp.Data.(map[string]any)["status"])
	})

	t.Run("unhealthy", func(t *testing.T) {
		s := newTestServer(t, func(context.Context) error { return errors.New("postgres: connection refused") })
		rec, resp := s.do(t, http.MethodGet, "/api/health", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.False(t, resp.Success)
	})
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	rec, resp := s.do(t, http.MethodGet, "/api/v1/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Route not found", resp.Message)
}

func TestGetStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&otp.Error{Kind: otp.KindRestriction, Reason: otp.ReasonCooldown}, http.StatusTooManyRequests},
		{&otp.Error{Kind: otp.KindThrottle}, http.StatusTooManyRequests},
		{&otp.Error{Kind: otp.KindInvalid, AttemptsLeft: 1}, http.StatusBadRequest},
		{&otp.Error{Kind: otp.KindExpired}, http.StatusBadRequest},
		{&otp.Error{Kind: otp.KindLockout}, http.StatusLocked},
		{&otp.Error{Kind: otp.KindDelivery}, http.StatusBadGateway},
		{&service.ValidationError{}, http.StatusBadRequest},
		{fmt.Errorf("%w: jane@gmail.com", service.ErrUserAlreadyExists), http.StatusConflict},
		{service.ErrAlreadyVerified, http.StatusConflict},
		{service.ErrUserNotFound, http.StatusNotFound},
		{service.ErrInvalidCredentials, http.StatusUnauthorized},
		{service.ErrTokenRevoked, http.StatusUnauthorized},
		{token.ErrTokenExpired, http.StatusUnauthorized},
		{service.ErrUserInactive, http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			require.Equal(t, tt.want, getStatusCode(tt.err))
		})
	}
}

func TestErrorResponseHidesServerFaults(t *testing.T) {
	resp := errorResponse(errors.New("pq: password authentication failed"), http.StatusInternalServerError, "Signup failed")
	require.Equal(t, "internal server error", resp.Error)

	resp = errorResponse(&otp.Error{Kind: otp.KindDelivery}, http.StatusBadGateway, "Signup failed")
	require.Equal(t, "failed to send OTP", resp.Error)
}
