package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/kv"
	"identity-service/internal/models"
	"identity-service/internal/otp"
	"identity-service/internal/repository"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUserNotFound       = repository.ErrUserNotFound
	ErrUserAlreadyExists  = repository.ErrUserAlreadyExists
	ErrAlreadyVerified    = errors.New("email already verified")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserInactive       = errors.New("user is deactivated")
	ErrTokenRevoked       = errors.New("token has been revoked")
)

const (
	userExistsPrefix   = "user_exists:"
	revokedTokenPrefix = "revoked_token:"

	userExistsTTL = 300 * time.Second
)

// AuthService runs signup, email verification and sign-in on top of the OTP
// state machine.
type AuthService struct {
	users    repository.UserRepository
	otp      *otp.Manager
	cache    kv.Store
	hasher   *hashing.Hasher
	tokens   *token.Manager
	audit    *audit.Recorder
	validate *validator.Validate

	otpCfg         config.OTPConfig
	jwtCfg         config.JWTConfig
	trustedDomains []string

	logger *zap.Logger
	now    func() time.Time
}

func NewAuthService(
	users repository.UserRepository,
	otpMgr *otp.Manager,
	cache kv.Store,
	hasher *hashing.Hasher,
	tokens *token.Manager,
	recorder *audit.Recorder,
	cfg *config.Config,
	logger *zap.Logger,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		users:          users,
		otp:            otpMgr,
		cache:          cache,
		hasher:         hasher,
		tokens:         tokens,
		audit:          recorder,
		validate:       newValidator(),
		otpCfg:         cfg.OTP,
		jwtCfg:         cfg.JWT,
		trustedDomains: cfg.Users.TrustedDomains,
		logger:         logger,
		now:            time.Now,
	}
}

// Signup registers a new unverified user and emails an activation code. The
// user row is only written once the code has been sent.
func (s *AuthService) Signup(ctx context.Context, req *SignupRequest, meta RequestMeta) (*models.User, error) {
	req.Email = util.NormalizeEmail(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	if util.ContainsSuspicious(req.FullName) {
		return nil, invalidField("fullname", "contains invalid characters")
	}
	if !s.trustedDomain(req.Email) {
		return nil, invalidField("email", "domain is not accepted")
	}

	if s.userExists(ctx, req.Email) {
		return nil, fmt.Errorf("%w: %s", ErrUserAlreadyExists, req.Email)
	}

	if err := s.requestOTP(ctx, req.Email, req.FullName, s.otpCfg.ActivationTemplate, meta); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Email:        req.Email,
		PasswordHash: hash,
		FullName:     req.FullName,
		Role:         models.RoleDefault,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, userExistsPrefix+user.Email, "true", userExistsTTL); err != nil {
		s.logger.Warn("Failed to cache user existence", zap.String("email", util.MaskEmail(user.Email)), zap.Error(err))
	}

	s.record(ctx, audit.EventSignup, user, user.Email, meta, true, nil)
	s.logger.Info("User signed up",
		zap.String("uid", user.UID.String()),
		zap.String("email", util.MaskEmail(user.Email)))
	return user, nil
}

// VerifyEmail checks the activation code, marks the email verified and signs
// the user in.
func (s *AuthService) VerifyEmail(ctx context.Context, req *VerifyEmailRequest, meta RequestMeta) (*Session, error) {
	req.Email = util.NormalizeEmail(req.Email)
	req.OTP = strings.TrimSpace(req.OTP)
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}

	if err := s.otp.Verify(ctx, req.Email, req.OTP); err != nil {
		switch otp.KindOf(err) {
		case otp.KindInvalid:
			left, _ := otp.AttemptsLeftOf(err)
			s.record(ctx, audit.EventOTPFailed, user, user.Email, meta, false,
				map[string]string{"attempts_left": strconv.Itoa(left)})
		case otp.KindLockout:
			s.record(ctx, audit.EventOTPLockedOut, user, user.Email, meta, false, nil)
		}
		return nil, err
	}

	if !user.EmailVerified {
		if err := s.users.MarkEmailVerified(ctx, user.UID); err != nil {
			return nil, fmt.Errorf("failed to mark email verified: %w", err)
		}
		user.EmailVerified = true
	}

	session, err := s.newSession(user, false)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventEmailVerified, user, user.Email, meta, true, nil)
	return session, nil
}

// ResendOTP emails a fresh code to a registered, unverified user.
func (s *AuthService) ResendOTP(ctx context.Context, req *ResendOTPRequest, meta RequestMeta) error {
	req.Email = util.NormalizeEmail(req.Email)
	if err := s.validateRequest(req); err != nil {
		return err
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return ErrAlreadyVerified
	}

	return s.requestOTP(ctx, user.Email, user.FullName, s.otpCfg.ResendTemplate, meta)
}

// Signin checks the password and issues a token pair. Unknown emails and wrong
// passwords both return ErrInvalidCredentials.
func (s *AuthService) Signin(ctx context.Context, req *SigninRequest, meta RequestMeta) (*Session, error) {
	req.Email = util.NormalizeEmail(req.Email)
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.record(ctx, audit.EventSigninFailed, nil, req.Email, meta, false,
				map[string]string{"reason": "unknown_email"})
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := s.hasher.Verify(req.Password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		s.record(ctx, audit.EventSigninFailed, user, user.Email, meta, false,
			map[string]string{"reason": "bad_password"})
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		s.record(ctx, audit.EventSigninFailed, user, user.Email, meta, false,
			map[string]string{"reason": "inactive"})
		return nil, ErrUserInactive
	}

	now := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.UID, now); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}
	user.LastLogin = &now

	session, err := s.newSession(user, req.RememberMe)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventSigninSucceeded, user, user.Email, meta, true,
		map[string]string{"remember_me": strconv.FormatBool(req.RememberMe)})
	return session, nil
}

// Refresh exchanges a refresh token for a new pair. Each refresh token is
// accepted once.
func (s *AuthService) Refresh(ctx context.Context, raw string, meta RequestMeta) (*Session, error) {
	claims, err := s.tokens.Parse(raw, token.TypeRefresh)
	if err != nil {
		return nil, err
	}
	uid, err := claims.UserID()
	if err != nil {
		return nil, err
	}

	first, err := s.revoke(ctx, claims)
	if err != nil {
		return nil, err
	}
	if !first {
		s.logger.Warn("Revoked refresh token presented", zap.String("uid", uid.String()), zap.String("jti", claims.ID))
		return nil, ErrTokenRevoked
	}

	user, err := s.users.FindByID(ctx, uid)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, token.ErrInvalidToken
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	remember := false
	if claims.IssuedAt != nil && claims.ExpiresAt != nil {
		remember = claims.ExpiresAt.Sub(claims.IssuedAt.Time) > s.jwtCfg.RefreshTTL
	}

	session, err := s.newSession(user, remember)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventTokenRefreshed, user, user.Email, meta, true, nil)
	return session, nil
}

// Signout revokes the refresh token if one is presented and valid. Anything
// else is a no-op: the caller clears cookies regardless.
func (s *AuthService) Signout(ctx context.Context, raw string, meta RequestMeta) error {
	if raw == "" {
		return nil
	}
	claims, err := s.tokens.Parse(raw, token.TypeRefresh)
	if err != nil {
		s.logger.Debug("Signout with unusable refresh token", zap.Error(err))
		return nil
	}
	if _, err := s.revoke(ctx, claims); err != nil {
		return err
	}
	s.record(ctx, audit.EventSignout, nil, claims.Email, meta, true,
		map[string]string{"uid": claims.Subject})
	return nil
}

// Authenticate validates an access token.
func (s *AuthService) Authenticate(raw string) (*token.Claims, error) {
	return s.tokens.Parse(raw, token.TypeAccess)
}

func (s *AuthService) Profile(ctx context.Context, uid uuid.UUID) (*models.PublicUser, error) {
	user, err := s.users.FindByID(ctx, uid)
	if err != nil {
		return nil, err
	}
	pub := user.Public()
	return &pub, nil
}

func (s *AuthService) HealthCheck(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.users.HealthCheck(ctx) })
	g.Go(func() error { return s.cache.Ping(ctx) })
	return g.Wait()
}

// Cleanup is a no-op kept for the factory lifecycle.
func (s *AuthService) Cleanup() {
	s.logger.Debug("Auth service cleaned up")
}

func (s *AuthService) requestOTP(ctx context.Context, email, name, template string, meta RequestMeta) error {
	err := s.otp.Request(ctx, email, name, template)
	if err == nil {
		s.record(ctx, audit.EventOTPIssued, nil, email, meta, true, map[string]string{"template": template})
		return nil
	}

	switch otp.KindOf(err) {
	case otp.KindRestriction:
		reason, _ := otp.ReasonOf(err)
		s.record(ctx, audit.EventOTPRestricted, nil, email, meta, false, map[string]string{"reason": string(reason)})
	case otp.KindThrottle:
		s.record(ctx, audit.EventOTPSpamLocked, nil, email, meta, false, nil)
	}
	return err
}

// userExists consults the cache first. A cache failure falls through to the
// store, and a store failure reports the user as absent.
func (s *AuthService) userExists(ctx context.Context, email string) bool {
	key := userExistsPrefix + email

	v, found, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("User existence cache unavailable", zap.Error(err))
	} else if found {
		return v == "true"
	}

	exists := true
	if _, err := s.users.FindByEmail(ctx, email); err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			s.logger.Error("Failed to check user existence", zap.String("email", util.MaskEmail(email)), zap.Error(err))
			return false
		}
		exists = false
	}

	if err := s.cache.Set(ctx, key, strconv.FormatBool(exists), userExistsTTL); err != nil {
		s.logger.Warn("Failed to cache user existence", zap.String("email", util.MaskEmail(email)), zap.Error(err))
	}
	return exists
}

func (s *AuthService) trustedDomain(email string) bool {
	for _, d := range s.trustedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if !strings.HasPrefix(d, "@") {
			d = "@" + d
		}
		if strings.HasSuffix(email, d) {
			return true
		}
	}
	return false
}

// revoke marks the token's jti as used until the token would have expired.
// It reports whether this call was the first to do so.
func (s *AuthService) revoke(ctx context.Context, claims *token.Claims) (bool, error) {
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		if left := claims.ExpiresAt.Sub(s.now()); left > ttl {
			ttl = left
		}
	}
	n, err := s.cache.Incr(ctx, revokedTokenPrefix+claims.ID, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	return n == 1, nil
}

func (s *AuthService) newSession(user *models.User, remember bool) (*Session, error) {
	pair, err := s.tokens.Issue(token.Subject{
		UserID: user.UID,
		Email:  user.Email,
		Role:   string(user.Role),
	}, remember)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}
	return &Session{
		User:             user.Public(),
		AccessToken:      pair.AccessToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}, nil
}

func (s *AuthService) record(ctx context.Context, eventType string, user *models.User, email string, meta RequestMeta, success bool, details map[string]string) {
	ev := models.SecurityEvent{
		EventType: eventType,
		Email:     email,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   success,
		Details:   details,
	}
	if user != nil {
		ev.UserID = user.UID.String()
	}
	s.audit.Record(ctx, ev)
}
