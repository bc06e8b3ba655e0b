package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"identity-service/internal/audit"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/mailer"
	mailmocks "identity-service/internal/mailer/mocks"
	"identity-service/internal/models"
	"identity-service/internal/otp"
	"identity-service/internal/repository"
	repomocks "identity-service/internal/repository/mocks"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/token"
)

const testCode = "482913"

type memorySink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(_ context.Context, e models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

type fixture struct {
	svc    *AuthService
	users  *repomocks.MockUserRepository
	sender *mailmocks.MockSender
	hasher *hashing.Hasher
	mr     *miniredis.Miniredis
	sink   *memorySink
}

func testConfig() *config.Config {
	return &config.Config{
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
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            "pepper",
		},
		Users: config.UsersConfig{
			TrustedDomains: []string{"@gmail.com", "outlook.com"},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctrl := gomock.NewController(t)
	users := repomocks.NewMockUserRepository(ctrl)
	sender := mailmocks.NewMockSender(ctrl)

	cfg := testConfig()
	store := redisrepo.NewStore(client.NewRedisClientFrom(rdb))
	otpMgr := otp.New(store, sender, nil,
		otp.WithSubject(cfg.OTP.Subject),
		otp.WithCodeGenerator(func() (string, error) { return testCode, nil }))
	hasher := hashing.NewHasher(cfg.Hashing)
	sink := &memorySink{}

	svc := NewAuthService(users, otpMgr, store, hasher, token.NewManager(cfg.JWT),
		audit.NewRecorder(sink, nil, nil), cfg, nil)

	return &fixture{svc: svc, users: users, sender: sender, hasher: hasher, mr: mr, sink: sink}
}

func (f *fixture) user(t *testing.T, email string, verified bool) *models.User {
	t.Helper()
	hash, err := f.hasher.Hash("correct-horse")
	require.NoError(t, err)
	return &models.User{
		ID:            7,
		UID:           uuid.New(),
		Email:         email,
		PasswordHash:  hash,
		FullName:      "Jane Doe",
		Role:          models.RoleDefault,
		IsActive:      true,
		EmailVerified: verified,
	}
}

func TestSignupSendsOTPThenCreatesUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var created *models.User
	gomock.InOrder(
		f.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").Return(nil, repository.ErrUserNotFound),
		f.sender.EXPECT().Send(gomock.Any(), mailer.Message{
			To:       "jane@gmail.com",
			Subject:  "Verify your email",
			Template: "email-otp-activation",
			Data:     map[string]any{"Name": "Jane Doe", "OTP": testCode},
		}).Return(nil),
		f.users.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, u *models.User) error {
			u.ID = 11
			u.UID = uuid.New()
			created = u
			return nil
		}),
	)

	user, err := f.svc.Signup(ctx, &SignupRequest{
		Email:    "  Jane@Gmail.com ",
		Password: "correct-horse",
		FullName: " Jane Doe ",
	}, RequestMeta{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.Same(t, created, user)
	require.Equal(t, uint(11), user.ID)
	require.Equal(t, "jane@gmail.com", user.Email)
	require.Equal(t, models.RoleDefault, user.Role)
	require.False(t, user.EmailVerified)

	require.NotEqual(t, "correct-horse", user.PasswordHash)
	ok, err := f.hasher.Verify("correct-horse", user.PasswordHash)
	require.NoError(t, err)
	require.True(t, ok)

	code, err := f.mr.Get(otp.CodeKey("jane@gmail.com"))
	require.NoError(t, err)
	require.Equal(t, testCode, code)

	cached, err := f.mr.Get(userExistsPrefix + "jane@gmail.com")
	require.NoError(t, err)
	require.Equal(t, "true", cached)

	require.Equal(t, []string{audit.EventOTPIssued, audit.EventSignup}, f.sink.types())
}

func TestSignupValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   SignupRequest
		field string
	}{
		{"bad email", SignupRequest{Email: "not-an-email", Password: "long-enough", FullName: "Jane"}, "email"},
		{"short password", SignupRequest{Email: "jane@gmail.com", Password: "short", FullName: "Jane"}, "password"},
		{"empty name", SignupRequest{Email: "jane@gmail.com", Password: "long-enough", FullName: "   "}, "fullname"},
		{"untrusted domain", SignupRequest{Email: "jane@example.com", Password: "long-enough", FullName: "Jane"}, "email"},
		{"markup in name", SignupRequest{Email: "jane@gmail.com", Password: "long-enough", FullName: "<b>Jane</b>"}, "fullname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.svc.Signup(context.Background(), &tt.req, RequestMeta{})
			require.ErrorIs(t, err, ErrInvalidInput)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tt.field, verr.Fields[0].Field)
		})
	}
}

func TestSignupTrustedDomainWithoutAt(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.svc.trustedDomain("jane@outlook.com"))
	require.False(t, f.svc.trustedDomain("jane@notoutlook.com"))
}

func TestSignupExistingUser(t *testing.T) {
	t.Run("cached", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.mr.Set(userExistsPrefix+"jane@gmail.com", "true"))

		_, err := f.svc.Signup(context.Background(), &SignupRequest{
			Email: "jane@gmail.com", Password: "long-enough", FullName: "Jane",
		}, RequestMeta{})
		require.ErrorIs(t, err, ErrUserAlreadyExists)
	})

	t.Run("from store", func(t *testing.T) {
		f := newFixture(t)
		f.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").Return(f.user(t, "jane@gmail.com", false), nil)

		_, err := f.svc.Signup(context.Background(), &SignupRequest{
			Email: "jane@gmail.com", Password: "long-enough", FullName: "Jane",
		}, RequestMeta{})
		require.ErrorIs(t, err, ErrUserAlreadyExists)

		cached, err := f.mr.Get(userExistsPrefix + "jane@gmail.com")
		require.NoError(t, err)
		require.Equal(t, "true", cached)
	})
}

func TestSignupCooldownBlocks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mr.Set(otp.CooldownKey("jane@gmail.com"), "true"))
	f.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").Return(nil, repository.ErrUserNotFound)

	_, err := f.svc.Signup(context.Background(), &SignupRequest{
		Email: "jane@gmail.com", Password: "long-enough", FullName: "Jane",
	}, RequestMeta{})
	require.Equal(t, otp.KindRestriction, otp.KindOf(err))
	reason, ok := otp.ReasonOf(err)
	require.True(t, ok)
	require.Equal(t, otp.ReasonCooldown, reason)
	require.Equal(t, []string{audit.EventOTPRestricted}, f.sink.types())
}

func TestSignupDeliveryFailureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").Return(nil, repository.ErrUserNotFound)
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("smtp: connection refused"))

	_, err := f.svc.Signup(context.Background(), &SignupRequest{
		Email: "jane@gmail.com", Password: "long-enough", FullName: "Jane",
	}, RequestMeta{})
	require.Equal(t, otp.KindDelivery, otp.KindOf(err))
	require.False(t, f.mr.Exists(otp.CodeKey("jane@gmail.com")))
}

func TestSignupStoreFailureTreatedAsAbsent(t *testing.T) {
	f := newFixture(t)
	f.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").Return(nil, errors.New("connection reset"))
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)
	f.users.EXPECT().Create(gomock.Any(), gomock.Any()).Return(repository.ErrUserAlreadyExists)

	_, err := f.svc.Signup(context.Background(), &SignupRequest{
		Email: "jane@gmail.com", Password: "long-enough", FullName: "Jane",
	}, RequestMeta{})
	require.ErrorIs(t, err, ErrUserAlreadyExists)
	require.False(t, f.mr.Exists(userExistsPrefix+"jane@gmail.com"))
}

func TestVerifyEmailSignsIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "jane@gmail.com", false)
	require.NoError(t, f.mr.Set(otp.CodeKey(user.Email), testCode))

	f.users.EXPECT().FindByEmail(gomock.Any(), user.Email).Return(user, nil)
	f.users.EXPECT().MarkEmailVerified(gomock.Any(), user.UID).Return(nil)

	session, err := f.svc.VerifyEmail(ctx, &VerifyEmailRequest{Email: "Jane@gmail.com", OTP: testCode}, RequestMeta{})
	require.NoError(t, err)
	require.True(t, user.EmailVerified)
	require.Equal(t, user.Email, session.User.Email)
	require.NotEmpty(t, session.RefreshToken)
	require.False(t, f.mr.Exists(otp.CodeKey(user.Email)))

	claims, err := f.svc.Authenticate(session.AccessToken)
	require.NoError(t, err)
	require.Equal(t, user.UID.String(), claims.Subject)

	require.Equal(t, []string{audit.EventEmailVerified}, f.sink.types())
}

func TestVerifyEmailLocksOutAfterWrongCodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "jane@gmail.com", false)
	require.NoError(t, f.mr.Set(otp.CodeKey(user.Email), testCode))
	f.users.EXPECT().FindByEmail(gomock.Any(), user.Email).Return(user, nil).Times(3)

	req := func(code string) error {
		_, err := f.svc.VerifyEmail(ctx, &VerifyEmailRequest{Email: user.Email, OTP: code}, RequestMeta{})
		return err
	}

	err := req("111111")
	require.Equal(t, otp.KindInvalid, otp.KindOf(err))
	require.EqualError(t, err, "Incorrect OTP. 1 attempt left")

	err = req("222222")
	require.EqualError(t, err, "Incorrect OTP. 0 attempts left")

	err = req(testCode)
	require.Equal(t, otp.KindLockout, otp.KindOf(err))
	require.True(t, f.mr.Exists(otp.LockKey(user.Email)))

	require.Equal(t, []string{audit.EventOTPFailed, audit.EventOTPFailed, audit.EventOTPLockedOut}, f.sink.types())
	require.Equal(t, "0", f.sink.events[1].Details["attempts_left"])
}

func TestVerifyEmailErrors(t *testing.T) {
	t.Run("unknown user", func(t *testing.T) {
		f := newFixture(t)
		f.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").Return(nil, repository.ErrUserNotFound)

		_, err := f.svc.VerifyEmail(context.Background(), &VerifyEmailRequest{Email: "jane@gmail.com", OTP: testCode}, RequestMeta{})
		require.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("non numeric code", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.VerifyEmail(context.Background(), &VerifyEmailRequest{Email: "jane@gmail.com", OTP: "12a456"}, RequestMeta{})
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("no active code", func(t *testing.T) {
		f := newFixture(t)
		f.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").Return(f.user(t, "jane@gmail.com", false), nil)

		_, err := f.svc.VerifyEmail(context.Background(), &VerifyEmailRequest{Email: "jane@gmail.com", OTP: testCode}, RequestMeta{})
		require.Equal(t, otp.KindExpired, otp.KindOf(err))
	})
}

func TestResendOTP(t *testing.T) {
	t.Run("unverified", func(t *testing.T) {
		f := newFixture(t)
		user := f.user(t, "jane@gmail.com", false)
		f.users.EXPECT().FindByEmail(gomock.Any(), user.Email).Return(user, nil)
		f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg mailer.Message) error {
			require.Equal(t, "email-otp-resend", msg.Template)
			require.Equal(t, "Jane Doe", msg.Data["Name"])
			return nil
		})

		require.NoError(t, f.svc.ResendOTP(context.Background(), &ResendOTPRequest{Email: user.Email}, RequestMeta{}))
		require.True(t, f.mr.Exists(otp.CooldownKey(user.Email)))
	})

	t.Run("already verified", func(t *testing.T) {
		f := newFixture(t)
		f.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").Return(f.user(t, "jane@gmail.com", true), nil)

		err := f.svc.ResendOTP(context.Background(), &ResendOTPRequest{Email: "jane@gmail.com"}, RequestMeta{})
		require.ErrorIs(t, err, ErrAlreadyVerified)
	})

	t.Run("spam locked", func(t *testing.T) {
		f := newFixture(t)
		f.users.EXPECT().FindByEmail(gomock.Any(), "jane@gmail.com").Return(f.user(t, "jane@gmail.com", false), nil)
		require.NoError(t, f.mr.Set(otp.RequestCountKey("jane@gmail.com"), "2"))

		err := f.svc.ResendOTP(context.Background(), &ResendOTPRequest{Email: "jane@gmail.com"}, RequestMeta{})
		require.Equal(t, otp.KindThrottle, otp.KindOf(err))
		require.Equal(t, []string{audit.EventOTPSpamLocked}, f.sink.types())
	})
}

func TestSignin(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		f := newFixture(t)
		user := f.user(t, "jane@gmail.com", true)
		f.users.EXPECT().FindByEmail(gomock.Any(), user.Email).Return(user, nil)
		f.users.EXPECT().UpdateLastLogin(gomock.Any(), user.UID, gomock.Any()).Return(nil)

		session, err := f.svc.Signin(ctx, &SigninRequest{Email: user.Email, Password: "correct-horse"}, RequestMeta{})
		require.NoError(t, err)
		require.NotNil(t, user.LastLogin)
		require.WithinDuration(t, time.Now().Add(15*time.Minute), session.AccessExpiresAt, 5*time.Second)
		require.WithinDuration(t, time.Now().Add(7*24*time.Hour), session.RefreshExpiresAt, 5*time.Second)
		require.Equal(t, []string{audit.EventSigninSucceeded}, f.sink.types())
	})

	t.Run("remember me", func(t *testing.T) {
		f := newFixture(t)
		user := f.user(t, "jane@gmail.com", true)
		f.users.EXPECT().FindByEmail(gomock.Any(), user.Email).Return(user, nil)
		f.users.EXPECT().UpdateLastLogin(gomock.Any(), user.UID, gomock.Any()).Return(nil)

		session, err := f.svc.Signin(ctx, &SigninRequest{Email: user.Email, Password: "correct-horse", RememberMe: true}, RequestMeta{})
		require.NoError(t, err)
		require.WithinDuration(t, time.Now().Add(time.Hour), session.AccessExpiresAt, 5*time.Second)
		require.WithinDuration(t, time.Now().Add(30*24*time.Hour), session.RefreshExpiresAt, 5*time.Second)
	})

	t.Run("wrong password", func(t *testing.T) {
		f := newFixture(t)
		user := f.user(t, "jane@gmail.com", true)
		f.users.EXPECT().FindByEmail(gomock.Any(), user.Email).Return(user, nil)

		_, err := f.svc.Signin(ctx, &SigninRequest{Email: user.Email, Password: "wrong-horse"}, RequestMeta{})
		require.ErrorIs(t, err, ErrInvalidCredentials)
		require.Equal(t, []string{audit.EventSigninFailed}, f.sink.types())
	})

	t.Run("unknown email", func(t *testing.T) {
		f := newFixture(t)
		f.users.EXPECT().FindByEmail(gomock.Any(), "nobody@gmail.com").Return(nil, repository.ErrUserNotFound)

		_, err := f.svc.Signin(ctx, &SigninRequest{Email: "nobody@gmail.com", Password: "whatever"}, RequestMeta{})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("inactive", func(t *testing.T) {
		f := newFixture(t)
		user := f.user(t, "jane@gmail.com", true)
		user.IsActive = false
		f.users.EXPECT().FindByEmail(gomock.Any(), user.Email).Return(user, nil)

		_, err := f.svc.Signin(ctx, &SigninRequest{Email: user.Email, Password: "correct-horse"}, RequestMeta{})
		require.ErrorIs(t, err, ErrUserInactive)
	})
}

func TestRefreshTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "jane@gmail.com", true)

	pair, err := f.svc.tokens.Issue(token.Subject{UserID: user.UID, Email: user.Email, Role: string(user.Role)}, false)
	require.NoError(t, err)

	f.users.EXPECT().FindByID(gomock.Any(), user.UID).Return(user, nil)

	session, err := f.svc.Refresh(ctx, pair.RefreshToken, RequestMeta{})
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, session.RefreshToken)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken, RequestMeta{})
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRefreshKeepsRememberMe(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "jane@gmail.com", true)

	pair, err := f.svc.tokens.Issue(token.Subject{UserID: user.UID, Email: user.Email}, true)
	require.NoError(t, err)
	f.users.EXPECT().FindByID(gomock.Any(), user.UID).Return(user, nil)

	session, err := f.svc.Refresh(context.Background(), pair.RefreshToken, RequestMeta{})
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(30*24*time.Hour), session.RefreshExpiresAt, 5*time.Second)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newFixture(t)
	pair, err := f.svc.tokens.Issue(token.Subject{UserID: uuid.New()}, false)
	require.NoError(t, err)

	_, err = f.svc.Refresh(context.Background(), pair.AccessToken, RequestMeta{})
	require.ErrorIs(t, err, token.ErrWrongType)
}

func TestSignoutRevokesRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "jane@gmail.com", true)

	pair, err := f.svc.tokens.Issue(token.Subject{UserID: user.UID, Email: user.Email}, false)
	require.NoError(t, err)

	require.NoError(t, f.svc.Signout(ctx, pair.RefreshToken, RequestMeta{}))
	require.Equal(t, []string{audit.EventSignout}, f.sink.types())

	_, err = f.svc.Refresh(ctx, pair.RefreshToken, RequestMeta{})
	require.ErrorIs(t, err, ErrTokenRevoked)

	require.NoError(t, f.svc.Signout(ctx, "", RequestMeta{}))
	require.NoError(t, f.svc.Signout(ctx, "garbage", RequestMeta{}))
}

func TestProfile(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "jane@gmail.com", true)
	f.users.EXPECT().FindByID(gomock.Any(), user.UID).Return(user, nil)

	pub, err := f.svc.Profile(context.Background(), user.UID)
	require.NoError(t, err)
	require.Equal(t, user.Email, pub.Email)
	require.Equal(t, uint(7), pub.ID)
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	f.users.EXPECT().HealthCheck(gomock.Any()).Return(nil)
	require.NoError(t, f.svc.HealthCheck(context.Background()))

	f.mr.Close()
	f.users.EXPECT().HealthCheck(gomock.Any()).Return(nil)
	require.Error(t, f.svc.HealthCheck(context.Background()))
}
