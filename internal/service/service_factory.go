package service

import (
	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/kv"
	"identity-service/internal/otp"
	"identity-service/internal/repository"
	"identity-service/internal/token"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg      *config.Config
	users    repository.UserRepository
	otp      *otp.Manager
	cache    kv.Store
	hasher   *hashing.Hasher
	tokens   *token.Manager
	recorder *audit.Recorder
	logger   *zap.Logger

	authService *AuthService
}

func NewServiceFactory(
	cfg *config.Config,
	users repository.UserRepository,
	otpMgr *otp.Manager,
	cache kv.Store,
	hasher *hashing.Hasher,
	tokens *token.Manager,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:      cfg,
		users:    users,
		otp:      otpMgr,
		cache:    cache,
		hasher:   hasher,
		tokens:   tokens,
		recorder: recorder,
		logger:   logger,
	}
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.users,
			f.otp,
			f.cache,
			f.hasher,
			f.tokens,
			f.recorder,
			f.cfg,
			f.logger,
		)
	}
	return f.authService
}

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	if f.authService != nil {
		f.authService.Cleanup()
	}
}
