package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

type UserRepository struct {
	db *gorm.DB
}

var _ repository.UserRepository = (*UserRepository)(nil)

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.UID == uuid.Nil {
		user.UID = uuid.New()
	}
	user.Email = util.NormalizeEmail(user.Email)
	if user.Role == "" {
		user.Role = models.RoleDefault
	}

	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return repository.ErrUserAlreadyExists
		}
		util.Error("Failed to create user",
			zap.String("email", util.MaskEmail(user.Email)),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		zap.String("user_id", user.UID.String()),
		zap.String("email", util.MaskEmail(user.Email)))
	return nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("email = ?", util.NormalizeEmail(email)).First(&user).Error
	if err != nil {
		return nil, notFound(err, "failed to get user by email")
	}
	return &user, nil
}

func (r *UserRepository) FindByID(ctx context.Context, uid uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&user).Error
	if err != nil {
		return nil, notFound(err, "failed to get user by id")
	}
	return &user, nil
}

func (r *UserRepository) MarkEmailVerified(ctx context.Context, uid uuid.UUID) error {
	return r.update(ctx, uid, map[string]any{"email_verified": true})
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, uid uuid.UUID, at time.Time) error {
	return r.update(ctx, uid, map[string]any{"last_login": at.UTC()})
}

func (r *UserRepository) update(ctx context.Context, uid uuid.UUID, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.User{}).Where("uid = ?", uid).Updates(fields)
	if res.Error != nil {
		util.Error("Failed to update user",
			zap.String("user_id", uid.String()),
			zap.Error(res.Error))
		return fmt.Errorf("failed to update user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) HealthCheck(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("postgres handle unavailable: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repository.ErrUserNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}
