package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const (
	userColumns = `uid, email, password, role, fullname, username, avatar,
            is_active, email_verified, last_login, created_at, updated_at`

	insertEmailLookup = `
        INSERT INTO users_by_email (email, user_bucket, uid, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`

	deleteEmailLookup = `DELETE FROM users_by_email WHERE email = ?`

	insertUser = `
        INSERT INTO users (user_bucket, ` + userColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectUser = `SELECT ` + userColumns + ` FROM users WHERE user_bucket = ? AND uid = ?`

	selectEmailLookup = `SELECT user_bucket, uid FROM users_by_email WHERE email = ?`

	updateEmailVerified = `
        UPDATE users SET email_verified = true, updated_at = ?
        WHERE user_bucket = ? AND uid = ? IF EXISTS`

	updateLastLogin = `
        UPDATE users SET last_login = ?, updated_at = ?
        WHERE user_bucket = ? AND uid = ? IF EXISTS`
)

// UserRepository stores users partitioned by a murmur3 bucket of their uid,
// with an email lookup table that doubles as the uniqueness guard.
type UserRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

var _ repository.UserRepository = (*UserRepository)(nil)

func NewUserRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *UserRepository {
	return &UserRepository{client: client, buckets: buckets}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.UID == uuid.Nil {
		user.UID = uuid.New()
	}
	user.Email = util.NormalizeEmail(user.Email)
	if user.Role == "" {
		user.Role = models.RoleDefault
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.IsActive = true
	bucket := r.buckets.UserBucket(user.UID.String())

	applied, err := r.client.Query(ctx, insertEmailLookup,
		user.Email, bucket, gocql.UUID(user.UID), now).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to reserve email",
			zap.String("email", util.MaskEmail(user.Email)),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}
	if !applied {
		return repository.ErrUserAlreadyExists
	}

	err = r.client.Query(ctx, insertUser,
		bucket, gocql.UUID(user.UID), user.Email, user.PasswordHash, string(user.Role),
		user.FullName, user.Username, user.Avatar, user.IsActive, user.EmailVerified,
		user.LastLogin, user.CreatedAt, user.UpdatedAt).Exec()
	if err != nil {
		// Release the email so a retry can claim it.
		if delErr := r.client.Query(ctx, deleteEmailLookup, user.Email).Exec(); delErr != nil {
			util.Warn("Failed to release email reservation",
				zap.String("email", util.MaskEmail(user.Email)),
				zap.Error(delErr))
		}
		util.Error("Failed to create user",
			zap.String("user_id", user.UID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		zap.String("user_id", user.UID.String()),
		zap.Int("user_bucket", bucket))
	return nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var (
		bucket int
		uid    gocql.UUID
	)
	q := r.client.Query(ctx, selectEmailLookup, util.NormalizeEmail(email))
	if err := r.client.ScanWithRetry(ctx, q, &bucket, &uid); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return r.get(ctx, bucket, uuid.UUID(uid))
}

func (r *UserRepository) FindByID(ctx context.Context, uid uuid.UUID) (*models.User, error) {
	return r.get(ctx, r.buckets.UserBucket(uid.String()), uid)
}

func (r *UserRepository) get(ctx context.Context, bucket int, uid uuid.UUID) (*models.User, error) {
	var (
		user     models.User
		id       gocql.UUID
		role     string
		username string
	)
	q := r.client.Query(ctx, selectUser, bucket, gocql.UUID(uid))
	err := r.client.ScanWithRetry(ctx, q,
		&id, &user.Email, &user.PasswordHash, &role, &user.FullName, &username,
		&user.Avatar, &user.IsActive, &user.EmailVerified, &user.LastLogin,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrUserNotFound
		}
		util.Error("Failed to get user", zap.String("user_id", uid.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.UID = uuid.UUID(id)
	user.Role = models.Role(role)
	if username != "" {
		user.Username = &username
	}
	return &user, nil
}

func (r *UserRepository) MarkEmailVerified(ctx context.Context, uid uuid.UUID) error {
	return r.cas(ctx, uid, updateEmailVerified, time.Now().UTC())
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, uid uuid.UUID, at time.Time) error {
	return r.cas(ctx, uid, updateLastLogin, at.UTC(), time.Now().UTC())
}

func (r *UserRepository) cas(ctx context.Context, uid uuid.UUID, stmt string, values ...interface{}) error {
	values = append(values, r.buckets.UserBucket(uid.String()), gocql.UUID(uid))
	applied, err := r.client.Query(ctx, stmt, values...).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to update user", zap.String("user_id", uid.String()), zap.Error(err))
		return fmt.Errorf("failed to update user: %w", err)
	}
	if !applied {
		return repository.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
