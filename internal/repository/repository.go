// Package repository declares the user record store shared by the Postgres
// and Scylla implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/models"
)

//go:generate go run go.uber.org/mock/mockgen@latest -source=repository.go -destination=mocks/user_repository_mock.go -package=mocks

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
)

type UserRepository interface {
	// Create assigns UID when it is zero. A taken email returns
	// ErrUserAlreadyExists.
	Create(ctx context.Context, user *models.User) error
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, uid uuid.UUID) (*models.User, error)
	MarkEmailVerified(ctx context.Context, uid uuid.UUID) error
	UpdateLastLogin(ctx context.Context, uid uuid.UUID, at time.Time) error
	HealthCheck(ctx context.Context) error
}
