package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Role string

const (
	RoleDefault Role = "DEFAULT"
	RoleSeller  Role = "SELLER"
	RoleAdmin   Role = "ADMIN"
)

type User struct {
	ID            uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UID           uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex" json:"uid"`
	Email         string     `gorm:"type:varchar(254);not null;uniqueIndex" json:"email"`
	PasswordHash  string     `gorm:"column:password;type:varchar(255);not null" json:"-"`
	Role          Role       `gorm:"type:varchar(16);not null;default:DEFAULT" json:"role"`
	FullName      string     `gorm:"column:fullname;type:varchar(100);not null" json:"fullname"`
	Username      *string    `gorm:"type:varchar(64);uniqueIndex" json:"username,omitempty"`
	Avatar        string     `gorm:"type:varchar(2048)" json:"avatar,omitempty"`
	IsActive      bool       `gorm:"not null;default:true" json:"is_active"`
	EmailVerified bool       `gorm:"not null;default:false" json:"email_verified"`
	LastLogin     *time.Time `json:"last_login,omitempty"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// PublicUser is the client-facing view of a User.
type PublicUser struct {
	ID       uint    `json:"id"`
	Email    string  `json:"email"`
	FullName string  `json:"fullname"`
	Username *string `json:"username,omitempty"`
	Avatar   string  `json:"avatar,omitempty"`
	Role     Role    `json:"role"`
	IsActive bool    `json:"is_active"`
}

func (u *User) Public() PublicUser {
	return PublicUser{
		ID:       u.ID,
		Email:    u.Email,
		FullName: u.FullName,
		Username: u.Username,
		Avatar:   u.Avatar,
		Role:     u.Role,
		IsActive: u.IsActive,
	}
}
