package service

import (
	"time"

	"identity-service/internal/models"
)

type SignupRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	FullName string `json:"fullname" validate:"required,min=1,max=100"`
}

type VerifyEmailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	OTP   string `json:"otp" validate:"required,len=6,numeric"`
}

type ResendOTPRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type SigninRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Password   string `json:"password" validate:"required,max=128"`
	RememberMe bool   `json:"rememberme"`
}

// RequestMeta carries client details for the audit trail.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Session is a signed-in user with a fresh token pair.
type Session struct {
	User             models.PublicUser
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}
