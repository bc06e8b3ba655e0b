// Package token issues and parses the HS256 access and refresh tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"identity-service/internal/config"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrWrongType    = errors.New("wrong token type")
)

type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	Type  Type   `json:"typ"`
	jwt.RegisteredClaims
}

// Subject is the identity a token pair is issued for.
type Subject struct {
	UserID uuid.UUID
	Email  string
	Role   string
}

type Pair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	RefreshID        string
}

type Manager struct {
	secret []byte
	issuer string
	cfg    config.JWTConfig
	now    func() time.Time
}

func NewManager(cfg config.JWTConfig) *Manager {
	return &Manager{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Issue signs a new access/refresh pair. remember selects the long lived TTLs.
func (m *Manager) Issue(sub Subject, remember bool) (*Pair, error) {
	accessTTL, refreshTTL := m.cfg.AccessTTL, m.cfg.RefreshTTL
	if remember {
		accessTTL, refreshTTL = m.cfg.RememberAccessTTL, m.cfg.RememberRefreshTTL
	}

	now := m.now()
	access, accessExp, _, err := m.sign(sub, TypeAccess, now, accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, refreshID, err := m.sign(sub, TypeRefresh, now, refreshTTL)
	if err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		RefreshID:        refreshID,
	}, nil
}

func (m *Manager) sign(sub Subject, typ Type, now time.Time, ttl time.Duration) (string, time.Time, string, error) {
	id := uuid.NewString()
	exp := now.Add(ttl)

	claims := Claims{
		Email: sub.Email,
		Role:  sub.Role,
		Type:  typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    m.issuer,
			Subject:   sub.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, exp, id, nil
}

// Parse validates raw and checks that it is a token of type want.
func (m *Manager) Parse(raw string, want Type) (*Claims, error) {
	var claims Claims

	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != want {
		return nil, ErrWrongType
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	return &claims, nil
}

// UserID returns the subject as a uuid.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, nil
}
