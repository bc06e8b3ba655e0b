package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"identity-service/internal/config"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

const purpose = "password"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher hashes passwords with argon2id and a server-side pepper. Peppers are
// versioned: PASSWORD_PREVIOUS_PEPPERS are versions 1..n and PASSWORD_PEPPER is
// n+1, so hashes made before a pepper change still verify.
type Hasher struct {
	params         Argon2Params
	peppers        []string
	currentVersion int
}

func NewHasher(cfg config.HashingConfig) *Hasher {
	peppers := append([]string{}, cfg.PreviousPeppers...)
	peppers = append(peppers, cfg.Pepper)

	return &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Argon2MemoryCost),
			Iterations:  uint32(cfg.Argon2TimeCost),
			Parallelism: uint8(cfg.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		peppers:        peppers,
		currentVersion: len(peppers),
	}
}

// Hash returns an encoded hash of the form
// $argon2id$v=19$m=65536,t=3,p=2$pv=1$<salt>$<key>.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		h.peppered(password, h.currentVersion),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$pv=%d$%s$%s",
		argon2.Version,
		h.params.Memory, h.params.Iterations, h.params.Parallelism,
		h.currentVersion,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. The cost parameters are
// read from encoded, not from the current configuration.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 7 || parts[1] != "argon2id" {
		return false, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, ErrInvalidHash
	}
	if version != argon2.Version {
		return false, ErrIncompatibleVersion
	}

	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return false, ErrInvalidHash
	}

	var pepperVersion int
	if _, err := fmt.Sscanf(parts[4], "pv=%d", &pepperVersion); err != nil {
		return false, ErrInvalidHash
	}
	if pepperVersion < 1 || pepperVersion > len(h.peppers) {
		return false, ErrUnknownPepper
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[6])
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		h.peppered(password, pepperVersion),
		salt,
		p.Iterations,
		p.Memory,
		p.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) peppered(password string, version int) []byte {
	return []byte(password + h.peppers[version-1] + purpose)
}
