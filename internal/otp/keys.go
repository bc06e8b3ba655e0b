package otp

import "time"

const (
	codePrefix         = "otp:"
	cooldownPrefix     = "otp_cooldown:"
	requestCountPrefix = "otp_request_count:"
	spamLockPrefix     = "otp_spam_lock:"
	attemptPrefix      = "otp_attempt_key:"
	lockPrefix         = "otp_lock:"
)

const (
	CodeTTL        = 300 * time.Second
	CooldownTTL    = 300 * time.Second
	RequestWindow  = 3600 * time.Second
	SpamLockTTL    = 3600 * time.Second
	AttemptWindow  = 300 * time.Second
	FailureLockTTL = 1800 * time.Second
	MaxRequests    = 2
	MaxAttempts    = 2
	minCode        = 100000
	maxCode        = 999999
	flagValue      = "true"
)

func CodeKey(identity string) string         { return codePrefix + identity }
func CooldownKey(identity string) string     { return cooldownPrefix + identity }
func RequestCountKey(identity string) string { return requestCountPrefix + identity }
func SpamLockKey(identity string) string     { return spamLockPrefix + identity }
func AttemptKey(identity string) string      { return attemptPrefix + identity }
func LockKey(identity string) string         { return lockPrefix + identity }
