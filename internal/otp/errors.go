package otp

import (
	"errors"
	"fmt"
)

// Kind classifies the domain failures of the OTP state machine.
type Kind int

const (
	KindUnknown Kind = iota
	KindRestriction
	KindThrottle
	KindDelivery
	KindExpired
	KindInvalid
	KindLockout
)

func (k Kind) String() string {
	switch k {
	case KindRestriction:
		return "restriction"
	case KindThrottle:
		return "throttle"
	case KindDelivery:
		return "delivery"
	case KindExpired:
		return "expired"
	case KindInvalid:
		return "invalid"
	case KindLockout:
		return "lockout"
	default:
		return "unknown"
	}
}

// Reason says which flag tripped a KindRestriction error.
type Reason string

const (
	ReasonLock     Reason = "lock"
	ReasonSpam     Reason = "spam"
	ReasonCooldown Reason = "cooldown"
)

// Error is the single error type returned for domain failures. Store
// failures are not wrapped in it and propagate as plain errors.
type Error struct {
	Kind Kind
	// Reason is set for KindRestriction.
	Reason Reason
	// AttemptsLeft is set for KindInvalid.
	AttemptsLeft int
	Err          error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRestriction:
		switch e.Reason {
		case ReasonLock:
			return "too many failed OTP attempts, try again later"
		case ReasonSpam:
			return "too many OTP requests, try again in an hour"
		default:
			return "please wait before requesting a new OTP"
		}
	case KindThrottle:
		return "OTP request limit reached, try again in an hour"
	case KindDelivery:
		return "failed to send OTP"
	case KindExpired:
		return "OTP expired or missing"
	case KindInvalid:
		suffix := "s"
		if e.AttemptsLeft == 1 {
			suffix = ""
		}
		return fmt.Sprintf("Incorrect OTP. %d attempt%s left", e.AttemptsLeft, suffix)
	case KindLockout:
		return "too many failed attempts, OTP verification locked"
	default:
		return "otp error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the restriction reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRestriction {
		return e.Reason, true
	}
	return "", false
}

// AttemptsLeftOf returns the remaining attempts carried by a KindInvalid err.
func AttemptsLeftOf(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindInvalid {
		return e.AttemptsLeft, true
	}
	return 0, false
}

func restriction(r Reason) error { return &Error{Kind: KindRestriction, Reason: r} }
