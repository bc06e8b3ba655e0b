// Package audit records security events to one or more sinks.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

const (
	EventSignup          = "signup"
	EventOTPIssued       = "otp_issued"
	EventOTPRestricted   = "otp_restricted"
	EventOTPSpamLocked   = "otp_spam_locked"
	EventOTPFailed       = "otp_failed"
	EventOTPLockedOut    = "otp_locked_out"
	EventEmailVerified   = "email_verified"
	EventSigninSucceeded = "signin_succeeded"
	EventSigninFailed    = "signin_failed"
	EventTokenRefreshed  = "token_refreshed"
	EventSignout         = "signout"
)

// Sink persists events somewhere.
type Sink interface {
	Name() string
	Write(ctx context.Context, event models.SecurityEvent) error
}

// Recorder stamps events and hands them to a sink. Sink failures are logged
// and never reach the caller.
type Recorder struct {
	sink    Sink
	buckets *bucketing.BucketingManager
	logger  *zap.Logger
	now     func() time.Time
	timeout time.Duration
}

func NewRecorder(sink Sink, buckets *bucketing.BucketingManager, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		sink:    sink,
		buckets: buckets,
		logger:  logger,
		now:     time.Now,
		timeout: 3 * time.Second,
	}
}

func (r *Recorder) Record(ctx context.Context, event models.SecurityEvent) {
	if r == nil || r.sink == nil {
		return
	}

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EventTime.IsZero() {
		event.EventTime = r.now().UTC()
	}
	event.EventDate = bucketing.DateBucket(event.EventTime)
	if r.buckets != nil {
		key := event.UserID
		if key == "" {
			key = event.Email
		}
		event.EventBucket = r.buckets.EventBucket(key)
	}
	event.Email = util.MaskEmail(event.Email)

	// Detached from the request so a client disconnect does not drop the event.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.sink.Write(wctx, event); err != nil {
		r.logger.Warn("Failed to record security event",
			zap.String("sink", r.sink.Name()),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}
