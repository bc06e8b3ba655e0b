package models

import "time"

// SecurityEvent is one audit record of an authentication event.
type SecurityEvent struct {
	EventID     string            `json:"event_id"`
	EventBucket int               `json:"event_bucket"`
	EventDate   string            `json:"event_date"`
	EventTime   time.Time         `json:"event_time"`
	EventType   string            `json:"event_type"`
	UserID      string            `json:"user_id,omitempty"`
	Email       string            `json:"email,omitempty"`
	IPAddress   string            `json:"ip_address,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Success     bool              `json:"success"`
	Details     map[string]string `json:"details,omitempty"`
}
