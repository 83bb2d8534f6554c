package nats

import (
	"time"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamUsage = "PROMPTDESK_USAGE"
)

// Subject constants.
const (
	SubjectUsageRecorded = "promptdesk.usage.recorded"
)

// UsageEvent is published after a chat completion finishes so the usage
// counters can be applied out of band. Date is the UTC day the usage
// belongs to (YYYY-MM-DD), fixed at publish time.
type UsageEvent struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Date       string    `json:"date"`
	Requests   int       `json:"requests"`
	Tokens     int       `json:"tokens"`
	Model      string    `json:"model,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
