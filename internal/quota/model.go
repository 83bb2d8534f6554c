package quota

import "time"

// DailyUsageRecord matches the daily_usage table schema.
// At most one record exists per (UserID, Date).
type DailyUsageRecord struct {
	UserID       string    `json:"user_id"`
	Date         time.Time `json:"date"`
	RequestsUsed int       `json:"requests_used"`
	TokensUsed   int       `json:"tokens_used"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Decision is the outcome of a single limit check. It is never persisted.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// Status carries both independent daily checks from a single store read.
type Status struct {
	Tier     Tier      `json:"tier"`
	Date     time.Time `json:"date"`
	Requests Decision  `json:"requests"`
	Tokens   Decision  `json:"tokens"`
}

func decide(used, limit int, reason string) Decision {
	d := Decision{
		Allowed:   used < limit,
		Limit:     limit,
		Used:      used,
		Remaining: max(0, limit-used),
	}
	if !d.Allowed {
		d.Reason = reason
	}
	return d
}
