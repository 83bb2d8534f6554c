package quota

import (
	"context"
	"time"
)

// Store persists DailyUsageRecords keyed by (user, UTC day).
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the record for the day, or nil when none exists yet.
	Get(ctx context.Context, userID string, day time.Time) (*DailyUsageRecord, error)

	// Increment adds to the day's counters, creating the record if needed.
	Increment(ctx context.Context, userID string, day time.Time, requests, tokens int) (*DailyUsageRecord, error)

	// ApplyEvent adds to the day's counters at most once per eventID. A
	// repeated ID leaves the counters untouched and reports applied=false.
	ApplyEvent(ctx context.Context, eventID, userID string, day time.Time, requests, tokens int) (rec *DailyUsageRecord, applied bool, err error)

	// ReserveRequest atomically increments requests_used only while it is
	// below limit. The returned record reflects the state after the call.
	ReserveRequest(ctx context.Context, userID string, day time.Time, limit int) (*DailyUsageRecord, bool, error)

	// ListRange returns existing records with from <= date <= to, oldest first.
	ListRange(ctx context.Context, userID string, from, to time.Time) ([]DailyUsageRecord, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*RedisStore)(nil)
)
