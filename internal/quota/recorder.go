package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/promptdesk/promptdesk/internal/metrics"
	inats "github.com/promptdesk/promptdesk/internal/nats"
)

// UsagePublisher publishes usage events for asynchronous application.
type UsagePublisher interface {
	PublishUsage(ctx context.Context, event inats.UsageEvent) error
}

// Recorder is the usage-recording path: it adds completed work to the
// day's counters, either directly or through NATS when a publisher is set.
type Recorder struct {
	store     Store
	publisher UsagePublisher
	clock     Clock
}

// NewRecorder creates a Recorder. publisher may be nil.
func NewRecorder(store Store, publisher UsagePublisher, clock Clock) *Recorder {
	if clock == nil {
		clock = SystemClock()
	}
	return &Recorder{store: store, publisher: publisher, clock: clock}
}

// RecordTokens adds model tokens to today's counter without touching the
// request count (requests are reserved up front).
func (r *Recorder) RecordTokens(ctx context.Context, userID string, tokens int, model string) error {
	return r.Record(ctx, userID, 0, tokens, model)
}

// Record adds requests and tokens to today's counters.
func (r *Recorder) Record(ctx context.Context, userID string, requests, tokens int, model string) error {
	if userID == "" {
		return fmt.Errorf("empty user id: %w", ErrNotFound)
	}
	if requests < 0 || tokens < 0 {
		return fmt.Errorf("negative usage (requests=%d, tokens=%d): %w", requests, tokens, ErrInternal)
	}
	if requests == 0 && tokens == 0 {
		return nil
	}

	now := r.clock.Now().UTC()
	day := Day(now)

	if r.publisher != nil {
		event := inats.UsageEvent{
			ID:         uuid.New().String(),
			UserID:     userID,
			Date:       DateKey(day),
			Requests:   requests,
			Tokens:     tokens,
			Model:      model,
			RecordedAt: now,
		}
		err := r.publisher.PublishUsage(ctx, event)
		if err == nil {
			metrics.TokensRecordedTotal.Add(float64(tokens))
			return nil
		}
		slog.Warn("quota: publishing usage event failed, writing directly", "error", err, "user_id", userID)
	}

	if _, err := r.store.Increment(ctx, userID, day, requests, tokens); err != nil {
		return storeError(ctx, err)
	}
	metrics.TokensRecordedTotal.Add(float64(tokens))
	return nil
}

// eventDay parses the event's date, falling back to its timestamp.
func eventDay(event inats.UsageEvent) (time.Time, error) {
	if event.Date != "" {
		d, err := time.Parse(time.DateOnly, event.Date)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing event date %q: %w", event.Date, err)
		}
		return Day(d), nil
	}
	if event.RecordedAt.IsZero() {
		return time.Time{}, fmt.Errorf("usage event %s has no date", event.ID)
	}
	return Day(event.RecordedAt), nil
}
