package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/promptdesk/promptdesk/internal/metrics"
	inats "github.com/promptdesk/promptdesk/internal/nats"
)

const (
	usageConsumerName = "usage-applier"
	fetchRetryDelay   = time.Second
)

// errInvalidEvent marks events that no redelivery can make applicable.
var errInvalidEvent = errors.New("invalid usage event")

// Consumer listens on the usage subject and applies events to the store.
type Consumer struct {
	store       Store
	consumerMgr *inats.ConsumerManager
}

// NewConsumer creates a new usage event Consumer.
func NewConsumer(store Store, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		store:       store,
		consumerMgr: consumerMgr,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, inats.StreamUsage, usageConsumerName, inats.SubjectUsageRecorded)
	if err != nil {
		return err
	}

	slog.Info("usage consumer started", "consumer", usageConsumerName)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("usage consumer: fetching events", "error", err)
			if !sleepCtx(ctx, fetchRetryDelay) {
				return nil
			}
			continue
		}

		for msg := range msgs.Messages() {
			c.handleEvent(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handleEvent(ctx context.Context, msg jetstream.Msg) {
	var event inats.UsageEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		slog.Error("usage consumer: unmarshaling event", "error", err)
		metrics.UsageEventsConsumedTotal.WithLabelValues("malformed").Inc()
		// Redelivery cannot fix a malformed payload.
		_ = msg.Term()
		return
	}

	applied, err := c.apply(ctx, event)
	if err != nil {
		slog.Error("usage consumer: applying event", "error", err, "event_id", event.ID, "user_id", event.UserID)
		if errors.Is(err, errInvalidEvent) {
			metrics.UsageEventsConsumedTotal.WithLabelValues("malformed").Inc()
			_ = msg.Term()
			return
		}
		metrics.UsageEventsConsumedTotal.WithLabelValues("failed").Inc()
		_ = msg.Nak()
		return
	}

	// The store already holds the event, so a lost ack only costs a no-op redelivery.
	if err := msg.DoubleAck(ctx); err != nil {
		slog.Warn("usage consumer: acknowledging event", "error", err, "event_id", event.ID)
	}

	outcome := "applied"
	if !applied {
		outcome = "duplicate"
	}
	metrics.UsageEventsConsumedTotal.WithLabelValues(outcome).Inc()

	slog.Debug("usage consumer: handled event",
		"event_id", event.ID,
		"user_id", event.UserID,
		"date", event.Date,
		"tokens", event.Tokens,
		"outcome", outcome,
	)
}

// apply adds the event to the store once. It reports false for an event
// that was already applied.
func (c *Consumer) apply(ctx context.Context, event inats.UsageEvent) (bool, error) {
	if event.ID == "" {
		return false, fmt.Errorf("usage event for %s has no id: %w", event.UserID, errInvalidEvent)
	}
	if event.UserID == "" {
		return false, fmt.Errorf("usage event %s has no user id: %w", event.ID, errInvalidEvent)
	}
	if event.Requests < 0 || event.Tokens < 0 {
		return false, fmt.Errorf("usage event %s has negative counters: %w", event.ID, errInvalidEvent)
	}
	day, err := eventDay(event)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errInvalidEvent, err)
	}
	_, applied, err := c.store.ApplyEvent(ctx, event.ID, event.UserID, day, event.Requests, event.Tokens)
	if err != nil {
		return false, fmt.Errorf("applying usage: %w", err)
	}
	return applied, nil
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
