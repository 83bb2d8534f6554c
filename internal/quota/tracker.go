package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptdesk/promptdesk/internal/metrics"
)

// MaxHistoryDays bounds History lookups.
const MaxHistoryDays = 31

// Tracker evaluates per-user daily limits against the usage store.
// Checks are read-only; ReserveRequest is the only mutating call.
type Tracker struct {
	store Store
	clock Clock
}

// NewTracker creates a Tracker. A nil clock falls back to the wall clock.
func NewTracker(store Store, clock Clock) *Tracker {
	if clock == nil {
		clock = SystemClock()
	}
	return &Tracker{store: store, clock: clock}
}

// Today returns the current UTC date according to the tracker's clock.
func (t *Tracker) Today() time.Time {
	return Day(t.clock.Now())
}

// CheckDailyLimit reports whether userID may issue another request today.
func (t *Tracker) CheckDailyLimit(ctx context.Context, userID string, isPro bool) (Decision, error) {
	st, err := t.status(ctx, userID, isPro)
	if err != nil {
		return Decision{}, err
	}
	observe("requests", st.Tier, st.Requests)
	return st.Requests, nil
}

// CheckDailyTokens reports the token allowance. It is evaluated independently
// of the request count.
func (t *Tracker) CheckDailyTokens(ctx context.Context, userID string, isPro bool) (Decision, error) {
	st, err := t.status(ctx, userID, isPro)
	if err != nil {
		return Decision{}, err
	}
	observe("tokens", st.Tier, st.Tokens)
	return st.Tokens, nil
}

// Status computes both daily decisions from one read of today's record and
// counts each of them as a decision.
func (t *Tracker) Status(ctx context.Context, userID string, isPro bool) (*Status, error) {
	st, err := t.status(ctx, userID, isPro)
	if err != nil {
		return nil, err
	}
	observe("requests", st.Tier, st.Requests)
	observe("tokens", st.Tier, st.Tokens)
	return st, nil
}

func (t *Tracker) status(ctx context.Context, userID string, isPro bool) (*Status, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id: %w", ErrNotFound)
	}

	today := t.Today()
	rec, err := t.store.Get(ctx, userID, today)
	if err != nil {
		return nil, storeError(ctx, err)
	}

	tier := TierFor(isPro)
	return buildStatus(tier, today, rec)
}

// ReserveRequest atomically counts one request against today's allowance if
// the ceiling has not been reached. The decision reflects the state before
// the reservation: Allowed is true iff a slot was taken.
func (t *Tracker) ReserveRequest(ctx context.Context, userID string, isPro bool) (Decision, error) {
	if userID == "" {
		return Decision{}, fmt.Errorf("empty user id: %w", ErrNotFound)
	}

	tier := TierFor(isPro)
	limits := LimitsFor(tier)
	rec, reserved, err := t.store.ReserveRequest(ctx, userID, t.Today(), limits.RequestsLimit)
	if err != nil {
		return Decision{}, storeError(ctx, err)
	}
	if rec.RequestsUsed < 0 {
		return Decision{}, fmt.Errorf("negative request counter for %s: %w", userID, ErrInternal)
	}

	used := rec.RequestsUsed
	if reserved {
		used--
	}
	d := decide(used, limits.RequestsLimit, ReasonRequestLimit)
	observe("reserve", tier, d)
	return d, nil
}

// History returns one record per day for the last `days` UTC days ending
// today, oldest first. Days without usage are zero-filled.
func (t *Tracker) History(ctx context.Context, userID string, days int) ([]DailyUsageRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id: %w", ErrNotFound)
	}
	if days < 1 {
		days = 1
	}
	if days > MaxHistoryDays {
		days = MaxHistoryDays
	}

	to := t.Today()
	from := to.AddDate(0, 0, -(days - 1))
	recs, err := t.store.ListRange(ctx, userID, from, to)
	if err != nil {
		return nil, storeError(ctx, err)
	}

	byDate := make(map[string]DailyUsageRecord, len(recs))
	for _, r := range recs {
		byDate[DateKey(r.Date)] = r
	}

	out := make([]DailyUsageRecord, 0, days)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if r, ok := byDate[DateKey(d)]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, DailyUsageRecord{UserID: userID, Date: d})
	}
	return out, nil
}

// Project returns the Status implied by the given counters without reading
// the store. Callers use it to report usage right after recording.
func Project(isPro bool, day time.Time, requestsUsed, tokensUsed int) Status {
	limits := LimitsFor(TierFor(isPro))
	return Status{
		Tier:     TierFor(isPro),
		Date:     Day(day),
		Requests: decide(max(0, requestsUsed), limits.RequestsLimit, ReasonRequestLimit),
		Tokens:   decide(max(0, tokensUsed), limits.TokensLimit, ReasonTokenLimit),
	}
}

func buildStatus(tier Tier, today time.Time, rec *DailyUsageRecord) (*Status, error) {
	var requests, tokens int
	if rec != nil {
		requests, tokens = rec.RequestsUsed, rec.TokensUsed
	}
	if requests < 0 || tokens < 0 {
		return nil, fmt.Errorf("negative usage counters (requests=%d, tokens=%d): %w", requests, tokens, ErrInternal)
	}

	limits := LimitsFor(tier)
	return &Status{
		Tier:     tier,
		Date:     today,
		Requests: decide(requests, limits.RequestsLimit, ReasonRequestLimit),
		Tokens:   decide(tokens, limits.TokensLimit, ReasonTokenLimit),
	}, nil
}

// storeError classifies a store failure. Caller cancellation is passed
// through untouched; everything else means the store could not serve us.
func storeError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	slog.Warn("quota: usage store failure", "error", err)
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func observe(check string, tier Tier, d Decision) {
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	metrics.QuotaDecisionsTotal.WithLabelValues(check, string(tier), outcome).Inc()
}
