package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptdesk/promptdesk/internal/quota"
	"github.com/promptdesk/promptdesk/internal/users"
)

var testNow = time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)

type stubProfiles map[string]*users.Profile

func (s stubProfiles) Profile(ctx context.Context, id string) (*users.Profile, error) {
	p, ok := s[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	return p, nil
}

type fakeProvider struct {
	completion *Completion
	err        error
	calls      []CompletionRequest
}

func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.completion, nil
}

// fakeCounter counts one token per byte.
type fakeCounter struct{}

func (fakeCounter) Count(model, text string) int { return len(text) }

func (fakeCounter) CountMessages(model string, msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

type fakeBurst struct {
	allowed bool
	err     error
}

func (f fakeBurst) Allow(ctx context.Context, userID string, maxPerMinute int) (bool, time.Duration, error) {
	return f.allowed, 20 * time.Second, f.err
}

type fixture struct {
	store    *quota.MemoryStore
	provider *fakeProvider
	svc      *Service
}

func newFixture(t *testing.T, burst BurstChecker) *fixture {
	t.Helper()
	clock := quota.ClockFunc(func() time.Time { return testNow })
	store := quota.NewMemoryStore()
	provider := &fakeProvider{completion: &Completion{
		Content:          "hello there",
		Model:            "gpt-4o-mini",
		PromptTokens:     12,
		CompletionTokens: 8,
		TotalTokens:      20,
	}}
	profiles := stubProfiles{
		"free-user": {UserID: "free-user"},
		"pro-user":  {UserID: "pro-user", IsPro: true},
	}
	svc := NewService(
		profiles,
		quota.NewTracker(store, clock),
		burst,
		quota.NewRecorder(store, nil, clock),
		provider,
		fakeCounter{},
		Options{DefaultModel: "gpt-4o-mini", MaxCompletionTokens: 1024, MaxRequestsPerMinute: 10},
	)
	return &fixture{store: store, provider: provider, svc: svc}
}

var hello = []Message{{Role: "user", Content: "hi"}}

func TestService_Complete_RecordsUsage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Complete(ctx, "free-user", "", hello)
	require.NoError(t, err)

	assert.Equal(t, "hello there", res.Reply)
	assert.Equal(t, 20, res.Usage.TotalTokens)
	assert.Equal(t, quota.Decision{Allowed: true, Limit: 20, Used: 1, Remaining: 19}, res.DailyLimits)
	assert.Equal(t, quota.TokenSummary{Limit: 5000, Used: 20, Remaining: 4980}, res.DailyTokens)

	require.Len(t, f.provider.calls, 1)
	assert.Equal(t, "gpt-4o-mini", f.provider.calls[0].Model)
	assert.Equal(t, 1024, f.provider.calls[0].MaxTokens)

	rec, err := f.store.Get(ctx, "free-user", testNow)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.RequestsUsed)
	assert.Equal(t, 20, rec.TokensUsed)
}

func TestService_Complete_CapsMaxTokensAtRemaining(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Set("free-user", testNow, 3, 4900)

	_, err := f.svc.Complete(context.Background(), "free-user", "gpt-4o", hello)
	require.NoError(t, err)

	require.Len(t, f.provider.calls, 1)
	assert.Equal(t, 100, f.provider.calls[0].MaxTokens)
	assert.Equal(t, "gpt-4o", f.provider.calls[0].Model)
}

func TestService_Complete_EstimatesWhenUsageMissing(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.completion = &Completion{Content: "four", Model: "local-model"}

	res, err := f.svc.Complete(context.Background(), "pro-user", "", hello)
	require.NoError(t, err)

	assert.Equal(t, Usage{PromptTokens: 2, CompletionTokens: 4, TotalTokens: 6}, res.Usage)
	assert.Equal(t, 25000, res.DailyTokens.Limit)
	assert.Equal(t, 6, res.DailyTokens.Used)
}

func TestService_Complete_DeniedAtRequestLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Set("free-user", testNow, 20, 100)

	_, err := f.svc.Complete(context.Background(), "free-user", "", hello)

	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, quota.ReasonRequestLimit, limitErr.Reason)
	require.NotNil(t, limitErr.Status)
	assert.Equal(t, 0, limitErr.Status.Requests.Remaining)
	assert.Empty(t, f.provider.calls)

	rec, _ := f.store.Get(context.Background(), "free-user", testNow)
	assert.Equal(t, 20, rec.RequestsUsed)
}

func TestService_Complete_DeniedWhenTokensExhausted(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Set("pro-user", testNow, 5, 30000)

	_, err := f.svc.Complete(context.Background(), "pro-user", "", hello)

	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, quota.ReasonTokenLimit, limitErr.Reason)
	assert.Equal(t, quota.Decision{Allowed: false, Limit: 25000, Used: 30000, Remaining: 0, Reason: quota.ReasonTokenLimit}, limitErr.Status.Tokens)

	// The token denial does not consume a request.
	rec, _ := f.store.Get(context.Background(), "pro-user", testNow)
	assert.Equal(t, 5, rec.RequestsUsed)
}

func TestService_Complete_Throttled(t *testing.T) {
	f := newFixture(t, fakeBurst{allowed: false})

	_, err := f.svc.Complete(context.Background(), "free-user", "", hello)

	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 20*time.Second, limitErr.RetryAfter)
	assert.Nil(t, limitErr.Status)
}

func TestService_Complete_BurstErrorFailsOpen(t *testing.T) {
	f := newFixture(t, fakeBurst{err: errors.New("redis down")})

	_, err := f.svc.Complete(context.Background(), "free-user", "", hello)
	assert.NoError(t, err)
}

func TestService_Complete_ProviderFailureKeepsReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.err = errors.New("connection reset")

	_, err := f.svc.Complete(context.Background(), "free-user", "", hello)
	require.ErrorIs(t, err, ErrUpstream)

	rec, _ := f.store.Get(context.Background(), "free-user", testNow)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.RequestsUsed)
	assert.Equal(t, 0, rec.TokensUsed)
}

func TestService_Complete_UnknownUser(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Complete(context.Background(), "ghost", "", hello)
	assert.ErrorIs(t, err, users.ErrNotFound)
}
