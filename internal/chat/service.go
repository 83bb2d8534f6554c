package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptdesk/promptdesk/internal/metrics"
	"github.com/promptdesk/promptdesk/internal/quota"
)

// ErrUpstream wraps provider failures.
var ErrUpstream = errors.New("upstream model error")

// LimitError reports a denied chat request.
type LimitError struct {
	Reason     string
	RetryAfter time.Duration
	Status     *quota.Status
}

func (e *LimitError) Error() string {
	return e.Reason
}

// BurstChecker enforces a short-window per-user request rate.
type BurstChecker interface {
	Allow(ctx context.Context, userID string, maxPerMinute int) (bool, time.Duration, error)
}

// UsageRecorder adds completed token usage to the user's daily counter.
type UsageRecorder interface {
	RecordTokens(ctx context.Context, userID string, tokens int, model string) error
}

type Options struct {
	DefaultModel         string
	MaxCompletionTokens  int
	MaxRequestsPerMinute int
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Result is a completed chat turn together with the caller's allowance as
// of this request.
type Result struct {
	Reply       string             `json:"reply"`
	Model       string             `json:"model"`
	Usage       Usage              `json:"usage"`
	DailyLimits quota.Decision     `json:"dailyLimits"`
	DailyTokens quota.TokenSummary `json:"dailyTokens"`
}

// Service gates model calls on the caller's daily quota and records what
// they consumed.
type Service struct {
	profiles quota.ProfileSource
	tracker  *quota.Tracker
	burst    BurstChecker
	recorder UsageRecorder
	provider Provider
	counter  TokenCounter
	opts     Options
}

// NewService creates a chat Service. burst may be nil.
func NewService(
	profiles quota.ProfileSource,
	tracker *quota.Tracker,
	burst BurstChecker,
	recorder UsageRecorder,
	provider Provider,
	counter TokenCounter,
	opts Options,
) *Service {
	return &Service{
		profiles: profiles,
		tracker:  tracker,
		burst:    burst,
		recorder: recorder,
		provider: provider,
		counter:  counter,
		opts:     opts,
	}
}

// Complete runs one chat turn for userID. The request slot is reserved
// before the provider is called and stays counted if the provider fails.
func (s *Service) Complete(ctx context.Context, userID, model string, msgs []Message) (*Result, error) {
	profile, err := s.profiles.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.burst != nil {
		allowed, retryAfter, err := s.burst.Allow(ctx, userID, s.opts.MaxRequestsPerMinute)
		switch {
		case err != nil:
			slog.Warn("chat: burst limiter error, failing open", "error", err, "user_id", userID)
		case !allowed:
			metrics.ChatCompletionsTotal.WithLabelValues("throttled").Inc()
			return nil, &LimitError{Reason: "too many requests", RetryAfter: retryAfter}
		}
	}

	st, err := s.tracker.Status(ctx, userID, profile.IsPro)
	if err != nil {
		return nil, err
	}
	if !st.Tokens.Allowed {
		metrics.ChatCompletionsTotal.WithLabelValues("denied").Inc()
		return nil, &LimitError{Reason: st.Tokens.Reason, Status: st}
	}

	reservation, err := s.tracker.ReserveRequest(ctx, userID, profile.IsPro)
	if err != nil {
		return nil, err
	}
	if !reservation.Allowed {
		metrics.ChatCompletionsTotal.WithLabelValues("denied").Inc()
		denied := quota.Project(profile.IsPro, s.tracker.Today(), reservation.Used, st.Tokens.Used)
		return nil, &LimitError{Reason: reservation.Reason, Status: &denied}
	}

	if model == "" {
		model = s.opts.DefaultModel
	}
	// Never let a single reply overrun the day's token allowance.
	maxTokens := st.Tokens.Remaining
	if s.opts.MaxCompletionTokens > 0 {
		maxTokens = min(maxTokens, s.opts.MaxCompletionTokens)
	}

	completion, err := s.provider.Complete(ctx, CompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: maxTokens,
	})
	if err != nil {
		metrics.ChatCompletionsTotal.WithLabelValues("upstream_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	usage := s.usageOf(model, msgs, completion)
	if err := s.recorder.RecordTokens(ctx, userID, usage.TotalTokens, completion.Model); err != nil {
		// The reply was produced; a lost token update only under-counts.
		slog.Error("chat: recording token usage", "error", err, "user_id", userID, "tokens", usage.TotalTokens)
	}
	metrics.ChatCompletionsTotal.WithLabelValues("ok").Inc()

	after := quota.Project(profile.IsPro, s.tracker.Today(), reservation.Used+1, st.Tokens.Used+usage.TotalTokens)
	return &Result{
		Reply:       completion.Content,
		Model:       completion.Model,
		Usage:       usage,
		DailyLimits: after.Requests,
		DailyTokens: quota.TokenSummary{
			Limit:     after.Tokens.Limit,
			Used:      after.Tokens.Used,
			Remaining: after.Tokens.Remaining,
		},
	}, nil
}

func (s *Service) usageOf(model string, msgs []Message, c *Completion) Usage {
	if c.TotalTokens > 0 {
		return Usage{
			PromptTokens:     c.PromptTokens,
			CompletionTokens: c.CompletionTokens,
			TotalTokens:      c.TotalTokens,
		}
	}

	prompt := s.counter.CountMessages(model, msgs)
	completion := s.counter.Count(model, c.Content)
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
