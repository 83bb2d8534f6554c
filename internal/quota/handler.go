package quota

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/promptdesk/promptdesk/internal/api"
	"github.com/promptdesk/promptdesk/internal/auth"
	"github.com/promptdesk/promptdesk/internal/users"
)

const defaultHistoryDays = 7

// ProfileSource resolves the subscription inputs for an authenticated user.
type ProfileSource interface {
	Profile(ctx context.Context, id string) (*users.Profile, error)
}

// TokenSummary is the token allowance as exposed to clients.
type TokenSummary struct {
	Limit     int `json:"limit"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// UsageResponse is the body of GET /api/v1/usage/daily.
type UsageResponse struct {
	IsPro       bool         `json:"isPro"`
	ProPlanType *string      `json:"proPlanType"`
	DailyLimits Decision     `json:"dailyLimits"`
	DailyTokens TokenSummary `json:"dailyTokens"`
}

// HistoryResponse is the body of GET /api/v1/usage/history.
type HistoryResponse struct {
	Tier   Tier               `json:"tier"`
	Limits TierLimits         `json:"limits"`
	Days   []DailyUsageRecord `json:"days"`
}

// Handler provides HTTP handlers for the usage endpoints.
type Handler struct {
	tracker  *Tracker
	profiles ProfileSource
}

// NewHandler creates a new usage Handler.
func NewHandler(tracker *Tracker, profiles ProfileSource) *Handler {
	return &Handler{tracker: tracker, profiles: profiles}
}

// NewUsageResponse assembles the client view of a Status.
func NewUsageResponse(profile *users.Profile, st *Status) UsageResponse {
	return UsageResponse{
		IsPro:       profile.IsPro,
		ProPlanType: profile.ProPlanType,
		DailyLimits: st.Requests,
		DailyTokens: TokenSummary{
			Limit:     st.Tokens.Limit,
			Used:      st.Tokens.Used,
			Remaining: st.Tokens.Remaining,
		},
	}
}

// GetDailyUsage returns the authenticated user's request and token allowance
// for the current UTC day.
func (h *Handler) GetDailyUsage(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.resolveProfile(w, r)
	if !ok {
		return
	}

	st, err := h.tracker.Status(r.Context(), profile.UserID, profile.IsPro)
	if err != nil {
		HandleError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, NewUsageResponse(profile, st))
}

// GetUsageHistory returns per-day usage for the last ?days= days (default 7).
func (h *Handler) GetUsageHistory(w http.ResponseWriter, r *http.Request) {
	days := defaultHistoryDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxHistoryDays {
			api.HandleError(w, api.NewBadRequestError("days must be between 1 and "+strconv.Itoa(MaxHistoryDays)))
			return
		}
		days = n
	}

	profile, ok := h.resolveProfile(w, r)
	if !ok {
		return
	}

	records, err := h.tracker.History(r.Context(), profile.UserID, days)
	if err != nil {
		HandleError(w, err)
		return
	}

	tier := TierFor(profile.IsPro)
	api.WriteJSON(w, http.StatusOK, HistoryResponse{
		Tier:   tier,
		Limits: LimitsFor(tier),
		Days:   records,
	})
}

func (h *Handler) resolveProfile(w http.ResponseWriter, r *http.Request) (*users.Profile, bool) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return nil, false
	}

	profile, err := h.profiles.Profile(r.Context(), claims.UserID())
	if err != nil {
		HandleError(w, err)
		return nil, false
	}
	return profile, true
}

// HandleError maps quota and profile errors onto HTTP responses. Messages
// stay generic; causes are logged.
func HandleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, users.ErrNotFound), errors.Is(err, ErrNotFound):
		api.HandleError(w, api.NewNotFoundError("user not found"))
	case errors.Is(err, ErrUnavailable):
		slog.Error("quota: usage store unavailable", "error", err)
		api.HandleError(w, api.ErrInternalServer)
	default:
		slog.Error("quota: request failed", "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}
