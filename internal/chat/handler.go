package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/promptdesk/promptdesk/internal/api"
	"github.com/promptdesk/promptdesk/internal/auth"
	"github.com/promptdesk/promptdesk/internal/quota"
)

const maxBodyBytes = 1 << 20

type Request struct {
	Model    string    `json:"model" validate:"omitempty,max=64"`
	Messages []Message `json:"messages" validate:"required,min=1,max=50,dive"`
}

type limitResponse struct {
	Error       string              `json:"error"`
	DailyLimits *quota.Decision     `json:"dailyLimits,omitempty"`
	DailyTokens *quota.TokenSummary `json:"dailyTokens,omitempty"`
}

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

// Complete handles POST /api/v1/chat.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	res, err := h.svc.Complete(r.Context(), claims.UserID(), req.Model, req.Messages)
	if err != nil {
		h.handleError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	var limitErr *LimitError
	switch {
	case errors.As(err, &limitErr):
		if limitErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limitErr.RetryAfter.Seconds()))))
		}
		body := limitResponse{Error: limitErr.Reason}
		if st := limitErr.Status; st != nil {
			body.DailyLimits = &st.Requests
			body.DailyTokens = &quota.TokenSummary{
				Limit:     st.Tokens.Limit,
				Used:      st.Tokens.Used,
				Remaining: st.Tokens.Remaining,
			}
		}
		api.WriteJSON(w, http.StatusTooManyRequests, body)
	case errors.Is(err, ErrUpstream):
		slog.Error("chat: provider failed", "error", err)
		api.HandleError(w, api.ErrBadGateway)
	default:
		quota.HandleError(w, err)
	}
}
