package chat

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptdesk/promptdesk/internal/auth"
)

func serveChat(t *testing.T, h *Handler, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewBufferString(body))
	if userID != "" {
		claims := &auth.AccessClaims{}
		claims.Subject = userID
		req = req.WithContext(auth.WithUserClaims(req.Context(), claims))
	}
	rec := httptest.NewRecorder()
	h.Complete(rec, req)
	return rec
}

const validBody = `{"messages":[{"role":"user","content":"hi"}]}`

func TestHandler_Complete(t *testing.T) {
	f := newFixture(t, nil)
	h := NewHandler(f.svc)

	rec := serveChat(t, h, "free-user", validBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "hello there", body["reply"])
	assert.Contains(t, body, "dailyLimits")
	assert.Contains(t, body, "dailyTokens")
	assert.Contains(t, body, "usage")
}

func TestHandler_Complete_Errors(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		body   string
		setup  func(f *fixture)
		want   int
	}{
		{name: "no claims", body: validBody, want: http.StatusUnauthorized},
		{name: "malformed json", userID: "free-user", body: `{`, want: http.StatusBadRequest},
		{name: "no messages", userID: "free-user", body: `{"messages":[]}`, want: http.StatusBadRequest},
		{name: "bad role", userID: "free-user", body: `{"messages":[{"role":"tool","content":"x"}]}`, want: http.StatusBadRequest},
		{name: "unknown user", userID: "ghost", body: validBody, want: http.StatusNotFound},
		{
			name: "request limit", userID: "free-user", body: validBody,
			setup: func(f *fixture) { f.store.Set("free-user", testNow, 20, 0) },
			want:  http.StatusTooManyRequests,
		},
		{
			name: "provider failure", userID: "free-user", body: validBody,
			setup: func(f *fixture) { f.provider.err = assert.AnError },
			want:  http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.setup != nil {
				tt.setup(f)
			}
			rec := serveChat(t, NewHandler(f.svc), tt.userID, tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandler_Complete_LimitBody(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Set("free-user", testNow, 20, 0)

	rec := serveChat(t, NewHandler(f.svc), "free-user", validBody)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{
		"error": "daily request limit reached",
		"dailyLimits": {"allowed": false, "limit": 20, "used": 20, "remaining": 0, "reason": "daily request limit reached"},
		"dailyTokens": {"limit": 5000, "used": 0, "remaining": 5000}
	}`, rec.Body.String())
}

func TestHandler_Complete_RetryAfter(t *testing.T) {
	f := newFixture(t, fakeBurst{allowed: false})

	rec := serveChat(t, NewHandler(f.svc), "free-user", validBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "20", rec.Header().Get("Retry-After"))
}
