package users

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no profile row exists for a user id.
var ErrNotFound = errors.New("user not found")

// User mirrors the users table. Rows are provisioned by the identity
// provider; subscription fields are maintained by the billing side.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	IsPro       bool      `json:"is_pro"`
	ProPlanType *string   `json:"pro_plan_type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Profile is the slice of a user the quota layer depends on.
type Profile struct {
	UserID      string
	IsPro       bool
	ProPlanType *string
}
