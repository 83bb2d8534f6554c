package quota

import "errors"

// Error kinds surfaced by the tracker. Causes are wrapped with %w so callers
// can match them with errors.Is.
var (
	ErrNotFound    = errors.New("user not found")
	ErrUnavailable = errors.New("usage store unavailable")
	ErrInternal    = errors.New("internal quota error")
)

// Denial reasons.
const (
	ReasonRequestLimit = "daily request limit reached"
	ReasonTokenLimit   = "daily token limit reached"
)
