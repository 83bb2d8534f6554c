package quota

// Tier is a user's subscription class.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// TierLimits holds the daily allowances for a tier.
type TierLimits struct {
	RequestsLimit int `json:"requests_limit"`
	TokensLimit   int `json:"tokens_limit"`
}

// tierLimits maps tiers to their daily allowances.
var tierLimits = map[Tier]TierLimits{
	TierFree: {RequestsLimit: 20, TokensLimit: 5000},
	TierPro:  {RequestsLimit: 100, TokensLimit: 25000},
}

// TierFor selects the tier from the subscription flag.
func TierFor(isPro bool) Tier {
	if isPro {
		return TierPro
	}
	return TierFree
}

// LimitsFor returns the limits for a tier. Unknown tiers get the free limits.
func LimitsFor(t Tier) TierLimits {
	limits, ok := tierLimits[t]
	if !ok {
		return tierLimits[TierFree]
	}
	return limits
}
