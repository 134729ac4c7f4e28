package model

// RateLimitConfig configures the per-queue rate limiter (spec §3/§4.5).
type RateLimitConfig struct {
	MaxPerSecond  *int64
	MaxPerMinute  *int64
	MaxPerHour    *int64
	MaxPerDay     *int64
	MaxConcurrent *int64
	Burst         *int64
	WindowSeconds int
	Enabled       bool
}

// RateLimitDecision is the result of a checkRateLimit call.
type RateLimitDecision struct {
	Allowed bool
	Reason  string
	Window  string
	Limit   int64
}
