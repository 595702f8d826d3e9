package engine

import (
	"math"
	"time"

	"github.com/seantiz/runengine/internal/model"
)

// DefaultRetry applies when a task declares no retry settings.
var DefaultRetry = model.RetryConfig{
	Factor:         2,
	MinTimeoutInMs: 1000,
	MaxTimeoutInMs: 60000,
	Randomize:      true,
}

// RetryDelay is the wait before attempt+1 after attempt failed: the minimum
// timeout grown by factor per attempt, capped at the maximum, and spread by
// up to 25% either way when randomized. jitter is a number in [0, 1).
func RetryDelay(cfg model.RetryConfig, attempt int, jitter float64) time.Duration {
	if cfg.Factor <= 0 {
		cfg.Factor = DefaultRetry.Factor
	}
	if cfg.MinTimeoutInMs <= 0 {
		cfg.MinTimeoutInMs = DefaultRetry.MinTimeoutInMs
	}
	if cfg.MaxTimeoutInMs <= 0 {
		cfg.MaxTimeoutInMs = DefaultRetry.MaxTimeoutInMs
	}
	if attempt < 1 {
		attempt = 1
	}

	ms := float64(cfg.MinTimeoutInMs) * math.Pow(cfg.Factor, float64(attempt-1))
	ms = math.Min(ms, float64(cfg.MaxTimeoutInMs))
	if cfg.Randomize {
		ms *= 0.75 + jitter*0.5
	}
	return time.Duration(ms) * time.Millisecond
}
