package processor

import (
	"math"
	"time"
)

// nextPollDelay computes the delay before the next poll after
// consecutiveEmpty empty cycles in a row. Below the threshold the base
// interval applies; past it the delay grows geometrically up to the
// configured ceiling.
func nextPollDelay(cfg Config, consecutiveEmpty int) time.Duration {
	base := cfg.PollingInterval
	if !cfg.BackoffEnabled || consecutiveEmpty < cfg.BackoffThreshold {
		return base
	}
	ceiling := time.Duration(cfg.BackoffMaxSeconds) * time.Second
	exp := float64(consecutiveEmpty - cfg.BackoffThreshold)
	delay := float64(base) * math.Pow(cfg.BackoffMultiplier, exp)
	if delay >= float64(ceiling) || math.IsInf(delay, 1) {
		return ceiling
	}
	return time.Duration(delay)
}
