package session

import (
	"time"

	"go.fortid.dev/fortid/internal/core"
)

// Reconnect ladder defaults; config strings override them globally or
// per profile.
const (
	defaultInitialBackoff = 5 * time.Second
	defaultMaxBackoff     = 80 * time.Second
	defaultBackoffFactor  = 2
	defaultStableAfter    = 60 * time.Second
)

// retryPolicy is the effective reconnect ladder for one session, frozen
// at connect time like the rest of the profile.
type retryPolicy struct {
	enabled     bool
	initial     time.Duration
	max         time.Duration
	factor      int
	maxRetries  int // 0 means unlimited
	stableAfter time.Duration
}

func policyFor(p *core.Profile, rc core.ReconnectConfig) retryPolicy {
	pol := retryPolicy{
		enabled:     p.AutoReconnect,
		initial:     core.DurationOr(rc.InitialBackoff, defaultInitialBackoff),
		max:         core.DurationOr(rc.MaxBackoff, defaultMaxBackoff),
		factor:      rc.BackoffFactor,
		maxRetries:  rc.MaxRetries,
		stableAfter: core.DurationOr(rc.StableAfter, defaultStableAfter),
	}
	if pol.factor < 1 {
		pol.factor = defaultBackoffFactor
	}
	if pol.max < pol.initial {
		pol.max = pol.initial
	}
	return pol
}

// delay returns the countdown before retry number attempt (1-based): the
// initial interval on the first retry, multiplied by the factor for each
// consecutive failure since, capped at the maximum.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.initial
	for i := 1; i < attempt; i++ {
		d *= time.Duration(p.factor)
		if d >= p.max {
			return p.max
		}
	}
	if d > p.max {
		return p.max
	}
	return d
}

// exhausted reports whether attempt is past max_retries.
func (p retryPolicy) exhausted(attempt int) bool {
	return p.maxRetries > 0 && attempt > p.maxRetries
}
