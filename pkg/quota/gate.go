package quota

import (
	"time"

	"r3chat/pkg/config"
	"r3chat/pkg/logger"
	"r3chat/pkg/store"
)

// Identity classes ordered by ceiling.
const (
	ClassAnonymous = "anonymous"
	ClassFree      = "free"
	ClassPaid      = "paid"
)

// Limit kinds reported in deny decisions so clients can classify without
// parsing prose.
const (
	KindAnonymous = "anonymous_limit"
	KindUser      = "user_limit"
	KindModel     = "model_limit"
	KindBurst     = "burst_limit"
)

// Decision is the structured result of a gate check.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Kind       string `json:"kind,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
	Remaining  int    `json:"remaining,omitempty"`
}

// Gate enforces burst rate limits and daily ceilings before a streaming
// session is allowed to start.
type Gate struct {
	cfg  *config.Config
	pool *limiterPool
	// now is swappable for tests.
	now func() time.Time
}

func NewGate(cfg *config.Config) *Gate {
	return &Gate{
		cfg: cfg,
		pool: &limiterPool{
			rps:   cfg.Security.RateLimit.RPS,
			burst: cfg.Security.RateLimit.Burst,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CheckAndConsume applies the burst limiter, the per-identity daily
// ceiling and the per-model sub-limit, in that order. A request is
// allowed only when every applicable check passes; allowed requests
// consume one unit from each daily counter.
func (g *Gate) CheckAndConsume(identity, class, model string) (Decision, error) {
	if !g.pool.Allow(identity) {
		logger.Warn("rate_limited", "identity", identity, "kind", KindBurst)
		return Decision{Kind: KindBurst, RetryAfter: 1}, nil
	}

	ceiling := g.dailyCeiling(class)
	now := g.now()

	if ceiling > 0 {
		n, err := store.GetDailyCount("global", identity, now)
		if err != nil {
			return Decision{}, err
		}
		if n >= ceiling {
			kind := KindUser
			if class == ClassAnonymous {
				kind = KindAnonymous
			}
			logger.Warn("quota_exceeded", "identity", identity, "class", class, "kind", kind, "count", n)
			return Decision{Kind: kind, RetryAfter: secondsToMidnight(now)}, nil
		}
	}

	modelCeiling := g.cfg.ModelDaily(model)
	if modelCeiling > 0 && class != ClassPaid {
		n, err := store.GetDailyCount("model:"+model, identity, now)
		if err != nil {
			return Decision{}, err
		}
		if n >= modelCeiling {
			logger.Warn("quota_exceeded", "identity", identity, "model", model, "kind", KindModel, "count", n)
			return Decision{Kind: KindModel, RetryAfter: secondsToMidnight(now)}, nil
		}
	}

	remaining := 0
	if ceiling > 0 {
		n, err := store.IncrDailyCount("global", identity, now)
		if err != nil {
			return Decision{}, err
		}
		remaining = ceiling - n
	}
	if modelCeiling > 0 && class != ClassPaid {
		if _, err := store.IncrDailyCount("model:"+model, identity, now); err != nil {
			return Decision{}, err
		}
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// dailyCeiling returns the global per-identity daily message ceiling.
// Paid accounts are unlimited.
func (g *Gate) dailyCeiling(class string) int {
	switch class {
	case ClassAnonymous:
		if g.cfg.Quota.AnonymousDaily > 0 {
			return g.cfg.Quota.AnonymousDaily
		}
		return 10
	case ClassFree:
		if g.cfg.Quota.FreeDaily > 0 {
			return g.cfg.Quota.FreeDaily
		}
		return 100
	default:
		return 0
	}
}

// secondsToMidnight computes the retry-after horizon: daily counters
// reset at UTC midnight.
func secondsToMidnight(now time.Time) int {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	s := int(next.Sub(now).Seconds())
	if s < 1 {
		s = 1
	}
	return s
}
