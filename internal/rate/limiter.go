package rate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LukeLamb/neuroforge-sub000/internal/metrics"
)

// Counter is one window of one tier for one subject, as seen by a Store.
type Counter struct {
	Key    string
	Limit  int
	Period time.Duration
}

// Result of a Store.Hit. RetryAfter is set only when Allowed is false.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Store evaluates counters atomically: if any counter is at its limit none
// is incremented and RetryAfter is the longest wait among those at limit;
// otherwise every counter is incremented and a fresh counter starts its
// window.
type Store interface {
	Hit(ctx context.Context, counters []Counter) (Result, error)
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	ResetAt    time.Time
}

type Limiter struct {
	store    Store
	fallback Store
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Limiter)

// WithFallback sets the store used while the primary store errors.
func WithFallback(s Store) Option {
	return func(l *Limiter) { l.fallback = s }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store Store, policy Policy, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		policy: policy,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records one request by subject against tier.
func (l *Limiter) Check(ctx context.Context, subject string, tier Tier) (Decision, error) {
	windows, ok := l.policy[tier]
	if !ok {
		return Decision{}, fmt.Errorf("rate tier %q not configured", tier)
	}
	counters := make([]Counter, len(windows))
	for i, w := range windows {
		counters[i] = Counter{Key: counterKey(subject, tier, w.Period), Limit: w.Limit, Period: w.Period}
	}

	res, err := l.store.Hit(ctx, counters)
	if err != nil {
		if l.fallback == nil {
			return Decision{}, fmt.Errorf("rate store: %w", err)
		}
		l.logger.Warn("rate store unavailable, using in-process counters", "tier", string(tier), "error", err)
		metrics.RateLimitFallbacks.Inc()
		res, err = l.fallback.Hit(ctx, counters)
		if err != nil {
			return Decision{}, fmt.Errorf("rate fallback store: %w", err)
		}
	}

	if !res.Allowed {
		metrics.RateLimitRejections.WithLabelValues(string(tier)).Inc()
		return Decision{Allowed: false, RetryAfter: res.RetryAfter, ResetAt: l.now().Add(res.RetryAfter)}, nil
	}
	return Decision{Allowed: true}, nil
}

// counterKey hash-tags the subject so every window of one check lands in
// the same Redis Cluster slot.
func counterKey(subject string, tier Tier, period time.Duration) string {
	return fmt.Sprintf("rl:{%s}:%s:%d", subject, tier, int64(period/time.Second))
}

func AgentSubject(agentID int64) string {
	return fmt.Sprintf("agent:%d", agentID)
}

func IPSubject(ip string) string {
	return "ip:" + ip
}
