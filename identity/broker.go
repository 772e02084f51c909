package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ghostflow/ghostflow/proxy"
)

// CreateOptions parameterize one identity creation.
type CreateOptions struct {
	// ProxyRequired makes acquisition failure fatal for the caller instead of
	// silently falling back to a direct connection.
	ProxyRequired bool
	Strategy      proxy.Strategy
	Constraints   proxy.Constraints
	Policy        FingerprintPolicy
}

// Outcome is the session result reported back when an identity is discarded.
type Outcome struct {
	Success bool
	Latency time.Duration
}

// Broker composes a proxy checkout with a fingerprint into an Identity and
// hands it to exactly one worker session.
type Broker struct {
	pool     *proxy.Pool
	profiles []Fingerprint
	logger   *zap.Logger
}

// NewBroker creates a broker over pool. profiles seed PolicySampled and may
// be empty.
func NewBroker(pool *proxy.Pool, profiles []Fingerprint, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		pool:     pool,
		profiles: profiles,
		logger:   logger.With(zap.String("component", "identity_broker")),
	}
}

// Create builds a fresh identity. When ProxyRequired is set and no proxy is
// available, the failure propagates: the caller decides whether to retry
// without a proxy or abort.
func (b *Broker) Create(ctx context.Context, opts CreateOptions) (*Identity, error) {
	var px *proxy.Proxy
	if opts.ProxyRequired {
		strategy := opts.Strategy
		if strategy == "" {
			strategy = proxy.StrategyWeighted
		}
		acquired, err := b.pool.Acquire(ctx, strategy, opts.Constraints)
		if err != nil {
			return nil, fmt.Errorf("acquire proxy: %w", err)
		}
		px = acquired
	}

	var fp Fingerprint
	switch opts.Policy {
	case PolicySampled:
		fp = SampleFingerprint(b.profiles)
	default:
		fp = GenerateFingerprint()
	}

	country := ""
	if px != nil {
		country = px.Country
	}
	locale, tz := LocaleFor(country)

	id := &Identity{
		ID:          uuid.NewString(),
		Proxy:       px,
		Fingerprint: fp,
		UserAgent:   fp.UserAgent,
		Locale:      locale,
		Timezone:    tz,
		SessionKey:  opts.Constraints.SessionKey,
		CreatedAt:   time.Now(),
	}

	b.logger.Debug("identity created",
		zap.String("identity_id", id.ID),
		zap.String("proxy", id.ProxyURL()),
		zap.String("locale", id.Locale))
	return id, nil
}

// Discard releases the identity's proxy back to the pool and reports the
// session outcome. Discarding the same identity twice is a no-op.
func (b *Broker) Discard(id *Identity, outcome Outcome) {
	if id == nil {
		return
	}
	if !id.discarded.CompareAndSwap(false, true) {
		return
	}

	if id.Proxy != nil {
		if err := b.pool.ReportOutcome(id.Proxy, outcome.Success, outcome.Latency); err != nil {
			b.logger.Warn("outcome report failed",
				zap.String("proxy", id.Proxy.Addr()), zap.Error(err))
		}
		b.pool.Release(id.Proxy)
	}

	b.logger.Debug("identity discarded",
		zap.String("identity_id", id.ID),
		zap.Bool("success", outcome.Success))
}
