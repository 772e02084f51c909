package proxy

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ghostflow/ghostflow/internal/metrics"
)

var (
	// ErrNoProxyAvailable the pool is empty or every candidate is dead,
	// checked out, or excluded by constraints. Surfaced to the caller, never
	// silently substituted.
	ErrNoProxyAvailable = errors.New("no proxy available")

	// ErrUnknownStrategy the requested selection strategy does not exist.
	ErrUnknownStrategy = errors.New("unknown proxy selection strategy")

	// ErrSessionKeyRequired sticky selection needs a session key.
	ErrSessionKeyRequired = errors.New("sticky strategy requires a session key")

	// ErrProxyNotFound the proxy is not known to this pool.
	ErrProxyNotFound = errors.New("proxy not found in pool")
)

// Strategy selects among eligible proxies.
type Strategy string

const (
	// StrategyWeighted picks with probability proportional to score.
	StrategyWeighted Strategy = "weighted"
	// StrategyRoundRobin rotates strictly in insertion order.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyRandom picks uniformly.
	StrategyRandom Strategy = "random"
	// StrategyLeastUsed picks the minimum lifetime use count; ties break by
	// score descending, then insertion order.
	StrategyLeastUsed Strategy = "least_used"
	// StrategyFastest picks the minimum observed latency.
	StrategyFastest Strategy = "fastest"
	// StrategySticky returns the same proxy for a session key until released.
	StrategySticky Strategy = "sticky"
)

// Constraints narrow the candidate set for an acquire.
type Constraints struct {
	Country    string
	Protocol   Protocol
	SessionKey string // required for StrategySticky
}

// PoolConfig configures scoring and eviction.
type PoolConfig struct {
	// Alpha is the EMA weight: score = alpha*outcome + (1-alpha)*score.
	Alpha float64 `json:"alpha" yaml:"alpha"`
	// DeathThreshold is the consecutive-failure count that marks a proxy dead.
	DeathThreshold int `json:"death_threshold" yaml:"death_threshold"`
	// InitialScore seeds untested proxies.
	InitialScore float64 `json:"initial_score" yaml:"initial_score"`
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Alpha:          0.3,
		DeathThreshold: 3,
		InitialScore:   0.5,
	}
}

// Pool owns the proxy inventory. All mutation goes through its operations;
// each is one critical section, never held across a network call.
type Pool struct {
	cfg    PoolConfig
	logger *zap.Logger

	mu         sync.Mutex
	proxies    map[string]*Proxy
	order      []string // insertion order, drives round-robin and tie-breaks
	checkedOut map[string]bool
	sticky     map[string]string // session key -> proxy id
	rrCursor   int
	rng        *rand.Rand

	persist *Store             // optional write-behind persistence
	metrics *metrics.Collector // optional, nil records nothing
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultPoolConfig().Alpha
	}
	if cfg.DeathThreshold <= 0 {
		cfg.DeathThreshold = DefaultPoolConfig().DeathThreshold
	}
	return &Pool{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "proxy_pool")),
		proxies:    make(map[string]*Proxy),
		checkedOut: make(map[string]bool),
		sticky:     make(map[string]string),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithPersistence attaches a write-behind store. Mutations are flushed
// asynchronously; the pool never blocks on the database.
func (p *Pool) WithPersistence(store *Store) *Pool {
	p.mu.Lock()
	p.persist = store
	p.mu.Unlock()
	return p
}

// WithMetrics attaches a collector recording deaths and availability.
func (p *Pool) WithMetrics(c *metrics.Collector) *Pool {
	p.mu.Lock()
	p.metrics = c
	p.updateAvailableLocked()
	p.mu.Unlock()
	return p
}

// Import adds proxies, skipping endpoints already known. Returns the number
// actually added.
func (p *Pool) Import(proxies []*Proxy) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	known := make(map[string]struct{}, len(p.proxies))
	for _, existing := range p.proxies {
		known[existing.key()] = struct{}{}
	}

	added := 0
	for _, px := range proxies {
		if _, dup := known[px.key()]; dup {
			continue
		}
		known[px.key()] = struct{}{}
		entry := px.clone()
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.Status == "" {
			entry.Status = StatusUntested
		}
		if entry.Score == 0 {
			entry.Score = p.cfg.InitialScore
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}
		p.proxies[entry.ID] = entry
		p.order = append(p.order, entry.ID)
		added++
		p.flushLocked(entry)
	}

	p.updateAvailableLocked()
	p.logger.Info("proxies imported", zap.Int("added", added), zap.Int("total", len(p.proxies)))
	return added
}

// Acquire selects and checks out a proxy in one critical section so two
// workers can never receive the same proxy.
func (p *Pool) Acquire(ctx context.Context, strategy Strategy, constraints Constraints) (*Proxy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if strategy == StrategySticky {
		return p.acquireStickyLocked(constraints)
	}

	candidates := p.eligibleLocked(constraints)
	if len(candidates) == 0 {
		return nil, ErrNoProxyAvailable
	}

	var selected *Proxy
	switch strategy {
	case StrategyWeighted:
		selected = p.selectWeighted(candidates)
	case StrategyRoundRobin:
		selected = p.selectRoundRobinLocked(constraints)
	case StrategyRandom:
		selected = candidates[p.rng.Intn(len(candidates))]
	case StrategyLeastUsed:
		selected = selectLeastUsed(candidates)
	case StrategyFastest:
		selected = selectFastest(candidates)
	default:
		return nil, ErrUnknownStrategy
	}
	if selected == nil {
		return nil, ErrNoProxyAvailable
	}

	p.checkoutLocked(selected)
	p.updateAvailableLocked()
	return selected.clone(), nil
}

// Release returns a proxy to the rotation. Releasing an already-released
// proxy is a no-op.
func (p *Pool) Release(px *Proxy) {
	if px == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.checkedOut[px.ID] {
		return
	}
	delete(p.checkedOut, px.ID)
	for key, id := range p.sticky {
		if id == px.ID {
			delete(p.sticky, key)
		}
	}
	p.updateAvailableLocked()
	p.logger.Debug("proxy released", zap.String("proxy", px.Addr()))
}

// ReportOutcome folds a session outcome into the proxy's score. Reaching the
// death threshold of consecutive failures evicts the proxy from rotation; the
// record is retained for later re-test.
func (p *Pool) ReportOutcome(px *Proxy, success bool, latency time.Duration) error {
	if px == nil {
		return ErrProxyNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.proxies[px.ID]
	if !ok {
		return ErrProxyNotFound
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	entry.Score = p.cfg.Alpha*outcome + (1-p.cfg.Alpha)*entry.Score
	entry.LastUsedAt = time.Now()
	if success {
		entry.FailStreak = 0
		entry.Status = StatusAlive
		if latency > 0 {
			entry.Latency = latency
		}
	} else {
		entry.FailStreak++
		if entry.FailStreak >= p.cfg.DeathThreshold {
			p.markDeadLocked(entry)
		}
	}
	p.updateAvailableLocked()
	p.flushLocked(entry)
	return nil
}

// MarkDead evicts a proxy from rotation immediately.
func (p *Pool) MarkDead(px *Proxy) error {
	if px == nil {
		return ErrProxyNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.proxies[px.ID]
	if !ok {
		return ErrProxyNotFound
	}
	p.markDeadLocked(entry)
	p.updateAvailableLocked()
	p.flushLocked(entry)
	return nil
}

// ReportHealth records a health-test result. A passing test revives a dead
// proxy; a failing one kills it outright.
func (p *Pool) ReportHealth(id string, alive bool, latency time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.proxies[id]
	if !ok {
		return ErrProxyNotFound
	}
	entry.LastCheckedAt = time.Now()
	if alive {
		entry.Status = StatusAlive
		entry.FailStreak = 0
		entry.Latency = latency
	} else {
		p.markDeadLocked(entry)
	}
	p.updateAvailableLocked()
	p.flushLocked(entry)
	return nil
}

// Snapshot returns copies of every proxy record, dead ones included.
func (p *Pool) Snapshot() []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Proxy, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.proxies[id].clone())
	}
	return out
}

// Stats summarizes pool occupancy.
type Stats struct {
	Total      int `json:"total"`
	Alive      int `json:"alive"`
	Dead       int `json:"dead"`
	Untested   int `json:"untested"`
	CheckedOut int `json:"checked_out"`
}

// PoolStats returns current occupancy counts.
func (p *Pool) PoolStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Total: len(p.proxies), CheckedOut: len(p.checkedOut)}
	for _, px := range p.proxies {
		switch px.Status {
		case StatusAlive:
			s.Alive++
		case StatusDead:
			s.Dead++
		default:
			s.Untested++
		}
	}
	return s
}

// --- selection internals, all called with p.mu held ---

func (p *Pool) eligibleLocked(c Constraints) []*Proxy {
	out := make([]*Proxy, 0, len(p.order))
	for _, id := range p.order {
		px := p.proxies[id]
		if px.Status == StatusDead || p.checkedOut[id] {
			continue
		}
		if c.Country != "" && px.Country != c.Country {
			continue
		}
		if c.Protocol != "" && px.Protocol != c.Protocol {
			continue
		}
		out = append(out, px)
	}
	return out
}

func (p *Pool) checkoutLocked(px *Proxy) {
	p.checkedOut[px.ID] = true
	px.UseCount++
	px.LastUsedAt = time.Now()
}

func (p *Pool) markDeadLocked(px *Proxy) {
	if px.Status == StatusDead {
		return
	}
	px.Status = StatusDead
	for key, id := range p.sticky {
		if id == px.ID {
			delete(p.sticky, key)
		}
	}
	p.metrics.ProxyDied()
	p.logger.Warn("proxy marked dead",
		zap.String("proxy", px.Addr()),
		zap.Int("fail_streak", px.FailStreak),
		zap.Float64("score", px.Score))
}

// updateAvailableLocked pushes the count of proxies eligible for checkout.
func (p *Pool) updateAvailableLocked() {
	if p.metrics == nil {
		return
	}
	available := 0
	for id, px := range p.proxies {
		if px.Status != StatusDead && !p.checkedOut[id] {
			available++
		}
	}
	p.metrics.SetProxiesAvailable(available)
}

func (p *Pool) selectWeighted(candidates []*Proxy) *Proxy {
	total := 0.0
	for _, px := range candidates {
		total += px.Score
	}
	if total <= 0 {
		return candidates[0]
	}
	target := p.rng.Float64() * total
	cumulative := 0.0
	for _, px := range candidates {
		cumulative += px.Score
		if cumulative >= target {
			return px
		}
	}
	return candidates[len(candidates)-1]
}

// selectRoundRobinLocked walks the insertion order from a persistent cursor so
// sequential acquires visit proxies in a fixed repeating order.
func (p *Pool) selectRoundRobinLocked(c Constraints) *Proxy {
	n := len(p.order)
	for i := 0; i < n; i++ {
		id := p.order[(p.rrCursor+i)%n]
		px := p.proxies[id]
		if px.Status == StatusDead || p.checkedOut[id] {
			continue
		}
		if c.Country != "" && px.Country != c.Country {
			continue
		}
		if c.Protocol != "" && px.Protocol != c.Protocol {
			continue
		}
		p.rrCursor = (p.rrCursor + i + 1) % n
		return px
	}
	return nil
}

func (p *Pool) acquireStickyLocked(c Constraints) (*Proxy, error) {
	if c.SessionKey == "" {
		return nil, ErrSessionKeyRequired
	}
	if id, bound := p.sticky[c.SessionKey]; bound {
		px := p.proxies[id]
		if px != nil && px.Status != StatusDead {
			// Same session key re-acquiring its bound proxy is the one
			// sanctioned form of shared checkout.
			p.checkedOut[id] = true
			p.updateAvailableLocked()
			return px.clone(), nil
		}
		delete(p.sticky, c.SessionKey)
	}

	candidates := p.eligibleLocked(c)
	if len(candidates) == 0 {
		return nil, ErrNoProxyAvailable
	}
	selected := p.selectWeighted(candidates)
	p.checkoutLocked(selected)
	p.sticky[c.SessionKey] = selected.ID
	p.updateAvailableLocked()
	return selected.clone(), nil
}

func selectLeastUsed(candidates []*Proxy) *Proxy {
	best := candidates[0]
	for _, px := range candidates[1:] {
		if px.UseCount < best.UseCount {
			best = px
		} else if px.UseCount == best.UseCount && px.Score > best.Score {
			// Ties break by score, then by insertion order, which the
			// candidate slice already preserves.
			best = px
		}
	}
	return best
}

func selectFastest(candidates []*Proxy) *Proxy {
	var best *Proxy
	for _, px := range candidates {
		if px.Latency <= 0 {
			continue // unmeasured latency never wins
		}
		if best == nil || px.Latency < best.Latency {
			best = px
		}
	}
	if best == nil {
		return candidates[0]
	}
	return best
}

// flushLocked hands a copy to the write-behind store. Runs outside the lock
// path via goroutine so a slow database never stalls acquire/release.
func (p *Pool) flushLocked(px *Proxy) {
	if p.persist == nil {
		return
	}
	snapshot := px.clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("panic in proxy persistence", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.persist.Upsert(ctx, snapshot); err != nil {
			p.logger.Error("failed to persist proxy",
				zap.String("proxy", snapshot.Addr()), zap.Error(err))
		}
	}()
}
