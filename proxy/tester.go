package proxy

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Prober checks whether one proxy endpoint is reachable and measures latency.
type Prober interface {
	Probe(ctx context.Context, px *Proxy) (time.Duration, error)
}

// TCPProber probes by establishing a TCP connection to the proxy endpoint.
type TCPProber struct {
	Timeout time.Duration
}

// Probe dials the proxy address and reports the connect latency.
func (t *TCPProber) Probe(ctx context.Context, px *Proxy) (time.Duration, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", px.Addr())
	if err != nil {
		return 0, err
	}
	_ = conn.Close()
	return time.Since(start), nil
}

// TesterConfig configures health testing.
type TesterConfig struct {
	// RatePerSecond caps probe throughput so a large import does not burst
	// thousands of dials at once.
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
	// Burst is the limiter burst size.
	Burst int `json:"burst" yaml:"burst"`
	// Concurrency bounds parallel probes.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
	// RetestDead includes dead proxies in test runs so they can recover.
	RetestDead bool `json:"retest_dead" yaml:"retest_dead"`
	// ProbeTimeout bounds a single probe. Applied to the default prober;
	// injected probers manage their own timeouts.
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	// Interval between periodic test runs. Zero disables periodic testing.
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// DefaultTesterConfig returns sensible defaults.
func DefaultTesterConfig() TesterConfig {
	return TesterConfig{
		RatePerSecond: 20,
		Burst:         5,
		Concurrency:   10,
		RetestDead:    true,
		ProbeTimeout:  10 * time.Second,
	}
}

// Tester drives health probes over the pool's inventory and feeds results
// back through ReportHealth.
type Tester struct {
	pool    *Pool
	prober  Prober
	cfg     TesterConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewTester creates a tester. A nil prober defaults to TCP connect probing.
func NewTester(pool *Pool, prober Prober, cfg TesterConfig, logger *zap.Logger) *Tester {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prober == nil {
		prober = &TCPProber{Timeout: cfg.ProbeTimeout}
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultTesterConfig().RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultTesterConfig().Burst
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultTesterConfig().Concurrency
	}
	return &Tester{
		pool:    pool,
		prober:  prober,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger.With(zap.String("component", "proxy_tester")),
	}
}

// TestAll probes the current inventory and reports each result to the pool.
// Dead proxies are included when RetestDead is set, which is how a dead proxy
// re-enters rotation. Returns the number of proxies that tested alive.
func (t *Tester) TestAll(ctx context.Context) (int, error) {
	targets := t.pool.Snapshot()
	sem := make(chan struct{}, t.cfg.Concurrency)
	results := make(chan bool, len(targets))

	probed := 0
	for _, px := range targets {
		if px.Status == StatusDead && !t.cfg.RetestDead {
			continue
		}
		if err := t.limiter.Wait(ctx); err != nil {
			break
		}
		probed++
		sem <- struct{}{}
		go func(px *Proxy) {
			defer func() { <-sem }()
			results <- t.testOne(ctx, px)
		}(px)
	}

	alive := 0
	for i := 0; i < probed; i++ {
		if <-results {
			alive++
		}
	}
	t.logger.Info("proxy test run finished",
		zap.Int("probed", probed),
		zap.Int("alive", alive))
	return alive, ctx.Err()
}

// Run re-tests the inventory every Interval until ctx is cancelled. Returns
// immediately when no interval is configured.
func (t *Tester) Run(ctx context.Context) {
	if t.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.TestAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Warn("periodic proxy test failed", zap.Error(err))
			}
		}
	}
}

func (t *Tester) testOne(ctx context.Context, px *Proxy) bool {
	latency, err := t.prober.Probe(ctx, px)
	if err != nil {
		t.logger.Debug("proxy probe failed", zap.String("proxy", px.Addr()), zap.Error(err))
		_ = t.pool.ReportHealth(px.ID, false, 0)
		return false
	}
	_ = t.pool.ReportHealth(px.ID, true, latency)
	return true
}
