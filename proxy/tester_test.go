package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProber answers from a fixed table of reachable hosts.
type fakeProber struct {
	mu        sync.Mutex
	reachable map[string]bool
	probes    int
}

func (f *fakeProber) Probe(ctx context.Context, px *Proxy) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.reachable[px.Host] {
		return 15 * time.Millisecond, nil
	}
	return 0, errors.New("connection refused")
}

func TestTester_TestAllReportsResults(t *testing.T) {
	pool := newTestPool(t, 3)
	all := pool.Snapshot()

	prober := &fakeProber{reachable: map[string]bool{
		all[0].Host: true,
		all[1].Host: false,
		all[2].Host: true,
	}}
	tester := NewTester(pool, prober, DefaultTesterConfig(), zap.NewNop())

	alive, err := tester.TestAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, alive)
	assert.Equal(t, 3, prober.probes)

	after := pool.Snapshot()
	assert.Equal(t, StatusAlive, after[0].Status)
	assert.Equal(t, StatusDead, after[1].Status)
	assert.Equal(t, 15*time.Millisecond, after[0].Latency)
}

func TestTester_RetestRevivesDeadProxy(t *testing.T) {
	pool := newTestPool(t, 1)
	px := pool.Snapshot()[0]
	require.NoError(t, pool.MarkDead(px))

	prober := &fakeProber{reachable: map[string]bool{px.Host: true}}
	tester := NewTester(pool, prober, DefaultTesterConfig(), zap.NewNop())

	alive, err := tester.TestAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, alive)
	assert.Equal(t, StatusAlive, pool.Snapshot()[0].Status)
}

func TestTester_SkipsDeadWhenRetestDisabled(t *testing.T) {
	pool := newTestPool(t, 2)
	all := pool.Snapshot()
	require.NoError(t, pool.MarkDead(all[0]))

	cfg := DefaultTesterConfig()
	cfg.RetestDead = false
	prober := &fakeProber{reachable: map[string]bool{all[0].Host: true, all[1].Host: true}}
	tester := NewTester(pool, prober, cfg, zap.NewNop())

	alive, err := tester.TestAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, alive)
	assert.Equal(t, 1, prober.probes)
	assert.Equal(t, StatusDead, pool.Snapshot()[0].Status)
}

func TestNewTester_DefaultProberGetsProbeTimeout(t *testing.T) {
	cfg := DefaultTesterConfig()
	cfg.ProbeTimeout = 2 * time.Second

	tester := NewTester(newTestPool(t, 1), nil, cfg, zap.NewNop())
	prober, ok := tester.prober.(*TCPProber)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, prober.Timeout)
}

func TestTester_PeriodicRun(t *testing.T) {
	pool := newTestPool(t, 2)
	all := pool.Snapshot()
	prober := &fakeProber{reachable: map[string]bool{all[0].Host: true, all[1].Host: true}}

	cfg := DefaultTesterConfig()
	cfg.Interval = 5 * time.Millisecond
	tester := NewTester(pool, prober, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tester.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		prober.mu.Lock()
		n := prober.probes
		prober.mu.Unlock()
		if n >= 4 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	prober.mu.Lock()
	defer prober.mu.Unlock()
	assert.GreaterOrEqual(t, prober.probes, 4, "at least two full periodic runs")
}

func TestTester_RunWithoutIntervalReturns(t *testing.T) {
	tester := NewTester(newTestPool(t, 1), &fakeProber{}, DefaultTesterConfig(), zap.NewNop())

	done := make(chan struct{})
	go func() {
		tester.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when no interval is configured")
	}
}
