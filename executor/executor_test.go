package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghostflow/ghostflow/browser"
	"github.com/ghostflow/ghostflow/flow"
	"github.com/ghostflow/ghostflow/identity"
	"github.com/ghostflow/ghostflow/proxy"
)

// fakeSession scripts per-call failures and records everything the executor
// does to it.
type fakeSession struct {
	mu            sync.Mutex
	navigations   []string
	acted         []flow.Action
	restored      []*flow.SessionState
	snapshotState *flow.SessionState
	snapshotErr   error
	screenshot    []byte
	actFailures   map[int]error // keyed by Act call number on this session
	actCalls      int
	closed        bool
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations = append(s.navigations, url)
	return nil
}

func (s *fakeSession) Act(ctx context.Context, action flow.Action) (*browser.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.actCalls
	s.actCalls++
	s.acted = append(s.acted, action)
	if err, ok := s.actFailures[call]; ok {
		return nil, err
	}
	return &browser.Result{Duration: time.Millisecond}, nil
}

func (s *fakeSession) Screenshot(ctx context.Context) ([]byte, error) {
	if s.screenshot == nil {
		return []byte("png"), nil
	}
	return s.screenshot, nil
}

func (s *fakeSession) Snapshot(ctx context.Context) (*flow.SessionState, error) {
	if s.snapshotErr != nil {
		return nil, s.snapshotErr
	}
	if s.snapshotState != nil {
		return s.snapshotState, nil
	}
	return &flow.SessionState{URL: "https://example.com/state"}, nil
}

func (s *fakeSession) Restore(ctx context.Context, state *flow.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restored = append(s.restored, state)
	return nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) selectors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.acted))
	for _, a := range s.acted {
		out = append(out, a.Selector)
	}
	return out
}

// fakeDriver hands out scripted sessions in order.
type fakeDriver struct {
	mu       sync.Mutex
	sessions []*fakeSession
	openErrs []error
	opens    int
}

func (d *fakeDriver) OpenSession(ctx context.Context, cfg browser.SessionConfig) (browser.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.opens
	d.opens++
	if i < len(d.openErrs) && d.openErrs[i] != nil {
		return nil, d.openErrs[i]
	}
	if i < len(d.sessions) {
		return d.sessions[i], nil
	}
	return &fakeSession{}, nil
}

func testConfig() Config {
	return Config{
		MaxActionRetries:   2,
		MaxIdentityRetries: 3,
		MaxIterations:      100,
		ActionTimeout:      time.Second,
		ProxyRequired:      false,
		Variation:          VariationConfig{Level: VariationNone},
	}
}

func directBroker() *identity.Broker {
	pool := proxy.NewPool(proxy.DefaultPoolConfig(), zap.NewNop())
	return identity.NewBroker(pool, nil, zap.NewNop())
}

func clickFlow(n int, checkpoints ...flow.Checkpoint) *flow.Definition {
	actions := make([]flow.Action, 0, n)
	for i := 0; i < n; i++ {
		actions = append(actions, flow.Action{Type: flow.ActionClick, Selector: fmt.Sprintf("#a%d", i)})
	}
	return &flow.Definition{
		ID:          "flow-1",
		Name:        "clicks",
		StartURL:    "https://shop.example.com",
		Actions:     actions,
		Checkpoints: checkpoints,
		Status:      flow.StatusReady,
	}
}

func TestExecutor_CompletesFlow(t *testing.T) {
	session := &fakeSession{}
	driver := &fakeDriver{sessions: []*fakeSession{session}}
	exec := NewExecution("task-1", "flow-1")
	e := New(directBroker(), driver, nil, nil, nil, nil, testConfig(), zap.NewNop())

	err := e.Run(context.Background(), exec, clickFlow(3), RunOptions{}, nil)
	require.NoError(t, err)

	view := exec.View()
	assert.Equal(t, StateCompleted, view.State)
	assert.Equal(t, 1, view.Attempts)
	assert.Equal(t, []string{"https://shop.example.com"}, session.navigations)
	assert.Equal(t, []string{"#a0", "#a1", "#a2"}, session.selectors())
	assert.True(t, session.closed)
}

func TestExecutor_ResumesFromCheckpointAfterConnectivityFailure(t *testing.T) {
	captured := &flow.SessionState{URL: "https://shop.example.com/logged-in"}
	first := &fakeSession{
		snapshotState: captured,
		// Action 3 dies mid-flight after the checkpoint at position 2.
		actFailures: map[int]error{3: browser.Connectivity("act", errors.New("proxy reset"))},
	}
	second := &fakeSession{}
	driver := &fakeDriver{sessions: []*fakeSession{first, second}}

	exec := NewExecution("task-1", "flow-1")
	def := clickFlow(5, flow.Checkpoint{Name: "logged_in", Position: 2})
	e := New(directBroker(), driver, NewMemorySnapshotStore(), nil, nil, nil, testConfig(), zap.NewNop())

	err := e.Run(context.Background(), exec, def, RunOptions{}, nil)
	require.NoError(t, err)

	view := exec.View()
	assert.Equal(t, StateCompleted, view.State)
	assert.Equal(t, 2, view.Attempts)
	assert.Equal(t, 1, view.IdentityRetries)

	// First attempt replayed from the start and reached the checkpoint.
	assert.Equal(t, []string{"#a0", "#a1", "#a2", "#a3"}, first.selectors())

	// Second attempt restored the captured state instead of navigating, and
	// replayed only the actions after the checkpoint.
	assert.Empty(t, second.navigations)
	require.Len(t, second.restored, 1)
	assert.Equal(t, captured.URL, second.restored[0].URL)
	assert.Equal(t, []string{"#a3", "#a4"}, second.selectors())
}

func TestExecutor_ReplaysFromStartWithoutSnapshot(t *testing.T) {
	first := &fakeSession{
		snapshotErr: errors.New("snapshot unavailable"),
		actFailures: map[int]error{3: browser.Connectivity("act", errors.New("tunnel closed"))},
	}
	second := &fakeSession{}
	driver := &fakeDriver{sessions: []*fakeSession{first, second}}

	exec := NewExecution("task-1", "flow-1")
	def := clickFlow(5, flow.Checkpoint{Name: "logged_in", Position: 2})
	e := New(directBroker(), driver, NewMemorySnapshotStore(), nil, nil, nil, testConfig(), zap.NewNop())

	err := e.Run(context.Background(), exec, def, RunOptions{}, nil)
	require.NoError(t, err)

	// Nothing captured to restore, so the retry pays the full replay.
	assert.Equal(t, []string{"https://shop.example.com"}, second.navigations)
	assert.Empty(t, second.restored)
	assert.Equal(t, []string{"#a0", "#a1", "#a2", "#a3", "#a4"}, second.selectors())
}

func TestExecutor_ScriptRetryWalksFallbackSelectors(t *testing.T) {
	session := &fakeSession{
		actFailures: map[int]error{0: browser.Script("act", "#broken", errors.New("no such element"))},
	}
	driver := &fakeDriver{sessions: []*fakeSession{session}}

	def := clickFlow(1)
	def.Actions[0].Selector = "#broken"
	def.Actions[0].Fallbacks = []string{"#backup"}

	exec := NewExecution("task-1", "flow-1")
	e := New(directBroker(), driver, nil, nil, nil, nil, testConfig(), zap.NewNop())

	err := e.Run(context.Background(), exec, def, RunOptions{}, nil)
	require.NoError(t, err)

	view := exec.View()
	assert.Equal(t, StateCompleted, view.State)
	assert.Equal(t, 1, view.Attempts, "script retries stay within the attempt")
	assert.Equal(t, 1, view.ActionRetries)
	assert.Equal(t, []string{"#broken", "#backup"}, session.selectors())
}

func TestExecutor_ScriptFailureTerminalAfterBudget(t *testing.T) {
	scriptErr := browser.Script("act", "#gone", errors.New("detached node"))
	session := &fakeSession{
		actFailures: map[int]error{0: scriptErr, 1: scriptErr, 2: scriptErr},
	}
	driver := &fakeDriver{sessions: []*fakeSession{session}}

	exec := NewExecution("task-1", "flow-1")
	e := New(directBroker(), driver, nil, nil, nil, nil, testConfig(), zap.NewNop())

	err := e.Run(context.Background(), exec, clickFlow(1), RunOptions{}, nil)
	require.Error(t, err)
	assert.True(t, browser.IsScript(err))

	view := exec.View()
	assert.Equal(t, StateFailed, view.State)
	// Script failures never burn the identity.
	assert.Equal(t, 1, view.Attempts)
	assert.Equal(t, 2, view.ActionRetries)
	assert.Equal(t, 3, session.actCalls)
}

func TestExecutor_IdentityRetriesExhausted(t *testing.T) {
	connErr := browser.Connectivity("open_session", errors.New("refused"))
	driver := &fakeDriver{openErrs: []error{connErr, connErr, connErr, connErr}}

	cfg := testConfig()
	cfg.MaxIdentityRetries = 3
	exec := NewExecution("task-1", "flow-1")
	e := New(directBroker(), driver, nil, nil, nil, nil, cfg, zap.NewNop())

	err := e.Run(context.Background(), exec, clickFlow(2), RunOptions{}, nil)
	require.Error(t, err)
	assert.True(t, browser.IsConnectivity(err))

	view := exec.View()
	assert.Equal(t, StateFailed, view.State)
	assert.Equal(t, 4, view.Attempts, "initial attempt plus three retries")
	assert.Equal(t, 3, view.IdentityRetries)
}

func TestExecutor_NoProxyIsTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyRequired = true
	exec := NewExecution("task-1", "flow-1")
	e := New(directBroker(), &fakeDriver{}, nil, nil, nil, nil, cfg, zap.NewNop())

	err := e.Run(context.Background(), exec, clickFlow(1), RunOptions{}, nil)
	assert.ErrorIs(t, err, proxy.ErrNoProxyAvailable)

	view := exec.View()
	assert.Equal(t, StateFailed, view.State)
	assert.Equal(t, 1, view.Attempts, "resource exhaustion is never retried")
}

func TestExecutor_RepeatedConnectivityFailuresKillProxy(t *testing.T) {
	pool := proxy.NewPool(proxy.DefaultPoolConfig(), zap.NewNop())
	pool.Import([]*proxy.Proxy{{Host: "9.9.9.9", Port: 8080, Protocol: proxy.ProtocolHTTP, Status: proxy.StatusAlive}})
	broker := identity.NewBroker(pool, nil, zap.NewNop())

	connErr := browser.Connectivity("open_session", errors.New("refused"))
	driver := &fakeDriver{openErrs: []error{connErr, connErr, connErr, connErr}}

	cfg := testConfig()
	cfg.ProxyRequired = true
	exec := NewExecution("task-1", "flow-1")
	e := New(broker, driver, nil, nil, nil, nil, cfg, zap.NewNop())

	err := e.Run(context.Background(), exec, clickFlow(1), RunOptions{}, nil)
	require.Error(t, err)

	// Three consecutive failures evicted the proxy; the next attempt found
	// the pool empty.
	assert.ErrorIs(t, err, proxy.ErrNoProxyAvailable)
	assert.Equal(t, proxy.StatusDead, pool.Snapshot()[0].Status)
}

func TestExecutor_BudgetExhausted(t *testing.T) {
	session := &fakeSession{}
	driver := &fakeDriver{sessions: []*fakeSession{session}}

	cfg := testConfig()
	cfg.MaxIterations = 2
	exec := NewExecution("task-1", "flow-1")
	e := New(directBroker(), driver, nil, nil, nil, nil, cfg, zap.NewNop())

	err := e.Run(context.Background(), exec, clickFlow(3), RunOptions{}, nil)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, StateFailed, exec.View().State)
	assert.Equal(t, 2, session.actCalls)
}

func TestExecutor_IterationBudgetSpansIdentityRetries(t *testing.T) {
	first := &fakeSession{
		actFailures: map[int]error{1: browser.Connectivity("act", errors.New("proxy reset"))},
	}
	second := &fakeSession{}
	driver := &fakeDriver{sessions: []*fakeSession{first, second}}

	cfg := testConfig()
	cfg.MaxIterations = 3
	exec := NewExecution("task-1", "flow-1")
	e := New(directBroker(), driver, nil, nil, nil, nil, cfg, zap.NewNop())

	// Attempt 1 spends two dispatches before the connectivity failure; the
	// fresh identity gets only the one left over, not a full allowance.
	err := e.Run(context.Background(), exec, clickFlow(2), RunOptions{}, nil)
	assert.ErrorIs(t, err, ErrBudgetExhausted)

	view := exec.View()
	assert.Equal(t, StateFailed, view.State)
	assert.Equal(t, 2, view.Attempts)
	assert.Equal(t, 3, view.Iterations)
	assert.Equal(t, 3, first.actCalls+second.actCalls)
}

func TestExecutor_CooperativeCancellation(t *testing.T) {
	exec := NewExecution("task-1", "flow-1")
	e := New(directBroker(), &fakeDriver{}, nil, nil, nil, nil, testConfig(), zap.NewNop())

	err := e.Run(context.Background(), exec, clickFlow(3), RunOptions{}, func() bool { return true })
	assert.ErrorIs(t, err, ErrCancelled)

	view := exec.View()
	assert.Equal(t, StateFailed, view.State)
	assert.Equal(t, "cancelled", view.Error)
}

func TestExecutor_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := NewExecution("task-1", "flow-1")
	session := &fakeSession{}
	e := New(directBroker(), &fakeDriver{sessions: []*fakeSession{session}}, nil, nil, nil, nil, testConfig(), zap.NewNop())

	err := e.Run(ctx, exec, clickFlow(3), RunOptions{}, nil)
	assert.ErrorIs(t, err, ErrCancelled)
}

type stubVision struct {
	response string
	err      error
}

func (s *stubVision) AnalyzeImage(ctx context.Context, imageBase64, prompt string) (string, error) {
	return s.response, s.err
}

func TestExecutor_ResolvesSuggestedAction(t *testing.T) {
	session := &fakeSession{}
	driver := &fakeDriver{sessions: []*fakeSession{session}}
	suggester := browser.NewActionSuggester(&stubVision{
		response: `{"action":{"type":"click","selector":"#cookie-accept"},"confidence":0.9}`,
	}, zap.NewNop())

	def := clickFlow(2)
	def.Actions[1] = flow.Action{Type: flow.ActionSuggested, Goal: "dismiss the cookie banner"}

	exec := NewExecution("task-1", "flow-1")
	e := New(directBroker(), driver, nil, suggester, nil, nil, testConfig(), zap.NewNop())

	err := e.Run(context.Background(), exec, def, RunOptions{}, nil)
	require.NoError(t, err)

	acted := session.selectors()
	require.Len(t, acted, 2)
	assert.Equal(t, "#cookie-accept", acted[1])
	assert.Equal(t, flow.ActionClick, session.acted[1].Type)
}

func TestExecutor_SuggestedActionWithoutSuggester(t *testing.T) {
	def := clickFlow(1)
	def.Actions[0] = flow.Action{Type: flow.ActionSuggested, Goal: "do something"}

	exec := NewExecution("task-1", "flow-1")
	e := New(directBroker(), &fakeDriver{}, nil, nil, nil, nil, testConfig(), zap.NewNop())

	err := e.Run(context.Background(), exec, def, RunOptions{}, nil)
	assert.ErrorIs(t, err, ErrNoSuggester)
	assert.Equal(t, StateFailed, exec.View().State)
}

func TestExecutor_CompletionDeletesSnapshot(t *testing.T) {
	store := NewMemorySnapshotStore()
	session := &fakeSession{}
	driver := &fakeDriver{sessions: []*fakeSession{session}}

	exec := NewExecution("task-1", "flow-1")
	def := clickFlow(3, flow.Checkpoint{Name: "mid", Position: 1})
	e := New(directBroker(), driver, store, nil, nil, nil, testConfig(), zap.NewNop())

	require.NoError(t, e.Run(context.Background(), exec, def, RunOptions{}, nil))

	_, _, err := store.Load(context.Background(), exec.ID)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}
