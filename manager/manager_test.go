package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghostflow/ghostflow/coordinator"
	"github.com/ghostflow/ghostflow/executor"
	"github.com/ghostflow/ghostflow/flow"
	"github.com/ghostflow/ghostflow/proxy"
)

type nopRunner struct{}

func (nopRunner) Run(ctx context.Context, exec *executor.Execution, def *flow.Definition, opts executor.RunOptions, cancelled func() bool) error {
	return nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	flows := flow.NewMemoryStore()
	pool := proxy.NewPool(proxy.DefaultPoolConfig(), zap.NewNop())
	coord := coordinator.New(nopRunner{}, flows, nil, nil, zap.NewNop())
	recorder := flow.NewRecorder(flows, zap.NewNop())
	return New(coord, recorder, flows, pool, nil, zap.NewNop())
}

func TestManager_RecordThenRunLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	session, err := m.StartRecording(ctx, "login", "https://example.com", nil)
	require.NoError(t, err)

	require.NoError(t, m.RecordAction(ctx, flow.Action{Type: flow.ActionClick, Selector: "#login"}))
	require.NoError(t, m.MarkCheckpoint(ctx, "opened"))

	def, err := m.StopRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.FlowID, def.ID)
	require.NoError(t, m.FinalizeFlow(ctx, def.ID))

	view, err := m.StartTask(ctx, coordinator.Request{FlowID: def.ID, WorkerCount: 1, Repeat: 2})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err = m.Task(view.ID)
		require.NoError(t, err)
		if view.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, coordinator.TaskCompleted, view.Status)
	assert.Equal(t, 2, view.Succeeded)
	assert.Len(t, m.Tasks(), 1)
}

func TestManager_FlowCRUD(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	def := &flow.Definition{
		ID:       "f-1",
		Name:     "imported",
		StartURL: "https://example.com",
		Actions:  []flow.Action{{Type: flow.ActionNavigate}},
	}
	require.NoError(t, m.SaveFlow(ctx, def))

	got, err := m.Flow(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "imported", got.Name)

	all, err := m.Flows(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, m.DeleteFlow(ctx, "f-1"))
	_, err = m.Flow(ctx, "f-1")
	assert.ErrorIs(t, err, flow.ErrFlowNotFound)
}

func TestManager_SaveFlowValidates(t *testing.T) {
	m := newTestManager(t)
	def := &flow.Definition{
		ID:          "bad",
		Name:        "bad",
		Actions:     []flow.Action{{Type: flow.ActionClick}},
		Checkpoints: []flow.Checkpoint{{Name: "cp", Position: 7}},
	}
	assert.Error(t, m.SaveFlow(context.Background(), def))
}

func TestManager_ProxyOperations(t *testing.T) {
	m := newTestManager(t)

	added := m.ImportProxies([]*proxy.Proxy{
		{Host: "1.1.1.1", Port: 8080, Protocol: proxy.ProtocolHTTP},
		{Host: "2.2.2.2", Port: 8080, Protocol: proxy.ProtocolHTTP},
	})
	assert.Equal(t, 2, added)
	assert.Len(t, m.Proxies(), 2)
	assert.Equal(t, 2, m.ProxyStats().Total)
}

func TestManager_TestProxiesWithoutTester(t *testing.T) {
	m := newTestManager(t)
	n, err := m.TestProxies(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_CancelUnknownTask(t *testing.T) {
	m := newTestManager(t)
	assert.ErrorIs(t, m.CancelTask("nope"), coordinator.ErrTaskNotFound)
}
