// Package manager is the thin application surface: it maps task, recording,
// flow, and proxy operations onto the coordinator, recorder, stores, and pool
// without adding behavior of its own.
package manager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ghostflow/ghostflow/coordinator"
	"github.com/ghostflow/ghostflow/flow"
	"github.com/ghostflow/ghostflow/proxy"
)

// Manager fronts the engine's moving parts with one call surface.
type Manager struct {
	coord    *coordinator.Coordinator
	recorder *flow.Recorder
	flows    flow.Store
	pool     *proxy.Pool
	tester   *proxy.Tester
	logger   *zap.Logger
}

// New wires a manager. tester may be nil when health testing is not enabled.
func New(coord *coordinator.Coordinator, recorder *flow.Recorder, flows flow.Store, pool *proxy.Pool, tester *proxy.Tester, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		coord:    coord,
		recorder: recorder,
		flows:    flows,
		pool:     pool,
		tester:   tester,
		logger:   logger.With(zap.String("component", "manager")),
	}
}

// --- tasks ---

// StartTask submits a new task.
func (m *Manager) StartTask(ctx context.Context, req coordinator.Request) (coordinator.TaskView, error) {
	return m.coord.Start(ctx, req)
}

// CancelTask requests cooperative cancellation of a running task.
func (m *Manager) CancelTask(taskID string) error {
	return m.coord.Cancel(taskID)
}

// PauseTask stops admitting new executions for a task.
func (m *Manager) PauseTask(taskID string) error {
	return m.coord.Pause(taskID)
}

// ResumeTask lifts a pause.
func (m *Manager) ResumeTask(taskID string) error {
	return m.coord.Resume(taskID)
}

// RetryTask resubmits a finished task's request as a new task.
func (m *Manager) RetryTask(ctx context.Context, taskID string) (coordinator.TaskView, error) {
	return m.coord.Retry(ctx, taskID)
}

// Task returns one task with its execution details.
func (m *Manager) Task(taskID string) (coordinator.TaskView, error) {
	return m.coord.Task(taskID)
}

// Tasks lists all known tasks.
func (m *Manager) Tasks() []coordinator.TaskView {
	return m.coord.Tasks()
}

// --- recording ---

// StartRecording begins recording a new flow against a live session.
func (m *Manager) StartRecording(ctx context.Context, name, startURL string, snap flow.Snapshotter) (*flow.RecordingSession, error) {
	return m.recorder.Start(ctx, name, startURL, snap)
}

// RecordAction appends an action to the active recording.
func (m *Manager) RecordAction(ctx context.Context, action flow.Action) error {
	return m.recorder.RecordAction(ctx, action)
}

// MarkCheckpoint marks a named checkpoint at the current recording position.
func (m *Manager) MarkCheckpoint(ctx context.Context, name string) error {
	return m.recorder.MarkCheckpoint(ctx, name)
}

// StopRecording ends the active recording and returns the draft flow.
func (m *Manager) StopRecording(ctx context.Context) (*flow.Definition, error) {
	return m.recorder.Stop(ctx)
}

// FinalizeFlow marks a draft flow ready for execution.
func (m *Manager) FinalizeFlow(ctx context.Context, flowID string) error {
	return m.recorder.Finalize(ctx, flowID)
}

// --- flows ---

// Flow loads one flow definition.
func (m *Manager) Flow(ctx context.Context, flowID string) (*flow.Definition, error) {
	return m.flows.Load(ctx, flowID)
}

// Flows lists all stored flow definitions.
func (m *Manager) Flows(ctx context.Context) ([]*flow.Definition, error) {
	return m.flows.List(ctx)
}

// SaveFlow stores a flow definition directly, bypassing the recorder. Useful
// for imported or hand-written flows.
func (m *Manager) SaveFlow(ctx context.Context, def *flow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return m.flows.Save(ctx, def)
}

// DeleteFlow removes a flow definition.
func (m *Manager) DeleteFlow(ctx context.Context, flowID string) error {
	return m.flows.Delete(ctx, flowID)
}

// --- proxies ---

// ImportProxies adds proxies to the pool, returning the number added after
// dedup.
func (m *Manager) ImportProxies(proxies []*proxy.Proxy) int {
	return m.pool.Import(proxies)
}

// Proxies returns a snapshot of every pool record, dead ones included.
func (m *Manager) Proxies() []*proxy.Proxy {
	return m.pool.Snapshot()
}

// ProxyStats summarizes pool occupancy.
func (m *Manager) ProxyStats() proxy.Stats {
	return m.pool.PoolStats()
}

// TestProxies runs a health test over the whole pool. Returns the number of
// proxies that tested alive.
func (m *Manager) TestProxies(ctx context.Context) (int, error) {
	if m.tester == nil {
		return 0, nil
	}
	start := time.Now()
	n, err := m.tester.TestAll(ctx)
	m.logger.Info("proxy health test finished",
		zap.Int("probed", n),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	return n, err
}
