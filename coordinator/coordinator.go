package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ghostflow/ghostflow/event"
	"github.com/ghostflow/ghostflow/executor"
	"github.com/ghostflow/ghostflow/flow"
	"github.com/ghostflow/ghostflow/internal/metrics"
)

var (
	// ErrTaskNotFound the task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotTerminal retry requires a finished task.
	ErrTaskNotTerminal = errors.New("task is still running")

	// ErrInvalidRequest the request is missing a target or has non-positive
	// worker/repeat counts.
	ErrInvalidRequest = errors.New("invalid task request")
)

// Runner drives one flow execution to a terminal state. Satisfied by
// *executor.Executor.
type Runner interface {
	Run(ctx context.Context, exec *executor.Execution, def *flow.Definition, opts executor.RunOptions, cancelled func() bool) error
}

// Coordinator launches workerCount×repeat executions per task through a
// bounded concurrency gate and aggregates their outcomes.
type Coordinator struct {
	runner  Runner
	flows   flow.Store
	bus     *event.Bus
	metrics *metrics.Collector
	logger  *zap.Logger

	mu    sync.RWMutex
	tasks map[string]*task
}

// New creates a coordinator. bus and collector may be nil.
func New(runner Runner, flows flow.Store, bus *event.Bus, collector *metrics.Collector, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		runner:  runner,
		flows:   flows,
		bus:     bus,
		metrics: collector,
		logger:  logger.With(zap.String("component", "coordinator")),
		tasks:   make(map[string]*task),
	}
}

// Start validates the request, resolves the flow definition, and launches the
// task's worker loop in the background.
func (c *Coordinator) Start(ctx context.Context, req Request) (TaskView, error) {
	if req.WorkerCount <= 0 || req.Repeat <= 0 {
		return TaskView{}, fmt.Errorf("%w: worker_count and repeat must be positive", ErrInvalidRequest)
	}
	if (req.FlowID == "") == (req.StartURL == "") {
		return TaskView{}, fmt.Errorf("%w: exactly one of flow_id and start_url required", ErrInvalidRequest)
	}

	def, err := c.resolveDefinition(ctx, req)
	if err != nil {
		return TaskView{}, err
	}

	t := newTask(req)
	c.mu.Lock()
	c.tasks[t.id] = t
	c.mu.Unlock()

	c.transition(t, TaskQueued, "")
	c.logger.Info("task accepted",
		zap.String("task_id", t.id),
		zap.String("flow_id", def.ID),
		zap.Int("workers", req.WorkerCount),
		zap.Int("repeat", req.Repeat))

	go c.run(t, def)
	return t.view(false), nil
}

// resolveDefinition loads the referenced flow or synthesizes a single
// navigation flow for a bare URL target.
func (c *Coordinator) resolveDefinition(ctx context.Context, req Request) (*flow.Definition, error) {
	if req.FlowID != "" {
		def, err := c.flows.Load(ctx, req.FlowID)
		if err != nil {
			return nil, err
		}
		if def.Status != flow.StatusReady {
			return nil, flow.ErrFlowNotReady
		}
		return def, nil
	}
	return &flow.Definition{
		ID:       "url:" + req.StartURL,
		Name:     "visit " + req.StartURL,
		StartURL: req.StartURL,
		Status:   flow.StatusReady,
	}, nil
}

// run is the task's worker loop: admit executions as gate slots free up,
// wait for all of them, then finalize the aggregate.
func (c *Coordinator) run(t *task, def *flow.Definition) {
	ctx := context.Background()
	sem := semaphore.NewWeighted(int64(t.req.WorkerCount))
	c.transition(t, TaskRunning, "")

	var wg sync.WaitGroup
	for i := 0; i < t.total; i++ {
		if t.cancelled.Load() {
			break
		}
		c.waitWhilePaused(t)
		if t.cancelled.Load() {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		exec := executor.NewExecution(t.id, def.ID)
		t.noteDispatched(exec)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			c.metrics.WorkerStarted()
			defer c.metrics.WorkerFinished()

			err := c.runner.Run(ctx, exec, def, executor.RunOptions{Variation: t.req.Variation}, t.cancelled.Load)
			t.noteFinished(err == nil)
			c.publishTaskProgress(t)
		}()
	}

	wg.Wait()
	final := t.finalStatus()
	c.transition(t, final, fmt.Sprintf("succeeded=%d failed=%d dispatched=%d",
		t.view(false).Succeeded, t.view(false).Failed, t.view(false).Dispatched))
	c.metrics.TaskFinished(string(final))

	v := t.view(false)
	c.logger.Info("task finished",
		zap.String("task_id", t.id),
		zap.String("status", string(final)),
		zap.Int("succeeded", v.Succeeded),
		zap.Int("failed", v.Failed),
		zap.Int("dispatched", v.Dispatched))
}

// waitWhilePaused blocks admission of new executions while the task is
// paused. In-flight executions keep running.
func (c *Coordinator) waitWhilePaused(t *task) {
	for t.paused.Load() && !t.cancelled.Load() {
		time.Sleep(50 * time.Millisecond)
	}
}

// Cancel sets the cooperative cancellation flag. It never forcibly kills an
// in-progress browser call: running executions honor the flag at their next
// check, and no new executions are admitted.
func (c *Coordinator) Cancel(taskID string) error {
	t, err := c.lookup(taskID)
	if err != nil {
		return err
	}
	t.cancelled.Store(true)
	c.logger.Info("task cancellation requested", zap.String("task_id", taskID))
	return nil
}

// Pause stops admitting new executions; Resume lifts the pause.
func (c *Coordinator) Pause(taskID string) error {
	t, err := c.lookup(taskID)
	if err != nil {
		return err
	}
	t.paused.Store(true)
	c.transition(t, TaskPaused, "")
	return nil
}

// Resume lifts a pause.
func (c *Coordinator) Resume(taskID string) error {
	t, err := c.lookup(taskID)
	if err != nil {
		return err
	}
	t.paused.Store(false)
	c.transition(t, TaskRunning, "resumed")
	return nil
}

// Retry submits a finished task's request again as a new task.
func (c *Coordinator) Retry(ctx context.Context, taskID string) (TaskView, error) {
	t, err := c.lookup(taskID)
	if err != nil {
		return TaskView{}, err
	}
	if !t.view(false).Status.Terminal() {
		return TaskView{}, ErrTaskNotTerminal
	}
	return c.Start(ctx, t.req)
}

// Task returns a task snapshot including per-execution views.
func (c *Coordinator) Task(taskID string) (TaskView, error) {
	t, err := c.lookup(taskID)
	if err != nil {
		return TaskView{}, err
	}
	return t.view(true), nil
}

// Tasks lists snapshots of all known tasks.
func (c *Coordinator) Tasks() []TaskView {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TaskView, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.view(false))
	}
	return out
}

func (c *Coordinator) lookup(taskID string) (*task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// transition moves the task status and emits the aggregate change.
func (c *Coordinator) transition(t *task, to TaskStatus, detail string) {
	from, ok := t.setStatus(to)
	if !ok {
		return
	}
	c.publish(t, string(from), string(to), detail)
}

// publishTaskProgress emits a counter update without a status change.
func (c *Coordinator) publishTaskProgress(t *task) {
	v := t.view(false)
	c.publish(t, string(v.Status), string(v.Status),
		fmt.Sprintf("succeeded=%d failed=%d in_progress=%d pending=%d",
			v.Succeeded, v.Failed, v.InProgress, v.Pending))
}

func (c *Coordinator) publish(t *task, from, to, detail string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(event.Event{
		Entity: event.EntityTask,
		ID:     t.id,
		From:   from,
		To:     to,
		Detail: detail,
	})
}
