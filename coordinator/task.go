// Package coordinator manages bounded pools of concurrent flow executions
// and aggregates their outcomes into externally visible tasks.
package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ghostflow/ghostflow/executor"
)

// TaskStatus is the aggregate status of a task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Request describes one task submission. Exactly one of FlowID and StartURL
// must be set; a bare URL runs a synthesized single-navigation flow.
type Request struct {
	FlowID      string                  `json:"flow_id,omitempty"`
	StartURL    string                  `json:"start_url,omitempty"`
	WorkerCount int                     `json:"worker_count"`
	Repeat      int                     `json:"repeat"`
	Variation   executor.VariationLevel `json:"variation,omitempty"`
}

// TaskView is an immutable snapshot of a task. Failure is always a count,
// never collapsed into a single boolean.
type TaskView struct {
	ID          string          `json:"id"`
	FlowID      string          `json:"flow_id,omitempty"`
	StartURL    string          `json:"start_url,omitempty"`
	WorkerCount int             `json:"worker_count"`
	Repeat      int             `json:"repeat"`
	Status      TaskStatus      `json:"status"`
	Total       int             `json:"total"`
	Dispatched  int             `json:"dispatched"`
	Pending     int             `json:"pending"`
	InProgress  int             `json:"in_progress"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	Executions  []executor.View `json:"executions,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

// task is the coordinator-owned aggregate. Counters are mutated only through
// its methods, all under one mutex, so sibling workers can never race a
// lost update. Invariant: pending + inProgress + succeeded + failed == total.
type task struct {
	id  string
	req Request

	cancelled atomic.Bool
	paused    atomic.Bool

	mu         sync.Mutex
	status     TaskStatus
	total      int
	dispatched int
	pending    int
	inProgress int
	succeeded  int
	failed     int
	executions []*executor.Execution
	createdAt  time.Time
	finishedAt time.Time
}

func newTask(req Request) *task {
	total := req.WorkerCount * req.Repeat
	return &task{
		id:        uuid.NewString(),
		req:       req,
		status:    TaskQueued,
		total:     total,
		pending:   total,
		createdAt: time.Now(),
	}
}

// setStatus transitions the aggregate status. Terminal statuses are sticky.
// Returns the previous status and whether the transition happened.
func (t *task) setStatus(to TaskStatus) (TaskStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.status
	if from.Terminal() || from == to {
		return from, false
	}
	t.status = to
	if to.Terminal() {
		t.finishedAt = time.Now()
	}
	return from, true
}

// noteDispatched admits one execution: pending -> in-progress.
func (t *task) noteDispatched(exec *executor.Execution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending--
	t.inProgress++
	t.dispatched++
	t.executions = append(t.executions, exec)
}

// noteFinished folds one terminal execution into the counters.
func (t *task) noteFinished(succeeded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inProgress--
	if succeeded {
		t.succeeded++
	} else {
		t.failed++
	}
}

// view snapshots the aggregate.
func (t *task) view(includeExecutions bool) TaskView {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := TaskView{
		ID:          t.id,
		FlowID:      t.req.FlowID,
		StartURL:    t.req.StartURL,
		WorkerCount: t.req.WorkerCount,
		Repeat:      t.req.Repeat,
		Status:      t.status,
		Total:       t.total,
		Dispatched:  t.dispatched,
		Pending:     t.pending,
		InProgress:  t.inProgress,
		Succeeded:   t.succeeded,
		Failed:      t.failed,
		CreatedAt:   t.createdAt,
		FinishedAt:  t.finishedAt,
	}
	if includeExecutions {
		v.Executions = make([]executor.View, 0, len(t.executions))
		for _, exec := range t.executions {
			v.Executions = append(v.Executions, exec.View())
		}
	}
	return v
}

// finalStatus derives the terminal status once no workers remain in flight.
func (t *task) finalStatus() TaskStatus {
	if t.cancelled.Load() {
		return TaskCancelled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.succeeded == 0 && t.failed > 0 {
		return TaskFailed
	}
	return TaskCompleted
}
