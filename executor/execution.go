// Package executor drives one worker through a recorded flow: replaying
// actions, advancing through checkpoints, and resuming from the last reached
// checkpoint after transient failures.
package executor

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State of a flow execution.
type State string

const (
	StateStarting          State = "starting"
	StateNavigating        State = "navigating"
	StateRunning           State = "running"
	StateCheckpointReached State = "checkpoint_reached"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Execution is the mutable run state of one worker driving one flow. The
// definition it references stays immutable; all run state lives here.
type Execution struct {
	ID     string
	TaskID string
	FlowID string

	mu              sync.Mutex
	state           State
	cursor          int // last checkpoint index reached, -1 before the first
	actionIndex     int
	attempts        int
	iterations      int // lifetime action dispatches, across identity retries
	identityRetries int
	actionRetries   int
	identityID      string
	errDetail       string
	startedAt       time.Time
	finishedAt      time.Time
}

// NewExecution creates an execution in the starting state.
func NewExecution(taskID, flowID string) *Execution {
	return &Execution{
		ID:     uuid.NewString(),
		TaskID: taskID,
		FlowID: flowID,
		state:  StateStarting,
		cursor: -1,
	}
}

// View is an immutable snapshot of an execution for observers.
type View struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	FlowID          string    `json:"flow_id"`
	State           State     `json:"state"`
	Cursor          int       `json:"cursor"`
	ActionIndex     int       `json:"action_index"`
	Attempts        int       `json:"attempts"`
	Iterations      int       `json:"iterations"`
	IdentityRetries int       `json:"identity_retries"`
	ActionRetries   int       `json:"action_retries"`
	IdentityID      string    `json:"identity_id,omitempty"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
}

// View returns a consistent snapshot.
func (e *Execution) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return View{
		ID:              e.ID,
		TaskID:          e.TaskID,
		FlowID:          e.FlowID,
		State:           e.state,
		Cursor:          e.cursor,
		ActionIndex:     e.actionIndex,
		Attempts:        e.attempts,
		Iterations:      e.iterations,
		IdentityRetries: e.identityRetries,
		ActionRetries:   e.actionRetries,
		IdentityID:      e.identityID,
		Error:           e.errDetail,
		StartedAt:       e.startedAt,
		FinishedAt:      e.finishedAt,
	}
}

// State returns the current state.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cursor returns the last checkpoint index reached, -1 for none.
func (e *Execution) Cursor() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// transition moves to a new state unless already terminal. Terminal states
// are sticky: once completed or failed, nothing moves the record again.
// Returns the previous state and whether the transition happened.
func (e *Execution) transition(to State, detail string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state
	if from.Terminal() {
		return from, false
	}
	e.state = to
	if to == StateFailed {
		e.errDetail = detail
	}
	if to.Terminal() {
		e.finishedAt = time.Now()
	}
	return from, true
}

func (e *Execution) begin() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startedAt.IsZero() {
		e.startedAt = time.Now()
	}
	e.attempts++
}

func (e *Execution) setCursor(idx int) {
	e.mu.Lock()
	e.cursor = idx
	e.mu.Unlock()
}

func (e *Execution) setActionIndex(idx int) {
	e.mu.Lock()
	e.actionIndex = idx
	e.mu.Unlock()
}

func (e *Execution) setIdentity(id string) {
	e.mu.Lock()
	e.identityID = id
	e.mu.Unlock()
}

// consumeIteration draws one dispatch from the execution-wide budget. The
// count survives identity retries so replacement identities never reset it.
func (e *Execution) consumeIteration(budget int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.iterations >= budget {
		return false
	}
	e.iterations++
	return true
}

func (e *Execution) noteIdentityRetry() {
	e.mu.Lock()
	e.identityRetries++
	e.mu.Unlock()
}

func (e *Execution) noteActionRetry() {
	e.mu.Lock()
	e.actionRetries++
	e.mu.Unlock()
}

func (e *Execution) attemptCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}
