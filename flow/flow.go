// Package flow defines recorded browser flows: ordered action sequences with
// named, resumable checkpoints.
package flow

import (
	"fmt"
	"time"
)

// ActionType identifies a browser action variant.
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionInput    ActionType = "type"
	ActionScroll   ActionType = "scroll"
	ActionWait     ActionType = "wait"
	ActionSelect   ActionType = "select"
	ActionHover    ActionType = "hover"
	ActionExtract  ActionType = "extract"

	// ActionSuggested is resolved at execution time by the vision model and
	// normalized into one of the fixed variants before dispatch.
	ActionSuggested ActionType = "suggested"
)

// Action is one recorded step of a flow.
type Action struct {
	Type      ActionType `json:"type" yaml:"type"`
	Selector  string     `json:"selector,omitempty" yaml:"selector,omitempty"`
	// Fallbacks are alternative selectors tried in order when the primary
	// selector fails. Recorded tooling captures several candidates so replay
	// does not depend on a single brittle selector.
	Fallbacks []string      `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	Value     string        `json:"value,omitempty" yaml:"value,omitempty"`
	X         int           `json:"x,omitempty" yaml:"x,omitempty"`
	Y         int           `json:"y,omitempty" yaml:"y,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MinDelay/MaxDelay bound the per-action timing jitter applied before
	// dispatch. Byte-identical replay timing is itself a detection signal.
	MinDelay time.Duration `json:"min_delay,omitempty" yaml:"min_delay,omitempty"`
	MaxDelay time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	// Goal drives vision-suggested actions.
	Goal string `json:"goal,omitempty" yaml:"goal,omitempty"`
}

// Cookie mirrors the subset of browser cookie state a checkpoint captures.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// SessionState is a captured browser session snapshot. Restoring it at a
// checkpoint skips replaying the expensive prefix (login, CAPTCHA) that
// produced it.
type SessionState struct {
	URL            string            `json:"url"`
	Cookies        []Cookie          `json:"cookies,omitempty"`
	LocalStorage   map[string]string `json:"local_storage,omitempty"`
	SessionStorage map[string]string `json:"session_storage,omitempty"`
	CapturedAt     time.Time         `json:"captured_at"`
}

// Checkpoint marks a resumable point within a flow. Position indexes into the
// action sequence: the checkpoint is reached once the action at Position has
// completed.
type Checkpoint struct {
	Name     string        `json:"name" yaml:"name"`
	Position int           `json:"position" yaml:"position"`
	Snapshot *SessionState `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
}

// Status of a flow definition.
type Status string

const (
	StatusDraft Status = "draft"
	StatusReady Status = "ready"
)

// Definition is a recorded flow. Immutable once an execution references it;
// executions pin a specific Version.
type Definition struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Version     int          `json:"version"`
	StartURL    string       `json:"start_url"`
	Actions     []Action     `json:"actions"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	Status      Status       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Validate checks structural invariants: checkpoint positions in range and
// strictly increasing.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("flow %s: empty name", d.ID)
	}
	prev := -1
	for _, cp := range d.Checkpoints {
		if cp.Position < 0 || cp.Position >= len(d.Actions) {
			return fmt.Errorf("flow %s: checkpoint %q position %d out of range [0,%d)",
				d.ID, cp.Name, cp.Position, len(d.Actions))
		}
		if cp.Position <= prev {
			return fmt.Errorf("flow %s: checkpoint %q position %d not increasing", d.ID, cp.Name, cp.Position)
		}
		prev = cp.Position
	}
	return nil
}

// CheckpointAt returns the index into Checkpoints of the checkpoint whose
// Position equals actionIndex, or -1.
func (d *Definition) CheckpointAt(actionIndex int) int {
	for i, cp := range d.Checkpoints {
		if cp.Position == actionIndex {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so stored definitions stay immutable under
// concurrent readers.
func (d *Definition) Clone() *Definition {
	out := *d
	out.Actions = append([]Action(nil), d.Actions...)
	out.Checkpoints = make([]Checkpoint, len(d.Checkpoints))
	for i, cp := range d.Checkpoints {
		out.Checkpoints[i] = cp
		if cp.Snapshot != nil {
			snap := *cp.Snapshot
			snap.Cookies = append([]Cookie(nil), cp.Snapshot.Cookies...)
			snap.LocalStorage = copyMap(cp.Snapshot.LocalStorage)
			snap.SessionStorage = copyMap(cp.Snapshot.SessionStorage)
			out.Checkpoints[i].Snapshot = &snap
		}
	}
	return &out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
