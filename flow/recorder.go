package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRecordingActive a recording session is already in progress.
	ErrRecordingActive = errors.New("recording session already active")

	// ErrNoActiveRecording no recording session is in progress.
	ErrNoActiveRecording = errors.New("no active recording session")
)

// Snapshotter captures the live browser session state when a checkpoint is
// marked during recording. Satisfied by browser sessions.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*SessionState, error)
}

// Recorder builds flow definitions from live browser sessions. One recording
// session at a time; starting a second one fails synchronously.
type Recorder struct {
	store  Store
	logger *zap.Logger

	mu     sync.Mutex
	active *RecordingSession
}

// RecordingSession accumulates actions and checkpoints for one flow.
type RecordingSession struct {
	FlowID    string
	StartedAt time.Time

	def  *Definition
	snap Snapshotter
}

// NewRecorder creates a recorder writing into store.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger.With(zap.String("component", "recorder"))}
}

// Start begins recording a new flow. snap captures checkpoint snapshots and
// may be nil, in which case checkpoints carry no session state.
func (r *Recorder) Start(ctx context.Context, name, startURL string, snap Snapshotter) (*RecordingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, ErrRecordingActive
	}

	def := &Definition{
		ID:       uuid.NewString(),
		Name:     name,
		StartURL: startURL,
		Status:   StatusDraft,
	}
	if err := r.store.Save(ctx, def); err != nil {
		return nil, fmt.Errorf("create draft flow: %w", err)
	}

	r.active = &RecordingSession{
		FlowID:    def.ID,
		StartedAt: time.Now(),
		def:       def,
		snap:      snap,
	}
	r.logger.Info("recording started", zap.String("flow_id", def.ID), zap.String("name", name))
	return r.active, nil
}

// RecordAction appends an action to the active recording.
func (r *Recorder) RecordAction(ctx context.Context, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return ErrNoActiveRecording
	}
	r.active.def.Actions = append(r.active.def.Actions, action)
	return r.store.Save(ctx, r.active.def)
}

// MarkCheckpoint records a named checkpoint at the current action position,
// capturing the session snapshot when a snapshotter is attached.
func (r *Recorder) MarkCheckpoint(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return ErrNoActiveRecording
	}
	if len(r.active.def.Actions) == 0 {
		return fmt.Errorf("checkpoint %q: no actions recorded yet", name)
	}

	cp := Checkpoint{
		Name:     name,
		Position: len(r.active.def.Actions) - 1,
	}
	if r.active.snap != nil {
		state, err := r.active.snap.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("capture snapshot for checkpoint %q: %w", name, err)
		}
		cp.Snapshot = state
	}

	if err := r.store.AppendCheckpoint(ctx, r.active.FlowID, cp); err != nil {
		return err
	}
	r.active.def.Checkpoints = append(r.active.def.Checkpoints, cp)
	r.logger.Info("checkpoint marked",
		zap.String("flow_id", r.active.FlowID),
		zap.String("name", name),
		zap.Int("position", cp.Position))
	return nil
}

// Stop ends the active recording, leaving the flow as a draft. Finalize
// separately once the flow is reviewed.
func (r *Recorder) Stop(ctx context.Context) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return nil, ErrNoActiveRecording
	}
	def := r.active.def
	r.active = nil

	if err := r.store.Save(ctx, def); err != nil {
		return nil, fmt.Errorf("persist recorded flow: %w", err)
	}
	r.logger.Info("recording stopped",
		zap.String("flow_id", def.ID),
		zap.Int("actions", len(def.Actions)),
		zap.Int("checkpoints", len(def.Checkpoints)))
	return def.Clone(), nil
}

// Finalize marks a recorded flow ready for execution.
func (r *Recorder) Finalize(ctx context.Context, flowID string) error {
	return r.store.Finalize(ctx, flowID)
}
