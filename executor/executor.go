package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ghostflow/ghostflow/browser"
	"github.com/ghostflow/ghostflow/event"
	"github.com/ghostflow/ghostflow/flow"
	"github.com/ghostflow/ghostflow/identity"
	"github.com/ghostflow/ghostflow/internal/metrics"
	"github.com/ghostflow/ghostflow/proxy"
)

var (
	// ErrBudgetExhausted the execution hit its iteration budget without
	// completing. Not retried.
	ErrBudgetExhausted = errors.New("action budget exhausted")

	// ErrCancelled the execution stopped at a cancellation point.
	ErrCancelled = errors.New("execution cancelled")

	// ErrNoSuggester the flow contains a vision-suggested action but no
	// suggester is configured.
	ErrNoSuggester = errors.New("no action suggester configured")
)

// Config bounds one executor's retry and budget behavior.
type Config struct {
	// MaxActionRetries bounds in-place retries of a failing action with the
	// same identity.
	MaxActionRetries int `json:"max_action_retries" yaml:"max_action_retries"`
	// MaxIdentityRetries bounds identity replacements after connectivity
	// failures; each replacement resumes from the last checkpoint.
	MaxIdentityRetries int `json:"max_identity_retries" yaml:"max_identity_retries"`
	// MaxIterations is the total action-dispatch budget for one execution.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
	// ActionTimeout is the per-action default when the action carries none.
	ActionTimeout time.Duration `json:"action_timeout" yaml:"action_timeout"`

	ProxyRequired     bool                       `json:"proxy_required" yaml:"proxy_required"`
	Strategy          proxy.Strategy             `json:"strategy" yaml:"strategy"`
	FingerprintPolicy identity.FingerprintPolicy `json:"fingerprint_policy" yaml:"fingerprint_policy"`

	Session   browser.SessionConfig `json:"session" yaml:"session"`
	Variation VariationConfig       `json:"variation" yaml:"variation"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxActionRetries:   2,
		MaxIdentityRetries: 3,
		MaxIterations:      100,
		ActionTimeout:      30 * time.Second,
		ProxyRequired:      true,
		Strategy:           proxy.StrategyWeighted,
		FingerprintPolicy:  identity.PolicyGenerated,
		Session:            browser.DefaultSessionConfig(),
		Variation:          DefaultVariationConfig(),
	}
}

// Executor replays flow definitions through browser sessions.
type Executor struct {
	broker    *identity.Broker
	driver    browser.Driver
	snapshots SnapshotStore
	suggester *browser.ActionSuggester
	bus       *event.Bus
	metrics   *metrics.Collector
	vary      *Variation
	cfg       Config
	logger    *zap.Logger
}

// New creates an executor. suggester, bus and collector may be nil.
func New(broker *identity.Broker, driver browser.Driver, snapshots SnapshotStore,
	suggester *browser.ActionSuggester, bus *event.Bus, collector *metrics.Collector,
	cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if snapshots == nil {
		snapshots = NewMemorySnapshotStore()
	}
	def := DefaultConfig()
	if cfg.MaxActionRetries <= 0 {
		cfg.MaxActionRetries = def.MaxActionRetries
	}
	if cfg.MaxIdentityRetries <= 0 {
		cfg.MaxIdentityRetries = def.MaxIdentityRetries
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	return &Executor{
		broker:    broker,
		driver:    driver,
		snapshots: snapshots,
		suggester: suggester,
		bus:       bus,
		metrics:   collector,
		vary:      NewVariation(cfg.Variation),
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "flow_executor")),
	}
}

// RunOptions carry per-run overrides of the executor's configuration.
type RunOptions struct {
	// Variation overrides the configured variation level for this run.
	Variation VariationLevel
}

// Run drives exec through def until a terminal state. cancelled is the
// cooperative cancellation flag, checked between actions; a running browser
// call finishes its current step before cancellation takes effect.
//
// Retry policy by failure class:
//   - connectivity: discard the identity, acquire a fresh one, resume from
//     the last checkpoint, up to MaxIdentityRetries replacements
//   - script: retried in place inside the attempt, up to MaxActionRetries
//   - budget exhausted / no proxy available: terminal, no retry
func (e *Executor) Run(ctx context.Context, exec *Execution, def *flow.Definition, opts RunOptions, cancelled func() bool) error {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	vary := e.vary
	if opts.Variation != "" && opts.Variation != e.cfg.Variation.Level {
		overridden := e.cfg.Variation
		overridden.Level = opts.Variation
		vary = NewVariation(overridden)
	}
	start := time.Now()

	for {
		exec.begin()
		err := e.runAttempt(ctx, exec, def, vary, cancelled)

		switch {
		case err == nil:
			e.finish(exec, StateCompleted, "")
			e.metrics.ExecutionFinished("completed", time.Since(start))
			_ = e.snapshots.Delete(context.WithoutCancel(ctx), exec.ID)
			return nil

		case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
			e.finish(exec, StateFailed, "cancelled")
			e.metrics.ExecutionFinished("cancelled", time.Since(start))
			return ErrCancelled

		case errors.Is(err, proxy.ErrNoProxyAvailable):
			// Resource exhaustion is a hard failure for this worker, never
			// silently substituted.
			e.finish(exec, StateFailed, err.Error())
			e.metrics.ExecutionFinished("no_proxy", time.Since(start))
			return err

		case browser.IsConnectivity(err):
			view := exec.View()
			if view.IdentityRetries < e.cfg.MaxIdentityRetries {
				exec.noteIdentityRetry()
				e.metrics.IdentityRetried()
				e.logger.Warn("connectivity failure, retrying with fresh identity",
					zap.String("execution_id", exec.ID),
					zap.Int("cursor", view.Cursor),
					zap.Error(err))
				continue
			}
			e.finish(exec, StateFailed, fmt.Sprintf("identity retries exhausted: %v", err))
			e.metrics.ExecutionFinished("connectivity_failed", time.Since(start))
			return err

		case errors.Is(err, ErrBudgetExhausted):
			e.finish(exec, StateFailed, e.failDetail(exec, err))
			e.metrics.ExecutionFinished("budget_exhausted", time.Since(start))
			return err

		default: // script failures already retried in place
			e.finish(exec, StateFailed, e.failDetail(exec, err))
			e.metrics.ExecutionFinished("script_failed", time.Since(start))
			return err
		}
	}
}

// failDetail includes the last action and checkpoint for diagnostics.
func (e *Executor) failDetail(exec *Execution, err error) string {
	view := exec.View()
	return fmt.Sprintf("%v (last action %d, last checkpoint %d)", err, view.ActionIndex, view.Cursor)
}

func (e *Executor) runAttempt(ctx context.Context, exec *Execution, def *flow.Definition, vary *Variation, cancelled func() bool) error {
	if cancelled() {
		return ErrCancelled
	}

	id, err := e.broker.Create(ctx, identity.CreateOptions{
		ProxyRequired: e.cfg.ProxyRequired,
		Strategy:      e.cfg.Strategy,
		Constraints:   proxy.Constraints{SessionKey: exec.ID},
		Policy:        e.cfg.FingerprintPolicy,
	})
	if err != nil {
		return err
	}
	exec.setIdentity(id.ID)

	success := false
	var latency time.Duration
	defer func() {
		e.broker.Discard(id, identity.Outcome{Success: success, Latency: latency})
	}()

	sessionCfg := e.cfg.Session
	sessionCfg.UserAgent = id.UserAgent
	sessionCfg.ProxyURL = id.ProxyURL()
	sessionCfg.Locale = id.Locale
	sessionCfg.Timezone = id.Timezone

	openStart := time.Now()
	session, err := e.driver.OpenSession(ctx, sessionCfg)
	if err != nil {
		return classifyConnectivity("open_session", err)
	}
	latency = time.Since(openStart)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = session.Close(closeCtx)
	}()

	startIndex, err := e.resume(ctx, exec, def, session)
	if err != nil {
		return err
	}

	for i := startIndex; i < len(def.Actions); i++ {
		if cancelled() {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		exec.setActionIndex(i)
		e.emit(exec, StateRunning, fmt.Sprintf("action %d/%d", i, len(def.Actions)))

		action := def.Actions[i]
		if action.Type == flow.ActionSuggested {
			resolved, err := e.resolveSuggested(ctx, session, action)
			if err != nil {
				return err
			}
			action = resolved
		}

		if err := e.dispatchWithRetry(ctx, exec, session, action, vary); err != nil {
			return err
		}

		if cpIdx := def.CheckpointAt(i); cpIdx >= 0 {
			e.captureCheckpoint(ctx, exec, def, session, cpIdx)
		}
	}

	success = true
	return nil
}

// resume resolves the attempt's starting action index. With a checkpoint
// reached, the captured snapshot is restored instead of replaying the prefix:
// the expensive, detection-risky actions before it are paid once per logical
// run, not once per retry.
func (e *Executor) resume(ctx context.Context, exec *Execution, def *flow.Definition, session browser.Session) (int, error) {
	cursor := exec.Cursor()
	if cursor < 0 || cursor >= len(def.Checkpoints) {
		e.emit(exec, StateNavigating, def.StartURL)
		if err := session.Navigate(ctx, def.StartURL); err != nil {
			return 0, classifyConnectivity("navigate", err)
		}
		return 0, nil
	}

	cp := def.Checkpoints[cursor]
	state := cp.Snapshot
	if _, stored, err := e.snapshots.Load(ctx, exec.ID); err == nil && stored != nil {
		state = stored
	}
	if state == nil {
		// No snapshot captured for this checkpoint: fall back to a full
		// replay from the start URL.
		e.logger.Warn("no snapshot for checkpoint, replaying from start",
			zap.String("execution_id", exec.ID),
			zap.String("checkpoint", cp.Name))
		e.emit(exec, StateNavigating, def.StartURL)
		if err := session.Navigate(ctx, def.StartURL); err != nil {
			return 0, classifyConnectivity("navigate", err)
		}
		return 0, nil
	}

	e.emit(exec, StateNavigating, fmt.Sprintf("restoring checkpoint %s", cp.Name))
	if err := session.Restore(ctx, state); err != nil {
		return 0, classifyConnectivity("restore", err)
	}
	e.metrics.CheckpointRestored()
	return cp.Position + 1, nil
}

// dispatchWithRetry applies variation and dispatches one action, retrying
// script failures in place with fallback selectors. Every dispatch draws from
// the execution-wide iteration budget, which identity retries do not refill.
func (e *Executor) dispatchWithRetry(ctx context.Context, exec *Execution, session browser.Session, action flow.Action, vary *Variation) error {
	for attempt := 0; ; attempt++ {
		if !exec.consumeIteration(e.cfg.MaxIterations) {
			return ErrBudgetExhausted
		}

		if err := e.pause(ctx, vary.Delay(action)); err != nil {
			return err
		}

		attemptAction := action
		attemptAction.Selector = vary.Selector(action, attempt)

		timeout := attemptAction.Timeout
		if timeout <= 0 {
			timeout = e.cfg.ActionTimeout
		}
		actionCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := session.Act(actionCtx, attemptAction)
		cancel()

		if err == nil {
			if result != nil {
				e.metrics.ActionDispatched(result.Duration)
			}
			return nil
		}
		if browser.IsConnectivity(err) {
			return err
		}
		if !browser.IsScript(err) {
			err = browser.Script("act", attemptAction.Selector, err)
		}
		if attempt >= e.cfg.MaxActionRetries {
			return err
		}
		exec.noteActionRetry()
		e.metrics.ActionRetried()
		e.logger.Debug("action retry",
			zap.String("execution_id", exec.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
}

// resolveSuggested asks the vision model for the next action and normalizes
// it into the standard dispatch path, inheriting retry and checkpoint
// semantics.
func (e *Executor) resolveSuggested(ctx context.Context, session browser.Session, action flow.Action) (flow.Action, error) {
	if e.suggester == nil {
		return flow.Action{}, ErrNoSuggester
	}
	shot, err := session.Screenshot(ctx)
	if err != nil {
		return flow.Action{}, classifyConnectivity("screenshot", err)
	}
	suggestion, err := e.suggester.Suggest(ctx, shot, action.Goal)
	if err != nil {
		return flow.Action{}, browser.Script("suggest", "", err)
	}
	resolved := suggestion.Action
	// Keep the recorded jitter bounds so suggested steps pace like the rest.
	resolved.MinDelay = action.MinDelay
	resolved.MaxDelay = action.MaxDelay
	return resolved, nil
}

// captureCheckpoint snapshots session state after the checkpoint action
// completed and advances the cursor. Snapshot persistence failures are
// logged, not fatal: resume then falls back to the recorded snapshot.
func (e *Executor) captureCheckpoint(ctx context.Context, exec *Execution, def *flow.Definition, session browser.Session, cpIdx int) {
	cp := def.Checkpoints[cpIdx]
	state, err := session.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("checkpoint snapshot capture failed",
			zap.String("execution_id", exec.ID),
			zap.String("checkpoint", cp.Name),
			zap.Error(err))
	} else if err := e.snapshots.Save(ctx, exec.ID, cpIdx, state); err != nil {
		e.logger.Warn("checkpoint snapshot persist failed",
			zap.String("execution_id", exec.ID),
			zap.String("checkpoint", cp.Name),
			zap.Error(err))
	}
	exec.setCursor(cpIdx)
	e.emit(exec, StateCheckpointReached, cp.Name)
	e.metrics.CheckpointSaved()
}

func (e *Executor) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish moves the execution to a terminal state and emits the transition.
func (e *Executor) finish(exec *Execution, to State, detail string) {
	from, ok := exec.transition(to, detail)
	if !ok {
		return
	}
	e.publish(exec, string(from), string(to), detail)
}

// emit records a non-terminal transition event.
func (e *Executor) emit(exec *Execution, to State, detail string) {
	from, ok := exec.transition(to, detail)
	if !ok {
		return
	}
	e.publish(exec, string(from), string(to), detail)
}

func (e *Executor) publish(exec *Execution, from, to, detail string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(event.Event{
		Entity: event.EntityExecution,
		ID:     exec.ID,
		From:   from,
		To:     to,
		Detail: detail,
	})
}

// classifyConnectivity wraps unclassified errors from session-level calls as
// connectivity failures; script errors pass through untouched.
func classifyConnectivity(op string, err error) error {
	if browser.IsConnectivity(err) || browser.IsScript(err) {
		return err
	}
	return browser.Connectivity(op, err)
}
