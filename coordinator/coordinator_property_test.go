package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// Property: whatever mix of outcomes the executions produce, the terminal
// task accounts for every one of them: succeeded + failed == dispatched ==
// total, nothing pending or in progress, and the aggregate status follows
// the counts.
func TestProperty_Coordinator_CounterAccounting(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		workers := rapid.IntRange(1, 4).Draw(rt, "workers")
		repeat := rapid.IntRange(1, 5).Draw(rt, "repeat")
		total := workers * repeat

		failures := make([]bool, total)
		anyFailure := false
		allFailure := true
		for i := range failures {
			failures[i] = rapid.Bool().Draw(rt, "fail")
			if failures[i] {
				anyFailure = true
			} else {
				allFailure = false
			}
		}

		runner := &fakeRunner{outcome: func(run int) error {
			if failures[run-1] {
				return errors.New("scripted failure")
			}
			return nil
		}}
		c := New(runner, readyFlowStore(t), nil, nil, zap.NewNop())

		view, err := c.Start(context.Background(), Request{
			FlowID: "flow-1", WorkerCount: workers, Repeat: repeat,
		})
		require.NoError(rt, err)

		deadline := time.Now().Add(5 * time.Second)
		final := view
		for time.Now().Before(deadline) {
			final, err = c.Task(view.ID)
			require.NoError(rt, err)
			if final.Status.Terminal() {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		require.True(rt, final.Status.Terminal())

		assert.Equal(rt, total, final.Dispatched)
		assert.Equal(rt, total, final.Succeeded+final.Failed)
		assert.Zero(rt, final.Pending)
		assert.Zero(rt, final.InProgress)

		switch {
		case allFailure && anyFailure:
			assert.Equal(rt, TaskFailed, final.Status)
		default:
			assert.Equal(rt, TaskCompleted, final.Status)
		}
	})
}
