package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestBus_DeliversToEntitySubscribers(t *testing.T) {
	bus := NewBus(16, zap.NewNop())
	defer bus.Stop()

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(EntityTask, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	bus.Publish(Event{Entity: EntityTask, ID: "t-1", From: "queued", To: "running"})
	bus.Publish(Event{Entity: EntityExecution, ID: "e-1", From: "starting", To: "running"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "t-1", got[0].ID)
	assert.Equal(t, "running", got[0].To)
	assert.False(t, got[0].Timestamp.IsZero(), "publish stamps the event")
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(16, zap.NewNop())
	defer bus.Stop()

	var count sync.WaitGroup
	count.Add(1)
	var delivered int
	var mu sync.Mutex
	id := bus.Subscribe(EntityProxy, func(ev Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
		count.Done()
	})

	bus.Publish(Event{Entity: EntityProxy, ID: "p-1"})
	count.Wait()

	bus.Unsubscribe(id)
	bus.Publish(Event{Entity: EntityProxy, ID: "p-2"})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

func TestBus_PanickingHandlerDoesNotStopDispatch(t *testing.T) {
	bus := NewBus(16, zap.NewNop())
	defer bus.Stop()

	var mu sync.Mutex
	var sane int
	bus.Subscribe(EntityTask, func(ev Event) { panic("handler bug") })
	bus.Subscribe(EntityTask, func(ev Event) {
		mu.Lock()
		sane++
		mu.Unlock()
	})

	bus.Publish(Event{Entity: EntityTask, ID: "t-1"})
	bus.Publish(Event{Entity: EntityTask, ID: "t-2"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sane == 2
	})
}

func TestBus_DropsOnFullBuffer(t *testing.T) {
	bus := NewBus(1, zap.NewNop())
	defer bus.Stop()

	// Block the dispatcher inside a handler so the buffer backs up.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	bus.Subscribe(EntityTask, func(ev Event) {
		once.Do(func() { close(entered) })
		<-release
	})

	bus.Publish(Event{Entity: EntityTask, ID: "t-0"})
	<-entered
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Entity: EntityTask, ID: "t"})
	}
	close(release)

	require.Positive(t, bus.Dropped())
}
