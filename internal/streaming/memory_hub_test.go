package streaming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rendis/botflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(wfID, typ string) *schema.Event {
	return &schema.Event{WorkflowID: wfID, Type: typ, Timestamp: time.Now().UTC()}
}

func receive(t *testing.T, ch <-chan schema.Event) schema.Event {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.Event{}
}

func assertQuiet(t *testing.T, ch <-chan schema.Event) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	ev := &schema.Event{
		WorkflowID: "wf_1",
		StepID:     "step_1",
		Type:       schema.EventStepCompleted,
		Payload:    map[string]any{"result": "ok"},
	}
	require.NoError(t, hub.Publish(ctx, ev))

	got := receive(t, ch)
	assert.Equal(t, "wf_1", got.WorkflowID)
	assert.Equal(t, "step_1", got.StepID)
	assert.Equal(t, schema.EventStepCompleted, got.Type)

	// Subscribers get a copy.
	ev.StepID = "mutated"
	assert.Equal(t, "step_1", got.StepID)

	require.NoError(t, hub.Publish(ctx, nil))
	assertQuiet(t, ch)
}

func TestFilterByWorkflowID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf_1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, event("wf_1", schema.EventStepStarted)))
	require.NoError(t, hub.Publish(ctx, event("wf_2", schema.EventStepStarted)))

	assert.Equal(t, "wf_1", receive(t, ch).WorkflowID)
	assertQuiet(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{schema.EventStepCompleted, schema.EventWorkflowFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, event("wf_1", schema.EventStepCompleted)))
	require.NoError(t, hub.Publish(ctx, event("wf_1", schema.EventStepStarted)))
	require.NoError(t, hub.Publish(ctx, event("wf_1", schema.EventWorkflowFailed)))

	var received []string
	for range 2 {
		received = append(received, receive(t, ch).Type)
	}
	assert.Equal(t, []string{schema.EventStepCompleted, schema.EventWorkflowFailed}, received)
	assertQuiet(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()
	assert.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.AppendEvent(ctx, event("wf_1", schema.EventStepCompleted)))

	for _, ch := range []<-chan schema.Event{ch1, ch2} {
		got := receive(t, ch)
		assert.Equal(t, "wf_1", got.WorkflowID)
		assert.Equal(t, schema.EventStepCompleted, got.Type)
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel()
	assert.Zero(t, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, event("wf_1", schema.EventStepCompleted)))
	_, ok := <-ch
	assert.False(t, ok, "channel closed on cancel")
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for range defaultChannelBuffer + 10 {
		require.NoError(t, hub.Publish(ctx, event("wf_1", "tick")))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	cancels := make([]func(), goroutines)
	for i := range goroutines {
		_, cancel, err := hub.Subscribe(ctx, EventFilter{})
		require.NoError(t, err)
		cancels[i] = cancel
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range eventsPerGoroutine {
				_ = hub.Publish(ctx, event("wf_concurrent", "tick"))
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, goroutines, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, event("wf_1", "tick")), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

// sequencer stands in for the history store, which numbers events.
type sequencer struct{ next int64 }

func (s *sequencer) AppendEvent(_ context.Context, ev *schema.Event) error {
	s.next++
	ev.Sequence = s.next
	return nil
}

type failingAppender struct{}

func (failingAppender) AppendEvent(context.Context, *schema.Event) error {
	return errors.New("disk full")
}

func TestFanout(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	sink := Fanout{&sequencer{}, hub}
	require.NoError(t, sink.AppendEvent(ctx, event("wf_1", schema.EventWorkflowStarted)))
	require.NoError(t, sink.AppendEvent(ctx, event("wf_1", schema.EventStepStarted)))

	assert.Equal(t, int64(1), receive(t, ch).Sequence)
	assert.Equal(t, int64(2), receive(t, ch).Sequence)

	// A failing appender does not starve the rest.
	sink = Fanout{failingAppender{}, hub}
	err = sink.AppendEvent(ctx, event("wf_1", schema.EventStepCompleted))
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, schema.EventStepCompleted, receive(t, ch).Type)
}
