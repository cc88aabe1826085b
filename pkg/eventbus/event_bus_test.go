package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runlog/pkg/channels/gochannel"
	"runlog/pkg/events"
)

func newTestBus(t *testing.T) EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	return NewWatermillEventBus(pub, sub)
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	var (
		mu       sync.Mutex
		received []*events.SessionLog
	)

	err := bus.Handle(events.SessionLogEvent, func(_ context.Context, event any) error {
		logEvent, ok := event.(*events.SessionLog)
		require.True(t, ok)

		mu.Lock()
		received = append(received, logEvent)
		mu.Unlock()

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(ctx))

	event := events.NewSessionLog("abc123", events.Payload{
		StepType: events.StepTypeCustomLog,
		Message:  events.StartMarker,
	})

	require.NoError(t, bus.Publish(ctx, "abc123", event))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 1 &&
			received[0].SessionID == "abc123" &&
			received[0].Payload.Message == events.StartMarker
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatermillEventBus_UnhandledTypeIsAcked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	var (
		mu        sync.Mutex
		completed int
	)

	err := bus.Handle(events.SessionCompletedEvent, func(_ context.Context, _ any) error {
		mu.Lock()
		completed++
		mu.Unlock()

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered for session logs; it must be acked and skipped.
	require.NoError(t, bus.Publish(ctx, "abc123", events.NewSessionLog("abc123", events.Payload{Response: "hi"})))
	require.NoError(t, bus.Publish(ctx, "abc123", events.NewSessionCompleted("abc123", "finished")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return completed == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
