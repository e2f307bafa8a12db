package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantora/strategyworker/internal/domain"
)

type fakeBus struct {
	mu          sync.Mutex
	subscribers int64
	err         error
	frames      []domain.TaskFrame
	channels    []string
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	var frame domain.TaskFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return 0, err
	}
	b.frames = append(b.frames, frame)
	b.channels = append(b.channels, channel)
	return b.subscribers, nil
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) published() []domain.TaskFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.TaskFrame(nil), b.frames...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProgressPublishesFrame(t *testing.T) {
	bus := &fakeBus{subscribers: 1}
	tc := New(context.Background(), bus, "task-1", "status-1", time.Hour, discard())
	defer tc.Destroy()

	err := tc.Progress(context.Background(), domain.StatusRunning, map[string]any{"step": "querying"})
	require.NoError(t, err)
	assert.False(t, tc.Cancelled())

	frames := bus.published()
	require.Len(t, frames, 1)
	assert.Equal(t, "task-1", frames[0].TaskID)
	assert.Equal(t, domain.MessageProgress, frames[0].MessageType)
	assert.Equal(t, domain.StatusRunning, frames[0].Status)
	assert.Equal(t, "task_status:status-1", bus.channels[0])
	assert.GreaterOrEqual(t, frames[0].ElapsedTime, 0.0)
}

func TestNoSubscribersCancels(t *testing.T) {
	bus := &fakeBus{subscribers: 0}
	tc := New(context.Background(), bus, "task-1", "status-1", time.Hour, discard())
	defer tc.Destroy()

	err := tc.Progress(context.Background(), domain.StatusRunning, nil)
	assert.ErrorIs(t, err, domain.ErrNoSubscribers)
	assert.True(t, tc.Cancelled())
}

func TestHeartbeatLoop(t *testing.T) {
	bus := &fakeBus{subscribers: 1}
	tc := New(context.Background(), bus, "task-1", "status-1", 10*time.Millisecond, discard())

	require.Eventually(t, func() bool {
		for _, f := range bus.published() {
			if f.MessageType == domain.MessageHeartbeat {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	tc.Destroy()
	n := len(bus.published())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(bus.published()))
}

func TestHeartbeatStopsWhenAbandoned(t *testing.T) {
	bus := &fakeBus{subscribers: 0}
	tc := New(context.Background(), bus, "task-1", "status-1", 10*time.Millisecond, discard())
	defer tc.Destroy()

	require.Eventually(t, tc.Cancelled, time.Second, 5*time.Millisecond)
}

func TestResultSwallowsNoSubscribers(t *testing.T) {
	bus := &fakeBus{subscribers: 0}
	tc := New(context.Background(), bus, "task-1", "status-1", time.Hour, discard())

	tc.Result(context.Background(), domain.StatusCompleted, map[string]any{"n": 3}, nil)

	frames := bus.published()
	require.Len(t, frames, 1)
	assert.Equal(t, domain.MessageResult, frames[0].MessageType)
	assert.Equal(t, domain.StatusCompleted, frames[0].Status)
}

func TestResultCarriesError(t *testing.T) {
	bus := &fakeBus{subscribers: 1}
	tc := New(context.Background(), bus, "task-1", "status-1", time.Hour, discard())

	tc.Result(context.Background(), domain.StatusFailed, nil, "division by zero")

	frames := bus.published()
	require.Len(t, frames, 1)
	assert.Equal(t, domain.StatusFailed, frames[0].Status)
	assert.Equal(t, "division by zero", frames[0].Error)
}

func TestPublishErrorDoesNotCancel(t *testing.T) {
	bus := &fakeBus{err: errors.New("connection refused")}
	tc := New(context.Background(), bus, "task-1", "status-1", time.Hour, discard())
	defer tc.Destroy()

	err := tc.Progress(context.Background(), domain.StatusRunning, nil)
	require.Error(t, err)
	assert.False(t, tc.Cancelled())
}

func TestDestroyIdempotent(t *testing.T) {
	bus := &fakeBus{subscribers: 1}
	tc := New(context.Background(), bus, "task-1", "status-1", time.Hour, discard())
	tc.Destroy()
	tc.Destroy()
}
