// Package task publishes lifecycle frames for a running task and keeps the
// subscriber side alive with heartbeats. A status channel with no listeners
// flips the cancellation flag so the engine can abandon orphaned work.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantora/strategyworker/internal/domain"
)

// DefaultHeartbeatInterval is how often a heartbeat frame is published while
// a task runs.
const DefaultHeartbeatInterval = 5 * time.Second

// Context tracks one task's lifecycle on its status channel.
type Context struct {
	taskID    string
	statusID  string
	bus       domain.TaskBus
	logger    *slog.Logger
	start     time.Time
	interval  time.Duration
	cancelled atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a task context and starts the heartbeat loop.
func New(ctx context.Context, bus domain.TaskBus, taskID, statusID string, interval time.Duration, logger *slog.Logger) *Context {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	t := &Context{
		taskID:   taskID,
		statusID: statusID,
		bus:      bus,
		logger:   logger.With(slog.String("component", "task"), slog.String("task_id", taskID)),
		start:    time.Now(),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.heartbeatLoop(ctx)
	return t
}

// Cancelled reports whether the task lost its last subscriber or was asked
// to stop. Long-running engine loops poll this between units of work.
func (t *Context) Cancelled() bool {
	return t.cancelled.Load()
}

// Elapsed returns seconds since the task started.
func (t *Context) Elapsed() float64 {
	return domain.Elapsed(t.start)
}

// Progress publishes a progress frame. Publishing to a channel nobody
// subscribes to marks the task cancelled.
func (t *Context) Progress(ctx context.Context, status string, data any) error {
	return t.publish(ctx, domain.TaskFrame{
		TaskID:      t.taskID,
		MessageType: domain.MessageProgress,
		Status:      status,
		Data:        data,
		ElapsedTime: t.Elapsed(),
	})
}

// Result publishes the terminal frame and stops the heartbeat loop. A
// missing subscriber at this point is not an error: the result is already
// persisted and the listener may simply have gone away.
func (t *Context) Result(ctx context.Context, status string, data any, taskErr any) {
	t.Destroy()
	err := t.publish(ctx, domain.TaskFrame{
		TaskID:      t.taskID,
		MessageType: domain.MessageResult,
		Status:      status,
		Data:        data,
		ElapsedTime: t.Elapsed(),
		Error:       taskErr,
	})
	if err != nil && err != domain.ErrNoSubscribers {
		t.logger.Warn("result publish failed", slog.String("error", err.Error()))
	}
}

// Destroy stops the heartbeat loop and waits for it to exit. Safe to call
// more than once.
func (t *Context) Destroy() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Context) heartbeatLoop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			t.cancelled.Store(true)
			return
		case <-ticker.C:
			err := t.publish(ctx, domain.TaskFrame{
				TaskID:      t.taskID,
				MessageType: domain.MessageHeartbeat,
				Status:      domain.StatusRunning,
				ElapsedTime: t.Elapsed(),
			})
			if err == domain.ErrNoSubscribers {
				t.logger.Info("no subscribers on status channel, cancelling task")
				return
			}
			if err != nil {
				t.logger.Warn("heartbeat publish failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (t *Context) publish(ctx context.Context, frame domain.TaskFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal task frame: %w", err)
	}
	n, err := t.bus.Publish(ctx, domain.StatusChannel(t.statusID), payload)
	if err != nil {
		return fmt.Errorf("publish task frame: %w", err)
	}
	if n == 0 {
		t.cancelled.Store(true)
		return domain.ErrNoSubscribers
	}
	return nil
}
