package domain

import "time"

// Task message types published on the status channel.
const (
	MessageProgress  = "progress"
	MessageHeartbeat = "heartbeat"
	MessageResult    = "result"
)

// Task lifecycle states.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Execution modes accepted by the worker. Save validates and persists a new
// strategy version; the rest execute strategy code through the engine.
const (
	ModeBacktest   = "backtest"
	ModeValidation = "validation"
	ModeScreening  = "screening"
	ModeAlert      = "alert"
	ModeSave       = "save"
)

// TaskFrame is the JSON frame published to task_status:<status_id>.
type TaskFrame struct {
	TaskID      string  `json:"task_id"`
	MessageType string  `json:"message_type"`
	Status      string  `json:"status"`
	Data        any     `json:"data"`
	ElapsedTime float64 `json:"elapsed_time"`
	Error       any     `json:"error"`
}

// TaskRequest is one decoded unit of work pulled off the task queue.
type TaskRequest struct {
	TaskID       string   `json:"task_id"`
	StatusID     string   `json:"status_id"`
	UserID       int64    `json:"user_id"`
	Mode         string   `json:"mode"`
	StrategyID   int64    `json:"strategy_id,omitempty"`
	Version      *int     `json:"version,omitempty"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Code         string   `json:"code"`
	Prompt       string   `json:"prompt"`
	Symbols      []string `json:"symbols"`
	StartDate    string   `json:"start_date"`
	EndDate      string   `json:"end_date"`
	Limit        int      `json:"limit"`
	MaxInstances int      `json:"max_instances"`
}

// StreamMessage is one entry read from the task queue stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// StatusChannel returns the Pub/Sub channel name for a status id.
func StatusChannel(statusID string) string {
	return "task_status:" + statusID
}

// Elapsed returns fractional seconds since start, as carried in task frames.
func Elapsed(start time.Time) float64 {
	return time.Since(start).Seconds()
}
