package domain

import "context"

// BarSource serves timeframe-aware OHLCV queries.
type BarSource interface {
	GetBarData(ctx context.Context, q BarQuery) (*BarTable, error)
}

// SecuritySource serves securities metadata queries.
type SecuritySource interface {
	GetGeneralData(ctx context.Context, q SecurityQuery) ([]map[string]any, error)
	ResolveUniverse(ctx context.Context, f *SecurityFilter) ([]string, error)
}

// StrategyStore persists append-only strategy versions.
type StrategyStore interface {
	FetchCode(ctx context.Context, userID, strategyID int64, version *int) (Strategy, error)
	Save(ctx context.Context, s Strategy) (Strategy, error)
}

// ExecutionStore persists execution artifacts.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, e Execution) error
}

// TaskBus publishes status frames and consumes the task queue. Publish
// returns the broker-reported subscriber count so callers can detect an
// abandoned channel.
type TaskBus interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream, lastID string, count int) ([]StreamMessage, error)
}

// ArtifactArchiver archives execution artifacts to blob storage.
type ArtifactArchiver interface {
	ArchiveExecution(ctx context.Context, executionID string, payload []byte) error
}
