package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantora/strategyworker/internal/domain"
)

// ExecutionStore persists execution artifacts to python_agent_execs.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

// SaveExecution records one execution artifact. Result and plots are stored
// as JSONB.
func (s *ExecutionStore) SaveExecution(ctx context.Context, e domain.Execution) error {
	resultJSON, err := json.Marshal(e.Result)
	if err != nil {
		return fmt.Errorf("postgres: marshal execution result %s: %w", e.ExecutionID, err)
	}
	plotsJSON, err := json.Marshal(e.Plots)
	if err != nil {
		return fmt.Errorf("postgres: marshal execution plots %s: %w", e.ExecutionID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO python_agent_execs (
			userid, prompt, python_code, execution_id,
			result, prints, plots, images, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		e.UserID, e.Prompt, e.Code, e.ExecutionID,
		resultJSON, e.Prints, plotsJSON, e.Images, e.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("postgres: save execution %s: %w", e.ExecutionID, err)
	}
	return nil
}
