package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantora/strategyworker/internal/domain"
	"github.com/quantora/strategyworker/internal/engine"
	"github.com/quantora/strategyworker/internal/marketdata"
	"github.com/quantora/strategyworker/internal/task"
)

// consume reads the task stream one batch at a time and processes each task
// start to finish. Malformed payloads are logged and skipped; the stream id
// advances regardless so a poison message cannot wedge the worker.
func (a *App) consume(ctx context.Context) error {
	lastID := "$"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := a.bus.StreamRead(ctx, a.cfg.Worker.TaskStream, lastID, 10)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			a.logger.Warn("task stream read failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			lastID = msg.ID

			var req domain.TaskRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				a.logger.Warn("malformed task payload",
					slog.String("stream_id", msg.ID),
					slog.String("error", err.Error()))
				continue
			}
			a.handleTask(ctx, req)
		}
	}
}

// handleTask runs one task end to end: status frames out, engine execution,
// artifact persistence, terminal result frame.
func (a *App) handleTask(ctx context.Context, req domain.TaskRequest) {
	logger := a.logger.With(
		slog.String("task_id", req.TaskID),
		slog.String("mode", req.Mode),
	)
	logger.Info("task started")

	tc := task.New(ctx, a.bus, req.TaskID, req.StatusID, a.cfg.Worker.HeartbeatInterval.Duration, a.logger)
	defer tc.Destroy()

	// Cooperative cancellation: an abandoned status channel cancels the
	// in-flight execution at its next interpreter checkpoint.
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				if tc.Cancelled() {
					cancel()
					return
				}
			}
		}
	}()

	code, err := a.resolveCode(taskCtx, req)
	if err != nil {
		logger.Error("strategy code unavailable", slog.String("error", err.Error()))
		tc.Result(ctx, domain.StatusFailed, nil, err.Error())
		return
	}

	_ = tc.Progress(taskCtx, domain.StatusRunning, map[string]any{"mode": req.Mode})

	result := a.dispatch(taskCtx, req, code)

	status := domain.StatusCompleted
	errMsg := ""
	if success, _ := result["success"].(bool); !success {
		status = domain.StatusFailed
		if msg, ok := result["error"].(string); ok {
			errMsg = msg
		} else if msg, ok := result["message"].(string); ok {
			errMsg = msg
		}
	}
	if tc.Cancelled() {
		status = domain.StatusCancelled
		if errMsg == "" {
			errMsg = domain.ErrCancelled.Error()
		}
	}

	a.persistExecution(ctx, req, code, result, errMsg)

	var resultErr any
	if errMsg != "" {
		resultErr = errMsg
	}
	tc.Result(ctx, status, result, resultErr)
	logger.Info("task finished",
		slog.String("status", status),
		slog.Float64("elapsed", tc.Elapsed()))
}

// resolveCode uses inline code when the request carries it, otherwise loads
// the requested strategy version from the store.
func (a *App) resolveCode(ctx context.Context, req domain.TaskRequest) (string, error) {
	if req.Code != "" {
		return req.Code, nil
	}
	st, err := a.strategies.FetchCode(ctx, req.UserID, req.StrategyID, req.Version)
	if err != nil {
		return "", err
	}
	return st.Code, nil
}

// dispatch routes a request to the engine mode. Unknown modes produce a
// failure envelope rather than an error.
func (a *App) dispatch(ctx context.Context, req domain.TaskRequest, code string) map[string]any {
	maxInstances := req.MaxInstances
	if maxInstances <= 0 {
		maxInstances = a.cfg.Worker.MaxInstances
	}

	switch req.Mode {
	case domain.ModeSave:
		return a.saveStrategy(ctx, req, code)
	case domain.ModeValidation:
		return a.engine.Validate(ctx, code)
	case domain.ModeBacktest:
		start := parseTaskDate(req.StartDate, a.logger)
		end := parseTaskDate(req.EndDate, a.logger)
		return a.engine.Backtest(ctx, engine.BacktestRequest{
			Code:         code,
			Symbols:      req.Symbols,
			StartDate:    start,
			EndDate:      end,
			MaxInstances: maxInstances,
		})
	case domain.ModeScreening:
		return a.engine.Screen(ctx, engine.ScreeningRequest{
			Code:         code,
			Symbols:      req.Symbols,
			Limit:        req.Limit,
			MaxInstances: maxInstances,
		})
	case domain.ModeAlert:
		return a.engine.Alert(ctx, engine.AlertRequest{
			Code:         code,
			Symbols:      req.Symbols,
			MaxInstances: maxInstances,
		})
	default:
		return map[string]any{
			"success": false,
			"error":   "unknown execution mode: " + req.Mode,
		}
	}
}

// saveStrategy validates the code statically and persists it as a new
// strategy version, registering the alert scope extracted from the source:
// the minimum timeframe and the declared ticker universe.
func (a *App) saveStrategy(ctx context.Context, req domain.TaskRequest, code string) map[string]any {
	meta, err := a.validator.Validate(code)
	if err != nil {
		return map[string]any{
			"success": false,
			"error":   err.Error(),
		}
	}

	saved, err := a.strategies.Save(ctx, domain.Strategy{
		StrategyID:        req.StrategyID,
		UserID:            req.UserID,
		Name:              req.Name,
		Description:       req.Description,
		Prompt:            req.Prompt,
		Code:              code,
		MinTimeframe:      meta.MinTimeframe,
		AlertUniverseFull: meta.AlertUniverseFull,
	})
	if err != nil {
		a.logger.Error("save strategy failed",
			slog.String("name", req.Name),
			slog.String("error", err.Error()))
		return map[string]any{
			"success": false,
			"error":   err.Error(),
		}
	}

	return map[string]any{
		"success":             true,
		"strategy_id":         saved.StrategyID,
		"version":             saved.Version,
		"min_timeframe":       saved.MinTimeframe,
		"alert_universe_full": saved.AlertUniverseFull,
	}
}

// persistExecution records the execution artifact in the database and, when
// archival is configured, uploads the full payload to blob storage. Both
// are best-effort relative to the task result.
func (a *App) persistExecution(ctx context.Context, req domain.TaskRequest, code string, result map[string]any, errMsg string) {
	executionID := uuid.NewString()

	exec := domain.Execution{
		UserID:       req.UserID,
		Prompt:       req.Prompt,
		Code:         code,
		ExecutionID:  executionID,
		Result:       result,
		ErrorMessage: errMsg,
	}
	if prints, ok := result["strategy_prints"].(string); ok {
		exec.Prints = prints
	}
	if plots, ok := result["strategy_plots"]; ok {
		exec.Plots = plots
	}
	if images, ok := result["response_images"].([]string); ok {
		exec.Images = images
	}

	if err := a.executions.SaveExecution(ctx, exec); err != nil {
		a.logger.Error("persist execution failed",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
	}

	if a.archiver == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"execution_id": executionID,
		"task_id":      req.TaskID,
		"user_id":      req.UserID,
		"mode":         req.Mode,
		"result":       result,
	})
	if err != nil {
		a.logger.Warn("marshal execution archive failed", slog.String("error", err.Error()))
		return
	}
	if err := a.archiver.ArchiveExecution(ctx, executionID, payload); err != nil {
		a.logger.Warn("archive execution failed",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
	}
}

// parseTaskDate decodes a task request date, tolerating an empty value.
func parseTaskDate(s string, logger *slog.Logger) *time.Time {
	if s == "" {
		return nil
	}
	t, err := marketdata.ParseDate(s)
	if err != nil {
		logger.Warn("bad task date", slog.String("value", s), slog.String("error", err.Error()))
		return nil
	}
	return &t
}
