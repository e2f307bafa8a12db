// Package engine orchestrates strategy execution per mode and shapes the
// sandbox result into the mode's envelope. A strategy failure never escapes
// as a Go error; callers always receive a {success: bool, ...} envelope.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/quantora/strategyworker/internal/domain"
	"github.com/quantora/strategyworker/internal/execctx"
	"github.com/quantora/strategyworker/internal/sandbox"
	"github.com/quantora/strategyworker/internal/script"
	"github.com/quantora/strategyworker/internal/timeframe"
)

const (
	// DefaultValidationMaxInstances caps emitted instances during a
	// validation run unless configured otherwise.
	DefaultValidationMaxInstances = 100
	// DefaultValidationTimeout bounds a validation run unless configured
	// otherwise.
	DefaultValidationTimeout = 15 * time.Second
	// ValidationSymbolLimit is how many extracted tickers a validation run
	// uses.
	ValidationSymbolLimit = 10
	// ValidationWindowFloorDays is the minimum validation lookback window.
	ValidationWindowFloorDays = 30
)

// Engine runs validated strategies through the sandbox and shapes results.
type Engine struct {
	runner    *sandbox.Runner
	validator *script.Validator
	provider  *execctx.Provider
	logger    *slog.Logger

	validationMaxInstances int
	validationTimeout      time.Duration
}

// Option customises an Engine.
type Option func(*Engine)

// WithValidationLimits overrides the validation fast path's instance cap and
// timeout. Non-positive values keep the defaults.
func WithValidationLimits(maxInstances int, timeout time.Duration) Option {
	return func(e *Engine) {
		if maxInstances > 0 {
			e.validationMaxInstances = maxInstances
		}
		if timeout > 0 {
			e.validationTimeout = timeout
		}
	}
}

func New(runner *sandbox.Runner, validator *script.Validator, provider *execctx.Provider, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		runner:    runner,
		validator: validator,
		provider:  provider,
		logger:    logger.With(slog.String("component", "engine")),

		validationMaxInstances: DefaultValidationMaxInstances,
		validationTimeout:      DefaultValidationTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BacktestRequest carries the inputs of one backtest run.
type BacktestRequest struct {
	Code         string
	Symbols      []string
	StartDate    *time.Time
	EndDate      *time.Time
	MaxInstances int
}

// Backtest runs a strategy over a historical window.
func (e *Engine) Backtest(ctx context.Context, req BacktestRequest) map[string]any {
	started := time.Now()
	e.provider.Set(execctx.Context{
		Mode:      domain.ModeBacktest,
		Symbols:   req.Symbols,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	})
	defer e.provider.Reset()

	res := e.runner.Execute(ctx, req.Code, sandbox.Options{MaxInstances: req.MaxInstances})
	env := e.envelope(res, started)
	if res.Error != nil {
		return env
	}

	env["instances"] = res.Instances
	env["symbols_processed"] = len(req.Symbols)
	env["summary"] = map[string]any{
		"total_instances":   len(res.Instances),
		"symbols_processed": len(req.Symbols),
		"date_range":        []string{isoDate(req.StartDate), isoDate(req.EndDate)},
	}
	return env
}

// Validate runs the pre-flight fast path: a short execution over a symbol
// and date window derived from the source's own get_bar_data fingerprints.
// Validation succeeds iff the strategy runs to completion without a
// programming error; a data-only issue (no rows) is tolerated.
func (e *Engine) Validate(ctx context.Context, code string) map[string]any {
	started := time.Now()

	meta, err := e.validator.Validate(code)
	if err != nil {
		return map[string]any{
			"success":           false,
			"execution_time_ms": millisSince(started),
			"message":           err.Error(),
		}
	}

	symbols := validationSymbols(meta)
	if len(symbols) == 0 {
		return map[string]any{
			"success":           false,
			"execution_time_ms": millisSince(started),
			"message":           domain.ErrNoTickers.Error(),
		}
	}

	days := validationWindowDays(meta)
	end := time.Now()
	start := end.AddDate(0, 0, -days)
	e.provider.Set(execctx.Context{
		Mode:      domain.ModeValidation,
		Symbols:   symbols,
		StartDate: &start,
		EndDate:   &end,
	})
	defer e.provider.Reset()

	res := e.runner.Execute(ctx, code, sandbox.Options{
		MaxInstances: e.validationMaxInstances,
		Timeout:      e.validationTimeout,
	})

	env := map[string]any{
		"success":                  res.Error == nil,
		"instances_generated":      len(res.Instances),
		"instance_limit_reached":   res.LimitReached,
		"max_instances_configured": e.validationMaxInstances,
		"execution_time_ms":        millisSince(started),
	}
	switch {
	case res.Error == nil:
		env["message"] = fmt.Sprintf("Strategy validated successfully (%d instances)", len(res.Instances))
	case res.Error.ErrorType == "TimeoutError":
		env["message"] = "Validation timeout - strategy may have infinite loops or performance issues"
		env["error_details"] = res.Error
	default:
		env["message"] = res.Error.ErrorMessage
		env["error_details"] = res.Error
	}
	return env
}

// ScreeningRequest carries the inputs of one screening run.
type ScreeningRequest struct {
	Code         string
	Symbols      []string
	Limit        int
	MaxInstances int
}

// Screen runs a strategy over a symbol universe and ranks its output.
func (e *Engine) Screen(ctx context.Context, req ScreeningRequest) map[string]any {
	started := time.Now()
	e.provider.Set(execctx.Context{Mode: domain.ModeScreening, Symbols: req.Symbols})
	defer e.provider.Reset()

	res := e.runner.Execute(ctx, req.Code, sandbox.Options{MaxInstances: req.MaxInstances})
	env := e.envelope(res, started)
	if res.Error != nil {
		return env
	}

	env["ranked_results"] = rankInstances(res.Instances, req.Limit)
	env["total_instances"] = len(res.Instances)
	return env
}

// AlertRequest carries the inputs of one alert run.
type AlertRequest struct {
	Code         string
	Symbols      []string
	MaxInstances int
}

// Alert runs a strategy over its alert universe and converts instances into
// alert records.
func (e *Engine) Alert(ctx context.Context, req AlertRequest) map[string]any {
	started := time.Now()
	e.provider.Set(execctx.Context{Mode: domain.ModeAlert, Symbols: req.Symbols})
	defer e.provider.Reset()

	res := e.runner.Execute(ctx, req.Code, sandbox.Options{MaxInstances: req.MaxInstances})
	env := e.envelope(res, started)
	if res.Error != nil {
		return env
	}

	now := time.Now().Unix()
	alerts := make([]domain.Alert, 0, len(res.Instances))
	signals := map[string]domain.Instance{}
	for _, inst := range res.Instances {
		alerts = append(alerts, instanceToAlert(inst, now))
		signals[inst.Ticker()] = inst
	}
	env["alerts"] = alerts
	env["signals"] = signals
	return env
}

// envelope builds the fields common to every mode. On failure it carries
// the classified error details.
func (e *Engine) envelope(res *sandbox.Result, started time.Time) map[string]any {
	env := map[string]any{
		"success":                res.Error == nil,
		"strategy_prints":        res.Stdout,
		"strategy_plots":         res.Plots,
		"response_images":        plotImages(res.Plots),
		"instance_limit_reached": res.LimitReached,
		"execution_time_ms":      millisSince(started),
	}
	if res.Error != nil {
		env["error"] = res.Error.ErrorMessage
		env["error_details"] = res.Error
	}
	return env
}

// validationSymbols takes up to the first ten tickers of the extracted
// universe. A global universe yields none; validation has no default
// fallback.
func validationSymbols(meta *domain.StrategyMetadata) []string {
	universe := meta.AlertUniverseFull
	if len(universe) > ValidationSymbolLimit {
		universe = universe[:ValidationSymbolLimit]
	}
	return universe
}

// validationWindowDays sizes the lookback window from the largest timeframe
// and its min_bars, rounded up to whole days, floored at 30.
func validationWindowDays(meta *domain.StrategyMetadata) int {
	tf, err := timeframe.Parse(meta.MaxTimeframe)
	if err != nil {
		return ValidationWindowFloorDays
	}
	span := tf.Approx() * time.Duration(meta.MaxTimeframeMinBars)
	days := int(math.Ceil(span.Hours() / 24))
	if days < ValidationWindowFloorDays {
		days = ValidationWindowFloorDays
	}
	return days
}

// rankInstances sorts by score descending when any instance carries one,
// else by timestamp descending, truncates to limit, and maps each survivor
// to its screening row.
func rankInstances(instances []domain.Instance, limit int) []map[string]any {
	ranked := append([]domain.Instance(nil), instances...)
	byScore := false
	for _, inst := range ranked {
		if _, ok := inst.Score(); ok {
			byScore = true
			break
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if byScore {
			si, _ := ranked[i].Score()
			sj, _ := ranked[j].Score()
			return si > sj
		}
		return ranked[i].Timestamp() > ranked[j].Timestamp()
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]map[string]any, 0, len(ranked))
	for _, inst := range ranked {
		score, _ := inst.Score()
		row := map[string]any{
			"symbol":        inst.Ticker(),
			"score":         score,
			"current_price": currentPrice(inst),
			"sector":        inst["sector"],
			"data":          inst,
		}
		out = append(out, row)
	}
	return out
}

// currentPrice resolves the first of entry_price, close, price.
func currentPrice(inst domain.Instance) float64 {
	for _, key := range []string{"entry_price", "close", "price"} {
		switch v := inst[key].(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		case int:
			return float64(v)
		}
	}
	return 0
}

// instanceToAlert converts one instance into an alert record. High priority
// needs score or signal_strength above 0.8.
func instanceToAlert(inst domain.Instance, now int64) domain.Alert {
	priority := "medium"
	if score, ok := inst.Score(); ok && score > 0.8 {
		priority = "high"
	} else if strength, ok := inst.SignalStrength(); ok && strength > 0.8 {
		priority = "high"
	}
	message, _ := inst["message"].(string)
	if message == "" {
		message = fmt.Sprintf("Strategy signal for %s", inst.Ticker())
	}
	return domain.Alert{
		Symbol:    inst.Ticker(),
		Type:      "strategy_signal",
		Message:   message,
		Timestamp: now,
		Data:      inst,
		Priority:  priority,
	}
}

func plotImages(plots []sandbox.PlotRecord) []string {
	var images []string
	for _, p := range plots {
		if p.Image != "" {
			images = append(images, p.Image)
		}
	}
	if images == nil {
		images = []string{}
	}
	return images
}

func millisSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}

func isoDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
