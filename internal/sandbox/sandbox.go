package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/quantora/strategyworker/internal/domain"
	"github.com/quantora/strategyworker/internal/execctx"
	"github.com/quantora/strategyworker/internal/script"
)

// DefaultMaxInstances caps tracked-list growth for normal runs.
const DefaultMaxInstances = 15000

// entryNames are the accepted strategy entry points, in resolution order.
var entryNames = []string{"strategy", "strategy_function", "main", "run"}

// Runner executes validated strategy code in a restricted interpreter with
// the data accessors injected.
type Runner struct {
	bars       domain.BarSource
	securities domain.SecuritySource
	provider   *execctx.Provider
	logger     *slog.Logger
}

func NewRunner(bars domain.BarSource, securities domain.SecuritySource, provider *execctx.Provider, logger *slog.Logger) *Runner {
	return &Runner{
		bars:       bars,
		securities: securities,
		provider:   provider,
		logger:     logger.With(slog.String("component", "sandbox")),
	}
}

// Options control one execution.
type Options struct {
	MaxInstances int
	Timeout      time.Duration
}

// Result is everything one execution produced. Error is nil on success.
type Result struct {
	Instances    []domain.Instance `json:"instances"`
	Stdout       string            `json:"stdout"`
	Plots        []PlotRecord      `json:"plots"`
	LimitReached bool              `json:"limit_reached"`
	Error        *ErrorInfo        `json:"error,omitempty"`
}

// execEnv binds one execution's builtins to its context, counters and sink.
type execEnv struct {
	ctx        context.Context
	bars       domain.BarSource
	securities domain.SecuritySource
	provider   *execctx.Provider
	counter    *instanceCounter
	sink       *plotSink
}

// Execute runs src to completion or cancellation. Failures never escape as
// Go errors; they are classified into Result.Error.
func (r *Runner) Execute(ctx context.Context, src string, opts Options) *Result {
	limit := opts.MaxInstances
	if limit <= 0 {
		limit = DefaultMaxInstances
	}

	var (
		stdoutMu sync.Mutex
		stdout   strings.Builder
	)
	println := func(msg string) {
		stdoutMu.Lock()
		stdout.WriteString(msg)
		stdout.WriteString("\n")
		stdoutMu.Unlock()
	}

	env := &execEnv{
		ctx:        ctx,
		bars:       r.bars,
		securities: r.securities,
		provider:   r.provider,
		counter:    newInstanceCounter(limit, println),
		sink:       &plotSink{},
	}

	thread := &starlark.Thread{
		Name:  "strategy",
		Print: func(_ *starlark.Thread, msg string) { println(msg) },
		Load:  env.load,
	}

	execCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-execCtx.Done():
			if execCtx.Err() == context.DeadlineExceeded {
				thread.Cancel("execution timed out")
			} else {
				thread.Cancel("execution cancelled")
			}
		case <-watchDone:
		}
	}()

	result := func(err error) *Result {
		res := &Result{
			Stdout:       stdout.String(),
			Plots:        env.sink.records(),
			LimitReached: env.counter.reached(),
		}
		if res.Instances == nil {
			res.Instances = []domain.Instance{}
		}
		if err != nil {
			res.Error = extractErrorInfo(err, src)
			r.logger.Warn("execution failed",
				slog.String("error_type", res.Error.ErrorType),
				slog.Int("line", res.Error.LineNumber),
				slog.String("error", res.Error.ErrorMessage))
		}
		return res
	}

	globals, err := starlark.ExecFileOptions(script.FileOptions, thread, script.Filename, src, env.predeclared())
	if err != nil {
		return result(err)
	}

	entry := resolveEntry(globals)
	if entry == nil {
		return result(domain.ErrNoStrategyFunction)
	}

	ret, err := starlark.Call(thread, entry, nil, nil)
	if err != nil {
		return result(err)
	}

	res := result(nil)
	res.Instances = decodeInstances(ret)
	return res
}

// predeclared builds the closed global surface the strategy sees. The list
// constructor shadows the universe builtin so growth is counted.
func (e *execEnv) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"get_bar_data":          e.newBarDataBuiltin(),
		"get_general_data":      e.newGeneralDataBuiltin(),
		"generate_equity_curve": e.newEquityCurveBuiltin(),
		"figure":                newFigureBuiltin(e.sink),
		"list":                  newListBuiltin(e.counter),
		"struct":                starlark.NewBuiltin("struct", starlarkstruct.Make),
		"math":                  starmath.Module,
		"time":                  startime.Module,
		"json":                  starjson.Module,
		"statistics":            statisticsModule,
	}
}

// load serves load() statements from the allow-listed built-in modules.
// Nothing is ever loaded from disk.
func (e *execEnv) load(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	switch module {
	case "math":
		return starmath.Module.Members, nil
	case "time":
		return startime.Module.Members, nil
	case "json":
		return starjson.Module.Members, nil
	case "statistics":
		return statisticsModule.Members, nil
	case "plot":
		return starlark.StringDict{"figure": newFigureBuiltin(e.sink)}, nil
	}
	return nil, fmt.Errorf("module %q is not available", module)
}

// resolveEntry finds the strategy entry point among the accepted names.
func resolveEntry(globals starlark.StringDict) starlark.Callable {
	for _, name := range entryNames {
		if fn, ok := globals[name].(starlark.Callable); ok {
			return fn
		}
	}
	return nil
}

// decodeInstances converts the entry point's return value into the instance
// list. Non-mappings and entries without a ticker are dropped; entries
// without a timestamp get the current time injected.
func decodeInstances(ret starlark.Value) []domain.Instance {
	out := []domain.Instance{}
	iterable, ok := ret.(starlark.Iterable)
	if !ok {
		return out
	}
	now := time.Now().Unix()
	it := iterable.Iterate()
	defer it.Done()
	var item starlark.Value
	for it.Next(&item) {
		m, ok := normalizeValue(item).(map[string]any)
		if !ok {
			continue
		}
		inst := domain.Instance(m)
		if inst.Ticker() == "" {
			continue
		}
		if _, ok := m["timestamp"]; !ok {
			m["timestamp"] = now
		}
		out = append(out, inst)
	}
	return out
}

// statisticsModule covers the handful of descriptive statistics strategies
// reach for without pulling in a numerics stack.
var statisticsModule = &starlarkstruct.Module{
	Name: "statistics",
	Members: starlark.StringDict{
		"mean":     starlark.NewBuiltin("statistics.mean", statMean),
		"median":   starlark.NewBuiltin("statistics.median", statMedian),
		"stdev":    starlark.NewBuiltin("statistics.stdev", statStdev),
		"variance": starlark.NewBuiltin("statistics.variance", statVariance),
	},
}

func numericArg(name string, args starlark.Tuple, kwargs []starlark.Tuple) ([]float64, error) {
	var iterable starlark.Iterable
	if err := starlark.UnpackPositionalArgs(name, args, kwargs, 1, &iterable); err != nil {
		return nil, err
	}
	var out []float64
	it := iterable.Iterate()
	defer it.Done()
	var v starlark.Value
	for it.Next(&v) {
		f, ok := starlark.AsFloat(v)
		if !ok {
			return nil, fmt.Errorf("%s: non-numeric value %s", name, v.String())
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty data", name)
	}
	return out, nil
}

func statMean(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	data, err := numericArg(b.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Float(mean(data)), nil
}

func statMedian(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	data, err := numericArg(b.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	sort.Float64s(data)
	n := len(data)
	if n%2 == 1 {
		return starlark.Float(data[n/2]), nil
	}
	return starlark.Float((data[n/2-1] + data[n/2]) / 2), nil
}

func statVariance(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	data, err := numericArg(b.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%s: at least two data points required", b.Name())
	}
	return starlark.Float(variance(data)), nil
}

func statStdev(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	data, err := numericArg(b.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%s: at least two data points required", b.Name())
	}
	return starlark.Float(math.Sqrt(variance(data))), nil
}

func mean(data []float64) float64 {
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func variance(data []float64) float64 {
	m := mean(data)
	sum := 0.0
	for _, v := range data {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(data)-1)
}
