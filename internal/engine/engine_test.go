package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantora/strategyworker/internal/domain"
	"github.com/quantora/strategyworker/internal/execctx"
	"github.com/quantora/strategyworker/internal/sandbox"
	"github.com/quantora/strategyworker/internal/script"
)

type stubBars struct {
	lastQuery domain.BarQuery
}

func (s *stubBars) GetBarData(_ context.Context, q domain.BarQuery) (*domain.BarTable, error) {
	s.lastQuery = q
	return domain.NewBarTable(domain.DefaultBarColumns), nil
}

type stubSecurities struct{}

func (stubSecurities) GetGeneralData(context.Context, domain.SecurityQuery) ([]map[string]any, error) {
	return nil, nil
}

func (stubSecurities) ResolveUniverse(context.Context, *domain.SecurityFilter) ([]string, error) {
	return nil, nil
}

func testEngine() (*Engine, *stubBars, *execctx.Provider) {
	bars := &stubBars{}
	provider := execctx.NewProvider()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := sandbox.NewRunner(bars, stubSecurities{}, provider, logger)
	return New(runner, script.NewValidator(), provider, logger), bars, provider
}

const screeningSrc = `
def strategy():
    return [
        {"ticker": "A", "score": 0.2, "entry_price": 10},
        {"ticker": "B", "score": 0.9, "entry_price": 20},
        {"ticker": "C", "score": 0.5, "entry_price": 30},
    ]
`

func TestScreeningRanking(t *testing.T) {
	e, _, _ := testEngine()
	env := e.Screen(context.Background(), ScreeningRequest{Code: screeningSrc, Symbols: []string{"A", "B", "C"}, Limit: 2})

	require.Equal(t, true, env["success"])
	ranked, ok := env["ranked_results"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, ranked, 2)
	assert.Equal(t, "B", ranked[0]["symbol"])
	assert.Equal(t, 0.9, ranked[0]["score"])
	assert.Equal(t, 20.0, ranked[0]["current_price"])
	assert.Equal(t, "C", ranked[1]["symbol"])
	assert.Equal(t, 30.0, ranked[1]["current_price"])
	assert.Equal(t, 3, env["total_instances"])
}

func TestScreeningRanksByTimestampWithoutScores(t *testing.T) {
	e, _, _ := testEngine()
	src := `
def strategy():
    return [
        {"ticker": "OLD", "timestamp": 100},
        {"ticker": "NEW", "timestamp": 200},
    ]
`
	env := e.Screen(context.Background(), ScreeningRequest{Code: src, Symbols: []string{"OLD", "NEW"}, Limit: 10})
	ranked := env["ranked_results"].([]map[string]any)
	require.Len(t, ranked, 2)
	assert.Equal(t, "NEW", ranked[0]["symbol"])
	assert.Equal(t, "OLD", ranked[1]["symbol"])
}

func TestAlertPriority(t *testing.T) {
	e, _, _ := testEngine()
	src := `
def strategy():
    return [
        {"ticker": "X", "score": 0.85},
        {"ticker": "Y", "score": 0.6},
        {"ticker": "Z", "signal_strength": 0.95},
    ]
`
	env := e.Alert(context.Background(), AlertRequest{Code: src, Symbols: []string{"X", "Y", "Z"}})
	require.Equal(t, true, env["success"])

	alerts := env["alerts"].([]domain.Alert)
	require.Len(t, alerts, 3)
	bydSymbol := map[string]domain.Alert{}
	for _, a := range alerts {
		bydSymbol[a.Symbol] = a
		assert.Equal(t, "strategy_signal", a.Type)
		assert.NotZero(t, a.Timestamp)
	}
	assert.Equal(t, "high", bydSymbol["X"].Priority)
	assert.Equal(t, "medium", bydSymbol["Y"].Priority)
	assert.Equal(t, "high", bydSymbol["Z"].Priority)

	signals := env["signals"].(map[string]domain.Instance)
	require.Len(t, signals, 3)
	assert.Equal(t, 0.6, signals["Y"]["score"])
}

func TestBacktestEnvelope(t *testing.T) {
	e, bars, _ := testEngine()
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC)
	src := `
def strategy():
    get_bar_data("1d", min_bars=5)
    print("done")
    return [{"ticker": "AAPL", "profit": 12.5}]
`
	env := e.Backtest(context.Background(), BacktestRequest{
		Code:      src,
		Symbols:   []string{"AAPL", "MSFT"},
		StartDate: &start,
		EndDate:   &end,
	})

	require.Equal(t, true, env["success"])
	assert.Equal(t, "done\n", env["strategy_prints"])
	assert.Equal(t, 2, env["symbols_processed"])
	instances := env["instances"].([]domain.Instance)
	require.Len(t, instances, 1)

	summary := env["summary"].(map[string]any)
	assert.Equal(t, 1, summary["total_instances"])
	dateRange := summary["date_range"].([]string)
	assert.Contains(t, dateRange[0], "2024-01-15")

	// The sandbox saw the task's window and universe.
	require.NotNil(t, bars.lastQuery.StartDate)
	assert.Equal(t, start.Unix(), bars.lastQuery.StartDate.Unix())
	assert.Equal(t, []string{"AAPL", "MSFT"}, bars.lastQuery.Filters.Tickers)
}

func TestBacktestFailureEnvelope(t *testing.T) {
	e, _, _ := testEngine()
	src := `
def strategy():
    return undefined_name
`
	env := e.Backtest(context.Background(), BacktestRequest{Code: src, Symbols: []string{"AAPL"}})
	require.Equal(t, false, env["success"])
	assert.Contains(t, env["error"].(string), "undefined")
	details := env["error_details"].(*sandbox.ErrorInfo)
	assert.Equal(t, 3, details.LineNumber)
	_, hasInstances := env["instances"]
	assert.False(t, hasInstances)
}

const validationSrc = `
def strategy():
    data = get_bar_data(timeframe="1h", min_bars=20, filters={"tickers": ["AAPL", "MSFT", "NVDA", "TSLA", "GOOG", "META", "AMZN", "NFLX", "AMD", "INTC", "CRM"]})
    return [{"ticker": "AAPL"}]
`

func TestValidationFastPathSymbols(t *testing.T) {
	e, bars, _ := testEngine()
	env := e.Validate(context.Background(), validationSrc)

	require.Equal(t, true, env["success"])
	assert.Equal(t, 1, env["instances_generated"])
	assert.Equal(t, DefaultValidationMaxInstances, env["max_instances_configured"])
	assert.Equal(t, false, env["instance_limit_reached"])

	// First ten of the declared universe; CRM is cut.
	got := bars.lastQuery.Filters.Tickers
	require.Len(t, got, 10)
	assert.NotContains(t, got, "CRM")
	assert.Contains(t, got, "AAPL")
	assert.Contains(t, got, "INTC")

	// 1h * 20 bars < 1 day, so the window falls back to the 30-day floor.
	require.NotNil(t, bars.lastQuery.StartDate)
	days := bars.lastQuery.EndDate.Sub(*bars.lastQuery.StartDate).Hours() / 24
	assert.InDelta(t, 30, days, 1)
}

func TestValidationLimitsConfigurable(t *testing.T) {
	bars := &stubBars{}
	provider := execctx.NewProvider()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := sandbox.NewRunner(bars, stubSecurities{}, provider, logger)
	e := New(runner, script.NewValidator(), provider, logger,
		WithValidationLimits(3, time.Second))

	src := `
def strategy():
    out = list()
    for i in range(10):
        out.append({"ticker": "AAPL", "i": i})
    data = get_bar_data("1d", min_bars=5, filters={"tickers": ["AAPL"]})
    return out
`
	env := e.Validate(context.Background(), src)
	require.Equal(t, true, env["success"])
	assert.Equal(t, 3, env["max_instances_configured"])
	assert.Equal(t, 3, env["instances_generated"])
	assert.Equal(t, true, env["instance_limit_reached"])
}

func TestValidationNoTickers(t *testing.T) {
	e, _, _ := testEngine()
	src := `
def strategy():
    data = get_bar_data("1d", min_bars=10)
    return [{"ticker": "AAPL"}]
`
	env := e.Validate(context.Background(), src)
	require.Equal(t, false, env["success"])
	assert.Contains(t, env["message"].(string), "no tickers")
}

func TestValidationRejectsInvalidSource(t *testing.T) {
	e, _, _ := testEngine()
	env := e.Validate(context.Background(), "x = 1\n")
	require.Equal(t, false, env["success"])
	assert.Contains(t, env["message"].(string), "strategy")
}

func TestValidationWindowDays(t *testing.T) {
	meta := &domain.StrategyMetadata{MaxTimeframe: "1d", MaxTimeframeMinBars: 90}
	assert.Equal(t, 90, validationWindowDays(meta))

	meta = &domain.StrategyMetadata{MaxTimeframe: "1h", MaxTimeframeMinBars: 20}
	assert.Equal(t, 30, validationWindowDays(meta))

	meta = &domain.StrategyMetadata{MaxTimeframe: "bogus", MaxTimeframeMinBars: 5}
	assert.Equal(t, 30, validationWindowDays(meta))
}

func TestCurrentPriceFallback(t *testing.T) {
	assert.Equal(t, 10.0, currentPrice(domain.Instance{"entry_price": 10.0, "close": 5.0}))
	assert.Equal(t, 5.0, currentPrice(domain.Instance{"close": 5.0}))
	assert.Equal(t, 7.0, currentPrice(domain.Instance{"price": int64(7)}))
	assert.Equal(t, 0.0, currentPrice(domain.Instance{}))
}
