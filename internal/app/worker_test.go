package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantora/strategyworker/internal/config"
	"github.com/quantora/strategyworker/internal/domain"
	"github.com/quantora/strategyworker/internal/sandbox"
	"github.com/quantora/strategyworker/internal/script"
)

type fakeStrategyStore struct {
	saved  []domain.Strategy
	nextID int64
}

func (f *fakeStrategyStore) FetchCode(context.Context, int64, int64, *int) (domain.Strategy, error) {
	return domain.Strategy{}, domain.ErrNotFound
}

func (f *fakeStrategyStore) Save(_ context.Context, st domain.Strategy) (domain.Strategy, error) {
	if st.StrategyID == 0 {
		f.nextID++
		st.StrategyID = f.nextID
		st.Version = 1
	} else {
		st.Version = 2
	}
	f.saved = append(f.saved, st)
	return st, nil
}

type fakeExecutionStore struct {
	last domain.Execution
}

func (f *fakeExecutionStore) SaveExecution(_ context.Context, e domain.Execution) error {
	f.last = e
	return nil
}

func testApp() (*App, *fakeStrategyStore, *fakeExecutionStore) {
	cfg := config.Defaults()
	strategies := &fakeStrategyStore{}
	executions := &fakeExecutionStore{}
	return &App{
		cfg:        &cfg,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		validator:  script.NewValidator(),
		strategies: strategies,
		executions: executions,
	}, strategies, executions
}

const saveSrc = `
def strategy():
    intraday = get_bar_data(timeframe="1h", min_bars=20, filters={"tickers": ["MSFT", "AAPL"]})
    daily = get_bar_data(timeframe="1d", min_bars=5, filters={"tickers": ["AAPL"]})
    return [{"ticker": "AAPL"}]
`

func TestSaveModeRegistersAlertScope(t *testing.T) {
	a, strategies, _ := testApp()
	env := a.dispatch(context.Background(), domain.TaskRequest{
		Mode:   domain.ModeSave,
		UserID: 42,
		Name:   "breakout",
		Prompt: "find breakouts",
	}, saveSrc)

	require.Equal(t, true, env["success"])
	assert.Equal(t, int64(1), env["strategy_id"])
	assert.Equal(t, 1, env["version"])
	assert.Equal(t, "1h", env["min_timeframe"])
	assert.Equal(t, []string{"AAPL", "MSFT"}, env["alert_universe_full"])

	// The persisted row carries the scope extracted from the source.
	require.Len(t, strategies.saved, 1)
	st := strategies.saved[0]
	assert.Equal(t, int64(42), st.UserID)
	assert.Equal(t, "breakout", st.Name)
	assert.Equal(t, saveSrc, st.Code)
	assert.Equal(t, "1h", st.MinTimeframe)
	assert.Equal(t, []string{"AAPL", "MSFT"}, st.AlertUniverseFull)
}

func TestSaveModeAppendsVersion(t *testing.T) {
	a, strategies, _ := testApp()
	env := a.saveStrategy(context.Background(), domain.TaskRequest{
		Mode:       domain.ModeSave,
		UserID:     42,
		StrategyID: 7,
		Name:       "breakout",
	}, saveSrc)

	require.Equal(t, true, env["success"])
	assert.Equal(t, 2, env["version"])
	require.Len(t, strategies.saved, 1)
	assert.Equal(t, int64(7), strategies.saved[0].StrategyID)
}

func TestSaveModeRejectsInvalidCode(t *testing.T) {
	a, strategies, _ := testApp()
	env := a.saveStrategy(context.Background(), domain.TaskRequest{
		Mode:   domain.ModeSave,
		UserID: 42,
		Name:   "broken",
	}, "x = 1\n")

	require.Equal(t, false, env["success"])
	assert.Contains(t, env["error"].(string), "strategy")
	assert.Empty(t, strategies.saved)
}

func TestPersistExecutionCarriesPlots(t *testing.T) {
	a, _, executions := testApp()
	plots := []sandbox.PlotRecord{{Title: "Momentum", Width: 800, Height: 600}}
	result := map[string]any{
		"success":         true,
		"strategy_prints": "hi\n",
		"strategy_plots":  plots,
		"response_images": []string{"img"},
	}

	a.persistExecution(context.Background(), domain.TaskRequest{
		TaskID: "t1",
		UserID: 9,
		Prompt: "p",
	}, "code", result, "")

	assert.Equal(t, plots, executions.last.Plots)
	assert.Equal(t, "hi\n", executions.last.Prints)
	assert.Equal(t, []string{"img"}, executions.last.Images)
	assert.NotEmpty(t, executions.last.ExecutionID)
	assert.Equal(t, int64(9), executions.last.UserID)
}
