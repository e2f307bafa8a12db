package script

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantora/strategyworker/internal/domain"
)

func TestValidateMinimalStrategy(t *testing.T) {
	v := NewValidator()
	meta, err := v.Validate(`
def strategy():
    return []
`)
	require.NoError(t, err)
	assert.Empty(t, meta.Calls)
	assert.Equal(t, "1d", meta.MinTimeframe)
	assert.Equal(t, 1, meta.MaxTimeframeMinBars)
	// No get_bar_data calls means no declared universe either way.
	assert.Nil(t, meta.AlertUniverseFull)
}

func TestValidateForbiddenLoad(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(`
load("os", "getenv")

def strategy():
    return []
`)
	var secErr *domain.SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Contains(t, secErr.Message, "Import of forbidden module: os")
}

func TestValidateAliasResolution(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(`
load("np", "array")

def strategy():
    return []
`)
	var secErr *domain.SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Contains(t, secErr.Message, "numpy")
}

func TestValidateAllowedLoad(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(`
load("math", "sqrt")

def strategy():
    return [{"ticker": "AAPL", "score": sqrt(0.25)}]
`)
	require.NoError(t, err)
}

func TestValidateForbiddenCall(t *testing.T) {
	v := NewValidator()
	for _, name := range []string{"exec", "eval", "open", "getattr", "__import__"} {
		_, err := v.Validate("def strategy():\n    " + name + "(\"x\")\n    return []\n")
		var secErr *domain.SecurityError
		require.ErrorAs(t, err, &secErr, name)
	}
}

func TestValidateForbiddenAttribute(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(`
def strategy():
    x = strategy.__globals__
    return []
`)
	var secErr *domain.SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Contains(t, secErr.Message, "__globals__")
}

func TestValidateDynamicImportRawText(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(`
def strategy():
    m = __import__("o" + "s")
    return []
`)
	// The direct __import__ call is already rejected as a forbidden call.
	var secErr *domain.SecurityError
	require.ErrorAs(t, err, &secErr)

	// The raw-text pattern fires even when the call target is obscured from
	// the name check, but not inside comments or docstrings.
	assert.Error(t, checkRawText(`x = __import__("os").getenv`))
	assert.NoError(t, checkRawText(`# __import__("os") in a comment`))
	assert.NoError(t, checkRawText("\"\"\"docstring __import__('sys')\"\"\""))
}

func TestValidateReservedRedefinition(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(`
def get_bar_data():
    return []

def strategy():
    return []
`)
	var secErr *domain.SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Contains(t, secErr.Message, "get_bar_data")
}

func TestValidateMissingStrategy(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(`
def helper():
    return 1
`)
	var compErr *domain.ComplianceError
	require.ErrorAs(t, err, &compErr)
	assert.Contains(t, compErr.Message, "exactly one function named strategy")
}

func TestValidateStrategyWithParameters(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(`
def strategy(x):
    return []
`)
	var compErr *domain.ComplianceError
	require.ErrorAs(t, err, &compErr)
	assert.Contains(t, compErr.Message, "no parameters")
	assert.Contains(t, compErr.Message, "found 1")
}

func TestValidateVoidReturn(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(`
def strategy():
    return None
`)
	var compErr *domain.ComplianceError
	require.ErrorAs(t, err, &compErr)

	_, err = v.Validate(`
def strategy():
    return
`)
	require.ErrorAs(t, err, &compErr)

	_, err = v.Validate(`
def strategy():
    x = 1
`)
	require.ErrorAs(t, err, &compErr)
	assert.Contains(t, compErr.Message, "at least one return")
}

func TestValidateLegacyNames(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(`
def classify_symbol():
    return []
`)
	var compErr *domain.ComplianceError
	require.ErrorAs(t, err, &compErr)
	assert.Contains(t, compErr.Message, "classify_symbol")

	_, err = v.Validate(`
def run_backtest():
    return []
`)
	require.ErrorAs(t, err, &compErr)
	assert.Contains(t, compErr.Message, "run_backtest")
}

func TestValidateNestedReturnsIgnored(t *testing.T) {
	v := NewValidator()
	// A nested helper's return must not satisfy the entry point requirement.
	_, err := v.Validate(`
def strategy():
    def helper():
        return 1
    x = helper()
`)
	var compErr *domain.ComplianceError
	require.ErrorAs(t, err, &compErr)
	assert.Contains(t, compErr.Message, "at least one return")
}

func TestExtractFingerprints(t *testing.T) {
	v := NewValidator()
	meta, err := v.Validate(`
def strategy():
    daily = get_bar_data("1d", ["ticker", "close"], 50, {"tickers": ["aapl", "MSFT"]})
    hourly = get_bar_data(timeframe="1h", min_bars=20, filters={"tickers": ["NVDA"]})
    return [{"ticker": "AAPL"}]
`)
	require.NoError(t, err)
	require.Len(t, meta.Calls, 2)

	first := meta.Calls[0]
	assert.Equal(t, "1d", first.Timeframe)
	assert.Equal(t, 50, first.MinBars)
	assert.True(t, first.FilterAnalysis.HasTickers)
	assert.Equal(t, []string{"AAPL", "MSFT"}, first.FilterAnalysis.SpecificTickers)
	assert.Equal(t, 3, first.LineNumber)

	second := meta.Calls[1]
	assert.Equal(t, "1h", second.Timeframe)
	assert.Equal(t, 20, second.MinBars)
	assert.Equal(t, []string{"NVDA"}, second.FilterAnalysis.SpecificTickers)

	assert.Equal(t, "1h", meta.MinTimeframe)
	assert.Equal(t, "1d", meta.MaxTimeframe)
	assert.Equal(t, 50, meta.MaxTimeframeMinBars)
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, meta.AlertUniverseFull)
}

func TestExtractGlobalUniverse(t *testing.T) {
	v := NewValidator()
	meta, err := v.Validate(`
def strategy():
    a = get_bar_data("1d", ["close"], 10, {"tickers": ["AAPL"]})
    b = get_bar_data("1d", ["close"], 10)
    return [{"ticker": "AAPL"}]
`)
	require.NoError(t, err)
	// One call without tickers means the universe is global (nil).
	assert.Nil(t, meta.AlertUniverseFull)
}

func TestExtractDefaults(t *testing.T) {
	v := NewValidator()
	meta, err := v.Validate(`
def strategy():
    bars = get_bar_data(min_bars=compute())
    return [{"ticker": "AAPL"}]

def compute():
    return 5
`)
	require.NoError(t, err)
	require.Len(t, meta.Calls, 1)
	// Computed arguments fall back to defaults.
	assert.Equal(t, "1d", meta.Calls[0].Timeframe)
	assert.Equal(t, 1, meta.Calls[0].MinBars)
	assert.False(t, meta.Calls[0].FilterAnalysis.HasTickers)
}

func TestFingerprintRoundTrip(t *testing.T) {
	v := NewValidator()
	meta, err := v.Validate(`
def strategy():
    bars = get_bar_data("4h", ["ticker", "close"], 14, {"tickers": ["TSLA"]})
    return [{"ticker": "TSLA"}]
`)
	require.NoError(t, err)

	raw, err := json.Marshal(meta.Calls)
	require.NoError(t, err)
	var back []domain.GetBarDataCall
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, meta.Calls, back)
}
