package marketdata

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantora/strategyworker/internal/domain"
	"github.com/quantora/strategyworker/internal/timeframe"
)

func mustParse(t *testing.T, tf string) timeframe.Timeframe {
	t.Helper()
	parsed, err := timeframe.Parse(tf)
	require.NoError(t, err)
	return parsed
}

func TestFilterColumns(t *testing.T) {
	cols, err := filterColumns([]string{"ticker", "timestamp", "close", "bogus"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ticker", "timestamp", "close"}, cols)

	cols, err = filterColumns(nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultBarColumns, cols)

	// An all-invalid projection reports both the bad columns and the empty
	// survivor set.
	_, err = filterColumns([]string{"drop table", "1=1"})
	assert.ErrorIs(t, err, domain.ErrEmptyProjection)
	assert.ErrorIs(t, err, domain.ErrBadColumn)
}

func TestBuildBarSQLDirectRealtime(t *testing.T) {
	sql, args, err := buildBarSQL(barQuerySpec{
		tf:      mustParse(t, "1d"),
		columns: []string{"ticker", "timestamp", "close"},
		minBars: 5,
		tickers: []string{"AAPL"},
	})
	require.NoError(t, err)

	assert.Contains(t, sql, "FROM ohlcv_1d o")
	assert.Contains(t, sql, "EXTRACT(EPOCH FROM o.timestamp)::bigint AS ts")
	assert.Contains(t, sql, "(o.close / 1000.0)::float8 AS close")
	assert.Contains(t, sql, "o.ticker = ANY($1)")
	assert.Contains(t, sql, "rn <= $2 AND total_bars >= $2")
	assert.Contains(t, sql, "ORDER BY ticker, ts DESC")
	assert.NotContains(t, sql, "time_bucket")
	// Extended-hours filtering applies only to the minute table.
	assert.NotContains(t, sql, "09:30")

	require.Len(t, args, 2)
	assert.Equal(t, []string{"AAPL"}, args[0])
	assert.Equal(t, 5, args[1])
}

func TestBuildBarSQLDirectMinuteExtendedHours(t *testing.T) {
	// Default (extended_hours=false) restricts minute rows to regular hours.
	sql, _, err := buildBarSQL(barQuerySpec{
		tf:      mustParse(t, "1m"),
		columns: []string{"ticker", "close"},
		minBars: 1,
		tickers: []string{"AAPL"},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, "TIME '09:30'")
	assert.Contains(t, sql, "TIME '16:00'")
	assert.Contains(t, sql, "EXTRACT(DOW FROM o.timestamp AT TIME ZONE 'America/New_York') BETWEEN 1 AND 5")

	sql, _, err = buildBarSQL(barQuerySpec{
		tf:            mustParse(t, "1m"),
		columns:       []string{"ticker", "close"},
		minBars:       1,
		tickers:       []string{"AAPL"},
		extendedHours: true,
	})
	require.NoError(t, err)
	assert.NotContains(t, sql, "09:30")
}

func TestBuildBarSQLAggregated(t *testing.T) {
	sql, args, err := buildBarSQL(barQuerySpec{
		tf:      mustParse(t, "5m"),
		columns: []string{"ticker", "timestamp", "open", "high", "low", "close", "volume"},
		minBars: 20,
		tickers: []string{"AAPL", "MSFT"},
	})
	require.NoError(t, err)

	assert.Contains(t, sql, "WITH agg AS (")
	assert.Contains(t, sql, "time_bucket(INTERVAL '5 minutes', o.timestamp AT TIME ZONE 'America/New_York')")
	assert.Contains(t, sql, "first(o.open / 1000.0, o.timestamp)::float8 AS open")
	assert.Contains(t, sql, "max(o.high / 1000.0)::float8 AS high")
	assert.Contains(t, sql, "min(o.low / 1000.0)::float8 AS low")
	assert.Contains(t, sql, "last(o.close / 1000.0, o.timestamp)::float8 AS close")
	assert.Contains(t, sql, "sum(o.volume)::bigint AS volume")
	assert.Contains(t, sql, "GROUP BY o.ticker, bucket_ts")
	// Minute-based aggregate keeps the extended-hours restriction inside the CTE.
	assert.Contains(t, sql, "TIME '09:30'")
	require.Len(t, args, 2)
}

func TestBuildBarSQLAggregatedDailyIgnoresExtendedHours(t *testing.T) {
	sql, _, err := buildBarSQL(barQuerySpec{
		tf:      mustParse(t, "3w"),
		columns: []string{"ticker", "close"},
		minBars: 4,
	})
	require.NoError(t, err)
	assert.Contains(t, sql, "time_bucket(INTERVAL '3 weeks'")
	assert.Contains(t, sql, "FROM ohlcv_1d o")
	assert.NotContains(t, sql, "09:30")
}

func TestBuildBarSQLDateRangePreroll(t *testing.T) {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, nyLoc)
	end := time.Date(2024, 2, 2, 0, 0, 0, 0, nyLoc)
	sql, args, err := buildBarSQL(barQuerySpec{
		tf:      mustParse(t, "1d"),
		columns: []string{"ticker", "timestamp", "close"},
		minBars: 3,
		tickers: []string{"AAPL"},
		start:   &start,
		end:     &end,
	})
	require.NoError(t, err)

	assert.Contains(t, sql, "in_range AS (")
	assert.Contains(t, sql, "preroll AS (")
	assert.Contains(t, sql, "b.ts >= $2 AND b.ts <= $3")
	assert.Contains(t, sql, "b.ts < $2")
	assert.Contains(t, sql, "p.rn <= $4")
	assert.Contains(t, sql, "ORDER BY ticker, ts ASC")

	require.Len(t, args, 4)
	assert.Equal(t, start.Unix(), args[1])
	assert.Equal(t, end.Unix(), args[2])
	// Pre-roll keeps at most min_bars-1 rows per ticker.
	assert.Equal(t, 2, args[3])
}

func TestBuildBarSQLNoInterpolatedValues(t *testing.T) {
	// Everything dynamic is bound; the statement text must never carry a
	// ticker literal.
	sql, _, err := buildBarSQL(barQuerySpec{
		tf:      mustParse(t, "2h"),
		columns: []string{"ticker", "close"},
		minBars: 10,
		tickers: []string{"AAPL'; DROP TABLE ohlcv_1m; --"},
	})
	require.NoError(t, err)
	assert.False(t, strings.Contains(sql, "AAPL"))
	assert.False(t, strings.Contains(sql, "DROP"))
}

func TestParseDate(t *testing.T) {
	// Date-only strings are interpreted as America/New_York wall time.
	d, err := ParseDate("2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, int64(1705294800), d.Unix())

	// tz-aware values convert to the market zone.
	d, err = ParseDate("2024-01-15T05:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", d.Location().String())
	assert.Equal(t, int64(1705294800), d.Unix())

	_, err = ParseDate("yesterday")
	assert.Error(t, err)
}

func TestProjectionTimestampAlias(t *testing.T) {
	assert.Equal(t, "ticker, ts AS timestamp, close", projection([]string{"ticker", "timestamp", "close"}))
}

func TestBuildSecurityWhereDefaults(t *testing.T) {
	var args []any
	where := buildSecurityWhere(nil, &args)
	assert.Equal(t, "WHERE maxdate IS NULL AND active = $1", where)
	require.Len(t, args, 1)
	assert.Equal(t, true, args[0])
}

func TestBuildSecurityWhereFilters(t *testing.T) {
	capMin := 1e9
	inactive := false
	var args []any
	where := buildSecurityWhere(&domain.SecurityFilter{
		Sector:       "Technology",
		MarketCapMin: &capMin,
		Active:       &inactive,
	}, &args)
	assert.Contains(t, where, "active = $1")
	assert.Contains(t, where, "sector = $2")
	assert.Contains(t, where, "market_cap >= $3")
	assert.Equal(t, []any{false, "Technology", capMin}, args)
}
