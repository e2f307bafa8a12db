// Package marketdata implements the timeframe-aware OHLCV query planner and
// the securities metadata accessor backing get_bar_data / get_general_data.
package marketdata

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantora/strategyworker/internal/domain"
	"github.com/quantora/strategyworker/internal/timeframe"
)

// nyLoc is the market wall-clock zone. The database stores market timestamps
// in this zone.
var nyLoc = mustLoadNY()

func mustLoadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(fmt.Sprintf("marketdata: load America/New_York: %v", err))
	}
	return loc
}

// NormalizeEST converts a tz-aware time to America/New_York. Naive inputs
// (date-only strings) never reach this function; they are parsed directly in
// the market zone by ParseDate.
func NormalizeEST(t time.Time) time.Time {
	return t.In(nyLoc)
}

// ParseDate parses a date or timestamp string. Date-only values are
// interpreted as America/New_York wall time; RFC 3339 values are converted.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, nyLoc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, nyLoc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("marketdata: parse date %q: %w", s, err)
	}
	return NormalizeEST(t), nil
}

// barQuerySpec is the fully-resolved input to the SQL builder: columns
// already filtered against the allow-list, min_bars already clamped, dates
// already normalised.
type barQuerySpec struct {
	tf            timeframe.Timeframe
	columns       []string
	minBars       int
	tickers       []string
	extendedHours bool
	start, end    *time.Time
}

// filterColumns projects the requested columns against the closed allow-list,
// preserving the caller's order. An empty survivor set fails with
// domain.ErrEmptyProjection.
func filterColumns(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), domain.DefaultBarColumns...), nil
	}
	allowed := make(map[string]bool, len(domain.BarColumns))
	for _, c := range domain.BarColumns {
		allowed[c] = true
	}
	var out []string
	for _, c := range requested {
		if allowed[c] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrBadColumn, domain.ErrEmptyProjection)
	}
	return out, nil
}

// extendedHoursClause restricts 1-minute base rows to regular trading hours:
// [09:30, 16:00) America/New_York wall time, weekdays only. Aggregates built
// on ohlcv_1d ignore extended_hours, matching the upstream behaviour.
const extendedHoursClause = `
      AND (o.timestamp AT TIME ZONE 'America/New_York')::time >= TIME '09:30'
      AND (o.timestamp AT TIME ZONE 'America/New_York')::time < TIME '16:00'
      AND EXTRACT(DOW FROM o.timestamp AT TIME ZONE 'America/New_York') BETWEEN 1 AND 5`

// buildBarSQL emits one parameterised statement for the spec. All dynamic
// values are bound via placeholders; the table name and interval unit come
// from the timeframe parser's closed allow-list.
func buildBarSQL(spec barQuerySpec) (string, []any, error) {
	if len(spec.columns) == 0 {
		return "", nil, domain.ErrEmptyProjection
	}

	var (
		sb   strings.Builder
		args []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var baseWhere strings.Builder
	baseWhere.WriteString("    WHERE 1=1")
	if len(spec.tickers) > 0 {
		baseWhere.WriteString("\n      AND o.ticker = ANY(" + next(spec.tickers) + ")")
	}
	if !spec.extendedHours && spec.tf.Table == domain.TableOHLCV1m {
		baseWhere.WriteString(extendedHoursClause)
	}

	if spec.tf.Direct {
		sb.WriteString("WITH base AS (\n")
		sb.WriteString("    SELECT o.ticker,\n")
		sb.WriteString("           EXTRACT(EPOCH FROM o.timestamp)::bigint AS ts,\n")
		sb.WriteString("           (o.open / 1000.0)::float8 AS open,\n")
		sb.WriteString("           (o.high / 1000.0)::float8 AS high,\n")
		sb.WriteString("           (o.low / 1000.0)::float8 AS low,\n")
		sb.WriteString("           (o.close / 1000.0)::float8 AS close,\n")
		sb.WriteString("           o.volume,\n")
		sb.WriteString("           o.transactions\n")
		sb.WriteString("    FROM " + spec.tf.Table + " o\n")
		sb.WriteString(baseWhere.String())
		sb.WriteString("\n)")
	} else {
		sb.WriteString("WITH agg AS (\n")
		sb.WriteString("    SELECT o.ticker,\n")
		sb.WriteString("           time_bucket(INTERVAL '" + spec.tf.Interval() + "', o.timestamp AT TIME ZONE 'America/New_York') AS bucket_ts,\n")
		sb.WriteString("           first(o.open / 1000.0, o.timestamp)::float8 AS open,\n")
		sb.WriteString("           max(o.high / 1000.0)::float8 AS high,\n")
		sb.WriteString("           min(o.low / 1000.0)::float8 AS low,\n")
		sb.WriteString("           last(o.close / 1000.0, o.timestamp)::float8 AS close,\n")
		sb.WriteString("           sum(o.volume)::bigint AS volume,\n")
		sb.WriteString("           sum(o.transactions)::bigint AS transactions\n")
		sb.WriteString("    FROM " + spec.tf.Table + " o\n")
		sb.WriteString(baseWhere.String())
		sb.WriteString("\n    GROUP BY o.ticker, bucket_ts\n")
		sb.WriteString("), base AS (\n")
		sb.WriteString("    SELECT ticker,\n")
		sb.WriteString("           EXTRACT(EPOCH FROM (bucket_ts AT TIME ZONE 'America/New_York'))::bigint AS ts,\n")
		sb.WriteString("           open, high, low, close, volume, transactions\n")
		sb.WriteString("    FROM agg\n")
		sb.WriteString(")")
	}

	proj := projection(spec.columns)

	if spec.start != nil && spec.end != nil {
		// Date-range mode: in-range rows plus up to min_bars-1 pre-roll rows
		// per ticker so window calculations anchored at the first in-range
		// bar have enough history.
		startPh := next(spec.start.Unix())
		endPh := next(spec.end.Unix())
		prerollPh := next(spec.minBars - 1)
		sb.WriteString(", in_range AS (\n")
		sb.WriteString("    SELECT b.* FROM base b WHERE b.ts >= " + startPh + " AND b.ts <= " + endPh + "\n")
		sb.WriteString("), preroll AS (\n")
		sb.WriteString("    SELECT ticker, ts, open, high, low, close, volume, transactions FROM (\n")
		sb.WriteString("        SELECT b.*, ROW_NUMBER() OVER (PARTITION BY b.ticker ORDER BY b.ts DESC) AS rn\n")
		sb.WriteString("        FROM base b WHERE b.ts < " + startPh + "\n")
		sb.WriteString("    ) p WHERE p.rn <= " + prerollPh + "\n")
		sb.WriteString(")\n")
		sb.WriteString("SELECT " + proj + " FROM (\n")
		sb.WriteString("    SELECT * FROM in_range UNION ALL SELECT * FROM preroll\n")
		sb.WriteString(") u\n")
		sb.WriteString("ORDER BY ticker, ts ASC")
	} else {
		// Realtime mode: latest min_bars per ticker, dropping tickers with
		// insufficient history entirely.
		minBarsPh := next(spec.minBars)
		sb.WriteString(", ranked AS (\n")
		sb.WriteString("    SELECT b.*,\n")
		sb.WriteString("           ROW_NUMBER() OVER (PARTITION BY b.ticker ORDER BY b.ts DESC) AS rn,\n")
		sb.WriteString("           COUNT(*) OVER (PARTITION BY b.ticker) AS total_bars\n")
		sb.WriteString("    FROM base b\n")
		sb.WriteString(")\n")
		sb.WriteString("SELECT " + proj + " FROM ranked\n")
		sb.WriteString("WHERE rn <= " + minBarsPh + " AND total_bars >= " + minBarsPh + "\n")
		sb.WriteString("ORDER BY ticker, ts DESC")
	}

	return sb.String(), args, nil
}

// projection renders the outer column list, mapping the user-visible
// "timestamp" column back onto the epoch alias.
func projection(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		if c == "timestamp" {
			parts[i] = "ts AS timestamp"
		} else {
			parts[i] = c
		}
	}
	return strings.Join(parts, ", ")
}
