// Package timeframe maps user-visible timeframe strings like "5m", "1d" or
// "3w" onto (bucket width, base table) pairs consumed by the bar query
// builder.
package timeframe

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/quantora/strategyworker/internal/domain"
)

// Unit is a timeframe unit from the closed grammar.
type Unit string

const (
	Minute  Unit = "m"
	Hour    Unit = "h"
	Day     Unit = "d"
	Week    Unit = "w"
	Month   Unit = "mo"
	Quarter Unit = "q"
	Year    Unit = "y"
)

var pattern = regexp.MustCompile(`^(\d+)(m|h|d|w|mo|q|y)?$`)

// approx is the approximate wall duration of one unit, used only to compare
// timeframes (min/max across extracted calls), never for bucketing.
var approx = map[Unit]time.Duration{
	Minute:  time.Minute,
	Hour:    time.Hour,
	Day:     24 * time.Hour,
	Week:    7 * 24 * time.Hour,
	Month:   30 * 24 * time.Hour,
	Quarter: 91 * 24 * time.Hour,
	Year:    365 * 24 * time.Hour,
}

// intervalUnit maps a grammar unit to the PostgreSQL interval unit name.
// Quarters are expressed in months because interval literals have no quarter
// unit.
var intervalUnit = map[Unit]string{
	Minute: "minutes",
	Hour:   "hours",
	Day:    "days",
	Week:   "weeks",
	Month:  "months",
	Year:   "years",
}

// Timeframe is a parsed timeframe string.
type Timeframe struct {
	Count int
	Unit  Unit
	// Table is the base table the timeframe aggregates over.
	Table string
	// Direct marks the two timeframes (1m, 1d) that bypass aggregation and
	// read the base table as-is.
	Direct bool
}

// Parse maps a timeframe string onto a Timeframe. A missing unit suffix is
// interpreted as minutes. Invalid input fails with domain.ErrBadTimeframe.
func Parse(tf string) (Timeframe, error) {
	m := pattern.FindStringSubmatch(tf)
	if m == nil {
		return Timeframe{}, fmt.Errorf("%w: %q", domain.ErrBadTimeframe, tf)
	}
	count, err := strconv.Atoi(m[1])
	if err != nil || count < 1 {
		return Timeframe{}, fmt.Errorf("%w: %q", domain.ErrBadTimeframe, tf)
	}
	unit := Unit(m[2])
	if unit == "" {
		unit = Minute
	}

	out := Timeframe{Count: count, Unit: unit}
	switch unit {
	case Minute, Hour:
		out.Table = domain.TableOHLCV1m
	default:
		out.Table = domain.TableOHLCV1d
	}
	out.Direct = (count == 1 && unit == Minute) || (count == 1 && unit == Day)
	return out, nil
}

// Interval renders the bucket width as a PostgreSQL interval body, e.g.
// "5 minutes" or "9 months" for 3q. Safe to embed: the unit comes from the
// closed allow-list and the count is a parsed integer.
func (t Timeframe) Interval() string {
	if t.Unit == Quarter {
		return fmt.Sprintf("%d months", t.Count*3)
	}
	return fmt.Sprintf("%d %s", t.Count, intervalUnit[t.Unit])
}

// Approx returns the approximate duration of one bucket, for ordering
// timeframes by size.
func (t Timeframe) Approx() time.Duration {
	return time.Duration(t.Count) * approx[t.Unit]
}

// String reassembles the canonical timeframe key.
func (t Timeframe) String() string {
	return fmt.Sprintf("%d%s", t.Count, t.Unit)
}
