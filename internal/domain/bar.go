// Package domain defines the core types and store interfaces shared across
// the strategy execution worker.
package domain

import "time"

// Bar table base tables. All user-visible timeframes resolve to one of these.
const (
	TableOHLCV1m = "ohlcv_1m"
	TableOHLCV1d = "ohlcv_1d"
)

// BarColumns is the closed allow-list for bar query projections.
var BarColumns = []string{"ticker", "timestamp", "open", "high", "low", "close", "volume", "transactions"}

// DefaultBarColumns is the projection used when the caller does not request
// specific columns.
var DefaultBarColumns = []string{"ticker", "timestamp", "open", "high", "low", "close", "volume"}

// BarQuery describes one get_bar_data request.
type BarQuery struct {
	Timeframe     string
	Columns       []string
	MinBars       int
	Filters       *SecurityFilter
	AggregateMode bool
	ExtendedHours bool
	StartDate     *time.Time
	EndDate       *time.Time
}

// BarTable is a rectangular, column-major result set. Data[i] holds the
// values of Columns[i]; every column slice has the same length.
type BarTable struct {
	Columns []string
	Data    [][]any
}

// NewBarTable creates an empty table with the given column layout.
func NewBarTable(columns []string) *BarTable {
	t := &BarTable{
		Columns: make([]string, len(columns)),
		Data:    make([][]any, len(columns)),
	}
	copy(t.Columns, columns)
	return t
}

// NumRows returns the number of bars in the table.
func (t *BarTable) NumRows() int {
	if len(t.Data) == 0 {
		return 0
	}
	return len(t.Data[0])
}

// AppendRow appends one bar. The values must be in column order; mismatched
// lengths are ignored to keep the table rectangular.
func (t *BarTable) AppendRow(values []any) {
	if len(values) != len(t.Columns) {
		return
	}
	for i, v := range values {
		t.Data[i] = append(t.Data[i], v)
	}
}

// Extend appends all rows of other. Column layouts must match; tables with a
// different layout are ignored.
func (t *BarTable) Extend(other *BarTable) {
	if other == nil || len(other.Columns) != len(t.Columns) {
		return
	}
	for i := range t.Columns {
		if other.Columns[i] != t.Columns[i] {
			return
		}
	}
	for i := range t.Data {
		t.Data[i] = append(t.Data[i], other.Data[i]...)
	}
}

// Column returns the values of the named column, or nil if absent.
func (t *BarTable) Column(name string) []any {
	for i, c := range t.Columns {
		if c == name {
			return t.Data[i]
		}
	}
	return nil
}
