package sandbox

import (
	"fmt"
	"sort"
	"strings"
	"time"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"

	"github.com/quantora/strategyworker/internal/domain"
	"github.com/quantora/strategyworker/internal/marketdata"
)

// newBarDataBuiltin binds get_bar_data to the execution's context and data
// source. The result is a column-major dict of column name to value list.
func (e *execEnv) newBarDataBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("get_bar_data", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			tf            string
			columns       starlark.Value
			minBars       = 1
			filters       starlark.Value
			aggregateMode bool
			extendedHours bool
			startDate     starlark.Value
			endDate       starlark.Value
		)
		if err := starlark.UnpackArgs("get_bar_data", args, kwargs,
			"timeframe", &tf,
			"columns?", &columns,
			"min_bars?", &minBars,
			"filters?", &filters,
			"aggregate_mode?", &aggregateMode,
			"extended_hours?", &extendedHours,
			"start_date?", &startDate,
			"end_date?", &endDate,
		); err != nil {
			return nil, err
		}

		q := domain.BarQuery{
			Timeframe:     tf,
			Columns:       stringSlice(columns),
			MinBars:       minBars,
			AggregateMode: aggregateMode,
			ExtendedHours: extendedHours,
		}
		f, err := decodeFilters(filters)
		if err != nil {
			return nil, err
		}
		q.Filters = f

		start, err := decodeDate(startDate)
		if err != nil {
			return nil, err
		}
		end, err := decodeDate(endDate)
		if err != nil {
			return nil, err
		}
		// The engine's execution context supplies the date window when the
		// call omits one (backtest mode).
		ec := e.provider.Current()
		if start == nil {
			start = ec.StartDate
		}
		if end == nil {
			end = ec.EndDate
		}
		q.StartDate, q.EndDate = start, end

		// Screening and alert runs scope an unfiltered call to the task's
		// symbol universe. Validation overrides even an explicit ticker
		// filter: the fast path bounds data volume to its selected symbols.
		overrideTickers := q.Filters == nil || len(q.Filters.Tickers) == 0 ||
			ec.Mode == domain.ModeValidation
		if overrideTickers && len(ec.Symbols) > 0 {
			if q.Filters == nil {
				q.Filters = &domain.SecurityFilter{}
			}
			q.Filters.Tickers = ec.Symbols
		}

		tbl, err := e.bars.GetBarData(e.ctx, q)
		if err != nil {
			return nil, fmt.Errorf("get_bar_data: %v", err)
		}
		return barTableToStarlark(tbl), nil
	})
}

// newGeneralDataBuiltin binds get_general_data. The result is a list of row
// dicts over the current securities rows.
func (e *execEnv) newGeneralDataBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("get_general_data", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			columns starlark.Value
			filters starlark.Value
		)
		if err := starlark.UnpackArgs("get_general_data", args, kwargs,
			"columns?", &columns,
			"filters?", &filters,
		); err != nil {
			return nil, err
		}

		f, err := decodeFilters(filters)
		if err != nil {
			return nil, err
		}
		rows, err := e.securities.GetGeneralData(e.ctx, domain.SecurityQuery{
			Columns: stringSlice(columns),
			Filters: f,
		})
		if err != nil {
			return nil, fmt.Errorf("get_general_data: %v", err)
		}

		out := starlark.NewList(nil)
		for _, row := range rows {
			d := starlark.NewDict(len(row))
			for k, v := range row {
				if err := d.SetKey(starlark.String(k), goToStarlark(v)); err != nil {
					return nil, err
				}
			}
			if err := out.Append(d); err != nil {
				return nil, err
			}
		}
		return out, nil
	})
}

// newEquityCurveBuiltin binds generate_equity_curve: accumulate each
// instance's profit into a per-group running curve and capture it as a line
// plot through the same sink as user figures.
func (e *execEnv) newEquityCurveBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("generate_equity_curve", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			instances   starlark.Iterable
			groupColumn string
		)
		if err := starlark.UnpackArgs("generate_equity_curve", args, kwargs,
			"instances", &instances,
			"group_column?", &groupColumn,
		); err != nil {
			return nil, err
		}

		type point struct {
			ts    int64
			delta float64
		}
		groups := map[string][]point{}
		it := instances.Iterate()
		defer it.Done()
		var item starlark.Value
		for it.Next(&item) {
			m, ok := normalizeValue(item).(map[string]any)
			if !ok {
				continue
			}
			inst := domain.Instance(m)
			group := ""
			if groupColumn != "" {
				group, _ = m[groupColumn].(string)
			}
			delta := 0.0
			for _, key := range []string{"profit", "pnl", "return_pct"} {
				if v, ok := inst[key]; ok {
					switch n := v.(type) {
					case float64:
						delta = n
					case int64:
						delta = float64(n)
					}
					break
				}
			}
			groups[group] = append(groups[group], point{ts: inst.Timestamp(), delta: delta})
		}

		names := make([]string, 0, len(groups))
		for g := range groups {
			names = append(names, g)
		}
		sort.Strings(names)

		var traces []Trace
		for _, g := range names {
			pts := groups[g]
			sort.Slice(pts, func(i, j int) bool { return pts[i].ts < pts[j].ts })
			x := make([]any, len(pts))
			y := make([]any, len(pts))
			total := 0.0
			for i, p := range pts {
				total += p.delta
				x[i] = p.ts
				y[i] = total
			}
			name := g
			if name == "" {
				name = "equity"
			}
			traces = append(traces, Trace{Type: "line", Name: name, X: x, Y: y})
		}

		e.sink.capture(PlotRecord{
			Title:      "Equity Curve",
			XAxisTitle: "timestamp",
			YAxisTitle: "cumulative",
			Width:      800,
			Height:     600,
			Traces:     traces,
		})
		return starlark.None, nil
	})
}

// decodeFilters converts a filters dict argument into a SecurityFilter.
// None and missing values are accepted; non-dict values are an error the
// user sees directly.
func decodeFilters(v starlark.Value) (*domain.SecurityFilter, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	mapping, ok := v.(starlark.IterableMapping)
	if !ok {
		return nil, fmt.Errorf("filters must be a dict, got %s", v.Type())
	}

	f := &domain.SecurityFilter{}
	for _, item := range mapping.Items() {
		key, _ := starlark.AsString(item[0])
		val := item[1]
		switch key {
		case "tickers", "ticker":
			for _, t := range stringSlice(val) {
				f.Tickers = append(f.Tickers, strings.ToUpper(t))
			}
		case "sector":
			f.Sector, _ = starlark.AsString(val)
		case "industry":
			f.Industry, _ = starlark.AsString(val)
		case "market":
			f.Market, _ = starlark.AsString(val)
		case "primary_exchange":
			f.PrimaryExchange, _ = starlark.AsString(val)
		case "active":
			b := bool(val.Truth())
			f.Active = &b
		case "market_cap_min":
			f.MarketCapMin = floatPtr(val)
		case "market_cap_max":
			f.MarketCapMax = floatPtr(val)
		case "total_employees_min":
			f.TotalEmployeesMin = floatPtr(val)
		case "total_employees_max":
			f.TotalEmployeesMax = floatPtr(val)
		case "weighted_shares_outstanding_min":
			f.WeightedSharesOutstandingMin = floatPtr(val)
		case "weighted_shares_outstanding_max":
			f.WeightedSharesOutstandingMax = floatPtr(val)
		}
	}
	return f, nil
}

// decodeDate accepts a date string or a time value.
func decodeDate(v starlark.Value) (*time.Time, error) {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case starlark.String:
		t, err := marketdata.ParseDate(string(val))
		if err != nil {
			return nil, err
		}
		return &t, nil
	case startime.Time:
		t := marketdata.NormalizeEST(time.Time(val))
		return &t, nil
	}
	return nil, fmt.Errorf("date must be a string or time, got %s", v.Type())
}

func stringSlice(v starlark.Value) []string {
	if v == nil || v == starlark.None {
		return nil
	}
	if s, ok := starlark.AsString(v); ok {
		return []string{s}
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil
	}
	var out []string
	it := iterable.Iterate()
	defer it.Done()
	var item starlark.Value
	for it.Next(&item) {
		if s, ok := starlark.AsString(item); ok {
			out = append(out, s)
		}
	}
	return out
}

func floatPtr(v starlark.Value) *float64 {
	if f, ok := starlark.AsFloat(v); ok {
		return &f
	}
	return nil
}

// barTableToStarlark renders a column-major table as {column: [values]}.
func barTableToStarlark(tbl *domain.BarTable) *starlark.Dict {
	d := starlark.NewDict(len(tbl.Columns))
	for i, col := range tbl.Columns {
		values := starlark.NewList(nil)
		for _, v := range tbl.Data[i] {
			_ = values.Append(goToStarlark(v))
		}
		_ = d.SetKey(starlark.String(col), values)
	}
	return d
}

// goToStarlark converts database values into sandbox values.
func goToStarlark(v any) starlark.Value {
	switch val := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(val)
	case int:
		return starlark.MakeInt(val)
	case int16:
		return starlark.MakeInt(int(val))
	case int32:
		return starlark.MakeInt(int(val))
	case int64:
		return starlark.MakeInt64(val)
	case float32:
		return starlark.Float(float64(val))
	case float64:
		return starlark.Float(val)
	case string:
		return starlark.String(val)
	case []byte:
		return starlark.String(string(val))
	case time.Time:
		return startime.Time(val)
	default:
		return starlark.String(fmt.Sprint(v))
	}
}
