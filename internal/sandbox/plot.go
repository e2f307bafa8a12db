package sandbox

import (
	"fmt"
	"regexp"
	"sync"

	"go.starlark.net/starlark"
)

// Trace is one serialised data series of a captured plot.
type Trace struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	X     []any  `json:"x,omitempty"`
	Y     []any  `json:"y,omitempty"`
	Open  []any  `json:"open,omitempty"`
	High  []any  `json:"high,omitempty"`
	Low   []any  `json:"low,omitempty"`
	Close []any  `json:"close,omitempty"`
}

// PlotRecord is the structured artifact emitted instead of rendering a
// figure. PlotID is monotonic within one execution.
type PlotRecord struct {
	PlotID      int     `json:"plotID"`
	Title       string  `json:"title"`
	TitleTicker string  `json:"titleTicker,omitempty"`
	XAxisTitle  string  `json:"xaxis_title,omitempty"`
	YAxisTitle  string  `json:"yaxis_title,omitempty"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Traces      []Trace `json:"traces"`
	Image       string  `json:"image,omitempty"` // base64 PNG when rendered
}

// titleTickerPattern matches a leading [TICKER] prefix: uppercase, at most
// ten characters.
var titleTickerPattern = regexp.MustCompile(`^\[([A-Z]{1,10})\]\s*`)

// plotSink collects captured figures for one execution.
type plotSink struct {
	mu     sync.Mutex
	nextID int
	plots  []PlotRecord
}

func (s *plotSink) capture(rec PlotRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.PlotID = s.nextID
	s.nextID++
	s.plots = append(s.plots, rec)
	return rec.PlotID
}

func (s *plotSink) records() []PlotRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PlotRecord(nil), s.plots...)
}

// splitTitleTicker extracts a leading [TICKER] prefix from a figure title
// into a separate field, stripping it from the display title.
func splitTitleTicker(title string) (clean, ticker string) {
	m := titleTickerPattern.FindStringSubmatch(title)
	if m == nil {
		return title, ""
	}
	return title[len(m[0]):], m[1]
}

// figureValue is the plotting facade injected into the sandbox. Instead of
// rendering, show() serialises the figure through the sink.
type figureValue struct {
	sink   *plotSink
	title  string
	xTitle string
	yTitle string
	width  int
	height int
	traces []Trace
	shown  bool
}

var (
	_ starlark.Value    = (*figureValue)(nil)
	_ starlark.HasAttrs = (*figureValue)(nil)
)

func (f *figureValue) String() string        { return fmt.Sprintf("<figure %q>", f.title) }
func (f *figureValue) Type() string          { return "figure" }
func (f *figureValue) Freeze()               {}
func (f *figureValue) Truth() starlark.Bool  { return starlark.True }
func (f *figureValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: figure") }

func (f *figureValue) AttrNames() []string {
	return []string{"add_trace", "update_layout", "show"}
}

func (f *figureValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "add_trace":
		return starlark.NewBuiltin("add_trace", f.addTrace), nil
	case "update_layout":
		return starlark.NewBuiltin("update_layout", f.updateLayout), nil
	case "show":
		return starlark.NewBuiltin("show", f.show), nil
	}
	return nil, nil
}

func (f *figureValue) addTrace(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		traceType            string
		name                 string
		x, y, op, hi, lo, cl starlark.Value
	)
	if err := starlark.UnpackArgs("add_trace", args, kwargs,
		"type", &traceType, "name?", &name,
		"x?", &x, "y?", &y,
		"open?", &op, "high?", &hi, "low?", &lo, "close?", &cl,
	); err != nil {
		return nil, err
	}
	f.traces = append(f.traces, Trace{
		Type: traceType, Name: name,
		X: decodeSeries(x), Y: decodeSeries(y),
		Open: decodeSeries(op), High: decodeSeries(hi),
		Low: decodeSeries(lo), Close: decodeSeries(cl),
	})
	return starlark.None, nil
}

func (f *figureValue) updateLayout(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("update_layout", args, kwargs,
		"title?", &f.title, "xaxis_title?", &f.xTitle, "yaxis_title?", &f.yTitle,
		"width?", &f.width, "height?", &f.height,
	); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (f *figureValue) show(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("show", args, kwargs); err != nil {
		return nil, err
	}
	if f.shown {
		return starlark.None, nil
	}
	f.shown = true

	title, ticker := splitTitleTicker(f.title)
	f.sink.capture(PlotRecord{
		Title:       title,
		TitleTicker: ticker,
		XAxisTitle:  f.xTitle,
		YAxisTitle:  f.yTitle,
		Width:       f.width,
		Height:      f.height,
		Traces:      f.traces,
	})
	return starlark.None, nil
}

// decodeSeries converts a Starlark sequence into a native number/string
// list. Captured plot arrays contain only native values, never host types.
func decodeSeries(v starlark.Value) []any {
	if v == nil || v == starlark.None {
		return nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return []any{normalizeValue(v)}
	}
	var out []any
	it := iterable.Iterate()
	defer it.Done()
	var item starlark.Value
	for it.Next(&item) {
		out = append(out, normalizeValue(item))
	}
	return out
}

// newFigureBuiltin returns the figure() constructor bound to the execution's
// plot sink.
func newFigureBuiltin(sink *plotSink) *starlark.Builtin {
	return starlark.NewBuiltin("figure", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		fig := &figureValue{sink: sink, width: 800, height: 600}
		if err := starlark.UnpackArgs("figure", args, kwargs,
			"title?", &fig.title, "xaxis_title?", &fig.xTitle, "yaxis_title?", &fig.yTitle,
			"width?", &fig.width, "height?", &fig.height,
		); err != nil {
			return nil, err
		}
		return fig, nil
	})
}
