package sandbox

import (
	"math"
	"time"

	"go.starlark.net/starlark"
	startime "go.starlark.net/lib/time"
)

// normalizeValue is the single authoritative boundary between sandbox values
// and the JSON output sum-type {null, bool, int, float, string, array,
// object}. Non-finite floats become null; time values become Unix seconds;
// anything unrecognised falls back to its string representation.
func normalizeValue(v starlark.Value) any {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(val)
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i
		}
		return val.String()
	case starlark.Float:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case starlark.String:
		return string(val)
	case startime.Time:
		return time.Time(val).Unix()
	case startime.Duration:
		return time.Duration(val).Seconds()
	case *starlark.Dict:
		return normalizeDict(val)
	case starlark.IterableMapping:
		return normalizeMapping(val)
	case starlark.Iterable:
		var out []any
		it := val.Iterate()
		defer it.Done()
		var item starlark.Value
		for it.Next(&item) {
			out = append(out, normalizeValue(item))
		}
		if out == nil {
			out = []any{}
		}
		return out
	default:
		return v.String()
	}
}

func normalizeDict(d *starlark.Dict) map[string]any {
	out := make(map[string]any, d.Len())
	for _, item := range d.Items() {
		out[keyString(item[0])] = normalizeValue(item[1])
	}
	return out
}

func normalizeMapping(m starlark.IterableMapping) map[string]any {
	out := map[string]any{}
	for _, item := range m.Items() {
		out[keyString(item[0])] = normalizeValue(item[1])
	}
	return out
}

func keyString(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}
