package domain

// Instance is a single output record produced by a strategy: a
// (ticker, timestamp) event plus strategy-defined fields. All values have
// been normalised to JSON-serialisable types by the sandbox before an
// Instance leaves the execution boundary.
type Instance map[string]any

// Ticker returns the instance's ticker, or "" if absent or not a string.
func (in Instance) Ticker() string {
	s, _ := in["ticker"].(string)
	return s
}

// Timestamp returns the instance's Unix-seconds timestamp, or 0.
func (in Instance) Timestamp() int64 {
	switch v := in["timestamp"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Score returns the instance's score and whether one is present. Scores drive
// screening rank order and alert priority.
func (in Instance) Score() (float64, bool) {
	return in.numeric("score")
}

// SignalStrength returns the signal_strength field when present.
func (in Instance) SignalStrength() (float64, bool) {
	return in.numeric("signal_strength")
}

func (in Instance) numeric(key string) (float64, bool) {
	switch v := in[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Alert is the record produced from an instance in alert mode.
type Alert struct {
	Symbol    string   `json:"symbol"`
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
	Data      Instance `json:"data"`
	Priority  string   `json:"priority"`
}
