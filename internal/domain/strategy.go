package domain

import "time"

// Strategy is a persisted strategy version. Versions are append-only: each
// edit inserts a new row with version = max(prior)+1 under the same
// (userid, name); old versions remain readable.
type Strategy struct {
	StrategyID        int64
	UserID            int64
	Name              string
	Description       string
	Prompt            string
	Code              string
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	AlertActive       bool
	Score             float64
	MinTimeframe      string
	AlertUniverseFull []string // nil means global universe
}

// FilterAnalysis summarises the filters argument of one get_bar_data call.
type FilterAnalysis struct {
	HasTickers      bool     `json:"has_tickers"`
	SpecificTickers []string `json:"specific_tickers"`
}

// GetBarDataCall is the fingerprint of one get_bar_data call extracted from
// the strategy source.
type GetBarDataCall struct {
	LineNumber     int            `json:"line_number"`
	Timeframe      string         `json:"timeframe"`
	MinBars        int            `json:"min_bars"`
	FilterAnalysis FilterAnalysis `json:"filter_analysis"`
}

// StrategyMetadata is derived from the full set of extracted call
// fingerprints and drives validation sizing and alert-scope registration.
type StrategyMetadata struct {
	Calls               []GetBarDataCall `json:"calls"`
	MinTimeframe        string           `json:"min_timeframe"`
	MaxTimeframe        string           `json:"max_timeframe"`
	MaxTimeframeMinBars int              `json:"max_timeframe_min_bars"`
	// AlertUniverseFull is the union of all extracted tickers; nil when any
	// call's filters omit tickers (global universe).
	AlertUniverseFull []string `json:"alert_universe_full"`
}

// Execution is one persisted execution artifact row.
type Execution struct {
	UserID       int64
	Prompt       string
	Code         string
	ExecutionID  string
	Result       map[string]any
	Prints       string
	Plots        any
	Images       []string
	ErrorMessage string
	CreatedAt    time.Time
}
