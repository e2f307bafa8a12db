package script

import (
	"sort"
	"strings"

	"go.starlark.net/syntax"

	"github.com/quantora/strategyworker/internal/domain"
	"github.com/quantora/strategyworker/internal/timeframe"
)

const (
	defaultTimeframe = "1d"
	defaultMinBars   = 1
)

// extractMetadata fingerprints every get_bar_data call in the tree and
// derives the minimum timeframe, the maximum timeframe with its own
// min_bars, and the declared ticker universe.
func extractMetadata(f *syntax.File) *domain.StrategyMetadata {
	meta := &domain.StrategyMetadata{
		Calls:               []domain.GetBarDataCall{},
		MinTimeframe:        defaultTimeframe,
		MaxTimeframe:        defaultTimeframe,
		MaxTimeframeMinBars: defaultMinBars,
	}

	syntax.Walk(f, func(n syntax.Node) bool {
		call, ok := n.(*syntax.CallExpr)
		if !ok {
			return true
		}
		ident, ok := call.Fn.(*syntax.Ident)
		if !ok || ident.Name != "get_bar_data" {
			return true
		}
		meta.Calls = append(meta.Calls, fingerprintCall(call))
		return true
	})

	if len(meta.Calls) == 0 {
		return meta
	}

	var (
		minTF, maxTF   *timeframe.Timeframe
		maxTFMinBars   = defaultMinBars
		universe       = map[string]bool{}
		universeGlobal = false
	)
	for _, c := range meta.Calls {
		tf, err := timeframe.Parse(c.Timeframe)
		if err != nil {
			continue
		}
		if minTF == nil || tf.Approx() < minTF.Approx() {
			cp := tf
			minTF = &cp
		}
		if maxTF == nil || tf.Approx() > maxTF.Approx() {
			cp := tf
			maxTF = &cp
			maxTFMinBars = c.MinBars
		}
		if !c.FilterAnalysis.HasTickers {
			universeGlobal = true
		}
		for _, t := range c.FilterAnalysis.SpecificTickers {
			universe[t] = true
		}
	}
	if minTF != nil {
		meta.MinTimeframe = minTF.String()
	}
	if maxTF != nil {
		meta.MaxTimeframe = maxTF.String()
		meta.MaxTimeframeMinBars = maxTFMinBars
	}
	if !universeGlobal {
		meta.AlertUniverseFull = sortedKeys(universe)
	}
	return meta
}

// fingerprintCall extracts {line, timeframe, min_bars, filter_analysis} from
// one get_bar_data call. Only literals are recognised; computed arguments
// fall back to the defaults.
func fingerprintCall(call *syntax.CallExpr) domain.GetBarDataCall {
	out := domain.GetBarDataCall{
		LineNumber: lineOf(call),
		Timeframe:  defaultTimeframe,
		MinBars:    defaultMinBars,
		FilterAnalysis: domain.FilterAnalysis{
			SpecificTickers: []string{},
		},
	}

	var positional []syntax.Expr
	for _, arg := range call.Args {
		if named, ok := arg.(*syntax.BinaryExpr); ok && named.Op == syntax.EQ {
			key, ok := named.X.(*syntax.Ident)
			if !ok {
				continue
			}
			switch key.Name {
			case "timeframe":
				if s, ok := stringLiteral(named.Y); ok {
					out.Timeframe = s
				}
			case "min_bars":
				if v, ok := intLiteral(named.Y); ok {
					out.MinBars = v
				}
			case "filters":
				out.FilterAnalysis = analyzeFilters(named.Y)
			}
			continue
		}
		positional = append(positional, arg)
	}

	if len(positional) > 0 {
		if s, ok := stringLiteral(positional[0]); ok {
			out.Timeframe = s
		}
	}
	if len(positional) > 2 {
		if v, ok := intLiteral(positional[2]); ok {
			out.MinBars = v
		}
	}
	return out
}

// analyzeFilters walks a filters argument. Only dict literals contribute;
// ticker string literals under "tickers" / "ticker" keys are collected
// upper-cased.
func analyzeFilters(expr syntax.Expr) domain.FilterAnalysis {
	out := domain.FilterAnalysis{SpecificTickers: []string{}}
	dict, ok := expr.(*syntax.DictExpr)
	if !ok {
		return out
	}
	for _, item := range dict.List {
		entry, ok := item.(*syntax.DictEntry)
		if !ok {
			continue
		}
		key, ok := stringLiteral(entry.Key)
		if !ok || (key != "tickers" && key != "ticker") {
			continue
		}
		out.HasTickers = true
		switch v := entry.Value.(type) {
		case *syntax.ListExpr:
			for _, el := range v.List {
				if s, ok := stringLiteral(el); ok {
					out.SpecificTickers = append(out.SpecificTickers, strings.ToUpper(s))
				}
			}
		default:
			if s, ok := stringLiteral(entry.Value); ok {
				out.SpecificTickers = append(out.SpecificTickers, strings.ToUpper(s))
			}
		}
	}
	return out
}

func stringLiteral(expr syntax.Expr) (string, bool) {
	lit, ok := expr.(*syntax.Literal)
	if !ok || lit.Token != syntax.STRING {
		return "", false
	}
	s, ok := lit.Value.(string)
	return s, ok
}

func intLiteral(expr syntax.Expr) (int, bool) {
	lit, ok := expr.(*syntax.Literal)
	if !ok || lit.Token != syntax.INT {
		return 0, false
	}
	switch v := lit.Value.(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	// Deterministic order keeps fingerprint round-trips stable.
	sort.Strings(out)
	return out
}
