// Package script performs static analysis of strategy source: security
// checks, compliance checks on the entry point, and extraction of the
// structural metadata that drives validation sizing and alert scheduling.
//
// Strategies are written in Starlark. The Python-era import statement maps
// onto load("module", ...) with the same allow-list semantics.
package script

import (
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/syntax"

	"github.com/quantora/strategyworker/internal/domain"
)

// Filename used for parsed and executed strategy source. The sandbox matches
// this when extracting error frames.
const Filename = "strategy.star"

// FileOptions is the dialect accepted from users: sets, while loops,
// top-level control flow and reassignment, bounded recursion.
var FileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// allowedModules is the load() allow-list: numeric, date/time, plotting and
// pure-computation modules only.
var allowedModules = map[string]bool{
	"math":       true,
	"time":       true,
	"json":       true,
	"plot":       true,
	"statistics": true,
}

// moduleAliases resolves common short names to canonical module names before
// the allow-list check.
var moduleAliases = map[string]string{
	"np": "numpy",
	"pd": "pandas",
	"px": "plotly",
	"plt": "matplotlib",
}

// forbiddenCalls are call targets that would amount to code execution,
// filesystem access, reflection, or system control.
var forbiddenCalls = map[string]bool{
	"exec": true, "eval": true, "compile": true, "open": true,
	"input": true, "__import__": true, "getattr": true, "setattr": true,
	"delattr": true, "globals": true, "locals": true, "vars": true,
	"dir": true, "breakpoint": true, "exit": true, "quit": true,
	"system": true, "popen": true, "spawn": true,
}

// forbiddenAttrs is the closed set of dangerous introspection attributes.
var forbiddenAttrs = map[string]bool{
	"__globals__": true, "__code__": true, "__class__": true,
	"__dict__": true, "__bases__": true, "__subclasses__": true,
	"__mro__": true, "__closure__": true, "__builtins__": true,
	"__getattribute__": true, "__reduce__": true,
}

// reservedNames may not be redefined as functions; they are part of the
// injected accessor and module surface.
var reservedNames = map[string]bool{
	"get_bar_data": true, "get_general_data": true,
	"generate_equity_curve": true, "figure": true,
	"math": true, "time": true, "json": true, "plot": true,
	"list": true, "print": true,
}

// dynamicImportPattern catches string-assembled dynamic imports of os/sys
// that the syntax tree cannot see.
var dynamicImportPattern = regexp.MustCompile(`__import__\s*\(\s*["'](os|sys)`)

// Validator runs the two-stage static analysis pass.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate parses the source once, runs the security stage, the compliance
// stage, and metadata extraction on the same tree. A *domain.SecurityError or
// *domain.ComplianceError is returned on the first violation; the code must
// never execute when either is non-nil.
func (v *Validator) Validate(src string) (*domain.StrategyMetadata, error) {
	f, err := FileOptions.Parse(Filename, src, 0)
	if err != nil {
		return nil, &domain.ComplianceError{Message: fmt.Sprintf("syntax error: %v", err)}
	}

	if err := checkRawText(src); err != nil {
		return nil, err
	}
	if err := checkSecurity(f); err != nil {
		return nil, err
	}
	if err := checkCompliance(f); err != nil {
		return nil, err
	}
	return extractMetadata(f), nil
}

// checkRawText scans the raw source for string-assembled dynamic imports,
// skipping comments and triple-quoted blocks.
func checkRawText(src string) error {
	stripped := stripCommentsAndDocstrings(src)
	for i, line := range strings.Split(stripped, "\n") {
		if dynamicImportPattern.MatchString(line) {
			m := dynamicImportPattern.FindStringSubmatch(line)
			return &domain.SecurityError{
				Line:    i + 1,
				Message: "Import of forbidden module: " + m[1],
			}
		}
	}
	return nil
}

// stripCommentsAndDocstrings blanks out # comments and triple-quoted string
// blocks while preserving line structure so reported line numbers stay
// accurate.
func stripCommentsAndDocstrings(src string) string {
	var out strings.Builder
	inTriple := false
	var tripleQuote string

	for _, line := range strings.Split(src, "\n") {
		if inTriple {
			if idx := strings.Index(line, tripleQuote); idx >= 0 {
				inTriple = false
				line = line[idx+3:]
			} else {
				out.WriteString("\n")
				continue
			}
		}
		var kept strings.Builder
		i := 0
		var quote byte
		for i < len(line) {
			c := line[i]
			switch {
			case quote != 0:
				if c == '\\' && i+1 < len(line) {
					kept.WriteByte(c)
					kept.WriteByte(line[i+1])
					i += 2
					continue
				}
				if c == quote {
					quote = 0
				}
				kept.WriteByte(c)
			case c == '"' || c == '\'':
				if i+2 < len(line) && line[i+1] == c && line[i+2] == c {
					tripleQuote = string([]byte{c, c, c})
					if idx := strings.Index(line[i+3:], tripleQuote); idx >= 0 {
						i += 3 + idx + 3
						continue
					}
					inTriple = true
					i = len(line)
					continue
				}
				quote = c
				kept.WriteByte(c)
			case c == '#':
				i = len(line)
				continue
			default:
				kept.WriteByte(c)
			}
			i++
		}
		out.WriteString(kept.String())
		out.WriteString("\n")
	}
	return out.String()
}

// checkSecurity walks the tree rejecting forbidden loads, calls, attributes
// and function redefinitions.
func checkSecurity(f *syntax.File) error {
	var violation error
	syntax.Walk(f, func(n syntax.Node) bool {
		if violation != nil {
			return false
		}
		switch node := n.(type) {
		case *syntax.LoadStmt:
			module := loadModuleName(node)
			canonical := module
			if alias, ok := moduleAliases[module]; ok {
				canonical = alias
			}
			if !allowedModules[canonical] {
				violation = &domain.SecurityError{
					Line:    lineOf(node),
					Message: "Import of forbidden module: " + canonical,
				}
				return false
			}
		case *syntax.CallExpr:
			if ident, ok := node.Fn.(*syntax.Ident); ok && forbiddenCalls[ident.Name] {
				violation = &domain.SecurityError{
					Line:    lineOf(node),
					Message: "Call to forbidden function: " + ident.Name,
				}
				return false
			}
		case *syntax.DotExpr:
			if forbiddenAttrs[node.Name.Name] {
				violation = &domain.SecurityError{
					Line:    lineOf(node),
					Message: "Access to forbidden attribute: " + node.Name.Name,
				}
				return false
			}
		case *syntax.DefStmt:
			if reservedNames[node.Name.Name] {
				violation = &domain.SecurityError{
					Line:    lineOf(node),
					Message: "Redefinition of reserved name: " + node.Name.Name,
				}
				return false
			}
		}
		return true
	})
	return violation
}

// checkCompliance enforces the entry-point shape: exactly one top-level
// strategy function, zero parameters, at least one non-None return.
func checkCompliance(f *syntax.File) error {
	var strategyDefs []*syntax.DefStmt
	for _, stmt := range f.Stmts {
		def, ok := stmt.(*syntax.DefStmt)
		if !ok {
			continue
		}
		switch {
		case def.Name.Name == "strategy":
			strategyDefs = append(strategyDefs, def)
		case def.Name.Name == "classify_symbol":
			return &domain.ComplianceError{
				Line:    lineOf(def),
				Message: "legacy entry point classify_symbol is no longer supported; define strategy() instead",
			}
		case strings.HasPrefix(def.Name.Name, "run_"):
			return &domain.ComplianceError{
				Line:    lineOf(def),
				Message: fmt.Sprintf("legacy entry point %s is no longer supported; define strategy() instead", def.Name.Name),
			}
		}
	}

	if len(strategyDefs) == 0 {
		return &domain.ComplianceError{Message: "strategy source must define exactly one function named strategy"}
	}
	if len(strategyDefs) > 1 {
		return &domain.ComplianceError{
			Line:    lineOf(strategyDefs[1]),
			Message: fmt.Sprintf("strategy source must define exactly one function named strategy; found %d", len(strategyDefs)),
		}
	}

	def := strategyDefs[0]
	if n := len(def.Params); n > 0 {
		return &domain.ComplianceError{
			Line:    lineOf(def),
			Message: fmt.Sprintf("strategy() must take no parameters; found %d", n),
		}
	}

	returns := collectReturns(def)
	if len(returns) == 0 {
		return &domain.ComplianceError{
			Line:    lineOf(def),
			Message: "strategy() must contain at least one return statement",
		}
	}
	for _, ret := range returns {
		if isNoneReturn(ret) {
			return &domain.ComplianceError{
				Line:    lineOf(ret),
				Message: "strategy() must not return None; return a list of instance dicts",
			}
		}
	}
	return nil
}

// collectReturns gathers return statements belonging to the given function,
// excluding nested function bodies.
func collectReturns(def *syntax.DefStmt) []*syntax.ReturnStmt {
	var out []*syntax.ReturnStmt
	for _, stmt := range def.Body {
		syntax.Walk(stmt, func(n syntax.Node) bool {
			switch node := n.(type) {
			case *syntax.DefStmt:
				return false
			case *syntax.LambdaExpr:
				return false
			case *syntax.ReturnStmt:
				out = append(out, node)
			}
			return true
		})
	}
	return out
}

func isNoneReturn(ret *syntax.ReturnStmt) bool {
	if ret.Result == nil {
		return true
	}
	ident, ok := ret.Result.(*syntax.Ident)
	return ok && ident.Name == "None"
}

func loadModuleName(l *syntax.LoadStmt) string {
	if l.Module == nil {
		return ""
	}
	if s, ok := l.Module.Value.(string); ok {
		return s
	}
	return strings.Trim(l.Module.Raw, `"'`)
}

func lineOf(n syntax.Node) int {
	start, _ := n.Span()
	return int(start.Line)
}
