package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/quantora/strategyworker/internal/script"
)

// ErrorInfo is the classified failure context returned alongside the error
// message so callers can point users at the offending line.
type ErrorInfo struct {
	ErrorType     string `json:"error_type"`
	ErrorMessage  string `json:"error_message"`
	LineNumber    int    `json:"line_number"`
	CodeContext   string `json:"code_context"`
	FullTraceback string `json:"full_traceback"`
}

// extractErrorInfo classifies a sandbox failure and pulls the failing line
// plus a ±3-line context window from the user source.
func extractErrorInfo(err error, src string) *ErrorInfo {
	info := &ErrorInfo{
		ErrorType:    "ExecutionError",
		ErrorMessage: err.Error(),
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		info.ErrorType = "EvalError"
		info.ErrorMessage = evalErr.Msg
		info.FullTraceback = evalErr.Backtrace()
		// Innermost frame in the user source wins.
		for i := len(evalErr.CallStack) - 1; i >= 0; i-- {
			frame := evalErr.CallStack[i]
			if frame.Pos.Filename() == script.Filename {
				info.LineNumber = int(frame.Pos.Line)
				break
			}
		}
	}

	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		info.ErrorType = "SyntaxError"
		info.ErrorMessage = syntaxErr.Msg
		info.LineNumber = int(syntaxErr.Pos.Line)
	}

	// Cooperative cancellation surfaces as an EvalError carrying the cancel
	// reason; reclassify so callers can tell a timeout from a real failure.
	switch {
	case strings.Contains(info.ErrorMessage, "execution timed out"):
		info.ErrorType = "TimeoutError"
	case strings.Contains(info.ErrorMessage, "execution cancelled"):
		info.ErrorType = "Cancelled"
	}

	if info.LineNumber > 0 {
		info.CodeContext = codeContext(src, info.LineNumber, 3)
	}
	return info
}

// codeContext renders the failing line with radius lines of surrounding
// source, marking the failing line.
func codeContext(src string, line, radius int) string {
	lines := strings.Split(src, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	start := line - 1 - radius
	if start < 0 {
		start = 0
	}
	end := line + radius
	if end > len(lines) {
		end = len(lines)
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		marker := "  "
		if i == line-1 {
			marker = "> "
		}
		fmt.Fprintf(&sb, "%s%4d | %s\n", marker, i+1, lines[i])
	}
	return strings.TrimRight(sb.String(), "\n")
}
