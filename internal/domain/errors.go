package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrBadTimeframe       = errors.New("invalid timeframe")
	ErrBadColumn          = errors.New("invalid column")
	ErrEmptyProjection    = errors.New("no columns survive projection")
	ErrNoSubscribers      = errors.New("no subscribers on status channel")
	ErrCancelled          = errors.New("task cancelled")
	ErrNoStrategyFunction = errors.New("no strategy function found")
	ErrNoTickers          = errors.New("no tickers available for validation")
)

// SecurityError reports a forbidden construct found during static analysis of
// strategy source. The code is never executed when one is raised.
type SecurityError struct {
	Line    int
	Message string
}

func (e *SecurityError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("security violation at line %d: %s", e.Line, e.Message)
	}
	return "security violation: " + e.Message
}

// ComplianceError reports a strategy that is safe but structurally invalid:
// missing or mis-shaped entry point, legacy names, void returns.
type ComplianceError struct {
	Line    int
	Message string
}

func (e *ComplianceError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("compliance violation at line %d: %s", e.Line, e.Message)
	}
	return "compliance violation: " + e.Message
}
