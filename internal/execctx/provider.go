// Package execctx carries the per-task execution context shared between the
// engine and the accessor closures bound into the sandbox. The engine sets
// the context before each run; interleaving runs on one provider is
// unsupported (the worker processes one task at a time).
package execctx

import (
	"sync"
	"time"
)

// Context is the execution context of one strategy run.
type Context struct {
	Mode      string
	Symbols   []string
	StartDate *time.Time
	EndDate   *time.Time
}

// Provider is the guarded holder the engine writes and accessor closures
// read.
type Provider struct {
	mu  sync.RWMutex
	ctx Context
}

// NewProvider returns an empty Provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Set replaces the current execution context.
func (p *Provider) Set(ctx Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx = ctx
}

// Current returns a copy of the current execution context.
func (p *Provider) Current() Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := p.ctx
	out.Symbols = append([]string(nil), p.ctx.Symbols...)
	return out
}

// Reset clears the context after a run completes.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx = Context{}
}
