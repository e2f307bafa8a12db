package sandbox

import (
	"fmt"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// instanceCounter enforces the per-execution cap on total tracked-list
// growth. At 90% of the cap a single warning is emitted through warn; at
// 100% further additions are silently dropped and the limitReached flag is
// set for the engine to report.
type instanceCounter struct {
	mu           sync.Mutex
	limit        int
	count        int
	warned       bool
	limitReached bool
	warn         func(msg string)
}

func newInstanceCounter(limit int, warn func(string)) *instanceCounter {
	return &instanceCounter{limit: limit, warn: warn}
}

// allow reserves up to n additions and returns how many were granted.
func (c *instanceCounter) allow(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.limit - c.count
	granted := n
	if granted > remaining {
		granted = remaining
	}
	if granted < 0 {
		granted = 0
	}
	c.count += granted
	if granted < n {
		c.limitReached = true
	}
	if !c.warned && c.count*10 >= c.limit*9 {
		c.warned = true
		if c.warn != nil {
			c.warn(fmt.Sprintf("Warning: approaching instance limit (%d of %d)", c.count, c.limit))
		}
	}
	return granted
}

func (c *instanceCounter) reached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limitReached
}

// trackedList is the list type handed to strategies through the exposed
// list() constructor. Growth via append/extend/insert/+= counts against the
// shared instance counter; additions beyond the cap are dropped without
// raising into user code.
type trackedList struct {
	inner   *starlark.List
	counter *instanceCounter
}

var (
	_ starlark.Value       = (*trackedList)(nil)
	_ starlark.Sequence    = (*trackedList)(nil)
	_ starlark.HasSetIndex = (*trackedList)(nil)
	_ starlark.HasAttrs    = (*trackedList)(nil)
	_ starlark.HasBinary   = (*trackedList)(nil)
)

func (l *trackedList) String() string { return l.inner.String() }
func (l *trackedList) Type() string   { return "list" }
func (l *trackedList) Freeze()        { l.inner.Freeze() }

func (l *trackedList) Truth() starlark.Bool  { return l.inner.Truth() }
func (l *trackedList) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: list") }
func (l *trackedList) Len() int              { return l.inner.Len() }

func (l *trackedList) Index(i int) starlark.Value             { return l.inner.Index(i) }
func (l *trackedList) Iterate() starlark.Iterator             { return l.inner.Iterate() }
func (l *trackedList) SetIndex(i int, v starlark.Value) error { return l.inner.SetIndex(i, v) }

func (l *trackedList) AttrNames() []string { return l.inner.AttrNames() }

func (l *trackedList) Attr(name string) (starlark.Value, error) {
	switch name {
	case "append":
		return starlark.NewBuiltin("append", l.appendFn).BindReceiver(l), nil
	case "extend":
		return starlark.NewBuiltin("extend", l.extendFn).BindReceiver(l), nil
	case "insert":
		return starlark.NewBuiltin("insert", l.insertFn).BindReceiver(l), nil
	}
	return l.inner.Attr(name)
}

func (l *trackedList) appendFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs("append", args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	if l.counter.allow(1) == 1 {
		if err := l.inner.Append(v); err != nil {
			return nil, err
		}
	}
	return starlark.None, nil
}

func (l *trackedList) extendFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	if err := starlark.UnpackPositionalArgs("extend", args, kwargs, 1, &iterable); err != nil {
		return nil, err
	}
	elems := collect(iterable)
	granted := l.counter.allow(len(elems))
	for _, v := range elems[:granted] {
		if err := l.inner.Append(v); err != nil {
			return nil, err
		}
	}
	return starlark.None, nil
}

func (l *trackedList) insertFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		index int
		v     starlark.Value
	)
	if err := starlark.UnpackPositionalArgs("insert", args, kwargs, 2, &index, &v); err != nil {
		return nil, err
	}
	if l.counter.allow(1) != 1 {
		return starlark.None, nil
	}
	fn, err := l.inner.Attr("insert")
	if err != nil {
		return nil, err
	}
	return starlark.Call(thread, fn, starlark.Tuple{starlark.MakeInt(index), v}, nil)
}

// Binary implements += (and +) with the left operand tracked: additions from
// the right-hand side count against the cap and excess elements are dropped.
func (l *trackedList) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	if op != syntax.PLUS || side != starlark.Left {
		return nil, nil
	}
	iterable, ok := y.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("can only concatenate list (not %s) to list", y.Type())
	}
	elems := collect(iterable)
	granted := l.counter.allow(len(elems))

	merged := starlark.NewList(nil)
	it := l.inner.Iterate()
	defer it.Done()
	var v starlark.Value
	for it.Next(&v) {
		if err := merged.Append(v); err != nil {
			return nil, err
		}
	}
	for _, e := range elems[:granted] {
		if err := merged.Append(e); err != nil {
			return nil, err
		}
	}
	return &trackedList{inner: merged, counter: l.counter}, nil
}

func collect(iterable starlark.Iterable) []starlark.Value {
	var out []starlark.Value
	it := iterable.Iterate()
	defer it.Done()
	var v starlark.Value
	for it.Next(&v) {
		out = append(out, v)
	}
	return out
}

// newListBuiltin returns the list() constructor exposed to strategies.
// Constructor seeding is not counted; only growth operations are.
func newListBuiltin(counter *instanceCounter) *starlark.Builtin {
	return starlark.NewBuiltin("list", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var iterable starlark.Iterable
		if err := starlark.UnpackArgs("list", args, kwargs, "iterable?", &iterable); err != nil {
			return nil, err
		}
		inner := starlark.NewList(nil)
		if iterable != nil {
			for _, v := range collect(iterable) {
				if err := inner.Append(v); err != nil {
					return nil, err
				}
			}
		}
		return &trackedList{inner: inner, counter: counter}, nil
	})
}
