// Package worker implements the worker node: blob execution over a bounded
// pool plus in-process stateful instances.
package worker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Func is a callable registered under a name. Args arrive positionally,
// kwargs by key; both stay raw JSON until the function decodes them.
type Func func(args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error)

// Instance is a stateful object created by create_instance and driven by
// call_method. Implementations serialize their own mutation if they need to.
type Instance interface {
	Call(method string, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error)
}

// Constructor builds an Instance from create_instance arguments.
type Constructor func(args []json.RawMessage, kwargs map[string]json.RawMessage) (Instance, error)

// FuncRegistry resolves envelope func/klass names to process-local code.
// Blobs carry names, not code; anything not registered fails at the task
// level.
type FuncRegistry struct {
	mu      sync.RWMutex
	funcs   map[string]Func
	classes map[string]Constructor
}

// NewFuncRegistry returns a registry preloaded with the built-ins.
func NewFuncRegistry() *FuncRegistry {
	r := &FuncRegistry{
		funcs:   map[string]Func{},
		classes: map[string]Constructor{},
	}
	r.RegisterFunc("echo", builtinEcho)
	r.RegisterFunc("sleep", builtinSleep)
	r.RegisterFunc("sum", builtinSum)
	r.RegisterFunc("fail", builtinFail)
	r.RegisterClass("counter", newCounter)
	return r
}

// RegisterFunc makes fn callable as name. Later registrations win.
func (r *FuncRegistry) RegisterFunc(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// RegisterClass makes ctor constructible as name.
func (r *FuncRegistry) RegisterClass(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[name] = ctor
}

// Func looks up a registered function.
func (r *FuncRegistry) Func(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Class looks up a registered constructor.
func (r *FuncRegistry) Class(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.classes[name]
	return ctor, ok
}

func builtinEcho(args []json.RawMessage, _ map[string]json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return args, nil
}

func builtinSleep(args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error) {
	var secs float64
	raw, ok := kwargs["seconds"]
	if !ok && len(args) > 0 {
		raw = args[0]
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &secs); err != nil {
			return nil, fmt.Errorf("sleep: seconds must be a number: %w", err)
		}
	}
	if secs < 0 {
		return nil, fmt.Errorf("sleep: negative duration %v", secs)
	}
	time.Sleep(time.Duration(secs * float64(time.Second)))
	return secs, nil
}

func builtinSum(args []json.RawMessage, _ map[string]json.RawMessage) (any, error) {
	var total float64
	for i, raw := range args {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("sum: arg %d is not a number: %w", i, err)
		}
		total += v
	}
	return total, nil
}

func builtinFail(args []json.RawMessage, _ map[string]json.RawMessage) (any, error) {
	msg := "task failed"
	if len(args) > 0 {
		var s string
		if err := json.Unmarshal(args[0], &s); err == nil && s != "" {
			msg = s
		}
	}
	return nil, fmt.Errorf("%s", msg)
}

// counter is the reference stateful instance: an additive register.
type counter struct {
	mu    sync.Mutex
	value float64
}

func newCounter(args []json.RawMessage, _ map[string]json.RawMessage) (Instance, error) {
	c := &counter{}
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &c.value); err != nil {
			return nil, fmt.Errorf("counter: initial value must be a number: %w", err)
		}
	}
	return c, nil
}

func (c *counter) Call(method string, args []json.RawMessage, _ map[string]json.RawMessage) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch method {
	case "add":
		delta := 1.0
		if len(args) > 0 {
			if err := json.Unmarshal(args[0], &delta); err != nil {
				return nil, fmt.Errorf("counter.add: delta must be a number: %w", err)
			}
		}
		c.value += delta
		return c.value, nil
	case "value":
		return c.value, nil
	case "reset":
		c.value = 0
		return c.value, nil
	}
	return nil, fmt.Errorf("counter: unknown method %q", method)
}
