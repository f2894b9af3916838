package transform

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/caselens/loom/pkg/pipeline"
)

// removedGlobals are host-environment globals a transform script must not
// reach.
var removedGlobals = []string{
	"require", "module", "exports", "process", "global",
	"__dirname", "__filename", "Buffer", "setImmediate", "clearImmediate",
}

// Script is a strategy backed by a JavaScript snippet. The script must
// define a function `transform(record)` returning the value to attach. The
// source is carried with the strategy so a manifest can record exactly what
// ran.
type Script struct {
	StrategyName string
	Source       string

	program *goja.Program
}

// NewScript compiles a script strategy. Compilation errors surface here, at
// definition time, not per row.
func NewScript(name, source string) (*Script, error) {
	if name == "" {
		return nil, fmt.Errorf("script strategy name cannot be empty")
	}
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile transform script %q: %w", name, err)
	}
	return &Script{StrategyName: name, Source: source, program: program}, nil
}

// Name implements Strategy.
func (s *Script) Name() string { return s.StrategyName }

// Apply implements Strategy. Each call runs in a fresh sandboxed runtime so
// scripts cannot leak state across rows.
func (s *Script) Apply(record pipeline.Record) (any, error) {
	vm := goja.New()
	for _, name := range removedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("failed to sandbox runtime: %w", err)
		}
	}

	if _, err := vm.RunProgram(s.program); err != nil {
		return nil, fmt.Errorf("transform script %q failed to load: %w", s.StrategyName, err)
	}

	transformFn, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, fmt.Errorf("transform script %q does not define transform(record)", s.StrategyName)
	}

	value, err := transformFn(goja.Undefined(), vm.ToValue(map[string]any(record)))
	if err != nil {
		return nil, fmt.Errorf("transform script %q failed: %w", s.StrategyName, err)
	}
	return value.Export(), nil
}
