// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package graph

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	cerrors "github.com/tombee/cyclone/pkg/errors"
)

// PredicateEvaluator compiles and caches xtrigger/conditional-edge
// boolean expressions, e.g. a clock-trigger's offset-ready check or a
// custom xtrigger's "satisfied" predicate evaluated against its
// function result map.
type PredicateEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewPredicateEvaluator constructs an empty evaluator.
func NewPredicateEvaluator() *PredicateEvaluator {
	return &PredicateEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs expression against ctx (typically the xtrigger's
// result map merged with the proxy's identity fields) and requires a
// boolean result.
func (e *PredicateEvaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prog, err := e.compile(expression)
	if err != nil {
		return false, &cerrors.ConfigError{Key: expression, Reason: "compile xtrigger predicate", Cause: err}
	}

	out, err := expr.Run(prog, ctx)
	if err != nil {
		return false, &cerrors.ConfigError{Key: expression, Reason: "evaluate xtrigger predicate", Cause: err}
	}
	b, ok := out.(bool)
	if !ok {
		return false, &cerrors.ConfigError{Key: expression, Reason: fmt.Sprintf("predicate must return bool, got %T", out)}
	}
	return b, nil
}

func (e *PredicateEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}
