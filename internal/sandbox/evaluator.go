// internal/sandbox/evaluator.go

// Package sandbox runs rule bodies in a starlark interpreter that sees
// only the configuration text, a regex module, print and len.
//
// Rule bodies are starlark, not Python: f-strings, backreferences and
// lookaround in patterns fail to compile and surface as a
// RuleExecutionFault.
package sandbox

import (
	"context"
	"strings"
	"time"

	"github.com/Velocidex/ttlcache/v2"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// ruleFileOptions is the dialect of rule bodies. They are flat scripts, so
// top level if/for and rebinding of validated are the common case. Set per
// file so other starlark users in the process keep the default dialect.
var ruleFileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Verdict is the outcome of one rule body run against one configuration.
type Verdict struct {
	Validated   bool
	Deviation   string
	Remediation string
	Output      string
}

type Options struct {
	// Timeout bounds the wall clock time of a single rule. Zero disables it.
	Timeout time.Duration
	// MaxSteps bounds the number of interpreter steps. Zero disables it.
	MaxSteps uint64
}

// Evaluator runs rule bodies in a Starlark thread whose only extra
// capabilities are the config text, a regular expression module, print
// (captured) and len. It is safe for concurrent use.
type Evaluator struct {
	opts     Options
	patterns *ttlcache.Cache
	re       *starlarkstruct.Module
}

func NewEvaluator(opts Options) *Evaluator {
	patterns := ttlcache.NewCache()
	_ = patterns.SetTTL(30 * time.Minute)
	patterns.SetCacheSizeLimit(4096)

	e := &Evaluator{opts: opts, patterns: patterns}
	e.re = newReModule(e.compilePattern)
	e.re.Freeze()
	return e
}

func (e *Evaluator) Close() error {
	return e.patterns.Close()
}

func isPredeclared(name string) bool {
	return name == "config" || name == "re"
}

// compileRule parses body and seeds it with validated = False so bodies may
// read validated before assigning it.
func compileRule(key, body string) (*starlark.Program, error) {
	f, err := ruleFileOptions.Parse(key, normalizeSource(body), 0)
	if err != nil {
		return nil, err
	}

	seed := &syntax.AssignStmt{
		Op:  syntax.EQ,
		LHS: &syntax.Ident{Name: "validated"},
		RHS: &syntax.Ident{Name: "False"},
	}
	f.Stmts = append([]syntax.Stmt{seed}, f.Stmts...)

	return starlark.FileProgram(f, isPredeclared)
}

// Evaluate runs body against config. A body that fails to compile or run
// yields a *RuleExecutionFault and no verdict.
func (e *Evaluator) Evaluate(ctx context.Context, key, body, config string) (verdict *Verdict, err error) {
	var out strings.Builder

	defer func() {
		if r := recover(); r != nil {
			verdict = nil
			err = newFault(key, out.String(), r)
		}
	}()

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	thread := &starlark.Thread{
		Name: key,
		Print: func(_ *starlark.Thread, msg string) {
			out.WriteString(msg)
			out.WriteByte('\n')
		},
	}
	if e.opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(e.opts.MaxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	prog, err := compileRule(key, body)
	if err != nil {
		return nil, newFault(key, "", err)
	}

	globals, err := prog.Init(thread, starlark.StringDict{
		"config": starlark.String(config),
		"re":     e.re,
	})
	if err != nil {
		return nil, newFault(key, out.String(), err)
	}

	verdict = &Verdict{
		Deviation:   textOf(globals["deviation"]),
		Remediation: textOf(globals["remediation"]),
		Output:      out.String(),
	}
	if v, ok := globals["validated"]; ok {
		verdict.Validated = bool(v.Truth())
	}
	return verdict, nil
}

func textOf(v starlark.Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case starlark.NoneType:
		return ""
	case starlark.String:
		return t.GoString()
	default:
		return t.String()
	}
}
