package build

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/HatiCode/synapse/pkg/registry"
)

// EntryPoint is the function every generated program must declare.
const EntryPoint = "Variant"

// DefaultAllowedImports are the packages generated code may import.
// Anything touching the filesystem, network, processes or unsafe memory is
// left out.
var DefaultAllowedImports = []string{
	"bytes",
	"container/heap",
	"container/list",
	"context",
	"encoding/json",
	"errors",
	"fmt",
	"maps",
	"math",
	"regexp",
	"slices",
	"sort",
	"strconv",
	"strings",
	"sync",
	"sync/atomic",
	"time",
	"unicode",
	"unicode/utf8",
}

var packageClause = regexp.MustCompile(`(?m)^\s*package\s+[A-Za-z_][A-Za-z0-9_]*\s*;?\s*$`)

// Yaegi builds variants by interpreting Go source with the yaegi interpreter.
// Each program gets its own interpreter, so variants never share globals.
type Yaegi struct {
	allowed map[string]bool
}

// NewYaegi creates a builder. With no arguments DefaultAllowedImports apply.
func NewYaegi(allowedImports ...string) *Yaegi {
	if len(allowedImports) == 0 {
		allowedImports = DefaultAllowedImports
	}
	allowed := make(map[string]bool, len(allowedImports))
	for _, p := range allowedImports {
		allowed[p] = true
	}
	return &Yaegi{allowed: allowed}
}

// Compile validates and evaluates source, then resolves main.Variant.
// The artifact is the normalized program text.
func (y *Yaegi) Compile(ctx context.Context, source, name string) (Result, error) {
	if strings.TrimSpace(source) == "" {
		return Result{}, newError(name, nil, "empty source")
	}
	program := normalize(source)

	unit, err := y.load(ctx, program, name)
	if err != nil {
		return Result{}, err
	}
	return Result{Unit: unit, Artifact: []byte(program)}, nil
}

// LoadArtifact evaluates a program previously returned by Compile.
func (y *Yaegi) LoadArtifact(artifact []byte) (registry.Unit, error) {
	if len(artifact) == 0 {
		return nil, newError("", nil, "empty artifact")
	}
	return y.load(context.Background(), string(artifact), "")
}

func (y *Yaegi) load(ctx context.Context, program, name string) (registry.Unit, error) {
	if err := y.validateImports(program, name); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, newError(name, fmt.Errorf("load stdlib: %w", err))
	}

	if _, err := evalSafe(ctx, i, program); err != nil {
		return nil, newError(name, err, diagnostics(err)...)
	}

	v, err := evalSafe(ctx, i, "main."+EntryPoint)
	if err != nil {
		return nil, newError(name, err, fmt.Sprintf("function %s not found", EntryPoint))
	}

	if !v.IsValid() || !v.CanInterface() {
		return nil, newError(name, nil, fmt.Sprintf("function %s not found", EntryPoint))
	}
	fn, ok := v.Interface().(func(context.Context, []any) (any, error))
	if !ok {
		return nil, newError(name, nil,
			fmt.Sprintf("%s has type %s, want func(context.Context, []any) (any, error)", EntryPoint, v.Type()))
	}
	return wrapUnit(fn), nil
}

// evalSafe evaluates src, converting interpreter panics into errors.
func evalSafe(ctx context.Context, i *interp.Interpreter, src string) (v reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()
	return i.EvalWithContext(ctx, src)
}

// wrapUnit runs fn on its own goroutine so the caller can stop waiting when
// ctx is done, and turns panics inside interpreted code into errors.
func wrapUnit(fn func(context.Context, []any) (any, error)) registry.Unit {
	return func(ctx context.Context, args []any) (any, error) {
		type reply struct {
			v   any
			err error
		}
		done := make(chan reply, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- reply{nil, fmt.Errorf("variant panic: %v", r)}
				}
			}()
			v, err := fn(ctx, args)
			done <- reply{v, err}
		}()

		select {
		case r := <-done:
			return r.v, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (y *Yaegi) validateImports(program, name string) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, name+".go", program, parser.ImportsOnly)
	if err != nil {
		return newError(name, err, diagnostics(err)...)
	}

	var forbidden []string
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return newError(name, err)
		}
		if !y.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return newError(name, nil, fmt.Sprintf("forbidden imports: %s", strings.Join(forbidden, ", ")))
	}
	return nil
}

// normalize makes sure the program is a main package.
func normalize(source string) string {
	source = strings.TrimSpace(source)
	if loc := packageClause.FindStringIndex(source); loc != nil {
		return source[:loc[0]] + "package main" + source[loc[1]:] + "\n"
	}
	return "package main\n\n" + source + "\n"
}

func diagnostics(err error) []string {
	var list scanner.ErrorList
	if errors.As(err, &list) {
		out := make([]string, 0, len(list))
		for _, e := range list {
			out = append(out, e.Error())
		}
		return out
	}
	return nil
}
