// Package build turns generated source into invokable variants.
package build

import (
	"context"
	"fmt"
	"strings"

	"github.com/HatiCode/synapse/pkg/registry"
)

// Result is a successfully built variant.
type Result struct {
	Unit     registry.Unit
	Artifact []byte // persisted by the cache and handed back to LoadArtifact
}

// Builder compiles source into units and reloads persisted artifacts.
type Builder interface {
	Compile(ctx context.Context, source, name string) (Result, error)
	LoadArtifact(artifact []byte) (registry.Unit, error)
}

// Error reports a rejected build together with its diagnostics.
type Error struct {
	Name        string
	Diagnostics []string
	Err         error
}

func (e *Error) Error() string {
	msg := "build failed"
	if len(e.Diagnostics) > 0 {
		msg = e.Diagnostics[0]
		if n := len(e.Diagnostics) - 1; n > 0 {
			msg = fmt.Sprintf("%s (and %d more)", msg, n)
		}
	}
	if e.Name != "" {
		return fmt.Sprintf("build %s: %s", e.Name, msg)
	}
	return "build: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(name string, err error, diags ...string) *Error {
	if len(diags) == 0 && err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				diags = append(diags, line)
			}
		}
	}
	return &Error{Name: name, Diagnostics: diags, Err: err}
}
