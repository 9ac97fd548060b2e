// Package generation talks to the external code generation service that
// proposes new variants.
//
// Generator is the contract the evolution controller depends on. Two backends
// are provided:
//   - GenAI: Google Gemini through google.golang.org/genai
//   - HTTP: any JSON endpoint, with a templated request body and a gjson
//     path selecting the reply text
//
// Generators are expected to be slow and unreliable; callers wrap them with
// WithTimeout and treat every error as a failed generation.
package generation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultTimeout bounds a single generation request.
const DefaultTimeout = 60 * time.Second

// ErrGeneration is wrapped by every error a Generator returns.
var ErrGeneration = errors.New("generation failed")

// Generator produces candidate source text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type timeoutGenerator struct {
	next    Generator
	timeout time.Duration
}

// WithTimeout bounds every Generate call on g by d (DefaultTimeout if d <= 0).
// A call that runs out of time fails with ErrGeneration wrapping
// context.DeadlineExceeded.
func WithTimeout(g Generator, d time.Duration) Generator {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutGenerator{next: g, timeout: d}
}

func (t *timeoutGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{"", fmt.Errorf("generator panic: %v", r)}
			}
		}()
		text, err := t.next.Generate(ctx, prompt)
		done <- reply{text, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", wrap(r.err)
		}
		return r.text, nil
	case <-ctx.Done():
		return "", wrap(ctx.Err())
	}
}

// wrap makes sure err matches ErrGeneration.
func wrap(err error) error {
	if errors.Is(err, ErrGeneration) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrGeneration, err)
}

var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)```")

// ExtractCode returns the body of the first fenced code block in text,
// preferring a block tagged go. Text without a fence is returned trimmed.
func ExtractCode(text string) string {
	matches := fencePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text)
	}
	for _, m := range matches {
		if strings.EqualFold(m[1], "go") || strings.EqualFold(m[1], "golang") {
			return strings.TrimSpace(m[2])
		}
	}
	return strings.TrimSpace(matches[0][2])
}
