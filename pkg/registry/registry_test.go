package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HatiCode/synapse/pkg/telemetry"
)

func constant(v any) Unit {
	return func(ctx context.Context, args []any) (any, error) { return v, nil }
}

func TestRegistry_RegisterInvoke(t *testing.T) {
	r := New()
	if err := r.Register("search", "SIMPLE", constant("simple")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := r.Invoke(context.Background(), "search", "SIMPLE", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got != "simple" {
		t.Errorf("Invoke() = %v, want simple", got)
	}
}

func TestRegistry_Register_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		variant   string
		unit      Unit
	}{
		{"empty operation", "", "SIMPLE", constant(1)},
		{"empty variant", "search", "", constant(1)},
		{"nil unit", "search", "SIMPLE", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := New().Register(tt.operation, tt.variant, tt.unit); err == nil {
				t.Error("Register() expected error, got nil")
			}
		})
	}
}

func TestRegistry_Invoke_NotFound(t *testing.T) {
	r := New()
	_ = r.Register("search", "SIMPLE", constant(1))

	for _, tc := range [][2]string{{"search", "MISSING"}, {"unknown", "SIMPLE"}} {
		_, err := r.Invoke(context.Background(), tc[0], tc[1], nil)
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("Invoke(%s/%s) error = %v, want *NotFoundError", tc[0], tc[1], err)
		}
		if nf.Operation != tc[0] || nf.Variant != tc[1] {
			t.Errorf("NotFoundError = %+v", nf)
		}
	}
}

func TestRegistry_Invoke_Failure(t *testing.T) {
	r := New()
	cause := errors.New("db down")
	_ = r.Register("search", "BROKEN", func(ctx context.Context, args []any) (any, error) {
		return nil, cause
	})
	_ = r.Register("search", "PANICS", func(ctx context.Context, args []any) (any, error) {
		panic("nil map")
	})

	_, err := r.Invoke(context.Background(), "search", "BROKEN", nil)
	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause not preserved: %v", err)
	}

	_, err = r.Invoke(context.Background(), "search", "PANICS", nil)
	if !errors.As(err, &ie) {
		t.Fatalf("panic error = %v, want *InvocationError", err)
	}
}

func TestRegistry_HasListUnregister(t *testing.T) {
	r := New()
	_ = r.Register("search", "SIMPLE", constant(1))
	_ = r.Register("search", "CACHED", constant(2))
	_ = r.Register("list", "SIMPLE", constant(3))

	if !r.Has("search", "CACHED") {
		t.Error("Has(search, CACHED) = false")
	}
	if r.Has("search", "OPTIMIZED") {
		t.Error("Has(search, OPTIMIZED) = true")
	}

	got := r.List("search")
	if len(got) != 2 || got[0] != "CACHED" || got[1] != "SIMPLE" {
		t.Errorf("List(search) = %v, want [CACHED SIMPLE]", got)
	}
	if r.List("missing") != nil {
		t.Error("List(missing) should be nil")
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}

	r.Unregister("search", "CACHED")
	r.Unregister("search", "CACHED")
	r.Unregister("nope", "CACHED")
	if r.Has("search", "CACHED") {
		t.Error("CACHED still registered after Unregister")
	}

	r.Unregister("list", "SIMPLE")
	if ops := r.Operations(); len(ops) != 1 || ops[0] != "search" {
		t.Errorf("Operations() = %v, want [search]", ops)
	}
}

func TestRegistry_ReplaceWhileInvoking(t *testing.T) {
	r := New()

	started := make(chan struct{})
	release := make(chan struct{})
	_ = r.Register("search", "SIMPLE", func(ctx context.Context, args []any) (any, error) {
		close(started)
		<-release
		return "old", nil
	})

	var (
		wg     sync.WaitGroup
		oldRes any
		oldErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		oldRes, oldErr = r.Invoke(context.Background(), "search", "SIMPLE", nil)
	}()

	<-started
	if err := r.Register("search", "SIMPLE", constant("new")); err != nil {
		t.Fatalf("Register() during invocation error = %v", err)
	}

	// New lookups see the replacement immediately.
	for i := 0; i < 10; i++ {
		got, err := r.Invoke(context.Background(), "search", "SIMPLE", nil)
		if err != nil || got != "new" {
			t.Fatalf("Invoke() after replace = %v, %v; want new", got, err)
		}
	}

	close(release)
	wg.Wait()

	if oldErr != nil || oldRes != "old" {
		t.Errorf("in-flight invocation = %v, %v; want old", oldRes, oldErr)
	}
}

func TestRegistry_ConcurrentRegisterInvoke(t *testing.T) {
	r := New()
	_ = r.Register("op", "v", constant(0))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := r.Invoke(ctx, "op", "v", nil); err != nil {
					t.Errorf("Invoke() error = %v", err)
					return
				}
			}
		}()
	}
	for i := 1; ctx.Err() == nil; i++ {
		_ = r.Register("op", "v", constant(i))
	}
	wg.Wait()
}

func TestRegistry_Dispatch_RecordsSamples(t *testing.T) {
	r := New()
	agg := telemetry.NewAggregator()
	_ = r.Register("search", "SIMPLE", constant("ok"))
	_ = r.Register("search", "BROKEN", func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("nope")
	})

	if _, err := r.Dispatch(context.Background(), agg, "search", "SIMPLE", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if _, err := r.Dispatch(context.Background(), agg, "search", "BROKEN", nil); err == nil {
		t.Fatal("Dispatch(BROKEN) expected error")
	}
	if _, err := r.Dispatch(context.Background(), agg, "search", "MISSING", nil); err == nil {
		t.Fatal("Dispatch(MISSING) expected error")
	}

	if s := agg.Snapshot("search", "SIMPLE"); s.Count != 1 || s.SuccessCount != 1 {
		t.Errorf("SIMPLE snapshot = %+v, want one success", s)
	}
	if s := agg.Snapshot("search", "BROKEN"); s.Count != 1 || s.FailureCount != 1 {
		t.Errorf("BROKEN snapshot = %+v, want one failure", s)
	}
	if s := agg.Snapshot("search", "MISSING"); s.Count != 0 {
		t.Errorf("MISSING snapshot = %+v, want no samples", s)
	}
}

func TestRegistry_DispatchChecked_RejectedResult(t *testing.T) {
	r := New()
	agg := telemetry.NewAggregator()
	_ = r.Register("search", "SIMPLE", constant("ok"))

	errShape := errors.New("unexpected shape")
	check := func(v any) error {
		if _, ok := v.(int); !ok {
			return errShape
		}
		return nil
	}

	res, err := r.DispatchChecked(context.Background(), agg, "search", "SIMPLE", nil, check)
	if res != nil {
		t.Errorf("result = %v, want nil", res)
	}
	var ie *InvocationError
	if !errors.As(err, &ie) || !errors.Is(err, errShape) {
		t.Fatalf("error = %v, want InvocationError wrapping the check error", err)
	}
	if s := agg.Snapshot("search", "SIMPLE"); s.Count != 1 || s.FailureCount != 1 {
		t.Errorf("snapshot = %+v, want one failure", s)
	}
}
