// Package registry holds the dispatch table mapping operations and variant IDs
// to invokable units.
//
// Lookups never block on writers. Each operation owns an immutable map of its
// variants published through an atomic pointer; Register builds a fresh map and
// swaps it in. A caller that already loaded a unit keeps running it even if
// that variant is replaced concurrently.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Unit is one invokable variant implementation.
type Unit func(ctx context.Context, args []any) (any, error)

type table map[string]Unit

// Registry is the in-memory dispatch table. The zero value is not usable;
// create one with New.
type Registry struct {
	mu  sync.Mutex // serializes writers
	ops sync.Map   // operation -> *atomic.Pointer[table]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register installs or replaces the unit for (operation, variant).
func (r *Registry) Register(operation, variant string, unit Unit) error {
	if operation == "" || variant == "" {
		return fmt.Errorf("register: operation and variant are required")
	}
	if unit == nil {
		return fmt.Errorf("register %s/%s: nil unit", operation, variant)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ptr := r.pointer(operation, true)
	old := ptr.Load()

	next := make(table, len(*old)+1)
	for k, v := range *old {
		next[k] = v
	}
	next[variant] = unit
	ptr.Store(&next)
	return nil
}

// Unregister removes a variant. Removing an unknown variant is not an error.
func (r *Registry) Unregister(operation, variant string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ptr := r.pointer(operation, false)
	if ptr == nil {
		return
	}
	old := ptr.Load()
	if _, ok := (*old)[variant]; !ok {
		return
	}

	next := make(table, len(*old))
	for k, v := range *old {
		if k != variant {
			next[k] = v
		}
	}
	ptr.Store(&next)
}

// Lookup returns the unit currently registered for (operation, variant).
func (r *Registry) Lookup(operation, variant string) (Unit, bool) {
	ptr := r.pointer(operation, false)
	if ptr == nil {
		return nil, false
	}
	unit, ok := (*ptr.Load())[variant]
	return unit, ok
}

// Invoke calls the unit registered for (operation, variant).
//
// It returns a *NotFoundError when the variant is unknown and an
// *InvocationError when the unit fails or panics. Failures are not retried.
func (r *Registry) Invoke(ctx context.Context, operation, variant string, args []any) (any, error) {
	unit, ok := r.Lookup(operation, variant)
	if !ok {
		return nil, &NotFoundError{Operation: operation, Variant: variant}
	}
	return call(ctx, operation, variant, unit, args)
}

func call(ctx context.Context, operation, variant string, unit Unit, args []any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &InvocationError{Operation: operation, Variant: variant, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	result, err = unit(ctx, args)
	if err != nil {
		return nil, &InvocationError{Operation: operation, Variant: variant, Err: err}
	}
	return result, nil
}

// Has reports whether (operation, variant) is registered.
func (r *Registry) Has(operation, variant string) bool {
	_, ok := r.Lookup(operation, variant)
	return ok
}

// List returns the sorted variant IDs registered for operation.
func (r *Registry) List(operation string) []string {
	ptr := r.pointer(operation, false)
	if ptr == nil {
		return nil
	}
	t := *ptr.Load()
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Operations returns the sorted names of operations with at least one variant.
func (r *Registry) Operations() []string {
	var ops []string
	r.ops.Range(func(k, v any) bool {
		if len(*v.(*atomic.Pointer[table]).Load()) > 0 {
			ops = append(ops, k.(string))
		}
		return true
	})
	sort.Strings(ops)
	return ops
}

// Len returns the total number of registered variants across operations.
func (r *Registry) Len() int {
	n := 0
	r.ops.Range(func(_, v any) bool {
		n += len(*v.(*atomic.Pointer[table]).Load())
		return true
	})
	return n
}

func (r *Registry) pointer(operation string, create bool) *atomic.Pointer[table] {
	if v, ok := r.ops.Load(operation); ok {
		return v.(*atomic.Pointer[table])
	}
	if !create {
		return nil
	}
	ptr := &atomic.Pointer[table]{}
	empty := table{}
	ptr.Store(&empty)
	actual, _ := r.ops.LoadOrStore(operation, ptr)
	return actual.(*atomic.Pointer[table])
}
