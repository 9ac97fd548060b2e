// Package catalog is the demo workload served by synapse: a product search
// operation with three hand-written variants.
//
// Variants receive args as [query string, products []map[string]any] and
// return the matching products as []map[string]any. Generated variants are
// given the same arguments, so they must not depend on package types.
package catalog

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/HatiCode/synapse/pkg/registry"
)

// Operation is the name under which search is registered.
const Operation = "search"

// Product is one catalog entry.
type Product struct {
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Catalog holds the products and the latency each variant simulates.
type Catalog struct {
	products []Product
	delays   map[string]time.Duration

	mu    sync.RWMutex
	cache map[string][]map[string]any
}

// New creates a catalog with the built-in products.
func New() *Catalog {
	return &Catalog{
		products: []Product{
			{ID: 1, Name: "iPhone 15 Pro", Price: 999.99},
			{ID: 2, Name: "MacBook Pro", Price: 2499.99},
			{ID: 3, Name: "iPad Pro", Price: 799.99},
			{ID: 4, Name: "AirPods Pro", Price: 249.99},
			{ID: 5, Name: "Apple Watch", Price: 399.99},
			{ID: 6, Name: "Mac Pro", Price: 5999.99},
		},
		delays: map[string]time.Duration{
			"SIMPLE":    100 * time.Millisecond,
			"OPTIMIZED": 30 * time.Millisecond,
			"CACHED":    10 * time.Millisecond,
		},
		cache: make(map[string][]map[string]any),
	}
}

// SetDelay overrides the simulated latency of a variant. Call it before the
// catalog serves traffic.
func (c *Catalog) SetDelay(variant string, d time.Duration) {
	c.delays[variant] = d
}

// Register installs the hand-written variants.
func (c *Catalog) Register(reg *registry.Registry) error {
	for variant, unit := range map[string]registry.Unit{
		"SIMPLE":    c.Search,
		"OPTIMIZED": c.SearchParallel,
		"CACHED":    c.SearchCached,
	} {
		if err := reg.Register(Operation, variant, unit); err != nil {
			return err
		}
	}
	return nil
}

// Args builds the argument list for a search call.
func (c *Catalog) Args(query string) []any {
	records := make([]map[string]any, len(c.products))
	for i, p := range c.products {
		records[i] = map[string]any{"id": p.ID, "name": p.Name, "price": p.Price}
	}
	return []any{query, records}
}

// Search scans every product for a case-insensitive name match.
func (c *Catalog) Search(ctx context.Context, args []any) (any, error) {
	query, products, err := parseArgs(args)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, "SIMPLE"); err != nil {
		return nil, err
	}

	return filter(products, query), nil
}

// SearchParallel splits the scan across CPUs.
func (c *Catalog) SearchParallel(ctx context.Context, args []any) (any, error) {
	query, products, err := parseArgs(args)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, "OPTIMIZED"); err != nil {
		return nil, err
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(products) {
		workers = len(products)
	}
	hits := make([]bool, len(products))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(products); i += workers {
				hits[i] = matches(products[i], query)
			}
		}(w)
	}
	wg.Wait()

	var out []map[string]any
	for i, hit := range hits {
		if hit {
			out = append(out, products[i])
		}
	}
	return out, nil
}

// SearchCached memoizes results per lowercased query.
func (c *Catalog) SearchCached(ctx context.Context, args []any) (any, error) {
	query, products, err := parseArgs(args)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(query)

	c.mu.RLock()
	hit, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return hit, nil
	}

	if err := c.wait(ctx, "CACHED"); err != nil {
		return nil, err
	}
	out := filter(products, query)

	c.mu.Lock()
	c.cache[key] = out
	c.mu.Unlock()
	return out, nil
}

func (c *Catalog) wait(ctx context.Context, variant string) error {
	d := c.delays[variant]
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseArgs(args []any) (string, []map[string]any, error) {
	if len(args) != 2 {
		return "", nil, fmt.Errorf("search: want 2 arguments, got %d", len(args))
	}
	query, ok := args[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("search: query is %T, want string", args[0])
	}
	products, ok := args[1].([]map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("search: products is %T, want []map[string]any", args[1])
	}
	return query, products, nil
}

func filter(products []map[string]any, query string) []map[string]any {
	var out []map[string]any
	for _, p := range products {
		if matches(p, query) {
			out = append(out, p)
		}
	}
	return out
}

func matches(p map[string]any, query string) bool {
	name, _ := p["name"].(string)
	return strings.Contains(strings.ToLower(name), strings.ToLower(query))
}
