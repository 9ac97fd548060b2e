package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/HatiCode/synapse/pkg/registry"
)

func fastCatalog() *Catalog {
	c := New()
	for _, v := range []string{"SIMPLE", "OPTIMIZED", "CACHED"} {
		c.SetDelay(v, 0)
	}
	return c
}

func names(t *testing.T, res any) []string {
	t.Helper()
	products, ok := res.([]map[string]any)
	if !ok {
		t.Fatalf("result is %T, want []map[string]any", res)
	}
	out := make([]string, len(products))
	for i, p := range products {
		out[i], _ = p["name"].(string)
	}
	return out
}

func TestVariantsAgree(t *testing.T) {
	c := fastCatalog()
	reg := registry.New()
	if err := c.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"pro", 5},
		{"MAC", 2},
		{"watch", 1},
		{"android", 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			for _, variant := range reg.List(Operation) {
				res, err := reg.Invoke(context.Background(), Operation, variant, c.Args(tt.query))
				if err != nil {
					t.Fatalf("%s: Invoke() error = %v", variant, err)
				}
				if got := names(t, res); len(got) != tt.want {
					t.Errorf("%s(%q) = %v, want %d matches", variant, tt.query, got, tt.want)
				}
			}
		})
	}
}

func TestSearch_BadArgs(t *testing.T) {
	c := fastCatalog()
	tests := map[string][]any{
		"no args":       nil,
		"query not str": {42, c.Args("x")[1]},
		"bad products":  {"x", []string{"a"}},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Search(context.Background(), args); err == nil {
				t.Error("Search() expected error")
			}
		})
	}
}

func TestSearch_HonorsCancellation(t *testing.T) {
	c := New()
	c.SetDelay("SIMPLE", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Search(ctx, c.Args("pro")); err == nil {
		t.Error("Search() expected context error")
	}
}

func TestSearchCached_SkipsDelayOnHit(t *testing.T) {
	c := New()
	c.SetDelay("CACHED", 50*time.Millisecond)

	if _, err := c.SearchCached(context.Background(), c.Args("Pro")); err != nil {
		t.Fatalf("SearchCached() error = %v", err)
	}

	start := time.Now()
	res, err := c.SearchCached(context.Background(), c.Args("pro"))
	if err != nil {
		t.Fatalf("SearchCached() error = %v", err)
	}
	if time.Since(start) > 40*time.Millisecond {
		t.Errorf("cache hit took %v", time.Since(start))
	}
	if got := names(t, res); len(got) != 5 {
		t.Errorf("cached result = %v", got)
	}
}
