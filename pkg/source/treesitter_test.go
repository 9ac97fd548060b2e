package source

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const productsFile = `package shop

import (
	"sort"
	"strings"
)

type Product struct {
	Name  string
	Price float64
}

type Catalog struct {
	items []Product
}

func search(items []Product, q string) []Product {
	var out []Product
	for _, p := range items {
		if strings.Contains(p.Name, q) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Search(q string) []Product {
	return search(c.items, q)
}
`

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func newProvider(root string, symbols map[string]string) *TreeSitter {
	return NewTreeSitter(root, symbols, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTreeSitter_ExtractSource_Function(t *testing.T) {
	root := writeTree(t, map[string]string{"shop/products.go": productsFile})
	p := newProvider(root, nil)

	src, ok := p.ExtractSource("search")
	if !ok {
		t.Fatal("ExtractSource(search) not found")
	}
	if !strings.Contains(src, "func search(items []Product, q string) []Product") {
		t.Errorf("source missing declaration:\n%s", src)
	}
	if !strings.Contains(src, `"strings"`) {
		t.Errorf("source missing imports:\n%s", src)
	}
	if strings.Contains(src, "func (c *Catalog) Search") {
		t.Errorf("source contains unrelated declarations:\n%s", src)
	}
}

func TestTreeSitter_ExtractSource_MethodMapping(t *testing.T) {
	root := writeTree(t, map[string]string{"shop/products.go": productsFile})
	p := newProvider(root, map[string]string{"catalog-search": "Catalog.Search"})

	src, ok := p.ExtractSource("catalog-search")
	if !ok {
		t.Fatal("ExtractSource(catalog-search) not found")
	}
	if !strings.Contains(src, "func (c *Catalog) Search(q string) []Product") {
		t.Errorf("unexpected source:\n%s", src)
	}
}

func TestTreeSitter_MethodByNameFallback(t *testing.T) {
	root := writeTree(t, map[string]string{"shop/products.go": productsFile})
	p := newProvider(root, nil)

	src, ok := p.ExtractSource("Search")
	if !ok || !strings.Contains(src, "func (c *Catalog) Search") {
		t.Errorf("ExtractSource(Search) = %q, %v", src, ok)
	}
}

func TestTreeSitter_ExtractContext(t *testing.T) {
	root := writeTree(t, map[string]string{"shop/products.go": productsFile})
	p := newProvider(root, nil)

	ctx, ok := p.ExtractContext("search")
	if !ok {
		t.Fatal("ExtractContext(search) not found")
	}
	for _, want := range []string{"type Product struct", "type Catalog struct"} {
		if !strings.Contains(ctx, want) {
			t.Errorf("context missing %q:\n%s", want, ctx)
		}
	}
}

func TestTreeSitter_NotFound(t *testing.T) {
	root := writeTree(t, map[string]string{
		"shop/products.go":        productsFile,
		"vendor/x/x.go":           "package x\nfunc hidden() {}\n",
		"testdata/t.go":           "package t\nfunc hidden() {}\n",
		"_scratch/s.go":           "package s\nfunc hidden() {}\n",
		"shop/products_test.go":   "package shop\nfunc hidden() {}\n",
		"shop/notes.txt":          "func hidden() {}",
		"shop/nocontext/plain.go": "package nocontext\nfunc bare() int { return 1 }\n",
	})
	p := newProvider(root, nil)

	tests := []struct {
		name      string
		operation string
	}{
		{"unknown symbol", "missing"},
		{"skipped directories and test files", "hidden"},
		{"empty operation", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if src, ok := p.ExtractSource(tt.operation); ok {
				t.Errorf("ExtractSource(%q) = %q, want not found", tt.operation, src)
			}
		})
	}

	if _, ok := p.ExtractSource("bare"); !ok {
		t.Error("ExtractSource(bare) should be found")
	}
	if _, ok := p.ExtractContext("bare"); ok {
		t.Error("ExtractContext(bare) should be false without type declarations")
	}
}

func TestTreeSitter_NoRoot(t *testing.T) {
	p := newProvider("", nil)
	if _, ok := p.ExtractSource("search"); ok {
		t.Error("provider without root should find nothing")
	}
}

func TestReceiverType(t *testing.T) {
	src := []byte(`package g
type Store[K comparable, V any] struct{}
func (s *Store[K, V]) Get(k K) V { var v V; return v }
`)
	root := writeTree(t, map[string]string{"g.go": string(src)})
	p := newProvider(root, map[string]string{"get": "Store.Get"})

	if _, ok := p.ExtractSource("get"); !ok {
		t.Error("generic receiver not matched")
	}
}
