package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HatiCode/synapse/pkg/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// echoLoader treats the artifact text as the value returned by the unit.
type echoLoader struct {
	fail map[string]bool
}

func (l echoLoader) LoadArtifact(artifact []byte) (registry.Unit, error) {
	if l.fail[string(artifact)] {
		return nil, errors.New("bad artifact")
	}
	v := string(artifact)
	return func(ctx context.Context, args []any) (any, error) { return v, nil }, nil
}

func TestNew_RequiresDir(t *testing.T) {
	if _, err := New("", testLogger()); err == nil {
		t.Error("New(\"\") expected error")
	}
}

func TestCache_SaveLoad(t *testing.T) {
	c := newTestCache(t)

	entry := Entry{
		ID:        "SIMPLE_GEN_1",
		Operation: "search",
		Source:    "package main\n",
		Metadata:  map[string]any{"baseVariant": "SIMPLE"},
	}
	if err := c.Save(entry, []byte("artifact-1")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	found, artifact, source, err := c.Load("SIMPLE_GEN_1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !found {
		t.Fatal("Load() found = false")
	}
	if string(artifact) != "artifact-1" {
		t.Errorf("artifact = %q", artifact)
	}
	if source != "package main\n" {
		t.Errorf("source = %q", source)
	}

	got, ok := c.Get("SIMPLE_GEN_1")
	if !ok {
		t.Fatal("Get() missing entry")
	}
	if got.Operation != "search" || got.Artifact != "SIMPLE_GEN_1.art" {
		t.Errorf("entry = %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not defaulted")
	}
	if got.Metadata["baseVariant"] != "SIMPLE" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.Source != "package main\n" {
		t.Errorf("Get().Source = %q", got.Source)
	}

	data, err := os.ReadFile(filepath.Join(c.Dir(), "variants.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.Variants["SIMPLE_GEN_1"].Source != "package main\n" {
		t.Errorf("manifest source = %q", m.Variants["SIMPLE_GEN_1"].Source)
	}
}

func TestCache_Load_SourceFallsBackToManifest(t *testing.T) {
	c := newTestCache(t)

	if err := c.Save(Entry{ID: "SIMPLE_GEN_1", Operation: "search", Source: "func Variant() {}"}, []byte("artifact")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := os.Remove(filepath.Join(c.Dir(), "SIMPLE_GEN_1.go.txt")); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	found, _, source, err := c.Load("SIMPLE_GEN_1")
	if err != nil || !found {
		t.Fatalf("Load() = found %v, err %v", found, err)
	}
	if source != "func Variant() {}" {
		t.Errorf("source = %q, want manifest copy", source)
	}
}

func TestCache_Save_Invalid(t *testing.T) {
	c := newTestCache(t)

	tests := []struct {
		name     string
		entry    Entry
		artifact []byte
	}{
		{"empty id", Entry{Operation: "search"}, []byte("x")},
		{"path id", Entry{ID: "../evil", Operation: "search"}, []byte("x")},
		{"hidden id", Entry{ID: ".hidden", Operation: "search"}, []byte("x")},
		{"no operation", Entry{ID: "V1"}, []byte("x")},
		{"empty artifact", Entry{ID: "V1", Operation: "search"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Save(tt.entry, tt.artifact); err == nil {
				t.Error("Save() expected error")
			}
		})
	}
}

func TestCache_Load_MissingArtifactIsAbsent(t *testing.T) {
	c := newTestCache(t)
	if err := c.Save(Entry{ID: "V1", Operation: "search"}, []byte("a")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := os.Remove(filepath.Join(c.Dir(), "V1.art")); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	found, _, _, err := c.Load("V1")
	if err != nil {
		t.Errorf("Load() error = %v, want nil", err)
	}
	if found {
		t.Error("Load() found = true with artifact missing")
	}
}

func TestCache_Load_Unknown(t *testing.T) {
	c := newTestCache(t)
	found, _, _, err := c.Load("nope")
	if found || err != nil {
		t.Errorf("Load(nope) = %v, %v; want false, nil", found, err)
	}
}

func TestCache_CorruptManifestReadsEmpty(t *testing.T) {
	c := newTestCache(t)
	if err := os.WriteFile(filepath.Join(c.Dir(), manifestName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if ids := c.List(); len(ids) != 0 {
		t.Errorf("List() = %v, want empty", ids)
	}

	// Saving rewrites a valid manifest.
	if err := c.Save(Entry{ID: "V1", Operation: "search"}, []byte("a")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if ids := c.List(); len(ids) != 1 || ids[0] != "V1" {
		t.Errorf("List() = %v, want [V1]", ids)
	}
}

func TestCache_ListSortedAndDelete(t *testing.T) {
	c := newTestCache(t)
	for _, id := range []string{"b", "c", "a"} {
		if err := c.Save(Entry{ID: id, Operation: "search", Source: "src"}, []byte(id)); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
	}

	if ids := c.List(); len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("List() = %v, want [a b c]", ids)
	}

	if err := c.Delete("b"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete("b"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("entry still present after Delete")
	}
	for _, name := range []string{"b.art", "b.go.txt"} {
		if _, err := os.Stat(filepath.Join(c.Dir(), name)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still on disk: %v", name, err)
		}
	}
}

func TestCache_NoTempFilesLeft(t *testing.T) {
	c := newTestCache(t)
	for i := 0; i < 3; i++ {
		if err := c.Save(Entry{ID: "V1", Operation: "search", Source: "s"}, []byte("a")); err != nil {
			t.Fatal(err)
		}
	}

	files, err := os.ReadDir(c.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Name())
		}
		t.Errorf("cache dir = %v, want artifact, source and manifest only", names)
	}
}

func TestCache_LoadAll_AcrossRestart(t *testing.T) {
	dir := t.TempDir()

	first, err := New(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_ = first.Save(Entry{ID: "SIMPLE_GEN_1", Operation: "search", CreatedAt: time.Now()}, []byte("gen-1"))
	_ = first.Save(Entry{ID: "SIMPLE_GEN_2", Operation: "search"}, []byte("broken"))
	_ = first.Save(Entry{ID: "LIST_GEN_1", Operation: "list"}, []byte("list-1"))
	_ = os.Remove(filepath.Join(dir, "LIST_GEN_1.art"))

	// A fresh process opens the same directory.
	second, err := New(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	loaded := second.LoadAll(context.Background(), echoLoader{fail: map[string]bool{"broken": true}}, reg)

	if loaded != 1 {
		t.Errorf("LoadAll() = %d, want 1", loaded)
	}
	got, err := reg.Invoke(context.Background(), "search", "SIMPLE_GEN_1", nil)
	if err != nil || got != "gen-1" {
		t.Errorf("Invoke(SIMPLE_GEN_1) = %v, %v", got, err)
	}
	if reg.Has("search", "SIMPLE_GEN_2") || reg.Has("list", "LIST_GEN_1") {
		t.Error("failed entries must not be registered")
	}
}

func TestCache_LoadAll_CanceledContext(t *testing.T) {
	c := newTestCache(t)
	_ = c.Save(Entry{ID: "V1", Operation: "search"}, []byte("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if n := c.LoadAll(ctx, echoLoader{}, registry.New()); n != 0 {
		t.Errorf("LoadAll() with canceled context = %d, want 0", n)
	}
}
