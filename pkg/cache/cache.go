// Package cache persists generated variants on disk so they can be
// re-registered after a restart.
//
// Layout of the cache directory:
//
//	<id>.art        artifact bytes produced by the build backend
//	<id>.go.txt     generated source, kept for inspection
//	variants.json   manifest mapping variant id to Entry (source included)
//
// Every file is written to a temporary name and renamed into place. The
// manifest is written last, so a crash never leaves a manifest entry whose
// artifact was only partially written.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HatiCode/synapse/pkg/registry"
)

const (
	manifestName    = "variants.json"
	artifactSuffix  = ".art"
	sourceSuffix    = ".go.txt"
	manifestVersion = 1
)

// ErrCorrupt marks cache state that cannot be trusted: an unreadable
// manifest, or a manifest entry whose artifact is gone.
var ErrCorrupt = errors.New("cache corrupt")

// Entry describes one cached variant.
type Entry struct {
	ID        string         `json:"id"`
	Operation string         `json:"operation"`
	CreatedAt time.Time      `json:"createdAt"`
	Artifact  string         `json:"artifact"`
	Source    string         `json:"source,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type manifest struct {
	Version  int              `json:"version"`
	Variants map[string]Entry `json:"variants"`
}

// ArtifactLoader turns stored artifact bytes back into an invokable unit.
type ArtifactLoader interface {
	LoadArtifact(artifact []byte) (registry.Unit, error)
}

// Registrar receives units restored by LoadAll.
type Registrar interface {
	Register(operation, variant string, unit registry.Unit) error
}

// Cache is a directory-backed variant cache. It is safe for concurrent use.
type Cache struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// New opens (creating if needed) the cache rooted at dir.
func New(dir string, logger *slog.Logger) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache directory required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Cache{
		dir:    dir,
		logger: logger.With("component", "cache"),
	}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Save stores the artifact and the entry's source, then records the entry in
// the manifest. An existing entry with the same ID is replaced.
func (c *Cache) Save(entry Entry, artifact []byte) error {
	if err := validateID(entry.ID); err != nil {
		return err
	}
	if entry.Operation == "" {
		return fmt.Errorf("save %s: operation required", entry.ID)
	}
	if len(artifact) == 0 {
		return fmt.Errorf("save %s: empty artifact", entry.ID)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Artifact = entry.ID + artifactSuffix

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFileAtomic(c.path(entry.Artifact), artifact); err != nil {
		return fmt.Errorf("save %s artifact: %w", entry.ID, err)
	}

	sourcePath := c.path(entry.ID + sourceSuffix)
	if entry.Source != "" {
		if err := writeFileAtomic(sourcePath, []byte(entry.Source)); err != nil {
			return fmt.Errorf("save %s source: %w", entry.ID, err)
		}
	} else if err := os.Remove(sourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("save %s: remove stale source: %w", entry.ID, err)
	}

	m := c.readManifest()
	m.Variants[entry.ID] = entry
	if err := c.writeManifest(m); err != nil {
		return fmt.Errorf("save %s: %w", entry.ID, err)
	}

	c.logger.Info("variant cached", "variant", entry.ID, "operation", entry.Operation, "bytes", len(artifact))
	return nil
}

// Load reads the artifact and source of a cached variant.
//
// found is false when the artifact file does not exist, whatever the
// manifest says. A missing source file falls back to the manifest's copy.
func (c *Cache) Load(id string) (found bool, artifact []byte, source string, err error) {
	if err := validateID(id); err != nil {
		return false, nil, "", err
	}

	artifact, err = os.ReadFile(c.path(id + artifactSuffix))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, listed := c.Get(id); listed {
				c.logger.Warn("manifest entry without artifact", "variant", id, "error", ErrCorrupt)
			}
			return false, nil, "", nil
		}
		return false, nil, "", fmt.Errorf("load %s: %w", id, err)
	}

	src, err := os.ReadFile(c.path(id + sourceSuffix))
	if err == nil {
		return true, artifact, string(src), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("failed to read cached source", "variant", id, "error", err)
	}
	entry, _ := c.Get(id)
	return true, artifact, entry.Source, nil
}

// LoadAll restores every manifest entry into reg and returns how many were
// registered. Entries that fail to load are logged and skipped.
func (c *Cache) LoadAll(ctx context.Context, loader ArtifactLoader, reg Registrar) int {
	loaded := 0
	for _, entry := range c.Entries() {
		if ctx.Err() != nil {
			c.logger.Warn("cache restore interrupted", "loaded", loaded, "error", ctx.Err())
			break
		}

		found, artifact, _, err := c.Load(entry.ID)
		if err != nil {
			c.logger.Error("failed to read cached variant", "variant", entry.ID, "error", err)
			continue
		}
		if !found {
			continue
		}

		unit, err := loader.LoadArtifact(artifact)
		if err != nil {
			c.logger.Error("failed to load cached artifact", "variant", entry.ID, "operation", entry.Operation, "error", err)
			continue
		}
		if err := reg.Register(entry.Operation, entry.ID, unit); err != nil {
			c.logger.Error("failed to register cached variant", "variant", entry.ID, "operation", entry.Operation, "error", err)
			continue
		}
		loaded++
	}

	c.logger.Info("cache restored", "loaded", loaded)
	return loaded
}

// Get returns the manifest entry for id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.readManifest().Variants[id]
	return e, ok
}

// List returns the sorted IDs of every cached variant.
func (c *Cache) List() []string {
	entries := c.Entries()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// Entries returns every manifest entry sorted by ID.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	m := c.readManifest()
	c.mu.Unlock()

	entries := make([]Entry, 0, len(m.Variants))
	for _, e := range m.Variants {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Delete removes a variant's files and manifest entry. Deleting an unknown
// variant is not an error.
func (c *Cache) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.readManifest()
	if _, ok := m.Variants[id]; ok {
		delete(m.Variants, id)
		if err := c.writeManifest(m); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}

	for _, name := range []string{id + artifactSuffix, id + sourceSuffix} {
		if err := os.Remove(c.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return nil
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.dir, name)
}

// readManifest must be called with c.mu held.
func (c *Cache) readManifest() manifest {
	m := manifest{Version: manifestVersion, Variants: map[string]Entry{}}

	data, err := os.ReadFile(c.path(manifestName))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("failed to read manifest", "error", err)
		}
		return m
	}

	var stored manifest
	if err := json.Unmarshal(data, &stored); err != nil {
		c.logger.Warn("manifest unreadable, treating cache as empty", "error", fmt.Errorf("%w: %v", ErrCorrupt, err))
		return m
	}
	for id, e := range stored.Variants {
		m.Variants[id] = e
	}
	return m
}

// writeManifest must be called with c.mu held.
func (c *Cache) writeManifest(m manifest) error {
	m.Version = manifestVersion
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeFileAtomic(c.path(manifestName), data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return errors.New("variant id required")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid variant id %q", id)
	}
	return nil
}
