// Package evolution implements the loop that decides when an operation needs a
// new variant and drives the generation pipeline:
//
//	collect → select best → threshold → cooldown → generate → audit → build → persist → register
//
// The Controller runs continuously via Run(), executing Tick() at regular
// intervals. Each tick evaluates every measured operation independently: a
// failure (or panic) while evaluating one operation is logged and reported in
// its Outcome, and never affects the others or live dispatch.
package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/HatiCode/synapse/pkg/audit"
	"github.com/HatiCode/synapse/pkg/build"
	"github.com/HatiCode/synapse/pkg/cache"
	"github.com/HatiCode/synapse/pkg/generation"
	"github.com/HatiCode/synapse/pkg/registry"
	"github.com/HatiCode/synapse/pkg/source"
	"github.com/HatiCode/synapse/pkg/storage"
	"github.com/HatiCode/synapse/pkg/telemetry"
)

// Decision is the result of evaluating one operation.
type Decision string

const (
	DecisionInsufficientSamples Decision = "insufficient_samples"
	DecisionHealthy             Decision = "healthy"
	DecisionCoolingDown         Decision = "cooling_down"
	DecisionGenerationFailed    Decision = "generation_failed"
	DecisionBuildFailed         Decision = "build_failed"
	DecisionRegistered          Decision = "registered"
	DecisionFailed              Decision = "failed"
)

// Outcome reports what the controller did for one operation.
type Outcome struct {
	Operation string
	Decision  Decision
	Best      telemetry.Snapshot
	Candidate string
	AuditID   string
	Wait      time.Duration
	Err       error
}

// MarshalJSON renders the outcome for the HTTP API.
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := struct {
		Operation   string              `json:"operation"`
		Decision    Decision            `json:"decision"`
		Best        *telemetry.Snapshot `json:"best,omitempty"`
		Candidate   string              `json:"candidate,omitempty"`
		AuditID     string              `json:"auditId,omitempty"`
		WaitSeconds float64             `json:"waitSeconds,omitempty"`
		Error       string              `json:"error,omitempty"`
	}{
		Operation:   o.Operation,
		Decision:    o.Decision,
		Candidate:   o.Candidate,
		AuditID:     o.AuditID,
		WaitSeconds: o.Wait.Seconds(),
	}
	if o.Best.Variant != "" {
		out.Best = &o.Best
	}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}
	return json.Marshal(out)
}

// Snapshots is the read side of the metrics aggregator.
type Snapshots interface {
	Operations() []string
	SnapshotsFor(operation string) []telemetry.Snapshot
}

// Registry is the part of the variant registry the controller writes to.
type Registry interface {
	Register(operation, variant string, unit registry.Unit) error
	Has(operation, variant string) bool
	Len() int
}

// Cache persists generated variants.
type Cache interface {
	Save(entry cache.Entry, artifact []byte) error
	Get(id string) (cache.Entry, bool)
	LoadAll(ctx context.Context, loader cache.ArtifactLoader, reg cache.Registrar) int
}

// Deps are the collaborators of a Controller. Snapshots and Registry are
// required; Builder is required when Generator is set.
type Deps struct {
	Snapshots Snapshots
	Registry  Registry
	Cache     Cache
	Cooldowns storage.CooldownStore
	Generator generation.Generator
	Builder   build.Builder
	Source    source.Provider
	Audit     audit.Log
	Recorder  Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Controller watches variant performance and evolves slow operations.
type Controller struct {
	opts      Options
	snapshots Snapshots
	registry  Registry
	cache     Cache
	cooldowns storage.CooldownStore
	generator generation.Generator
	builder   build.Builder
	source    source.Provider
	audit     audit.Log
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time

	tickMu sync.Mutex
}

// New creates a Controller.
func New(opts Options, deps Deps) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if deps.Snapshots == nil || deps.Registry == nil {
		return nil, errors.New("snapshots and registry are required")
	}
	if deps.Generator != nil && deps.Builder == nil {
		return nil, errors.New("a builder is required when a generator is configured")
	}

	c := &Controller{
		opts:      opts,
		snapshots: deps.Snapshots,
		registry:  deps.Registry,
		cache:     deps.Cache,
		cooldowns: deps.Cooldowns,
		builder:   deps.Builder,
		source:    deps.Source,
		audit:     deps.Audit,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if deps.Generator != nil {
		c.generator = generation.WithTimeout(deps.Generator, opts.GenerationTimeout)
	}
	if c.cooldowns == nil {
		c.cooldowns = storage.NewMemoryStore()
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "evolution")
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Options returns the controller configuration.
func (c *Controller) Options() Options {
	return c.opts
}

// Startup restores cached variants into the registry and returns how many
// were loaded.
func (c *Controller) Startup(ctx context.Context) int {
	if c.cache == nil || c.builder == nil {
		return 0
	}
	n := c.cache.LoadAll(ctx, c.builder, c.registry)
	c.recorder.SetRegisteredVariants(c.registry.Len())
	return n
}

// Run executes Tick at regular intervals until ctx is canceled.
// It returns nil immediately when automatic evolution is disabled.
func (c *Controller) Run(ctx context.Context) error {
	if !c.opts.AutoEvolution {
		c.logger.Info("automatic evolution disabled")
		return nil
	}

	c.logger.Info("starting evolution loop",
		"interval", c.opts.Interval,
		"threshold_ms", c.opts.PerformanceThreshold,
		"min_samples", c.opts.MinSampleSize,
		"cooldown", c.opts.OptimizationInterval,
	)

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("evolution loop stopped")
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick evaluates every measured operation once. Concurrent calls are
// serialized.
func (c *Controller) Tick(ctx context.Context) []Outcome {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	start := time.Now()
	ops := c.snapshots.Operations()
	outcomes := make([]Outcome, 0, len(ops))

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, c.evaluate(ctx, op))
	}

	c.recorder.SetRegisteredVariants(c.registry.Len())
	c.logger.Debug("evolution tick complete",
		"operations", len(outcomes),
		"total_ms", time.Since(start).Milliseconds(),
	)
	return outcomes
}

// Evaluate runs the pipeline for a single operation.
func (c *Controller) Evaluate(ctx context.Context, operation string) Outcome {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.evaluate(ctx, operation)
}

func (c *Controller) evaluate(ctx context.Context, operation string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Operation: operation, Decision: DecisionFailed, Err: fmt.Errorf("panic: %v", r)}
			c.logger.Error("operation evaluation panicked", "operation", operation, "panic", r)
			c.recorder.RecordError("controller", "panic")
		}
		c.recorder.RecordDecision(operation, out.Decision)
	}()

	out = c.run(ctx, operation)
	if out.Err != nil {
		c.logger.Warn("evolution step failed",
			"operation", operation,
			"decision", out.Decision,
			"error", out.Err,
		)
	}
	return out
}

func (c *Controller) run(ctx context.Context, operation string) Outcome {
	out := Outcome{Operation: operation}

	best, ok := c.collect(operation)
	if !ok {
		out.Decision = DecisionInsufficientSamples
		return out
	}
	out.Best = best

	if best.P95 <= c.opts.PerformanceThreshold && !c.opts.ForceGeneration {
		out.Decision = DecisionHealthy
		c.logger.Debug("operation healthy", "operation", operation, "variant", best.Variant, "p95_ms", best.P95)
		return out
	}

	wait, err := c.cooldownRemaining(ctx, operation)
	if err != nil {
		out.Decision, out.Err = DecisionFailed, fmt.Errorf("cooldown: %w", err)
		c.recorder.RecordError("cooldown", "read_failed")
		return out
	}
	if wait > 0 {
		out.Decision, out.Wait = DecisionCoolingDown, wait
		c.logger.Debug("operation cooling down", "operation", operation, "remaining", wait)
		return out
	}

	if c.generator == nil {
		out.Decision, out.Err = DecisionGenerationFailed, errors.New("no generator configured")
		return out
	}

	c.logger.Info("operation above threshold, requesting new variant",
		"operation", operation,
		"variant", best.Variant,
		"p95_ms", best.P95,
		"threshold_ms", c.opts.PerformanceThreshold,
		"forced", c.opts.ForceGeneration,
	)

	defer c.stamp(operation, c.now())

	prompt, src, response, err := c.generate(ctx, operation, best)
	if err != nil {
		rec, aerr := c.appendAudit(ctx, audit.Record{
			Operation: operation,
			Variant:   best.Variant,
			Prompt:    prompt,
			Response:  response,
			Source:    src,
			Metrics:   best,
			Status:    audit.StatusRejected,
			Reason:    err.Error(),
		})
		if aerr == nil {
			out.AuditID = rec.ID
		}
		out.Decision, out.Err = DecisionGenerationFailed, err
		return out
	}

	code := generation.ExtractCode(response)
	candidate := c.nextCandidateID(operation, best.Variant)
	out.Candidate = candidate

	rec, err := c.appendAudit(ctx, audit.Record{
		Operation: operation,
		Variant:   best.Variant,
		Candidate: candidate,
		Prompt:    prompt,
		Response:  response,
		Code:      code,
		Source:    src,
		Metrics:   best,
	})
	if err == nil {
		out.AuditID = rec.ID
	}

	res, err := c.compile(ctx, code, candidate)
	if err != nil {
		c.setAuditStatus(ctx, out.AuditID, audit.StatusRejected, err.Error())
		out.Decision, out.Err = DecisionBuildFailed, err
		return out
	}

	c.persist(operation, candidate, code, best, out.AuditID, res.Artifact)

	if err := c.registry.Register(operation, candidate, res.Unit); err != nil {
		c.setAuditStatus(ctx, out.AuditID, audit.StatusRejected, err.Error())
		c.recorder.RecordError("registry", "register_failed")
		out.Decision, out.Err = DecisionFailed, fmt.Errorf("register: %w", err)
		return out
	}
	c.setAuditStatus(ctx, out.AuditID, audit.StatusApplied, "")

	c.logger.Info("new variant registered",
		"operation", operation,
		"variant", candidate,
		"base", best.Variant,
	)
	out.Decision = DecisionRegistered
	return out
}

// collect returns the best eligible variant as chosen by telemetry.Best.
func (c *Controller) collect(operation string) (telemetry.Snapshot, bool) {
	start := time.Now()
	defer func() { c.recorder.ObserveStage(StageCollect, time.Since(start)) }()

	snaps := c.snapshots.SnapshotsFor(operation)
	for _, s := range snaps {
		c.recorder.SetVariantP95(s.Operation, s.Variant, s.P95)
		c.logger.Debug("variant performance",
			"operation", s.Operation,
			"variant", s.Variant,
			"count", s.Count,
			"mean_ms", s.Mean,
			"p95_ms", s.P95,
			"p99_ms", s.P99,
			"success_rate", s.SuccessRate,
		)
	}
	return telemetry.Best(snaps, c.opts.MinSampleSize)
}

func (c *Controller) cooldownRemaining(ctx context.Context, operation string) (time.Duration, error) {
	start := time.Now()
	defer func() { c.recorder.ObserveStage(StageCooldown, time.Since(start)) }()

	last, found, err := c.cooldowns.LastTriggered(ctx, operation)
	if err != nil || !found {
		return 0, err
	}
	if elapsed := c.now().Sub(last); elapsed < c.opts.OptimizationInterval {
		return c.opts.OptimizationInterval - elapsed, nil
	}
	return 0, nil
}

// stamp records a generation attempt. It runs even when ctx was canceled
// mid-generation, so it uses its own short deadline.
func (c *Controller) stamp(operation string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cooldowns.Stamp(ctx, operation, at); err != nil {
		c.logger.Error("failed to stamp cooldown", "operation", operation, "error", err)
		c.recorder.RecordError("cooldown", "stamp_failed")
	}
}

func (c *Controller) generate(ctx context.Context, operation string, best telemetry.Snapshot) (prompt, src, response string, err error) {
	start := time.Now()
	defer func() { c.recorder.ObserveStage(StageGenerate, time.Since(start)) }()

	req := generation.Request{
		Operation: operation,
		Variant:   best.Variant,
		Metrics:   best,
	}
	if c.source != nil {
		if s, ok := c.source.ExtractSource(operation); ok {
			req.Source = s
		}
		if s, ok := c.source.ExtractContext(operation); ok {
			req.Context = s
		}
	}

	prompt, err = generation.BuildPrompt(req)
	if err != nil {
		c.recorder.RecordGeneration(operation, "error")
		return "", "", "", err
	}

	response, err = c.generator.Generate(ctx, prompt)
	if err != nil {
		c.recorder.RecordGeneration(operation, "error")
		c.recorder.RecordError("generator", "generate_failed")
		return prompt, req.Source, "", err
	}
	if strings.TrimSpace(response) == "" {
		c.recorder.RecordGeneration(operation, "empty")
		return prompt, req.Source, response, fmt.Errorf("%w: empty response", generation.ErrGeneration)
	}

	c.recorder.RecordGeneration(operation, "ok")
	c.logger.Info("generation complete",
		"operation", operation,
		"response_bytes", len(response),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return prompt, req.Source, response, nil
}

func (c *Controller) compile(ctx context.Context, code, candidate string) (build.Result, error) {
	start := time.Now()
	defer func() { c.recorder.ObserveStage(StageBuild, time.Since(start)) }()

	res, err := c.builder.Compile(ctx, code, candidate)
	if err != nil {
		c.recorder.RecordError("builder", "compile_failed")
		return build.Result{}, err
	}
	return res, nil
}

func (c *Controller) persist(operation, candidate, code string, best telemetry.Snapshot, auditID string, artifact []byte) {
	if c.cache == nil {
		return
	}
	start := time.Now()
	defer func() { c.recorder.ObserveStage(StagePersist, time.Since(start)) }()

	entry := cache.Entry{
		ID:        candidate,
		Operation: operation,
		CreatedAt: c.now().UTC(),
		Source:    code,
		Metadata: map[string]any{
			"operation":   operation,
			"baseVariant": best.Variant,
			"snapshot":    best.Metadata(),
			"auditId":     auditID,
		},
	}
	if err := c.cache.Save(entry, artifact); err != nil {
		// The variant still serves this process; it just will not survive a restart.
		c.logger.Error("failed to cache variant", "operation", operation, "variant", candidate, "error", err)
		c.recorder.RecordError("cache", "save_failed")
	}
}

// nextCandidateID returns "<base>_GEN_<n>" for the smallest n >= 1 that is
// unused in both the registry and the cache.
func (c *Controller) nextCandidateID(operation, base string) string {
	for n := 1; ; n++ {
		id := fmt.Sprintf("%s_GEN_%d", base, n)
		if c.registry.Has(operation, id) {
			continue
		}
		if c.cache != nil {
			if _, ok := c.cache.Get(id); ok {
				continue
			}
		}
		return id
	}
}

func (c *Controller) appendAudit(ctx context.Context, rec audit.Record) (audit.Record, error) {
	if c.audit == nil {
		return audit.Record{}, errors.New("no audit log")
	}
	// Records must land even when the attempt ran out of time.
	stored, err := c.audit.Append(context.WithoutCancel(ctx), rec)
	if err != nil {
		c.logger.Warn("failed to append audit record", "operation", rec.Operation, "error", err)
		c.recorder.RecordError("audit", "append_failed")
	}
	return stored, err
}

func (c *Controller) setAuditStatus(ctx context.Context, id string, status audit.Status, reason string) {
	if c.audit == nil || id == "" {
		return
	}
	if err := c.audit.SetStatus(context.WithoutCancel(ctx), id, status, reason); err != nil {
		c.logger.Warn("failed to update audit record", "id", id, "status", status, "error", err)
		c.recorder.RecordError("audit", "update_failed")
	}
}
