// Package config parses the synapse service configuration.
//
// Values are resolved in this order, later sources winning:
//  1. Built-in defaults
//  2. The YAML file named by -config-file (or CONFIG_FILE)
//  3. Environment variables
//  4. Command-line flags
//
// Generator backends take a free-form configuration map. It is filled from
// the generator.config section of the YAML file and from GENERATOR_*
// environment variables (GENERATOR_RESPONSE_PATH becomes responsePath).
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all synapse configuration.
type Config struct {
	Listen     string `yaml:"listen"`
	GRPCListen string `yaml:"grpcListen"`
	LogFormat  string `yaml:"logFormat"`
	LogLevel   string `yaml:"logLevel"`

	PerformanceThreshold      float64       `yaml:"performanceThreshold"`
	MinSampleSize             int           `yaml:"minSampleSize"`
	OptimizationIntervalHours float64       `yaml:"optimizationIntervalHours"`
	ForceGeneration           bool          `yaml:"forceGeneration"`
	AutoEvolution             bool          `yaml:"autoEvolution"`
	Interval                  time.Duration `yaml:"interval"`
	GenerationTimeout         time.Duration `yaml:"generationTimeout"`
	WindowSize                int           `yaml:"windowSize"`

	CacheDirectory string `yaml:"cacheDirectory"`
	AuditDirectory string `yaml:"auditDirectory"`
	AuditBackend   string `yaml:"auditBackend"`

	CooldownStorage string `yaml:"cooldownStorage"`
	Redis           Redis  `yaml:"redis"`

	Generator Generator `yaml:"generator"`

	SourceRoot    string            `yaml:"sourceRoot"`
	SourceSymbols map[string]string `yaml:"sourceSymbols"`

	ConfigFile string `yaml:"-"`
}

// Redis configures the shared cooldown store.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	// TTL of a cooldown stamp. Zero means twice the optimization interval.
	TTL      time.Duration `yaml:"ttl"`
}

// Generator selects and configures the generation backend.
type Generator struct {
	Kind   string            `yaml:"kind"`
	Config map[string]string `yaml:"config"`
}

// OptimizationInterval returns the cooldown between two generation attempts.
func (c *Config) OptimizationInterval() time.Duration {
	return time.Duration(c.OptimizationIntervalHours * float64(time.Hour))
}

// SQLitePath is where the sqlite audit backend keeps its database.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.AuditDirectory, "audit.db")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:     ":8080",
		GRPCListen: ":9090",
		LogFormat:  "text",
		LogLevel:   "info",

		PerformanceThreshold:      100,
		MinSampleSize:             100,
		OptimizationIntervalHours: 24,
		AutoEvolution:             true,
		Interval:                  30 * time.Second,
		GenerationTimeout:         60 * time.Second,
		WindowSize:                1000,

		CacheDirectory: ".synapse/variants",
		AuditDirectory: ".synapse/audit",
		AuditBackend:   "file",

		CooldownStorage: "memory",
		Redis: Redis{
			Addr: "localhost:6379",
		},

		Generator: Generator{Kind: "none"},
	}
}

// ParseFlags parses os.Args and the environment, exiting on error.
func ParseFlags() *Config {
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
	return cfg
}

// Parse resolves the configuration from args, the environment and an optional
// YAML file, then validates it.
func Parse(args []string) (*Config, error) {
	cfg := Default()

	cfg.ConfigFile = configFileArg(args)
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = os.Getenv("CONFIG_FILE")
	}
	if cfg.ConfigFile != "" {
		if err := cfg.loadFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	fs := flag.NewFlagSet("synapse", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ConfigFile, "config-file", cfg.ConfigFile, "YAML configuration file")

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", cfg.Listen), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", cfg.GRPCListen), "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", cfg.LogFormat), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", cfg.LogLevel), "Log level: debug, info, warn, error")

	fs.Float64Var(&cfg.PerformanceThreshold, "performance-threshold", getEnvFloat("PERFORMANCE_THRESHOLD", cfg.PerformanceThreshold), "p95 latency target in milliseconds")
	fs.IntVar(&cfg.MinSampleSize, "min-sample-size", getEnvInt("MIN_SAMPLE_SIZE", cfg.MinSampleSize), "Samples a variant needs before it is considered")
	fs.Float64Var(&cfg.OptimizationIntervalHours, "optimization-interval-hours", getEnvFloat("OPTIMIZATION_INTERVAL_HOURS", cfg.OptimizationIntervalHours), "Hours between two generation attempts per operation")
	fs.BoolVar(&cfg.ForceGeneration, "force-generation", getEnvBool("FORCE_GENERATION", cfg.ForceGeneration), "Generate even when under the threshold")
	fs.BoolVar(&cfg.AutoEvolution, "auto-evolution", getEnvBool("AUTO_EVOLUTION", cfg.AutoEvolution), "Run the evolution loop in the background")
	fs.DurationVar(&cfg.Interval, "interval", getEnvDuration("INTERVAL", cfg.Interval), "Evolution loop interval")
	fs.DurationVar(&cfg.GenerationTimeout, "generation-timeout", getEnvDuration("GENERATION_TIMEOUT", cfg.GenerationTimeout), "Timeout for one generation call")
	fs.IntVar(&cfg.WindowSize, "window-size", getEnvInt("WINDOW_SIZE", cfg.WindowSize), "Samples retained per variant")

	fs.StringVar(&cfg.CacheDirectory, "cache-directory", getEnv("CACHE_DIRECTORY", cfg.CacheDirectory), "Directory for generated variants")
	fs.StringVar(&cfg.AuditDirectory, "audit-directory", getEnv("AUDIT_DIRECTORY", cfg.AuditDirectory), "Directory for the audit trail")
	fs.StringVar(&cfg.AuditBackend, "audit-backend", getEnv("AUDIT_BACKEND", cfg.AuditBackend), "Audit backend: file or sqlite")

	fs.StringVar(&cfg.CooldownStorage, "cooldown-storage", getEnv("COOLDOWN_STORAGE", cfg.CooldownStorage), "Cooldown storage: memory or redis")
	fs.StringVar(&cfg.Redis.Addr, "redis-addr", getEnv("REDIS_ADDR", cfg.Redis.Addr), "Redis server address")
	fs.StringVar(&cfg.Redis.Password, "redis-password", getEnv("REDIS_PASSWORD", cfg.Redis.Password), "Redis password")
	fs.IntVar(&cfg.Redis.DB, "redis-db", getEnvInt("REDIS_DB", cfg.Redis.DB), "Redis database number")
	fs.DurationVar(&cfg.Redis.TTL, "redis-ttl", getEnvDuration("REDIS_TTL", cfg.Redis.TTL), "Redis cooldown TTL (default twice the optimization interval)")

	fs.StringVar(&cfg.Generator.Kind, "generator", getEnv("GENERATOR", cfg.Generator.Kind), "Generator backend: genai, http or none")
	model := fs.String("generator-model", "", "Generator model name")
	url := fs.String("generator-url", "", "Generator endpoint (http backend)")

	fs.StringVar(&cfg.SourceRoot, "source-root", getEnv("SOURCE_ROOT", cfg.SourceRoot), "Root of the Go sources given to the generator as context")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Generator.Config = mergeGeneratorConfig(cfg.Generator.Config, parseGeneratorEnv())
	if *model != "" {
		cfg.Generator.Config["model"] = *model
	}
	if *url != "" {
		cfg.Generator.Config["url"] = *url
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 2 * cfg.OptimizationInterval()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports impossible values.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address cannot be empty"))
	}
	if c.PerformanceThreshold <= 0 {
		errs = append(errs, fmt.Errorf("performanceThreshold must be > 0, got %v", c.PerformanceThreshold))
	}
	if c.MinSampleSize < 1 {
		errs = append(errs, fmt.Errorf("minSampleSize must be >= 1, got %d", c.MinSampleSize))
	}
	if c.OptimizationIntervalHours < 0 {
		errs = append(errs, fmt.Errorf("optimizationIntervalHours must be >= 0, got %v", c.OptimizationIntervalHours))
	}
	if c.WindowSize < 1 {
		errs = append(errs, fmt.Errorf("windowSize must be >= 1, got %d", c.WindowSize))
	} else if c.MinSampleSize > c.WindowSize {
		errs = append(errs, fmt.Errorf("minSampleSize (%d) cannot exceed windowSize (%d)", c.MinSampleSize, c.WindowSize))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be > 0"))
	}
	if c.GenerationTimeout <= 0 {
		errs = append(errs, errors.New("generationTimeout must be > 0"))
	}
	if c.CacheDirectory == "" {
		errs = append(errs, errors.New("cacheDirectory cannot be empty"))
	}
	if c.AuditDirectory == "" {
		errs = append(errs, errors.New("auditDirectory cannot be empty"))
	}

	switch c.AuditBackend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("invalid auditBackend %q (must be file or sqlite)", c.AuditBackend))
	}

	switch c.CooldownStorage {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis address required when cooldownStorage=redis"))
		}
		// A stamp that expires before the interval ends re-arms generation early.
		if c.Redis.TTL < 0 || (c.Redis.TTL > 0 && c.Redis.TTL < c.OptimizationInterval()) {
			errs = append(errs, fmt.Errorf("redis ttl %v must cover optimizationInterval %v", c.Redis.TTL, c.OptimizationInterval()))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid cooldownStorage %q (must be memory or redis)", c.CooldownStorage))
	}

	switch c.Generator.Kind {
	case "none", "", "genai", "http":
	default:
		errs = append(errs, fmt.Errorf("invalid generator %q (must be genai, http or none)", c.Generator.Kind))
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid logFormat %q (must be text or json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// configFileArg finds -config-file in args before the flag set is built, so
// the file can seed the flag defaults.
func configFileArg(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name != "config-file" || !strings.HasPrefix(arg, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// parseGeneratorEnv turns GENERATOR_* variables into camelCase config keys.
func parseGeneratorEnv() map[string]string {
	config := make(map[string]string)
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, "GENERATOR_") || value == "" {
			continue
		}
		config[toLowerCamelCase(strings.TrimPrefix(key, "GENERATOR_"))] = value
	}
	return config
}

func mergeGeneratorConfig(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func toLowerCamelCase(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		switch {
		case b.Len() == 0:
		case p == "url":
			p = "URL"
		default:
			p = strings.ToUpper(p[:1]) + p[1:]
		}
		b.WriteString(p)
	}
	return b.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
