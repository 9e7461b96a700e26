package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a field is left out of warren.yml.
const (
	DefaultNamespace             = "etl"
	DefaultMaxRetries            = 2
	DefaultReviewThreshold       = 3
	DefaultMaxHumanRequests      = 6
	DefaultErrorRecoveryAttempts = 1
	DefaultMaxDelegations        = 8
	DefaultMaxSteps              = 64
	DefaultWorkerTimeout         = 5 * time.Minute
	DefaultRetryBackoff          = 200 * time.Millisecond
	DefaultServerAddr            = ":8080"
	DefaultSQLitePath            = ".warren/state.db"
	DefaultRedisURL              = "redis://localhost:6379/0"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// WarrenConfig represents the top-level warren.yml configuration
type WarrenConfig struct {
	Version   string                  `yaml:"version"`
	Namespace string                  `yaml:"namespace,omitempty"`
	Engine    *EngineConfig           `yaml:"engine,omitempty"`
	Store     *StoreConfig            `yaml:"store,omitempty"`
	Workers   map[string]WorkerConfig `yaml:"workers,omitempty"`
	Server    *ServerConfig           `yaml:"server,omitempty"`
}

// EngineConfig specifies execution engine limits.
// Pointer fields distinguish "unset" from an explicit zero.
type EngineConfig struct {
	MaxRetries            *int          `yaml:"max_retries,omitempty"`             // Retries after the first attempt (default 2)
	ReviewThreshold       int           `yaml:"review_threshold,omitempty"`        // Review failures before human escalation (default 3)
	MaxHumanRequests      int           `yaml:"max_human_requests,omitempty"`      // Human requests per session (default 6)
	ErrorRecoveryAttempts *int          `yaml:"error_recovery_attempts,omitempty"` // Error recovery prompts per session (default 1, 0 disables)
	MaxDelegations        int           `yaml:"max_delegations,omitempty"`         // Delegations per from->to pair (default 8)
	MaxSteps              int           `yaml:"max_steps,omitempty"`               // Router cycles per invocation (default 64)
	WorkerTimeout         time.Duration `yaml:"worker_timeout,omitempty"`          // Deadline per worker attempt (default 5m)
	RetryBackoff          time.Duration `yaml:"retry_backoff,omitempty"`           // Initial backoff between retries (default 200ms)
}

// StoreConfig selects the checkpoint and deliverable backend
type StoreConfig struct {
	Backend    string `yaml:"backend,omitempty"` // memory, redis or sqlite (default memory)
	RedisURL   string `yaml:"redis_url,omitempty"`
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// WorkerConfig specifies how a roster worker is executed.
// Exactly one of Command or Builtin must be set.
type WorkerConfig struct {
	Command     []string      `yaml:"command,omitempty"`
	Builtin     bool          `yaml:"builtin,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Environment []string      `yaml:"environment,omitempty"`
	Dir         string        `yaml:"dir,omitempty"`
}

// ServerConfig specifies the HTTP surface
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

var rosterNames = map[string]bool{
	"analyst":   true,
	"architect": true,
	"developer": true,
	"reviewer":  true,
}

// Default returns a configuration with every default applied and the
// built-in roster.
func Default() *WarrenConfig {
	c := &WarrenConfig{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return c
}

// Validate performs strict validation on the configuration and applies
// defaults for anything left unset.
func (c *WarrenConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}

	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if c.Workers == nil {
		c.Workers = make(map[string]WorkerConfig)
	}
	for name, w := range c.Workers {
		if !rosterNames[name] {
			return fmt.Errorf("workers: unknown worker '%s' (expected analyst, architect, developer or reviewer)", name)
		}
		if err := w.Validate(name); err != nil {
			return err
		}
	}
	// Workers left out of the file use the built-in implementation.
	for name := range rosterNames {
		if _, ok := c.Workers[name]; !ok {
			c.Workers[name] = WorkerConfig{Builtin: true}
		}
	}

	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}

	return nil
}

// Validate applies engine defaults and checks ranges
func (e *EngineConfig) Validate() error {
	if e.MaxRetries == nil {
		v := DefaultMaxRetries
		e.MaxRetries = &v
	}
	if *e.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", *e.MaxRetries)
	}

	if e.ErrorRecoveryAttempts == nil {
		v := DefaultErrorRecoveryAttempts
		e.ErrorRecoveryAttempts = &v
	}
	if *e.ErrorRecoveryAttempts < 0 {
		return fmt.Errorf("error_recovery_attempts must be >= 0, got %d", *e.ErrorRecoveryAttempts)
	}

	if e.ReviewThreshold == 0 {
		e.ReviewThreshold = DefaultReviewThreshold
	}
	if e.ReviewThreshold < 1 {
		return fmt.Errorf("review_threshold must be >= 1, got %d", e.ReviewThreshold)
	}

	if e.MaxHumanRequests == 0 {
		e.MaxHumanRequests = DefaultMaxHumanRequests
	}
	if e.MaxHumanRequests < 1 {
		return fmt.Errorf("max_human_requests must be >= 1, got %d", e.MaxHumanRequests)
	}

	if e.MaxDelegations == 0 {
		e.MaxDelegations = DefaultMaxDelegations
	}
	if e.MaxDelegations < 1 {
		return fmt.Errorf("max_delegations must be >= 1, got %d", e.MaxDelegations)
	}

	if e.MaxSteps == 0 {
		e.MaxSteps = DefaultMaxSteps
	}
	if e.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be >= 1, got %d", e.MaxSteps)
	}

	if e.WorkerTimeout == 0 {
		e.WorkerTimeout = DefaultWorkerTimeout
	}
	if e.WorkerTimeout < 0 {
		return fmt.Errorf("worker_timeout must be positive, got %s", e.WorkerTimeout)
	}

	if e.RetryBackoff == 0 {
		e.RetryBackoff = DefaultRetryBackoff
	}
	if e.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff must be positive, got %s", e.RetryBackoff)
	}

	return nil
}

// Retries returns the configured retry count.
func (e *EngineConfig) Retries() int {
	if e.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *e.MaxRetries
}

// RecoveryAttempts returns the configured error recovery budget.
func (e *EngineConfig) RecoveryAttempts() int {
	if e.ErrorRecoveryAttempts == nil {
		return DefaultErrorRecoveryAttempts
	}
	return *e.ErrorRecoveryAttempts
}

// Validate applies store defaults
func (s *StoreConfig) Validate() error {
	if s.Backend == "" {
		s.Backend = BackendMemory
	}

	switch s.Backend {
	case BackendMemory:
	case BackendRedis:
		if s.RedisURL == "" {
			s.RedisURL = DefaultRedisURL
		}
	case BackendSQLite:
		if s.SQLitePath == "" {
			s.SQLitePath = DefaultSQLitePath
		}
	default:
		return fmt.Errorf("unknown backend '%s' (expected memory, redis or sqlite)", s.Backend)
	}

	return nil
}

// Validate performs validation on a single worker configuration
func (w *WorkerConfig) Validate(name string) error {
	if w.Builtin && len(w.Command) > 0 {
		return fmt.Errorf("worker '%s': builtin and command are mutually exclusive", name)
	}
	if !w.Builtin && len(w.Command) == 0 {
		return fmt.Errorf("worker '%s': command is required unless builtin is true", name)
	}
	if w.Timeout < 0 {
		return fmt.Errorf("worker '%s': timeout must be positive", name)
	}
	return nil
}

// Load reads and validates warren.yml from the specified path
func Load(path string) (*WarrenConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates warren.yml content. Unknown keys are
// rejected.
func Parse(data []byte) (*WarrenConfig, error) {
	var config WarrenConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadOrDefault loads path when it exists and falls back to Default when
// path is empty or the file is absent.
func LoadOrDefault(path string) (*WarrenConfig, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}
