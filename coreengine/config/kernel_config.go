// Package config holds the kernel configuration.
//
// Defaults reproduce the classic teaching kernel: 64 process slots, two
// CPUs, and an aging threshold of 8000 ticks. Load layers a config file and
// MFQ_* environment variables over those defaults.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/typeutil"
)

// KernelConfig configures the kernel, its devices, and the binaries around
// it.
type KernelConfig struct {
	// Table and CPUs
	NProc  int `json:"nproc" mapstructure:"nproc"`
	NCPU   int `json:"ncpu" mapstructure:"ncpu"`
	NOFile int `json:"nofile" mapstructure:"nofile"`

	// Scheduling
	AgingThreshold     int           `json:"aging_threshold" mapstructure:"aging_threshold"`
	QuantumWeight      float64       `json:"quantum_weight" mapstructure:"quantum_weight"`
	BJFDefaultPriority int           `json:"bjf_default_priority" mapstructure:"bjf_default_priority"`
	TickInterval       time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	IdleBackoff        time.Duration `json:"idle_backoff" mapstructure:"idle_backoff"`
	ShellName          string        `json:"shell_name" mapstructure:"shell_name"`
	ShellPrepass       bool          `json:"shell_prepass" mapstructure:"shell_prepass"` // every non-shell process back to RR before each selection

	// Memory
	PageSize    int `json:"page_size" mapstructure:"page_size"`
	MemoryPages int `json:"memory_pages" mapstructure:"memory_pages"`

	// Demo workload forked by the shell
	Workload int `json:"workload" mapstructure:"workload"`

	// Event fan-out
	EventWorkers int `json:"event_workers" mapstructure:"event_workers"`

	// Per-client gRPC request limit; 0 disables limiting
	RateLimitPerMinute int `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`

	// Logging
	LogLevel  string `json:"log_level" mapstructure:"log_level"`
	LogFormat string `json:"log_format" mapstructure:"log_format"`

	// Endpoints
	GRPCAddr     string `json:"grpc_addr" mapstructure:"grpc_addr"`
	MetricsAddr  string `json:"metrics_addr" mapstructure:"metrics_addr"`
	OTLPEndpoint string `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`
}

// DefaultKernelConfig returns a KernelConfig with default values.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		NProc:  64,
		NCPU:   2,
		NOFile: 16,

		AgingThreshold:     8000,
		QuantumWeight:      0.1,
		BJFDefaultPriority: 2,
		TickInterval:       10 * time.Millisecond,
		IdleBackoff:        time.Millisecond,
		ShellName:          "sh",
		ShellPrepass:       true,

		PageSize:    4096,
		MemoryPages: 4096,

		Workload: 4,

		EventWorkers: 4,

		RateLimitPerMinute: 600,

		LogLevel:  "info",
		LogFormat: "text",

		GRPCAddr:     ":50051",
		MetricsAddr:  ":9090",
		OTLPEndpoint: "",
	}
}

// KernelConfigFromMap creates a KernelConfig from a map. Unknown keys are
// ignored and missing keys keep their defaults.
func KernelConfigFromMap(m map[string]any) *KernelConfig {
	c := DefaultKernelConfig()

	c.NProc = typeutil.SafeIntDefault(m["nproc"], c.NProc)
	c.NCPU = typeutil.SafeIntDefault(m["ncpu"], c.NCPU)
	c.NOFile = typeutil.SafeIntDefault(m["nofile"], c.NOFile)

	c.AgingThreshold = typeutil.SafeIntDefault(m["aging_threshold"], c.AgingThreshold)
	c.QuantumWeight = typeutil.SafeFloat64Default(m["quantum_weight"], c.QuantumWeight)
	c.BJFDefaultPriority = typeutil.SafeIntDefault(m["bjf_default_priority"], c.BJFDefaultPriority)
	c.TickInterval = typeutil.SafeDurationDefault(m["tick_interval"], c.TickInterval)
	c.IdleBackoff = typeutil.SafeDurationDefault(m["idle_backoff"], c.IdleBackoff)
	c.ShellName = typeutil.SafeStringDefault(m["shell_name"], c.ShellName)
	c.ShellPrepass = typeutil.SafeBoolDefault(m["shell_prepass"], c.ShellPrepass)

	c.PageSize = typeutil.SafeIntDefault(m["page_size"], c.PageSize)
	c.MemoryPages = typeutil.SafeIntDefault(m["memory_pages"], c.MemoryPages)

	c.Workload = typeutil.SafeIntDefault(m["workload"], c.Workload)
	c.EventWorkers = typeutil.SafeIntDefault(m["event_workers"], c.EventWorkers)
	c.RateLimitPerMinute = typeutil.SafeIntDefault(m["rate_limit_per_minute"], c.RateLimitPerMinute)

	c.LogLevel = typeutil.SafeStringDefault(m["log_level"], c.LogLevel)
	c.LogFormat = typeutil.SafeStringDefault(m["log_format"], c.LogFormat)

	c.GRPCAddr = typeutil.SafeStringDefault(m["grpc_addr"], c.GRPCAddr)
	c.MetricsAddr = typeutil.SafeStringDefault(m["metrics_addr"], c.MetricsAddr)
	c.OTLPEndpoint = typeutil.SafeStringDefault(m["otlp_endpoint"], c.OTLPEndpoint)

	return c
}

// ToMap converts config to a map.
func (c *KernelConfig) ToMap() map[string]any {
	return map[string]any{
		"nproc":                 c.NProc,
		"ncpu":                  c.NCPU,
		"nofile":                c.NOFile,
		"aging_threshold":       c.AgingThreshold,
		"quantum_weight":        c.QuantumWeight,
		"bjf_default_priority":  c.BJFDefaultPriority,
		"tick_interval":         c.TickInterval.String(),
		"idle_backoff":          c.IdleBackoff.String(),
		"shell_name":            c.ShellName,
		"shell_prepass":         c.ShellPrepass,
		"page_size":             c.PageSize,
		"memory_pages":          c.MemoryPages,
		"workload":              c.Workload,
		"event_workers":         c.EventWorkers,
		"rate_limit_per_minute": c.RateLimitPerMinute,
		"log_level":             c.LogLevel,
		"log_format":            c.LogFormat,
		"grpc_addr":             c.GRPCAddr,
		"metrics_addr":          c.MetricsAddr,
		"otlp_endpoint":         c.OTLPEndpoint,
	}
}

// Validate rejects configurations the kernel cannot run with.
func (c *KernelConfig) Validate() error {
	switch {
	case c.NProc < 2:
		return fmt.Errorf("nproc must be at least 2, got %d", c.NProc)
	case c.NCPU < 1:
		return fmt.Errorf("ncpu must be at least 1, got %d", c.NCPU)
	case c.NOFile < 1:
		return fmt.Errorf("nofile must be at least 1, got %d", c.NOFile)
	case c.AgingThreshold < 0:
		return fmt.Errorf("aging_threshold must not be negative, got %d", c.AgingThreshold)
	case c.QuantumWeight < 0:
		return fmt.Errorf("quantum_weight must not be negative, got %g", c.QuantumWeight)
	case c.TickInterval <= 0:
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	case c.IdleBackoff < 0:
		return fmt.Errorf("idle_backoff must not be negative, got %s", c.IdleBackoff)
	case c.PageSize < 1:
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	case c.MemoryPages < c.NProc:
		return fmt.Errorf("memory_pages (%d) must cover at least one page per slot (%d)", c.MemoryPages, c.NProc)
	case c.EventWorkers < 1:
		return fmt.Errorf("event_workers must be at least 1, got %d", c.EventWorkers)
	case c.RateLimitPerMinute < 0:
		return fmt.Errorf("rate_limit_per_minute must not be negative, got %d", c.RateLimitPerMinute)
	}
	return nil
}

// =============================================================================
// GLOBAL CONFIG (set by the binary at startup)
// =============================================================================

var (
	globalConfig *KernelConfig
	configMu     sync.RWMutex
)

// Get returns the injected config, or defaults if none was set.
func Get() *KernelConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalConfig == nil {
		return DefaultKernelConfig()
	}
	return globalConfig
}

// Set installs the global config.
func Set(c *KernelConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalConfig = c
}

// Reset clears the global config so Get returns defaults again.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()

	globalConfig = nil
}
