package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Configuration system:
// - config.example.toml is generated with `core_governor generate-config`
// - TOML is the primary format; .yaml/.yml files are accepted as well
// - Use brief comments here for reference only

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Metrics endpoint configuration
	Server ServerConfig `toml:"server" yaml:"server"`

	// Polling loop and prime thread constants
	Scheduler SchedulerConfig `toml:"scheduler" yaml:"scheduler"`

	// Per-process rules, matched by lowercase image name
	Processes []ProcessRule `toml:"process" yaml:"processes"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
}

// ServerConfig contains HTTP metrics server settings
type ServerConfig struct {
	// Serve Prometheus metrics (default: false)
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// Listen address (default: "localhost:9190")
	ListenAddress string `toml:"listen_address" yaml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path" yaml:"metrics_path"`
}

// SchedulerConfig contains the polling loop settings and the hysteresis constants.
type SchedulerConfig struct {
	// Sleep between cycles in milliseconds (default: 5000)
	IntervalMs int `toml:"interval_ms" yaml:"interval_ms"`

	// Stop after this many cycles, 0 runs until terminated (default: 0)
	LoopCount int `toml:"loop_count" yaml:"loop_count"`

	// Consecutive qualifying cycles before a thread is pinned (default: 2)
	MinActiveStreak uint8 `toml:"min_active_streak" yaml:"min_active_streak"`

	// Fraction of the busiest thread's cycles a prime thread must keep (default: 0.69)
	KeepThreshold float64 `toml:"keep_threshold" yaml:"keep_threshold"`

	// Fraction of the busiest thread's cycles a candidate must reach (default: 0.42)
	EntryThreshold float64 `toml:"entry_threshold" yaml:"entry_threshold"`

	// Repeated identical failures are logged at most once per this many seconds (default: 300)
	LogSuppressSeconds int `toml:"log_suppress_seconds" yaml:"log_suppress_seconds"`
}

// ProcessRule is the on-disk form of a per-process policy.
// CPU lists accept indices, ranges and masks: "0-3,8;10", "0xF0".
type ProcessRule struct {
	// Image name, e.g. "game.exe" (matched case-insensitively)
	Name string `toml:"name" yaml:"name"`

	// Priority class: idle, below_normal, normal, above_normal, high, realtime
	Priority string `toml:"priority" yaml:"priority"`

	// Legacy affinity as logical processor indices (< 64 only)
	Affinity string `toml:"affinity" yaml:"affinity"`

	// Default CPU set for all threads of the process
	CPUSet string `toml:"cpu_set" yaml:"cpu_set"`

	// Prime cores hot threads are pinned to
	PrimeThreadsCPUs string `toml:"prime_threads_cpus" yaml:"prime_threads_cpus"`

	// Ordered start-module filters, first match wins
	PrimeThreadsPrefixes []PrefixRule `toml:"prime_threads_prefixes" yaml:"prime_threads_prefixes"`

	// Emit a post-mortem report of the busiest threads when the process exits
	PrimeThreadsMonitor bool `toml:"prime_threads_monitor" yaml:"prime_threads_monitor"`

	// History length for the report (default: 2 x logical processors)
	PrimeThreadsTopX int `toml:"prime_threads_top_x" yaml:"prime_threads_top_x"`

	// Maximum simultaneous prime threads, 0 for no limit
	PrimeThreadsMax int `toml:"prime_threads_max" yaml:"prime_threads_max"`
}

// PrefixRule restricts promotion to threads whose start module begins with Prefix.
type PrefixRule struct {
	Prefix         string `toml:"prefix" yaml:"prefix"`
	CPUs           string `toml:"cpus" yaml:"cpus"`
	ThreadPriority string `toml:"thread_priority" yaml:"thread_priority"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults" yaml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs" yaml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level" yaml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller" yaml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field" yaml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format" yaml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location" yaml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog", "eventlog"
	Type string `toml:"type" yaml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// Configuration specific to the output type
	Console  *ConsoleConfig  `toml:"console,omitempty" yaml:"console,omitempty"`
	File     *FileConfig     `toml:"file,omitempty" yaml:"file,omitempty"`
	Syslog   *SyslogConfig   `toml:"syslog,omitempty" yaml:"syslog,omitempty"`
	Eventlog *EventlogConfig `toml:"eventlog,omitempty" yaml:"eventlog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io" yaml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format" yaml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output" yaml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string" yaml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer" yaml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async" yaml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename" yaml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size" yaml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups" yaml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format" yaml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time" yaml:"local_time"`

	// Include hostname in filename (default: false)
	HostName bool `toml:"host_name" yaml:"host_name"`

	// Include process ID in filename (default: false)
	ProcessID bool `toml:"process_id" yaml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder" yaml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async" yaml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	Network  string `toml:"network" yaml:"network"`
	Address  string `toml:"address" yaml:"address"`
	Hostname string `toml:"hostname" yaml:"hostname"`
	Tag      string `toml:"tag" yaml:"tag"`
	Marker   string `toml:"marker" yaml:"marker"`
	Async    bool   `toml:"async" yaml:"async"`
}

// EventlogConfig contains Windows Event Log settings
type EventlogConfig struct {
	Source string `toml:"source" yaml:"source"`
	ID     int    `toml:"id" yaml:"id"`
	Host   string `toml:"host" yaml:"host"`
	Async  bool   `toml:"async" yaml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Enabled:       false,
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
		},
		Scheduler: SchedulerConfig{
			IntervalMs:         5000,
			LoopCount:          0,
			MinActiveStreak:    2,
			KeepThreshold:      0.69,
			EntryThreshold:     0.42,
			LogSuppressSeconds: 300,
		},
		Processes: []ProcessRule{},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/core_governor.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "eventlog",
					Enabled: false,
					Eventlog: &EventlogConfig{
						Source: "Core Governor",
						ID:     1000,
						Async:  false,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML or YAML file on top of the defaults.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	default:
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// ExampleConfig returns the defaults plus one illustrative process rule.
func ExampleConfig() *AppConfig {
	config := DefaultConfig()
	config.Processes = []ProcessRule{
		{
			Name:             "game.exe",
			Priority:         "above_normal",
			CPUSet:           "0-15",
			PrimeThreadsCPUs: "0-3",
			PrimeThreadsPrefixes: []PrefixRule{
				{Prefix: "unityplayer.dll", CPUs: "0-1", ThreadPriority: "highest"},
				{Prefix: "game.exe"},
			},
			PrimeThreadsMonitor: true,
		},
	}
	return config
}

// GenerateExampleConfig generates a TOML configuration file with example values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# Core Governor Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(ExampleConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
// An entry threshold at or above the keep threshold is allowed; the scheduler
// does not enforce the hysteresis band, Warnings reports it instead.
func (c *AppConfig) Validate() error {
	s := c.Scheduler
	if s.IntervalMs <= 0 {
		return fmt.Errorf("scheduler.interval_ms must be positive, got %d", s.IntervalMs)
	}
	if s.LoopCount < 0 {
		return fmt.Errorf("scheduler.loop_count cannot be negative")
	}
	if s.MinActiveStreak < 1 {
		return fmt.Errorf("scheduler.min_active_streak must be at least 1")
	}
	if s.KeepThreshold <= 0 || s.KeepThreshold > 1 {
		return fmt.Errorf("scheduler.keep_threshold must be in (0,1], got %v", s.KeepThreshold)
	}
	if s.EntryThreshold <= 0 || s.EntryThreshold > 1 {
		return fmt.Errorf("scheduler.entry_threshold must be in (0,1], got %v", s.EntryThreshold)
	}

	if c.Server.Enabled {
		if c.Server.ListenAddress == "" {
			return fmt.Errorf("server.listen_address cannot be empty")
		}
		if c.Server.MetricsPath == "" {
			return fmt.Errorf("server.metrics_path cannot be empty")
		}
	}

	seen := make(map[string]struct{}, len(c.Processes))
	for i, p := range c.Processes {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return fmt.Errorf("process[%d]: name cannot be empty", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("process %q is configured more than once", name)
		}
		seen[name] = struct{}{}

		for field, spec := range map[string]string{
			"affinity":           p.Affinity,
			"cpu_set":            p.CPUSet,
			"prime_threads_cpus": p.PrimeThreadsCPUs,
		} {
			if _, err := ParseCPUList(spec); err != nil {
				return fmt.Errorf("process %q: %s: %w", name, field, err)
			}
		}
		for j, pr := range p.PrimeThreadsPrefixes {
			if _, err := ParseCPUList(pr.CPUs); err != nil {
				return fmt.Errorf("process %q: prime_threads_prefixes[%d].cpus: %w", name, j, err)
			}
		}
		if p.PrimeThreadsTopX < 0 || p.PrimeThreadsMax < 0 {
			return fmt.Errorf("process %q: prime_threads_top_x and prime_threads_max cannot be negative", name)
		}
	}

	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// Warnings returns non-fatal configuration problems.
func (c *AppConfig) Warnings() []string {
	var out []string
	if c.Scheduler.EntryThreshold >= c.Scheduler.KeepThreshold {
		out = append(out, fmt.Sprintf(
			"entry_threshold (%v) is not below keep_threshold (%v): promoted threads may flap",
			c.Scheduler.EntryThreshold, c.Scheduler.KeepThreshold))
	}
	return out
}
