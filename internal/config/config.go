// Package config handles loading and validating branchdiff configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for branchdiff.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty" toml:"workspace,omitempty"` // Workspace root. Default: ~/.branchdiff/workspace. Override: BRANCHDIFF_WORKSPACE env var.
	Pipeline      PipelineConfig       `json:"pipeline" yaml:"pipeline" toml:"pipeline"`
	Git           GitConfig            `json:"git" yaml:"git" toml:"git"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Browser       BrowserConfig        `json:"browser" yaml:"browser" toml:"browser"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways" toml:"gateways"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty" toml:"janitor,omitempty"`                   // nil = no scheduled sweeping
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = observability disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty" toml:"secrets,omitempty"`                   // Backends for git.token references.
}

// PipelineConfig holds the diff pipeline's budgets and limits.
// Zero values fall back to the defaults returned by the accessor methods.
type PipelineConfig struct {
	OverallTimeoutSeconds    int     `json:"overall_timeout_seconds" yaml:"overall_timeout_seconds" toml:"overall_timeout_seconds"`       // Default: 90
	CloneTimeoutSeconds      int     `json:"clone_timeout_seconds" yaml:"clone_timeout_seconds" toml:"clone_timeout_seconds"`             // Default: 60
	InstallTimeoutSeconds    int     `json:"install_timeout_seconds" yaml:"install_timeout_seconds" toml:"install_timeout_seconds"`       // Default: 300
	BuildTimeoutSeconds      int     `json:"build_timeout_seconds" yaml:"build_timeout_seconds" toml:"build_timeout_seconds"`             // Default: 300
	ReadinessTimeoutSeconds  int     `json:"readiness_timeout_seconds" yaml:"readiness_timeout_seconds" toml:"readiness_timeout_seconds"` // Default: 30
	NavigationTimeoutSeconds int     `json:"navigation_timeout_seconds" yaml:"navigation_timeout_seconds" toml:"navigation_timeout_seconds"`
	TeardownGraceSeconds     int     `json:"teardown_grace_seconds" yaml:"teardown_grace_seconds" toml:"teardown_grace_seconds"`
	MaxSandboxMB             int64   `json:"max_sandbox_mb" yaml:"max_sandbox_mb" toml:"max_sandbox_mb"`                   // Default: 500
	LogRetentionChars        int     `json:"log_retention_chars" yaml:"log_retention_chars" toml:"log_retention_chars"`    // Default: 3000
	JobLogBytes              int     `json:"job_log_bytes" yaml:"job_log_bytes" toml:"job_log_bytes"`                      // Default: 64 KiB
	ProbeIntervalMS          int     `json:"probe_interval_ms" yaml:"probe_interval_ms" toml:"probe_interval_ms"`          // Default: 2000
	ProbeRequestTimeoutMS    int     `json:"probe_request_timeout_ms" yaml:"probe_request_timeout_ms" toml:"probe_request_timeout_ms"`
	DiffThreshold            float64 `json:"diff_threshold" yaml:"diff_threshold" toml:"diff_threshold"`       // 0..1. Default: 0.1
	DefaultBaseline          string  `json:"default_baseline" yaml:"default_baseline" toml:"default_baseline"` // Used when the default branch cannot be looked up. Default: "main"
}

func seconds(v, def int) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(def) * time.Second
}

// OverallTimeout returns the whole-request budget with a default of 90s.
func (p *PipelineConfig) OverallTimeout() time.Duration { return seconds(p.OverallTimeoutSeconds, 90) }

// CloneTimeout returns the clone budget with a default of 60s.
func (p *PipelineConfig) CloneTimeout() time.Duration { return seconds(p.CloneTimeoutSeconds, 60) }

// InstallTimeout returns the dependency install budget with a default of 5m.
func (p *PipelineConfig) InstallTimeout() time.Duration {
	return seconds(p.InstallTimeoutSeconds, 300)
}

// BuildTimeout returns the production build budget with a default of 5m.
func (p *PipelineConfig) BuildTimeout() time.Duration { return seconds(p.BuildTimeoutSeconds, 300) }

// ReadinessTimeout returns the readiness budget with a default of 30s.
func (p *PipelineConfig) ReadinessTimeout() time.Duration {
	return seconds(p.ReadinessTimeoutSeconds, 30)
}

// NavigationTimeout returns the browser navigation budget with a default of 30s.
func (p *PipelineConfig) NavigationTimeout() time.Duration {
	return seconds(p.NavigationTimeoutSeconds, 30)
}

// TeardownGrace returns how long teardown waits for tracks to unwind. Default: 10s.
func (p *PipelineConfig) TeardownGrace() time.Duration {
	return seconds(p.TeardownGraceSeconds, 10)
}

// MaxSandboxBytes returns the checkout quota with a default of 500 MB.
func (p *PipelineConfig) MaxSandboxBytes() int64 {
	if p.MaxSandboxMB > 0 {
		return p.MaxSandboxMB << 20
	}
	return 500 << 20
}

// LogChars returns the combined log retention cap with a default of 3000.
func (p *PipelineConfig) LogChars() int {
	if p.LogRetentionChars > 0 {
		return p.LogRetentionChars
	}
	return 3000
}

// ProbeInterval returns the readiness poll interval with a default of 2s.
func (p *PipelineConfig) ProbeInterval() time.Duration {
	if p.ProbeIntervalMS > 0 {
		return time.Duration(p.ProbeIntervalMS) * time.Millisecond
	}
	return 2 * time.Second
}

// ProbeRequestTimeout returns the per-probe HTTP timeout with a default of 2s.
func (p *PipelineConfig) ProbeRequestTimeout() time.Duration {
	if p.ProbeRequestTimeoutMS > 0 {
		return time.Duration(p.ProbeRequestTimeoutMS) * time.Millisecond
	}
	return 2 * time.Second
}

// Baseline returns the fallback baseline ref with a default of "main".
func (p *PipelineConfig) Baseline() string {
	if p.DefaultBaseline != "" {
		return p.DefaultBaseline
	}
	return "main"
}

// GitConfig configures repository access.
// The token can be set here or via GITHUB_TOKEN / BRANCHDIFF_GIT_TOKEN env vars.
// Environment variables take precedence over config values.
type GitConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"`                                                    // Clone host. Default: "https://github.com"
	APIURL  string `json:"api_url" yaml:"api_url" toml:"api_url"`                                                       // REST API. Default: "https://api.github.com"
	Token   string `json:"token,omitempty" yaml:"token,omitempty" toml:"token,omitempty"`                               // Literal token or env://, file:// or vault:// reference. Override: BRANCHDIFF_GIT_TOKEN or GITHUB_TOKEN env var.
	Depth   int    `json:"depth,omitempty" yaml:"depth,omitempty" toml:"depth,omitempty"`                               // Clone depth. Default: 1
	Timeout int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty"` // Metadata API timeout. Default: 10
}

// CloneBaseURL returns the clone host with a default of https://github.com.
func (g *GitConfig) CloneBaseURL() string {
	if g.BaseURL != "" {
		return strings.TrimRight(g.BaseURL, "/")
	}
	return "https://github.com"
}

// RESTURL returns the metadata API base with a default of https://api.github.com.
func (g *GitConfig) RESTURL() string {
	if g.APIURL != "" {
		return strings.TrimRight(g.APIURL, "/")
	}
	return "https://api.github.com"
}

// APITimeout returns the metadata request timeout with a default of 10s.
func (g *GitConfig) APITimeout() time.Duration { return seconds(g.Timeout, 10) }

// SandboxConfig selects where install and build steps run.
type SandboxConfig struct {
	Runtime       string              `json:"runtime" yaml:"runtime" toml:"runtime"`                      // "process" or "docker". Default: "process"
	Path          string              `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"` // PATH given to scripts.
	MaxCPUSeconds int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds" toml:"max_cpu_seconds"`
	MaxMemoryMB   int                 `json:"max_memory_mb" yaml:"max_memory_mb" toml:"max_memory_mb"`
	MaxProcesses  int                 `json:"max_processes" yaml:"max_processes" toml:"max_processes"` // Docker PIDs limit when docker.pids_limit is unset.
	Docker        DockerSandboxConfig `json:"docker" yaml:"docker" toml:"docker"`
}

// RuntimeName returns the sandbox runtime with a default of "process".
func (s *SandboxConfig) RuntimeName() string {
	if s.Runtime != "" {
		return s.Runtime
	}
	return "process"
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image     string  `json:"image" yaml:"image" toml:"image"`                // Container image. Default: "node:22-bookworm-slim"
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores" toml:"cpu_cores"`    // Docker --cpus flag. 0 = 2.0 default.
	MemoryMB  int     `json:"memory_mb" yaml:"memory_mb" toml:"memory_mb"`    // Docker --memory flag. 0 = 2048 default.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit" toml:"pids_limit"` // Docker --pids-limit flag. 0 = 512 default.
	User      string  `json:"user,omitempty" yaml:"user,omitempty" toml:"user,omitempty"`
}

// BrowserConfig configures the headless browser used for screenshots.
type BrowserConfig struct {
	ExecPath      string `json:"exec_path,omitempty" yaml:"exec_path,omitempty" toml:"exec_path,omitempty"` // Override: BRANCHDIFF_CHROME_PATH env var.
	Width         int    `json:"width" yaml:"width" toml:"width"`                                         // Viewport width. Default: 1280
	Height        int    `json:"height" yaml:"height" toml:"height"`                                      // Viewport height. Default: 800
	NetworkIdleMS int    `json:"network_idle_ms" yaml:"network_idle_ms" toml:"network_idle_ms"`          // Max wait for network to settle. Default: 5000
	NoSandbox     bool   `json:"no_sandbox" yaml:"no_sandbox" toml:"no_sandbox"`                          // Needed when running as root in containers.
}

// NetworkIdleWait returns the network-settle wait with a default of 5s.
func (b *BrowserConfig) NetworkIdleWait() time.Duration {
	if b.NetworkIdleMS > 0 {
		return time.Duration(b.NetworkIdleMS) * time.Millisecond
	}
	return 5 * time.Second
}

// GatewaysConfig configures the network surfaces.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty" toml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty" toml:"websocket,omitempty"` // Progress stream.
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled" toml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs" toml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes" toml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping" toml:"api_key_user_mapping"` // API key → user ID. Empty = no auth.
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures the progress stream.
type WebSocketGatewayConfig struct {
	Enabled                  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path                     string `json:"path" yaml:"path" toml:"path"`                                                       // Default: "/ws/diffs"
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds" toml:"heartbeat_interval_seconds"` // Default: 30
}

// WSPath returns the WebSocket path with a default of "/ws/diffs".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/diffs"
}

// WSHeartbeatInterval returns the heartbeat interval with a default of 30s.
func (w *WebSocketGatewayConfig) WSHeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatIntervalSeconds > 0 {
		return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// RateLimitConfig configures admission control for diff runs.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size" toml:"burst_size"`
	MaxConcurrentRuns int `json:"max_concurrent_runs" yaml:"max_concurrent_runs" toml:"max_concurrent_runs"` // Default: 2
}

// ConcurrentRuns returns the run cap with a default of 2.
func (r *RateLimitConfig) ConcurrentRuns() int {
	if r.MaxConcurrentRuns > 0 {
		return r.MaxConcurrentRuns
	}
	return 2
}

// JanitorConfig configures scheduled removal of orphaned job directories.
type JanitorConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Schedule      string `json:"schedule" yaml:"schedule" toml:"schedule"`                      // Cron spec. Default: "*/10 * * * *"
	MaxAgeMinutes int    `json:"max_age_minutes" yaml:"max_age_minutes" toml:"max_age_minutes"` // Default: 30
}

// CronSchedule returns the sweep schedule with a default of every 10 minutes.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "*/10 * * * *"
}

// MaxAge returns the age after which a job directory is orphaned. Default: 30m.
func (j *JanitorConfig) MaxAge() time.Duration {
	if j != nil && j.MaxAgeMinutes > 0 {
		return time.Duration(j.MaxAgeMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// SecretsConfig configures the backends git.token references may use.
// env:// and file:// references need no configuration.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty" toml:"vault,omitempty"`
}

// VaultConfig configures the HashiCorp Vault KV v2 backend for vault:// references.
type VaultConfig struct {
	Address        string `json:"address" yaml:"address" toml:"address"`                         // Override: VAULT_ADDR env var.
	Token          string `json:"token,omitempty" yaml:"token,omitempty" toml:"token,omitempty"` // Override: VAULT_TOKEN env var.
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty" toml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty"`
	TLSSkipVerify  bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty" toml:"tls_skip_verify,omitempty"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty" toml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"` // OTLP endpoint, e.g. "localhost:4317"
	Protocol string `json:"protocol" yaml:"protocol" toml:"protocol"` // "grpc" or "http". Default: "grpc"
	Insecure bool   `json:"insecure" yaml:"insecure" toml:"insecure"` // Skip TLS for dev

	// Headers are sent with every export, e.g. collector auth.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`

	ServiceName string            `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "branchdiff"
	Environment string            `json:"environment,omitempty" yaml:"environment,omitempty" toml:"environment,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty" toml:"attributes,omitempty"`

	// SampleRate is the fraction of diff runs traced. Default: 1.0
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`
}

// HealthConfig selects the dependency checks behind the readiness probe.
type HealthConfig struct {
	IncludeBrowser        bool `json:"include_browser" yaml:"include_browser" toml:"include_browser"`
	IncludeSandbox        bool `json:"include_sandbox" yaml:"include_sandbox" toml:"include_sandbox"`
	IncludePackageManager bool `json:"include_package_manager" yaml:"include_package_manager" toml:"include_package_manager"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds"`                   // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.branchdiff/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/branchdiff.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".branchdiff", "config.yaml")
}

// Default returns a configuration that needs no file: the HTTP gateway on
// :8080, process sandbox, all pipeline defaults. Environment overrides apply.
func Default() *Config {
	cfg := &Config{
		Gateways: GatewaysConfig{
			HTTP: &HTTPGatewayConfig{Enabled: true, ListenAddr: ":8080"},
		},
	}
	applyEnv(cfg)
	return cfg
}

// Load reads a JSON, YAML or TOML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, .toml for
// TOML, everything else for JSON. The git token and workspace can be set in
// the config file or overridden by environment variables. Environment
// variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return Load(resolved)
}

// Parse decodes data in the format named by ext (".json", ".yaml", ".yml", ".toml").
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("TOML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("JSON: %w", err)
		}
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides. Env vars take precedence
// over config values.
func applyEnv(cfg *Config) {
	if envWS := os.Getenv("BRANCHDIFF_WORKSPACE"); envWS != "" {
		cfg.Workspace = envWS
	}

	// Clone token: the dedicated variable wins over the generic one.
	if envKey := os.Getenv("GITHUB_TOKEN"); envKey != "" {
		cfg.Git.Token = envKey
	}
	if envKey := os.Getenv("BRANCHDIFF_GIT_TOKEN"); envKey != "" {
		cfg.Git.Token = envKey
	}

	if envPath := os.Getenv("BRANCHDIFF_CHROME_PATH"); envPath != "" {
		cfg.Browser.ExecPath = envPath
	}

	// API keys as "key:user,key2:user2".
	if envKeys := os.Getenv("BRANCHDIFF_API_KEYS"); envKeys != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		if cfg.Gateways.HTTP.APIKeyUserMapping == nil {
			cfg.Gateways.HTTP.APIKeyUserMapping = make(map[string]string)
		}
		for _, pair := range strings.Split(envKeys, ",") {
			key, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok || key == "" {
				continue
			}
			cfg.Gateways.HTTP.APIKeyUserMapping[key] = user
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedWorkspace returns the workspace root, resolving ~ if needed. Empty
// means the workspace package default.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		return ""
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

func (c *Config) validate() error {
	p := &c.Pipeline
	for name, v := range map[string]int{
		"pipeline.overall_timeout_seconds":    p.OverallTimeoutSeconds,
		"pipeline.clone_timeout_seconds":      p.CloneTimeoutSeconds,
		"pipeline.install_timeout_seconds":    p.InstallTimeoutSeconds,
		"pipeline.build_timeout_seconds":      p.BuildTimeoutSeconds,
		"pipeline.readiness_timeout_seconds":  p.ReadinessTimeoutSeconds,
		"pipeline.navigation_timeout_seconds": p.NavigationTimeoutSeconds,
		"pipeline.log_retention_chars":        p.LogRetentionChars,
		"pipeline.probe_interval_ms":          p.ProbeIntervalMS,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if p.MaxSandboxMB < 0 {
		return fmt.Errorf("pipeline.max_sandbox_mb must not be negative")
	}
	if p.DiffThreshold < 0 || p.DiffThreshold > 1 {
		return fmt.Errorf("pipeline.diff_threshold must be between 0 and 1")
	}
	if p.ReadinessTimeout() >= p.OverallTimeout() {
		return fmt.Errorf("pipeline.readiness_timeout_seconds (%s) must be shorter than the overall timeout (%s)",
			p.ReadinessTimeout(), p.OverallTimeout())
	}

	switch c.Sandbox.RuntimeName() {
	case "process", "docker":
		// valid
	default:
		return fmt.Errorf("sandbox.runtime %q is not supported (use process or docker)", c.Sandbox.Runtime)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}

	if c.Browser.Width < 0 || c.Browser.Height < 0 {
		return fmt.Errorf("browser.width and browser.height must not be negative")
	}

	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.BurstSize < 0 || c.RateLimit.MaxConcurrentRuns < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	if t := c.Observability; t != nil && t.Tracing != nil && t.Tracing.Enabled {
		switch t.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Tracing.Protocol)
		}
		if t.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if t.Tracing.SampleRate < 0 || t.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1, got %v", t.Tracing.SampleRate)
		}
	}

	if c.Janitor != nil && c.Janitor.Enabled {
		if _, err := cron.ParseStandard(c.Janitor.CronSchedule()); err != nil {
			return fmt.Errorf("janitor.schedule: %w", err)
		}
	}

	if ws := c.Gateways.WebSocket; ws != nil && ws.Enabled {
		if !strings.HasPrefix(ws.WSPath(), "/") {
			return fmt.Errorf("gateways.websocket.path must start with /")
		}
	}
	return nil
}
