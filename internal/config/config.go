// Package config loads server and agent configuration from YAML with
// CHENGIS_* environment overrides on top.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
)

// Duration wraps time.Duration so YAML values can be written as "30s" or as
// a bare number of seconds.
type Duration time.Duration

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return perr
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Steps      StepsConfig      `yaml:"steps"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Agents     AgentsConfig     `yaml:"agents"`
	EventStore EventStoreConfig `yaml:"event_store"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Plugins    PluginsConfig    `yaml:"plugins"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	NATS       NATSConfig       `yaml:"nats"`
	Triggers   []CronTrigger    `yaml:"triggers,omitempty"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	OrgID           string   `yaml:"org_id,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// WorkspaceConfig locates the per-build directory root.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// StepsConfig tunes step execution.
type StepsConfig struct {
	DefaultTimeout Duration `yaml:"default_timeout"`
	GracePeriod    Duration `yaml:"grace_period"`
	OutputLimit    int      `yaml:"output_limit_bytes"`
	MaxParallel    int      `yaml:"max_parallel"`
}

// DispatchConfig tunes the dispatcher fallback chain and queue worker.
type DispatchConfig struct {
	FallbackLocal bool     `yaml:"fallback_local"`
	QueueEnabled  bool     `yaml:"queue_enabled"`
	HTTPTimeout   Duration `yaml:"http_timeout"`
	RetryBackoff  string   `yaml:"retry_backoff"` // fixed|linear|exponential
	RetryInitial  Duration `yaml:"retry_initial"`
	RetryMax      Duration `yaml:"retry_max"`
	MaxRetries    int      `yaml:"max_retries"`
	PollInterval  Duration `yaml:"poll_interval"`
}

// AgentsConfig tunes the agent registry.
type AgentsConfig struct {
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
	CircuitThreshold int      `yaml:"circuit_threshold"`
	CircuitCoolDown  Duration `yaml:"circuit_cool_down"`
}

// EventStoreConfig locates the sqlite event log.
type EventStoreConfig struct {
	Path string `yaml:"path"`
}

// ArtifactsConfig locates the content-addressed artifact store. An empty
// root disables artifact archiving.
type ArtifactsConfig struct {
	Root string `yaml:"root,omitempty"`
}

// PluginsConfig locates the plugin trust-policy database. An empty path
// means every plugin is allowed.
type PluginsConfig struct {
	PolicyPath string `yaml:"policy_path,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// NATSConfig enables the NATS notifier when a URL is set.
type NATSConfig struct {
	URL string `yaml:"url,omitempty"`
}

// CronTrigger schedules periodic builds for a job.
type CronTrigger struct {
	Job  string `yaml:"job"`
	Org  string `yaml:"org,omitempty"`
	Cron string `yaml:"cron"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Workspace: WorkspaceConfig{Root: defaultWorkspaceRoot()},
		Steps: StepsConfig{
			DefaultTimeout: Duration(30 * time.Minute),
			GracePeriod:    Duration(5 * time.Second),
			OutputLimit:    256 * 1024,
		},
		Dispatch: DispatchConfig{
			FallbackLocal: true,
			QueueEnabled:  true,
			HTTPTimeout:   Duration(30 * time.Second),
			RetryBackoff:  "linear",
			RetryInitial:  Duration(time.Second),
			RetryMax:      Duration(30 * time.Second),
			MaxRetries:    2,
			PollInterval:  Duration(5 * time.Second),
		},
		Agents: AgentsConfig{
			HeartbeatTimeout: Duration(30 * time.Second),
			CircuitThreshold: 3,
			CircuitCoolDown:  Duration(30 * time.Second),
		},
		EventStore: EventStoreConfig{Path: "chengis-events.db"},
		Metrics:    MetricsConfig{Path: "/metrics"},
	}
}

// Load reads the YAML file (optional), layers defaults underneath, and
// applies environment overrides on top. Environment variables referenced in
// the YAML as ${VAR} are expanded. A .env or .env.local file, when present,
// seeds the process environment first without overriding it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, derrors.ConfigError("configuration file not readable").
				WithContext("path", path).
				WithCause(err).
				Build()
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, derrors.ConfigError("configuration file is not valid YAML").
				WithContext("path", path).
				WithCause(err).
				Build()
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return derrors.ConfigError("server.listen_addr must not be empty").Build()
	}
	if c.Steps.DefaultTimeout <= 0 {
		return derrors.ConfigError("steps.default_timeout must be positive").Build()
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return derrors.ConfigError("metrics.path must not be empty when metrics are enabled").Build()
	}
	for _, tr := range c.Triggers {
		if tr.Job == "" || tr.Cron == "" {
			return derrors.ConfigError("every trigger needs a job and a cron expression").Build()
		}
	}
	return nil
}

// applyEnvOverrides layers CHENGIS_* variables over the file values.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("CHENGIS_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("CHENGIS_ORG_ID"); v != "" {
		c.Server.OrgID = v
	}
	if v := os.Getenv("CHENGIS_WORKSPACE_ROOT"); v != "" {
		c.Workspace.Root = v
	}
	if v := os.Getenv("CHENGIS_EVENTSTORE_PATH"); v != "" {
		c.EventStore.Path = v
	}
	if v := os.Getenv("CHENGIS_ARTIFACTS_ROOT"); v != "" {
		c.Artifacts.Root = v
	}
	if v := os.Getenv("CHENGIS_PLUGIN_POLICY_PATH"); v != "" {
		c.Plugins.PolicyPath = v
	}
	if v := os.Getenv("CHENGIS_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("CHENGIS_METRICS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = enabled
		}
	}
	if v := os.Getenv("CHENGIS_METRICS_PATH"); v != "" {
		c.Metrics.Path = v
	}
}

func defaultWorkspaceRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/chengis/workspaces"
	}
	return os.TempDir()
}
