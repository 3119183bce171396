package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Runner       RunnerConfig       `yaml:"runner"`
	NATS         NATSConfig         `yaml:"nats"`
	Store        StoreConfig        `yaml:"store"`
	Web          WebConfig          `yaml:"web"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Schedules    []ScheduleConfig   `yaml:"schedules"`
}

// OrchestratorConfig holds defaults applied to agents that leave them unset.
type OrchestratorConfig struct {
	TemplatesDir string `yaml:"templates_dir"`
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	Workdir      string `yaml:"workdir"`
}

type RunnerConfig struct {
	LogDir  string        `yaml:"log_dir"`
	Timeout time.Duration `yaml:"timeout"`

	// Isolation mode settings.
	Image        string   `yaml:"image"`
	Dockerfile   string   `yaml:"dockerfile"`
	BuildContext string   `yaml:"build_context"`
	Network      string   `yaml:"network"`
	Mounts       []string `yaml:"mounts"`
	Env          []string `yaml:"env"`
	MaxRunning   int      `yaml:"max_running"`
}

type NATSConfig struct {
	Port int `yaml:"port"`
	// URL points CLI commands at a running gateway. Empty means the local port.
	URL string `yaml:"url"`
}

// ClientURL returns the address clients should dial.
func (c NATSConfig) ClientURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("nats://127.0.0.1:%d", c.Port)
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ScheduleConfig declares a cluster template that the gateway starts on a schedule.
type ScheduleConfig struct {
	Name      string `yaml:"name"`
	Template  string `yaml:"template"`
	Schedule  string `yaml:"schedule"`
	Text      string `yaml:"text"`
	Isolation bool   `yaml:"isolation"`
}

func defaults() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			TemplatesDir: "clusters",
			Provider:     "claude",
			Model:        "sonnet",
			Workdir:      ".",
		},
		Runner: RunnerConfig{
			LogDir:       "data/logs",
			Timeout:      30 * time.Minute,
			Image:        "conclave-agent:latest",
			Dockerfile:   "Dockerfile.agent",
			BuildContext: ".",
			Network:      "conclave-net",
			MaxRunning:   5,
		},
		NATS: NATSConfig{
			Port: 4222,
		},
		Store: StoreConfig{
			Path: "data/conclave.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CONCLAVE_CONFIG")
	if path == "" {
		path = "config/conclave.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONCLAVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CONCLAVE_LOG_DIR"); v != "" {
		cfg.Runner.LogDir = v
	}
	if v := os.Getenv("CONCLAVE_TEMPLATES_DIR"); v != "" {
		cfg.Orchestrator.TemplatesDir = v
	}
	if v := os.Getenv("CONCLAVE_PROVIDER"); v != "" {
		cfg.Orchestrator.Provider = v
	}
	if v := os.Getenv("CONCLAVE_MODEL"); v != "" {
		cfg.Orchestrator.Model = v
	}
	if v := os.Getenv("CONCLAVE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("CONCLAVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("CONCLAVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CONCLAVE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("CONCLAVE_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runner.Timeout = d
		}
	}
}
