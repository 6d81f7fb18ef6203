// Package config loads the Coordination Core's configuration, generalizing
// the teacher's internal/agents.LoadTeamsConfig (a gopkg.in/yaml.v3 reader
// into a typed struct) from team rosters to the full set of recognized
// options in the spec's external interfaces section.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend describes one configured inference backend entry.
type Backend struct {
	ID            string `yaml:"id"`
	Tier          string `yaml:"tier"` // local | elastic | premium
	Endpoint      string `yaml:"endpoint"`
	CredentialEnv string `yaml:"credentialEnv"`
	PriceIn       float64 `yaml:"priceIn"`  // $ per 1M input tokens
	PriceOut      float64 `yaml:"priceOut"` // $ per 1M output tokens
	ContextWindow int     `yaml:"contextWindow"`
	LatencyClass  string  `yaml:"latencyClass"`
}

// Config is the root configuration document.
type Config struct {
	Bus struct {
		Address    string `yaml:"address"`
		Credential string `yaml:"credential"`
		KeyPrefix  string `yaml:"keyPrefix"`
	} `yaml:"bus"`

	Store struct {
		Connection string `yaml:"connection"`
	} `yaml:"store"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Task struct {
		Concurrency struct {
			PerProject int `yaml:"perProject"`
			Global     int `yaml:"global"`
		} `yaml:"concurrency"`
		Deadline          time.Duration `yaml:"deadline"`
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	} `yaml:"task"`

	Lock struct {
		DefaultTTL time.Duration `yaml:"defaultTTL"`
	} `yaml:"lock"`

	Budget struct {
		Daily   float64 `yaml:"daily"`
		Monthly float64 `yaml:"monthly"`
	} `yaml:"budget"`

	Router struct {
		Mode      string `yaml:"mode"` // cost-optimized | balanced | performance
		Overrides struct {
			Arbitrator   string `yaml:"arbitrator"`
			Orchestrator string `yaml:"orchestrator"`
		} `yaml:"overrides"`
	} `yaml:"router"`

	Breaker struct {
		FailureThreshold int           `yaml:"failureThreshold"`
		ResetTimeout     time.Duration `yaml:"resetTimeout"`
	} `yaml:"breaker"`

	Context struct {
		Retention time.Duration `yaml:"retention"`
	} `yaml:"context"`

	Conflict struct {
		Retention time.Duration `yaml:"retention"`
		SLA       time.Duration `yaml:"sla"`
	} `yaml:"conflict"`

	AgentState struct {
		IdleTTL time.Duration `yaml:"idleTTL"`
	} `yaml:"agentState"`

	Backends []Backend `yaml:"backends"`
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	c := &Config{}
	c.Bus.Address = "nats://127.0.0.1:4222"
	c.Bus.KeyPrefix = "coordcore"
	c.HTTP.Addr = ":8080"
	c.Task.Concurrency.PerProject = 8
	c.Task.Concurrency.Global = 64
	c.Task.Deadline = 10 * time.Minute
	c.Task.HeartbeatInterval = 15 * time.Second
	c.Lock.DefaultTTL = 300 * time.Second // authoritative per spec open question 1
	c.Router.Mode = "balanced"
	c.Router.Overrides.Arbitrator = "premium"
	c.Router.Overrides.Orchestrator = "elastic"
	c.Breaker.FailureThreshold = 5
	c.Breaker.ResetTimeout = 30 * time.Second
	c.Context.Retention = 7 * 24 * time.Hour
	c.Conflict.Retention = 7 * 24 * time.Hour
	c.Conflict.SLA = time.Hour
	c.AgentState.IdleTTL = time.Hour
	return c
}

// Load reads a YAML document from path, applying defaults for any field
// the document leaves zero-valued.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks cross-field invariants the spec requires.
func (c *Config) Validate() error {
	if c.Task.Concurrency.PerProject <= 0 {
		return fmt.Errorf("config: task.concurrency.perProject must be positive")
	}
	if c.Task.Concurrency.Global < c.Task.Concurrency.PerProject {
		return fmt.Errorf("config: task.concurrency.global must be >= perProject")
	}
	if c.Lock.DefaultTTL < time.Second || c.Lock.DefaultTTL > time.Hour {
		return fmt.Errorf("config: lock.defaultTTL must be within [1s, 1h]")
	}
	hasLocal := false
	for _, b := range c.Backends {
		if b.Tier == "local" {
			hasLocal = true
		}
	}
	if len(c.Backends) > 0 && !hasLocal {
		return fmt.Errorf("config: backends must include at least one local tier entry (fallback chain always ends in local)")
	}
	return nil
}

// Credential resolves a backend's credential from the environment. Secrets
// are never read from the YAML document itself, only its env var name.
func (b Backend) Credential() string {
	if b.CredentialEnv == "" {
		return ""
	}
	return os.Getenv(b.CredentialEnv)
}
