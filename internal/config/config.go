// Package config loads the engine's configuration: connection settings
// from environment variables, operational policy from an optional YAML
// file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Environment  string
	StoreDriver  string
	DatabaseURL  string
	SQLitePath   string
	HTTPAddr     string
	KafkaBrokers []string
	PolicyFile   string
	Policy       Policy
}

// Policy holds the tunable deadlines and retry budgets. Defaults apply
// when no policy file is configured.
type Policy struct {
	VerificationDeadline Duration `yaml:"verification_deadline"`
	DisputeWindow        Duration `yaml:"dispute_window"`
	EvidenceWindow       Duration `yaml:"evidence_window"`
	InactivityTimeout    Duration `yaml:"inactivity_timeout"`
	FundingAttempts      uint64   `yaml:"funding_attempts"`
	FundingBackoffBase   Duration `yaml:"funding_backoff_base"`
	SweepInterval        Duration `yaml:"sweep_interval"`
	SweepBatchSize       int      `yaml:"sweep_batch_size"`
	RepairBudget         int      `yaml:"repair_budget"`
	RelayInterval        Duration `yaml:"relay_interval"`
	Mediators            []string `yaml:"mediators"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "72h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultPolicy returns the built-in operational defaults: 72h to
// verify, a 5 day dispute window, 72h of evidence collection, and 3
// funding attempts.
func DefaultPolicy() Policy {
	return Policy{
		VerificationDeadline: Duration(72 * time.Hour),
		DisputeWindow:        Duration(120 * time.Hour),
		EvidenceWindow:       Duration(72 * time.Hour),
		InactivityTimeout:    Duration(72 * time.Hour),
		FundingAttempts:      3,
		FundingBackoffBase:   Duration(500 * time.Millisecond),
		SweepInterval:        Duration(time.Minute),
		SweepBatchSize:       100,
		RepairBudget:         5,
		RelayInterval:        Duration(2 * time.Second),
	}
}

// Load loads configuration from environment variables, applying the
// policy file on top of the defaults when POLICY_FILE is set.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: os.Getenv("APP_ENV"),
		StoreDriver: os.Getenv("STORE_DRIVER"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),
		HTTPAddr:    os.Getenv("HTTP_ADDR"),
		PolicyFile:  os.Getenv("POLICY_FILE"),
		Policy:      DefaultPolicy(),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "memory"
	}

	if cfg.PolicyFile != "" {
		if err := cfg.loadPolicyFile(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadPolicyFile() error {
	raw, err := os.ReadFile(c.PolicyFile)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &c.Policy); err != nil {
		return fmt.Errorf("parse policy file %s: %w", c.PolicyFile, err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	switch c.StoreDriver {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return errors.New("STORE_DRIVER must be one of memory, sqlite, postgres")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.Environment == "production" || c.Environment == "staging" {
		if c.StoreDriver == "memory" {
			return errors.New("STORE_DRIVER memory is not allowed in " + c.Environment)
		}
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required in " + c.Environment)
		}
	}

	p := c.Policy
	if p.VerificationDeadline <= 0 || p.DisputeWindow <= 0 || p.EvidenceWindow <= 0 || p.InactivityTimeout <= 0 {
		return errors.New("policy deadlines must be positive durations")
	}
	if p.FundingAttempts == 0 {
		return errors.New("policy funding_attempts must be at least 1")
	}
	return nil
}
