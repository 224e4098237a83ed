// Package config loads the YAML configuration shared by the binaries.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/opaque/secureknn/pkg/transform"
)

type Config struct {
	Provider ProviderConfig   `yaml:"provider"`
	Owner    OwnerConfig      `yaml:"owner"`
	Client   ClientConfig     `yaml:"client"`
	Scheme   transform.Params `yaml:"scheme"`
	Log      LogConfig        `yaml:"log"`
}

type ProviderConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	// DataDir holds the query log and the database snapshot. Empty keeps
	// everything in memory.
	DataDir string `yaml:"data_dir"`

	CacheTTL                  time.Duration `yaml:"cache_ttl"`
	MaxConcurrentPreparations int           `yaml:"max_concurrent_preparations"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// QueryLogDir returns the badger directory, or "" for an in-memory log.
func (c ProviderConfig) QueryLogDir() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "queries")
}

// SnapshotPath returns the database snapshot file, or "" to disable snapshots.
func (c ProviderConfig) SnapshotPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "database.snap")
}

type OwnerConfig struct {
	HTTPAddr        string `yaml:"http_addr"`
	ProviderURL     string `yaml:"provider_url"`
	DatasetPath     string `yaml:"dataset_path"`
	KeySnapshotPath string `yaml:"key_snapshot_path"`

	// Seed makes key generation reproducible. Leave empty in production.
	Seed string `yaml:"seed"`
}

type ClientConfig struct {
	OwnerURL    string `yaml:"owner_url"`
	ProviderURL string `yaml:"provider_url"`

	// ProviderGRPC, when set, is used instead of ProviderURL.
	ProviderGRPC string        `yaml:"provider_grpc"`
	Timeout      time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration of a local three-process deployment.
func Default() Config {
	return Config{
		Provider: ProviderConfig{
			HTTPAddr:                  ":5000",
			GRPCAddr:                  ":5050",
			CacheTTL:                  60 * time.Second,
			MaxConcurrentPreparations: 4,
		},
		Owner: OwnerConfig{
			HTTPAddr:    ":5001",
			ProviderURL: "http://localhost:5000",
			DatasetPath: "data.csv",
		},
		Client: ClientConfig{
			OwnerURL:    "http://localhost:5001",
			ProviderURL: "http://localhost:5000",
			Timeout:     30 * time.Second,
		},
		Scheme: transform.DefaultParams(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. Fields missing from the file keep their
// default value. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Scheme.Validate(); err != nil {
		return fmt.Errorf("invalid scheme: %w", err)
	}
	if c.Provider.CacheTTL <= 0 {
		return fmt.Errorf("provider.cache_ttl must be positive, got %v", c.Provider.CacheTTL)
	}
	if c.Provider.MaxConcurrentPreparations <= 0 {
		return fmt.Errorf("provider.max_concurrent_preparations must be positive, got %d", c.Provider.MaxConcurrentPreparations)
	}
	if (c.Provider.TLSCert == "") != (c.Provider.TLSKey == "") {
		return fmt.Errorf("provider.tls_cert and provider.tls_key must be set together")
	}
	return nil
}

// NewLogger builds a logger from c.
func (c LogConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetLevel(level)
	switch c.Format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return log, nil
}
