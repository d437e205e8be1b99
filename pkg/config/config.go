// Package config loads burrow settings from a YAML file, BURROW_* environment
// variables and defaults, in that order of precedence below command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"gopkg.in/yaml.v3"
)

// Backend types
const (
	BackendBolt     = storage.BackendBolt
	BackendDynamoDB = storage.BackendDynamoDB
	BackendMemory   = storage.BackendMemory
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "BURROW_"

// Config is the burrow configuration file
type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Items      ItemsConfig      `yaml:"items"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

type BackendConfig struct {
	Type            string         `yaml:"type"`
	BoltPath        string         `yaml:"bolt_path"`
	ActivationDelay time.Duration  `yaml:"activation_delay"`
	DynamoDB        DynamoDBConfig `yaml:"dynamodb"`
}

type DynamoDBConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LifecycleConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	ActiveTimeout time.Duration `yaml:"active_timeout"`
}

type ItemsConfig struct {
	PageSize      int  `yaml:"page_size"`
	EnforceSchema bool `yaml:"enforce_schema"`
}

type ReconcilerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Type:     BackendBolt,
			BoltPath: "./burrow-data",
			DynamoDB: DynamoDBConfig{Region: "us-east-1"},
		},
		Lifecycle: LifecycleConfig{
			PollInterval:  time.Second,
			ActiveTimeout: 2 * time.Minute,
		},
		Items: ItemsConfig{
			PageSize:      100,
			EnforceSchema: true,
		},
		Reconciler: ReconcilerConfig{
			Enabled:    true,
			Interval:   30 * time.Second,
			StaleAfter: 5 * time.Minute,
		},
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:8081",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StoreBackend converts the backend section for storage.Open
func (b BackendConfig) StoreBackend() storage.Backend {
	return storage.Backend{
		Type:            b.Type,
		BoltPath:        b.BoltPath,
		ActivationDelay: b.ActivationDelay,
		DynamoDB: storage.DynamoConfig{
			Region:          b.DynamoDB.Region,
			Endpoint:        b.DynamoDB.Endpoint,
			AccessKeyID:     b.DynamoDB.AccessKeyID,
			SecretAccessKey: b.DynamoDB.SecretAccessKey,
		},
	}
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case BackendBolt:
		if c.Backend.BoltPath == "" {
			return errdefs.InvalidArgument("backend.bolt_path is required for the bolt backend")
		}
	case BackendDynamoDB:
		if c.Backend.DynamoDB.Region == "" {
			return errdefs.InvalidArgument("backend.dynamodb.region is required for the dynamodb backend")
		}
	case BackendMemory:
	default:
		return errdefs.InvalidArgument("unknown backend type %q", c.Backend.Type)
	}
	if c.Items.PageSize < 0 {
		return errdefs.InvalidArgument("items.page_size must not be negative")
	}
	if c.Backend.ActivationDelay < 0 {
		return errdefs.InvalidArgument("backend.activation_delay must not be negative")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errdefs.InvalidArgument("log.level: %v", err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides fields from BURROW_* variables
func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("BACKEND", &c.Backend.Type)
	e.str("BOLT_PATH", &c.Backend.BoltPath)
	e.dur("ACTIVATION_DELAY", &c.Backend.ActivationDelay)
	e.str("DYNAMODB_REGION", &c.Backend.DynamoDB.Region)
	e.str("DYNAMODB_ENDPOINT", &c.Backend.DynamoDB.Endpoint)
	e.str("DYNAMODB_ACCESS_KEY_ID", &c.Backend.DynamoDB.AccessKeyID)
	e.str("DYNAMODB_SECRET_ACCESS_KEY", &c.Backend.DynamoDB.SecretAccessKey)

	e.dur("POLL_INTERVAL", &c.Lifecycle.PollInterval)
	e.dur("ACTIVE_TIMEOUT", &c.Lifecycle.ActiveTimeout)

	e.integer("PAGE_SIZE", &c.Items.PageSize)
	e.boolean("ENFORCE_SCHEMA", &c.Items.EnforceSchema)

	e.boolean("RECONCILER_ENABLED", &c.Reconciler.Enabled)
	e.dur("RECONCILER_INTERVAL", &c.Reconciler.Interval)
	e.dur("RECONCILER_STALE_AFTER", &c.Reconciler.StaleAfter)

	e.str("HTTP_ADDR", &c.Server.HTTPAddr)
	e.str("GRPC_ADDR", &c.Server.GRPCAddr)

	e.str("LOG_LEVEL", &c.Log.Level)
	e.boolean("LOG_JSON", &c.Log.JSON)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	return v, ok && v != ""
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) dur(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, errdefs.InvalidArgument("%s%s: %v", EnvPrefix, name, err))
		return
	}
	*dst = d
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, errdefs.InvalidArgument("%s%s: %v", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, errdefs.InvalidArgument("%s%s: %v", EnvPrefix, name, err))
		return
	}
	*dst = b
}
