// Package config loads origin's settings from ~/.origin/config.yaml, a .env
// file and ORIGIN_* environment variables, in that order of precedence
// (later wins). CLI flags are applied on top by the caller.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/majorcontext/origin/internal/hashing"
	"github.com/majorcontext/origin/internal/sig"
)

// Config holds all origin settings.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Block    BlockConfig    `yaml:"block"`
	Registry RegistryConfig `yaml:"registry"`
	Verify   VerifyConfig   `yaml:"verify"`
	Cache    CacheConfig    `yaml:"cache"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Audit    AuditConfig    `yaml:"audit"`
	Debug    DebugConfig    `yaml:"debug"`
}

// EngineConfig locates the attestation engine.
type EngineConfig struct {
	URL       string        `yaml:"url"`
	ProcessID string        `yaml:"process_id"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
}

// BlockConfig locates the block service used to anchor challenge times.
type BlockConfig struct {
	URL string `yaml:"url"`
}

// Registry kinds.
const (
	RegistryNone  = ""
	RegistryRedis = "redis"
	RegistryHTTP  = "http"
)

// RegistryConfig selects an optional device identity registry.
type RegistryConfig struct {
	Kind          string `yaml:"kind"`
	URL           string `yaml:"url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Namespace     string `yaml:"namespace"`
}

// VerifyConfig holds the verification policy. MaxFreshnessWindow and
// ExpectedTEEMeasurement have no defaults.
type VerifyConfig struct {
	MaxFreshnessWindow     time.Duration `yaml:"max_freshness_window"`
	ExpectedTEEMeasurement string        `yaml:"expected_tee_measurement"`
	HashFunction           string        `yaml:"hash_function"`
	SignatureScheme        string        `yaml:"signature_scheme"`
	TEESignatureScheme     string        `yaml:"tee_signature_scheme"`
	HashPathConcurrency    int           `yaml:"hashpath_concurrency"`
}

// CacheConfig configures the persistent challenge record cache. An empty
// path keeps records in memory only.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// IngestConfig configures `origin serve`.
type IngestConfig struct {
	MQTTBroker    string   `yaml:"mqtt_broker"`
	MQTTTopic     string   `yaml:"mqtt_topic"`
	MQTTClientID  string   `yaml:"mqtt_client_id"`
	MQTTQoS       byte     `yaml:"mqtt_qos"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`
	KafkaDLQTopic string   `yaml:"kafka_dlq_topic"`
	Workers       int      `yaml:"workers"`
}

// AuditConfig locates the verdict ledger and the Ed25519 key that seals
// exported proof bundles. An empty path disables the ledger; an empty key
// path exports unsealed bundles.
type AuditConfig struct {
	Path    string `yaml:"path"`
	KeyPath string `yaml:"key_path"`
}

// DebugConfig configures debug log files.
type DebugConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Timeout: 30 * time.Second,
			Retries: 2,
		},
		Registry: RegistryConfig{Namespace: "origin"},
		Verify: VerifyConfig{
			HashFunction:        string(hashing.SHA256),
			SignatureScheme:     string(sig.ECDSAP256),
			TEESignatureScheme:  string(sig.ECDSAP256),
			HashPathConcurrency: 1,
		},
		Cache: CacheConfig{Path: filepath.Join(Dir(), "cache", "records.db")},
		Ingest: IngestConfig{
			MQTTTopic:     "origin/attestations",
			MQTTClientID:  "origin-verifier",
			MQTTQoS:       1,
			KafkaTopic:    "origin.verdicts",
			KafkaDLQTopic: "origin.verdicts.dlq",
			Workers:       8,
		},
		Audit: AuditConfig{
			Path:    filepath.Join(Dir(), "audit", "verdicts.db"),
			KeyPath: filepath.Join(Dir(), "audit", "ledger.key"),
		},
		Debug: DebugConfig{RetentionDays: 14},
	}
}

// Dir returns the path to ~/.origin.
func Dir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".origin")
	}
	return filepath.Join(homeDir, ".origin")
}

// DefaultPath returns ~/.origin/config.yaml.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the config file at path, then .env in the working directory,
// then ORIGIN_* variables. An empty path reads DefaultPath, which may be
// absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Measurement decodes the expected TEE measurement.
func (c *Config) Measurement() ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(c.Verify.ExpectedTEEMeasurement), "0x")
	if s == "" {
		return nil, errors.New("verify.expected_tee_measurement is required")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("verify.expected_tee_measurement: %w", err)
	}
	return b, nil
}

// ValidateVerifier checks the settings every verification needs.
func (c *Config) ValidateVerifier() error {
	var errs []error
	if c.Engine.URL == "" {
		errs = append(errs, errors.New("engine.url is required"))
	}
	if c.Block.URL == "" {
		errs = append(errs, errors.New("block.url is required"))
	}
	if c.Verify.MaxFreshnessWindow <= 0 {
		errs = append(errs, errors.New("verify.max_freshness_window is required and must be positive"))
	}
	if _, err := c.Measurement(); err != nil {
		errs = append(errs, err)
	}
	if _, err := hashing.ParseAlgorithm(c.Verify.HashFunction); err != nil {
		errs = append(errs, fmt.Errorf("verify.hash_function: %w", err))
	}
	if _, err := sig.ParseScheme(c.Verify.SignatureScheme); err != nil {
		errs = append(errs, fmt.Errorf("verify.signature_scheme: %w", err))
	}
	if _, err := sig.ParseScheme(c.Verify.TEESignatureScheme); err != nil {
		errs = append(errs, fmt.Errorf("verify.tee_signature_scheme: %w", err))
	}
	switch c.Registry.Kind {
	case RegistryNone:
	case RegistryRedis:
		if c.Registry.RedisAddr == "" {
			errs = append(errs, errors.New("registry.redis_addr is required for the redis registry"))
		}
	case RegistryHTTP:
		if c.Registry.URL == "" {
			errs = append(errs, errors.New("registry.url is required for the http registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid registry.kind %q: must be empty, 'redis' or 'http'", c.Registry.Kind))
	}
	return errors.Join(errs...)
}

// ValidateIngest checks the settings `origin serve` needs on top of
// ValidateVerifier.
func (c *Config) ValidateIngest() error {
	var errs []error
	if c.Ingest.MQTTBroker == "" {
		errs = append(errs, errors.New("ingest.mqtt_broker is required"))
	}
	if c.Ingest.MQTTTopic == "" {
		errs = append(errs, errors.New("ingest.mqtt_topic is required"))
	}
	if c.Ingest.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("invalid ingest.mqtt_qos %d: must be 0, 1 or 2", c.Ingest.MQTTQoS))
	}
	if len(c.Ingest.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("ingest.kafka_brokers is required"))
	}
	if c.Ingest.KafkaTopic == "" {
		errs = append(errs, errors.New("ingest.kafka_topic is required"))
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, errors.New("ingest.workers must be at least 1"))
	}
	return errors.Join(errs...)
}
