package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// loadDotEnv loads path into the process environment if it exists. Variables
// already set to a non-empty value are not overridden; an exported empty
// variable counts as unset, as it does for ORIGIN_* overrides.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	for k, v := range vars {
		if os.Getenv(k) != "" {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func duration(field func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// envVars lists the ORIGIN_* overrides.
var envVars = []envVar{
	{"ORIGIN_ENGINE_URL", str(func(c *Config) *string { return &c.Engine.URL })},
	{"ORIGIN_PROCESS_ID", str(func(c *Config) *string { return &c.Engine.ProcessID })},
	{"ORIGIN_ENGINE_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Engine.Timeout })},
	{"ORIGIN_ENGINE_RETRIES", integer(func(c *Config) *int { return &c.Engine.Retries })},
	{"ORIGIN_BLOCK_URL", str(func(c *Config) *string { return &c.Block.URL })},
	{"ORIGIN_REGISTRY_KIND", str(func(c *Config) *string { return &c.Registry.Kind })},
	{"ORIGIN_REGISTRY_URL", str(func(c *Config) *string { return &c.Registry.URL })},
	{"ORIGIN_REDIS_ADDR", str(func(c *Config) *string { return &c.Registry.RedisAddr })},
	{"ORIGIN_REDIS_PASSWORD", str(func(c *Config) *string { return &c.Registry.RedisPassword })},
	{"ORIGIN_REDIS_DB", integer(func(c *Config) *int { return &c.Registry.RedisDB })},
	{"ORIGIN_MAX_FRESHNESS_WINDOW", duration(func(c *Config) *time.Duration { return &c.Verify.MaxFreshnessWindow })},
	{"ORIGIN_TEE_MEASUREMENT", str(func(c *Config) *string { return &c.Verify.ExpectedTEEMeasurement })},
	{"ORIGIN_HASH_FUNCTION", str(func(c *Config) *string { return &c.Verify.HashFunction })},
	{"ORIGIN_SIGNATURE_SCHEME", str(func(c *Config) *string { return &c.Verify.SignatureScheme })},
	{"ORIGIN_HASHPATH_CONCURRENCY", integer(func(c *Config) *int { return &c.Verify.HashPathConcurrency })},
	{"ORIGIN_CACHE_PATH", str(func(c *Config) *string { return &c.Cache.Path })},
	{"ORIGIN_MQTT_BROKER", str(func(c *Config) *string { return &c.Ingest.MQTTBroker })},
	{"ORIGIN_MQTT_TOPIC", str(func(c *Config) *string { return &c.Ingest.MQTTTopic })},
	{"ORIGIN_KAFKA_BROKERS", func(c *Config, v string) error {
		c.Ingest.KafkaBrokers = splitList(v)
		return nil
	}},
	{"ORIGIN_KAFKA_TOPIC", str(func(c *Config) *string { return &c.Ingest.KafkaTopic })},
	{"ORIGIN_KAFKA_DLQ_TOPIC", str(func(c *Config) *string { return &c.Ingest.KafkaDLQTopic })},
	{"ORIGIN_INGEST_WORKERS", integer(func(c *Config) *int { return &c.Ingest.Workers })},
	{"ORIGIN_AUDIT_PATH", str(func(c *Config) *string { return &c.Audit.Path })},
	{"ORIGIN_AUDIT_KEY_PATH", str(func(c *Config) *string { return &c.Audit.KeyPath })},
	{"ORIGIN_DEBUG_RETENTION_DAYS", integer(func(c *Config) *int { return &c.Debug.RetentionDays })},
}

// applyEnv applies ORIGIN_* overrides found by lookup.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(c, v); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", ev.name, v, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
