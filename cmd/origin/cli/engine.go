package cli

import (
	"errors"
	"fmt"

	"github.com/majorcontext/origin/internal/aeclient"
	"github.com/majorcontext/origin/internal/challenge"
	"github.com/majorcontext/origin/internal/config"
	"github.com/majorcontext/origin/internal/hashing"
	"github.com/majorcontext/origin/internal/log"
	"github.com/majorcontext/origin/internal/registry"
	"github.com/majorcontext/origin/internal/sig"
	"github.com/majorcontext/origin/internal/verify"
)

// engine bundles the clients and stores built from the config.
type engine struct {
	client  *aeclient.Client
	records *challenge.Store
	hasher  hashing.Hasher

	cache *challenge.SQLiteCache
	redis *registry.Redis
}

// openEngine connects to the attestation engine. Only engine.url is
// required.
func openEngine(c *config.Config) (*engine, error) {
	if c.Engine.URL == "" {
		return nil, errors.New("engine.url is not configured (set it in ~/.origin/config.yaml or ORIGIN_ENGINE_URL)")
	}
	hasher, err := hashing.New(hashing.Algorithm(c.Verify.HashFunction))
	if err != nil {
		return nil, err
	}

	e := &engine{
		client: aeclient.New(c.Engine.URL,
			aeclient.WithTimeout(c.Engine.Timeout),
			aeclient.WithRetries(c.Engine.Retries)),
		hasher: hasher,
	}

	var opts []challenge.Option
	if c.Cache.Path != "" {
		cache, err := challenge.OpenSQLiteCache(c.Cache.Path)
		if err != nil {
			// The cache only saves round trips; run without it
			log.Warn("challenge record cache unavailable", "path", c.Cache.Path, "error", err)
		} else {
			e.cache = cache
			opts = append(opts, challenge.WithPersistent(cache))
		}
	}
	e.records = challenge.NewStore(e.client, opts...)
	return e, nil
}

// signatures builds the signature verifier. The expected measurement may be
// empty, in which case TEE checks report ErrNoExpectedMeasurement.
func (e *engine) signatures(c *config.Config) (*sig.Verifier, error) {
	var measurement []byte
	if c.Verify.ExpectedTEEMeasurement != "" {
		m, err := c.Measurement()
		if err != nil {
			return nil, err
		}
		measurement = m
	}
	return sig.NewVerifier(sig.Config{
		Scheme:              sig.Scheme(c.Verify.SignatureScheme),
		TEEScheme:           sig.Scheme(c.Verify.TEESignatureScheme),
		Hasher:              e.hasher,
		ExpectedMeasurement: measurement,
	})
}

// verifier builds the full verification pipeline.
func (e *engine) verifier(c *config.Config) (*verify.Verifier, error) {
	if err := c.ValidateVerifier(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	sigs, err := e.signatures(c)
	if err != nil {
		return nil, err
	}

	opts := verify.Options{
		Records:             e.records,
		Messages:            e.client,
		Blocks:              aeclient.NewBlockClient(c.Block.URL, aeclient.WithTimeout(c.Engine.Timeout), aeclient.WithRetries(c.Engine.Retries)),
		Signatures:          sigs,
		Hasher:              e.hasher,
		MaxFreshnessWindow:  c.Verify.MaxFreshnessWindow,
		HashPathConcurrency: c.Verify.HashPathConcurrency,
	}

	switch c.Registry.Kind {
	case config.RegistryRedis:
		e.redis = openRedis(c)
		opts.Registry = e.redis
	case config.RegistryHTTP:
		opts.Registry = registry.NewHTTP(c.Registry.URL, c.Engine.Timeout)
	}
	return verify.New(opts)
}

func openRedis(c *config.Config) *registry.Redis {
	return registry.NewRedis(registry.RedisOpts{
		Addr:      c.Registry.RedisAddr,
		Password:  c.Registry.RedisPassword,
		DB:        c.Registry.RedisDB,
		Namespace: c.Registry.Namespace,
		Timeout:   c.Engine.Timeout,
	})
}

func (e *engine) Close() {
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			log.Debug("closing record cache", "error", err)
		}
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			log.Debug("closing redis", "error", err)
		}
	}
}
