package config

import (
	"crypto/tls"

	"github.com/fairyhunter13/doc-indexer/internal/batch"
	"github.com/fairyhunter13/doc-indexer/internal/broker"
	"github.com/fairyhunter13/doc-indexer/internal/mlservice"
	"github.com/fairyhunter13/doc-indexer/internal/resource"
	"github.com/fairyhunter13/doc-indexer/internal/retry"
)

// Section accessors translating flat env fields into the typed
// configuration each subsystem consumes. Pure conversions; validation
// already happened in Load.

// BrokerConfig assembles the connection pool configuration.
func (c Config) BrokerConfig() broker.Config {
	var tlsCfg *tls.Config
	if c.RabbitMQTLSEnabled {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return broker.Config{
		URL:                     c.RabbitMQURL,
		ConnectionName:          c.RabbitMQConnectionName,
		PoolSize:                c.RabbitMQPoolSize,
		MaxChannelsPerConn:      c.RabbitMQMaxChannelsPerConn,
		Prefetch:                c.RabbitMQPrefetch,
		PublisherConfirms:       c.RabbitMQPublisherConfirms,
		MonitoringInterval:      c.RabbitMQMonitoringInterval,
		MaxRetryAttempts:        c.RabbitMQMaxRetryAttempts,
		RetryDelay:              c.RabbitMQRetryDelay,
		ChannelOperationTimeout: c.RabbitMQChannelOpTimeout,
		ConnectionTimeout:       c.RabbitMQConnectionTimeout,
		Heartbeat:               c.RabbitMQHeartbeat,
		TLS:                     tlsCfg,
	}
}

// RetryPolicy assembles the retry orchestrator policy.
func (c Config) RetryPolicy() (retry.Policy, error) {
	strategy, err := retry.ParseStrategy(c.RetryStrategy)
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		MaxRetries:    c.RetryMaxRetries,
		InitialDelay:  c.RetryInitialDelay,
		MaxDelay:      c.RetryMaxDelay,
		Strategy:      strategy,
		Jitter:        c.RetryJitter,
		GlobalTimeout: c.RetryGlobalTimeout,
	}, nil
}

// CacheConfig assembles the model cache configuration.
func (c Config) CacheConfig() mlservice.CacheConfig {
	return mlservice.CacheConfig{
		MaxEntries:  c.CacheMaxEntries,
		MinHitCount: c.CacheMinHitCount,
		MaxMemoryMB: c.CacheMaxMemoryMB,
	}
}

// MLParams assembles the ML service parameter snapshot.
func (c Config) MLParams() mlservice.Params {
	return mlservice.Params{
		ModelName:           c.MLModelName,
		Kind:                mlservice.ModelKind(c.MLModelKind),
		BatchSize:           c.MLBatchSize,
		MinTextLength:       c.MLMinTextLength,
		MaxTextLength:       c.MLMaxTextLength,
		MinWords:            c.MLMinWords,
		RequiredMetadata:    c.MLRequiredMetadata,
		DisallowedMetadata:  c.MLDisallowedMetadata,
		MaxMemoryMB:         c.MLMaxMemoryMB,
		ModelMemoryMB:       c.MLModelMemoryMB,
		NormalizeEmbeddings: c.MLNormalizeEmbeddings,
	}
}

// BatchConfig assembles the batch engine configuration.
func (c Config) BatchConfig() batch.EngineConfig {
	return batch.EngineConfig{
		Collection:        c.QdrantCollection,
		MinBatchSize:      c.BatchMinSize,
		MaxBatchSize:      c.BatchMaxSize,
		ProviderBatchSize: c.MLBatchSize,
		WindowSize:        c.BatchWindowSize,
		TimeoutRetries:    c.BatchTimeoutRetries,
		MaxMemoryMB:       c.MLMaxMemoryMB,
	}
}

// ResourceLimits assembles the resource manager limits.
func (c Config) ResourceLimits() resource.Limits {
	return resource.Limits{
		MaxMemoryMB:    c.MLMaxMemoryMB,
		MaxGPUMemoryMB: c.MLMaxGPUMemoryMB,
		TargetDevice:   c.MLDevice,
		FallbackDevice: c.MLFallbackDevice,
	}
}
