package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/styxd/internal/logger"
	"github.com/marmos91/styxd/pkg/backend"
	"github.com/marmos91/styxd/pkg/backend/badgerfs"
	"github.com/marmos91/styxd/pkg/backend/localfs"
	"github.com/marmos91/styxd/pkg/backend/memfs"
	"github.com/marmos91/styxd/pkg/backend/s3fs"
)

// CreateBackendStore creates the backend store named by cfg.Type and
// decodes the matching type-specific section into that store's own
// configuration shape.
//
// Supported types:
//   - "memory": pkg/backend/memfs (in-memory, ephemeral)
//   - "local":  pkg/backend/localfs (serves a host directory)
//   - "badger": pkg/backend/badgerfs (persistent, BadgerDB)
//   - "s3":     pkg/backend/s3fs (read-only, S3 or compatible)
func CreateBackendStore(ctx context.Context, cfg *BackendConfig) (backend.Store, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryStore(cfg.Memory)
	case "local":
		return createLocalStore(cfg.Local)
	case "badger":
		return createBadgerStore(cfg.Badger)
	case "s3":
		return createS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown backend store type: %q", cfg.Type)
	}
}

func createMemoryStore(options map[string]any) (backend.Store, error) {
	type memoryStoreConfig struct {
		User string `mapstructure:"user"`
	}

	var storeCfg memoryStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("invalid memory backend config: %w", err)
	}

	logger.Info("Memory backend initialized: user=%s", storeCfg.User)
	return memfs.New(storeCfg.User), nil
}

func createLocalStore(options map[string]any) (backend.Store, error) {
	type localStoreConfig struct {
		Path string `mapstructure:"path"`
		User string `mapstructure:"user"`
	}

	var storeCfg localStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("invalid local backend config: %w", err)
	}
	if storeCfg.Path == "" {
		return nil, fmt.Errorf("local backend: path is required")
	}

	store, err := localfs.New(storeCfg.Path, storeCfg.User)
	if err != nil {
		return nil, fmt.Errorf("failed to create local backend: %w", err)
	}

	logger.Info("Local backend initialized: path=%s, user=%s", storeCfg.Path, storeCfg.User)
	return store, nil
}

func createBadgerStore(options map[string]any) (backend.Store, error) {
	type badgerStoreConfig struct {
		Path     string `mapstructure:"path"`
		InMemory bool   `mapstructure:"in_memory"`
		User     string `mapstructure:"user"`
	}

	var storeCfg badgerStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("invalid badger backend config: %w", err)
	}
	if storeCfg.Path == "" && !storeCfg.InMemory {
		return nil, fmt.Errorf("badger backend: path is required unless in_memory is set")
	}

	store, err := badgerfs.New(badgerfs.Config{
		Path:     storeCfg.Path,
		InMemory: storeCfg.InMemory,
		User:     storeCfg.User,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger backend: %w", err)
	}

	logger.Info("Badger backend initialized: path=%s, in_memory=%t", storeCfg.Path, storeCfg.InMemory)
	return store, nil
}

func createS3Store(ctx context.Context, options map[string]any) (backend.Store, error) {
	type s3StoreConfig struct {
		Bucket          string `mapstructure:"bucket"`
		Region          string `mapstructure:"region"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		User            string `mapstructure:"user"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var storeCfg s3StoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("invalid s3 backend config: %w", err)
	}
	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("s3 backend: region is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(storeCfg.Region))

	// Custom endpoint support for MinIO, Localstack and friends.
	if storeCfg.Endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
				return aws.Endpoint{
					URL:               storeCfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	// Static credentials when configured, default chain otherwise.
	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			storeCfg.AccessKeyID,
			storeCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := storeCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	cfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// Path-style addressing for S3-compatible endpoints.
		if storeCfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	store, err := s3fs.New(ctx, s3fs.Config{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
		User:      storeCfg.User,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 backend: %w", err)
	}

	logger.Info("S3 backend initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)
	return store, nil
}
