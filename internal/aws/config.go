// Package aws loads AWS SDK configuration and exposes the narrow client
// interfaces the ledger and delivery queue depend on.
package aws

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Config selects the region and, for local emulators, an endpoint override.
type Config struct {
	Region   string
	Endpoint string // e.g. http://localhost:8000 for DynamoDB Local

	// Static credentials. Leave empty to use the default provider chain.
	AccessKeyID     string
	SecretAccessKey string
}

// LoadConfig resolves an SDK config from cfg and the environment.
func LoadConfig(ctx context.Context, cfg Config) (sdkaws.Config, error) {
	region := cfg.Region
	if region == "" {
		region = "eu-west-2"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awsCfg, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}
