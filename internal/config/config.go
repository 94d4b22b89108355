// Package config holds the environment settings shared by the service
// binaries. Each binary embeds the pieces it needs in its own struct.
package config

import (
	"fmt"

	"decision-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type DatabaseConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	MaxConns    int32  `env:"DATABASE_MAX_CONNS" envDefault:"10"`
}

type QueueConfig struct {
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
}

type S3Config struct {
	S3EndpointURL     string `env:"S3_ENDPOINT_URL,notEmpty,required"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID,notEmpty,required"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY,notEmpty,required"`
	S3Region          string `env:"AWS_REGION,notEmpty,required"`
}

func (c S3Config) ClientConfig() storage.S3ClientConfig {
	return storage.S3ClientConfig{
		Endpoint:        c.S3EndpointURL,
		Region:          c.S3Region,
		AccessKeyID:     c.S3AccessKeyID,
		SecretAccessKey: c.S3SecretAccessKey,
	}
}

type ModelConfig struct {
	ModelBucketName string `env:"MODEL_BUCKET_NAME" envDefault:"models"`
	ModelDir        string `env:"MODEL_DIR" envDefault:"./models"`
	// ModelRunId is the trained run served at startup. Without it the service
	// starts with no model and answers predictions with 503.
	ModelRunId string `env:"MODEL_RUN_ID"`
}

func Parse[T any]() (T, error) {
	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}
