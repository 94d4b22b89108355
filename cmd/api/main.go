package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"decision-backend/cmd"
	"decision-backend/internal/api"
	"decision-backend/internal/config"
	"decision-backend/internal/database"
	"decision-backend/internal/messaging"
	"decision-backend/internal/storage"
)

type APIConfig struct {
	config.DatabaseConfig
	config.QueueConfig
	config.S3Config
	config.ModelConfig

	APIPort int `env:"API_PORT" envDefault:"8001"`
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	cfg, err := config.Parse[APIConfig]()
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx := context.Background()

	db, err := database.NewDatabase(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := storage.NewS3ObjectStore(cfg.ClientConfig())
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}
	if err := store.CreateBucket(ctx, cfg.ModelBucketName); err != nil {
		log.Fatalf("Failed to create model bucket: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	model, err := cmd.InitialModel(ctx, store, cfg.ModelBucketName, cfg.ModelRunId, cfg.ModelDir)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}

	service := api.NewBackendService(db, store, cfg.ModelBucketName, publisher, model, cfg.ModelDir)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: cmd.NewRouter(service, false),
	}

	if err := cmd.Serve(server, nil); err != nil {
		log.Fatalf("%v", err)
	}
}
