package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"decision-backend/cmd"
	"decision-backend/internal/config"
	"decision-backend/internal/core"
	"decision-backend/internal/database"
	"decision-backend/internal/messaging"
	"decision-backend/internal/storage"
)

type WorkerConfig struct {
	config.DatabaseConfig
	config.QueueConfig
	config.S3Config
	config.ModelConfig
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.Parse[WorkerConfig]()
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
		log.Fatalf("Worker: Failed to create S3 client: %v", err)
	}
	if err := store.CreateBucket(ctx, cfg.ModelBucketName); err != nil {
		log.Fatalf("Worker: Failed to create model bucket: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	worker := core.NewTaskProcessor(db, store, publisher, receiver, cfg.ModelDir, cfg.ModelBucketName)

	go worker.Start()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutdown signal received")
	worker.Stop()

	log.Println("Worker process stopped.")
}
