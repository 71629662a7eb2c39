package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"smartbus/internal/config"
	"smartbus/internal/notify"
	"smartbus/internal/queue"
	"smartbus/internal/store"
)

// Worker drains the notification queue and delivers guardian confirmations.
// Only needed with the Redis queue backend; the memory backend delivers
// in-process inside cmd/api.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	if cfg.QueueBackend != "redis" {
		log.Fatal("worker requires QUEUE_BACKEND=redis; the memory backend delivers inside the api process")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	mailer := notify.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom, cfg.SMTPSkip)
	deliverer := notify.NewDeliverer(mailer, notify.NewRepository(db.Client), cfg.NotifyDeadline)

	log.Printf("worker started with %d delivery workers", cfg.WorkerCount)
	deliverer.Run(ctx, messages, cfg.WorkerCount)
	log.Println("worker stopped")
}
