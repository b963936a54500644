package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/game/internal/config"
	"example.com/game/internal/health"
	"example.com/game/internal/outbox"
	"example.com/game/internal/relay"
	httptransport "example.com/game/internal/transport/http"
)

func main() {
	check := flag.Bool("check", false, "print a readiness report as JSON and exit")
	flag.Parse()

	cfg := config.Load()

	if *check {
		runCheck(cfg)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	r := relay.New(pool, producer, relay.Config{
		Topic:          cfg.Topic,
		DLQTopic:       cfg.DLQTopic,
		BatchSize:      cfg.OutboxBatchSize,
		MaxAttempts:    cfg.OutboxMaxAttempts,
		LockTTL:        cfg.OutboxLockTTL,
		PublishTimeout: cfg.OutboxPublishTimeout,
		IdleSleep:      cfg.OutboxIdleSleep,
	})
	go r.Start(ctx)

	metricsSrv := httptransport.NewServer(httptransport.ServerConfig{
		Address: cfg.MetricsAddress,
	}, promhttp.Handler())

	go func() {
		log.Printf("relay metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("relay shutdown requested")
	cancel()
	r.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}

func runCheck(cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := health.Check(ctx, cfg.DatabaseURL, cfg.KafkaBrokers, cfg.Topic, cfg.DLQTopic)
	_ = json.NewEncoder(os.Stdout).Encode(res)
	if !res.OK {
		os.Exit(2)
	}
}
