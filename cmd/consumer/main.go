package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/game/internal/config"
	"example.com/game/internal/consumer"
	"example.com/game/internal/health"
	"example.com/game/internal/outbox"
	"example.com/game/internal/persistence/postgres"
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

	store := postgres.NewStore(pool)

	// CommitInterval stays zero: offsets are committed explicitly, after the
	// read-model transaction lands.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroup,
		Topic:           cfg.Topic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		ReadLagInterval: -1,
	})

	dlqProducer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer dlqProducer.Close()

	proc := consumer.NewProcessor(reader, store, dlqProducer, consumer.Config{
		DLQTopic:    cfg.ConsumerDLQ,
		MaxAttempts: cfg.ConsumerMaxAttempts,
	})

	metricsSrv := httptransport.NewServer(httptransport.ServerConfig{
		Address: cfg.MetricsAddress,
	}, promhttp.Handler())

	go func() {
		log.Printf("consumer metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer reader.Close()

		log.Printf("consumer started (topic=%s, group=%s)", cfg.Topic, cfg.ConsumerGroup)
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("consumer stopped with error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("consumer shutdown requested")
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}

func runCheck(cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := health.Check(ctx, cfg.DatabaseURL, cfg.KafkaBrokers, cfg.Topic, cfg.ConsumerDLQ)
	_ = json.NewEncoder(os.Stdout).Encode(res)
	if !res.OK {
		os.Exit(2)
	}
}
