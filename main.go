package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-interest-ledger/accrual"
	"go-interest-ledger/config"
	"go-interest-ledger/events"
	"go-interest-ledger/handler"
	"go-interest-ledger/interest"
	"go-interest-ledger/ledger"
	"go-interest-ledger/scheduler"
	"go-interest-ledger/storage"

	"github.com/go-redis/redis/v8"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Failed to load time zone: %v", err)
	}

	// Initialize storage
	var store storage.Store
	switch cfg.Store {
	case config.StoreMemory:
		store = storage.NewMemoryStore()
		log.Println("Using in-memory storage; balances are lost on restart.")
	default:
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		store = pg
		log.Println("Database connection established and schema initialized.")
	}
	defer store.Close()

	l := ledger.New(store,
		ledger.WithScale(cfg.Interest.CurrencyScale),
		ledger.WithMaxRetries(cfg.MaxRetries),
	)

	posterOpts := []accrual.Option{
		accrual.WithCalculator(interest.Calculator{Scale: cfg.Interest.CurrencyScale}),
		accrual.WithLocation(loc),
	}
	if cfg.RabbitMQ.URL != "" {
		publisher, err := events.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Printf("Error closing RabbitMQ publisher: %v", err)
			}
		}()
		posterOpts = append(posterOpts, accrual.WithPublisher(publisher))
		log.Printf("Publishing batch events to exchange %q", cfg.RabbitMQ.Exchange)
	}
	poster := accrual.NewPoster(l, posterOpts...)

	sched := scheduler.New(poster, store,
		scheduler.WithTimeOfDay(cfg.Interest.Hour, cfg.Interest.Minute),
		scheduler.WithLocation(loc),
	)

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		log.Println("Idempotency keys enabled.")
	}

	router := handler.NewRouter(l, poster, sched, handler.RouterConfig{
		AdminToken: cfg.AdminToken,
		Redis:      rdb,
	})
	if cfg.AdminToken == "" {
		log.Println("ADMIN_TOKEN is not set; admin endpoints are disabled.")
	}

	// Create and start server
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("ListenAndServe error: %v", err)
		}
	}()

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start interest scheduler: %v", err)
	}
	log.Printf("Interest scheduler started: month-end %02d:%02d %s", cfg.Interest.Hour, cfg.Interest.Minute, loc)

	// Wait for shutdown signal
	<-ctx.Done()
	log.Println("Shutting down server...")

	// Create a context for shutdown with a timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	sched.Stop()

	log.Println("Server gracefully stopped")
}
