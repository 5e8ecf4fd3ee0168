package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/rxtrace/prescription-service/internal/config"
	"github.com/rxtrace/prescription-service/internal/credential"
	"github.com/rxtrace/prescription-service/internal/db"
	redisclient "github.com/rxtrace/prescription-service/internal/redis"
	"github.com/rxtrace/prescription-service/internal/token"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("expiry-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running expiry worker in env=%s interval=%s", cfg.Env, cfg.WorkerInterval)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	store := credential.NewPgStore(pgPool)
	registry := token.NewRegistry(store, rdb)

	// Run once at startup
	runOnce(rootCtx, store, registry)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Println("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, store, registry)
		}
	}
}

func runOnce(ctx context.Context, store credential.Store, registry *token.Registry) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	now := time.Now()

	qrRemoved, err := store.SweepExpired(runCtx, credential.KindQR, now)
	if err != nil {
		log.Printf("qr sweep error: %v", err)
	}

	otpRemoved, err := store.SweepExpired(runCtx, credential.KindOTP, now)
	if err != nil {
		log.Printf("otp sweep error: %v", err)
	}

	tokensRemoved, err := registry.SweepExpired(runCtx, now)
	if err != nil {
		log.Printf("revoked token sweep error: %v", err)
	}

	log.Printf("sweep complete in %s: qr=%d otp=%d revoked_tokens=%d",
		time.Since(start), qrRemoved, otpRemoved, tokensRemoved)
}
