package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rxtrace/prescription-service/internal/api"
	"github.com/rxtrace/prescription-service/internal/auth"
	"github.com/rxtrace/prescription-service/internal/config"
	"github.com/rxtrace/prescription-service/internal/credential"
	"github.com/rxtrace/prescription-service/internal/db"
	"github.com/rxtrace/prescription-service/internal/mail"
	"github.com/rxtrace/prescription-service/internal/otp"
	"github.com/rxtrace/prescription-service/internal/prescription"
	"github.com/rxtrace/prescription-service/internal/qr"
	redisclient "github.com/rxtrace/prescription-service/internal/redis"
	"github.com/rxtrace/prescription-service/internal/token"
)

const version = "0.3.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running in env=%s http_port=%s", cfg.Env, cfg.HTTPPort)

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

	// Connect Redis
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

	cipher, err := qr.NewPayloadCipher(cfg.QREncryptionKey)
	if err != nil {
		log.Fatalf("payload cipher error: %v", err)
	}

	credStore := credential.NewPgStore(pgPool)
	locker := redisclient.NewRedisPrescriptionLocker(rdb, cfg.LockTTL)
	mailer := mail.NewSMTPSender(cfg.SMTP)

	qrManager := qr.NewManager(credStore, cipher, locker, mailer, cfg.QRTTL)
	otpGate := otp.NewGate(credStore, mailer, cfg.OTPTTL)
	registry := token.NewRegistry(credStore, rdb)
	authManager := auth.NewManager(cfg.JWTSecret, cfg.SessionTTL)

	repo := prescription.NewPgRepository(pgPool)
	svc := prescription.NewService(repo, qrManager)

	router := api.NewRouter(api.RouterConfig{
		Prescriptions: svc,
		OTPGate:       otpGate,
		Tokens:        registry,
		Auth:          authManager,
		PgPool:        pgPool,
		Redis:         rdb,
		Env:           cfg.Env,
		Version:       version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-rootCtx.Done()

	log.Println("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
