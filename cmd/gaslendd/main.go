package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"gaslend/auth"
	"gaslend/chainrpc"
	"gaslend/config"
	"gaslend/engine"
	"gaslend/identity"
	"gaslend/models"
	"gaslend/observability/logging"
	"gaslend/recon"
	"gaslend/server"
	"gaslend/signer"
	"gaslend/storage"
)

func openDatabase(databaseURL string) (*gorm.DB, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(databaseURL), &gorm.Config{})
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("gaslendd", cfg.Env)

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}
	store := storage.New(db)

	keySigner, err := signer.NewFromEnv(cfg.SignerKeyEnv)
	if err != nil {
		log.Fatalf("signer error: %v", err)
	}

	chainClient := chainrpc.NewClient(chainrpc.Config{
		URL:             cfg.ChainRPCBase,
		ChainID:         cfg.ChainID,
		SubmitPerSecond: float64(cfg.ChainRateLimit),
	})

	identityClient, err := identity.NewClient(identity.Config{
		BaseURL: cfg.IdentityBaseURL,
		APIKey:  cfg.IdentityAPIKey,
		Timeout: cfg.IdentityTimeout,
	})
	if err != nil {
		log.Fatalf("identity client error: %v", err)
	}

	limiter := auth.NewRateLimiter(auth.RateLimitConfig{
		Ceiling: cfg.RateLimitCeiling,
		Window:  cfg.RateLimitWindow,
	})
	gate := auth.NewGate(identityClient, limiter)

	eng := engine.New(engine.Config{
		Store:           store,
		Signer:          keySigner,
		Chain:           chainClient,
		Contract:        cfg.Contract,
		Logger:          logger,
		DefaultOfferTTL: cfg.DefaultOfferTTL,
		MaxOfferTTL:     cfg.MaxOfferTTL,
		MaxDuration:     cfg.MaxLoanDuration,
		ConfirmTimeout:  cfg.ConfirmTimeout,
	})

	reconciler, err := recon.New(recon.Config{
		Store:     store,
		Chain:     chainClient,
		Logger:    logger,
		MinAge:    cfg.ReconMinAge,
		BatchSize: cfg.ReconBatchSize,
	})
	if err != nil {
		log.Fatalf("reconciler init error: %v", err)
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.ReconInterval,
		Logger:     logger,
	})
	go scheduler.Start(context.Background())

	srv := server.New(server.Config{
		Engine: eng,
		Gate:   gate,
		Logger: logger,
	})

	addr := ":" + cfg.Port
	logger.Info("starting gaslendd", "addr", addr, "chain_id", cfg.ChainID, "signer", keySigner.Address().Hex())
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
