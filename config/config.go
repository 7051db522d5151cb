package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the gas loan gateway.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string

	ChainRPCBase   string
	ChainID        uint64
	Contract       string
	ChainRateLimit int
	SignerKeyEnv   string

	ConfirmTimeout  time.Duration
	DefaultOfferTTL time.Duration
	MaxOfferTTL     time.Duration
	MaxLoanDuration time.Duration

	IdentityBaseURL string
	IdentityAPIKey  string
	IdentityTimeout time.Duration

	RateLimitCeiling int
	RateLimitWindow  time.Duration

	ReconInterval  time.Duration
	ReconMinAge    time.Duration
	ReconBatchSize int
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	port := getEnvDefault("GASLEND_PORT", "8080")
	env := getEnvDefault("GASLEND_ENV", "dev")

	dbURL := os.Getenv("GASLEND_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("GASLEND_DB_URL is required")
	}

	rpcBase := os.Getenv("GASLEND_CHAIN_RPC_BASE")
	if rpcBase == "" {
		return nil, fmt.Errorf("GASLEND_CHAIN_RPC_BASE is required")
	}
	chainIDValue := os.Getenv("GASLEND_CHAIN_ID")
	if chainIDValue == "" {
		return nil, fmt.Errorf("GASLEND_CHAIN_ID is required")
	}
	chainID, err := strconv.ParseUint(chainIDValue, 10, 64)
	if err != nil || chainID == 0 {
		return nil, fmt.Errorf("invalid GASLEND_CHAIN_ID %q", chainIDValue)
	}
	contract := strings.TrimSpace(os.Getenv("GASLEND_CONTRACT_ADDRESS"))
	if contract == "" {
		return nil, fmt.Errorf("GASLEND_CONTRACT_ADDRESS is required")
	}
	chainRate := parseIntEnv("GASLEND_CHAIN_RATE_LIMIT_PER_SECOND", 5)
	if chainRate <= 0 {
		return nil, fmt.Errorf("GASLEND_CHAIN_RATE_LIMIT_PER_SECOND must be positive")
	}

	signerKeyEnv := getEnvDefault("GASLEND_SIGNER_KEY_ENV", "GASLEND_SIGNER_KEY")
	if strings.TrimSpace(os.Getenv(signerKeyEnv)) == "" {
		return nil, fmt.Errorf("%s is required", signerKeyEnv)
	}

	confirmSeconds := parseIntEnv("GASLEND_CONFIRM_TIMEOUT_SECONDS", 120)
	if confirmSeconds <= 0 {
		return nil, fmt.Errorf("GASLEND_CONFIRM_TIMEOUT_SECONDS must be positive")
	}
	defaultTTL := parseIntEnv("GASLEND_OFFER_TTL_SECONDS", 900)
	if defaultTTL <= 0 {
		return nil, fmt.Errorf("GASLEND_OFFER_TTL_SECONDS must be positive")
	}
	maxTTL := parseIntEnv("GASLEND_OFFER_TTL_MAX_SECONDS", 3600)
	if maxTTL < defaultTTL {
		return nil, fmt.Errorf("GASLEND_OFFER_TTL_MAX_SECONDS must be >= GASLEND_OFFER_TTL_SECONDS")
	}
	maxDurationHours := parseIntEnv("GASLEND_MAX_LOAN_DURATION_HOURS", 24*90)
	if maxDurationHours <= 0 {
		return nil, fmt.Errorf("GASLEND_MAX_LOAN_DURATION_HOURS must be positive")
	}

	identityBase := os.Getenv("GASLEND_IDENTITY_BASE_URL")
	if identityBase == "" {
		return nil, fmt.Errorf("GASLEND_IDENTITY_BASE_URL is required")
	}
	identityAPIKey := os.Getenv("GASLEND_IDENTITY_API_KEY")
	identityTimeout := parseIntEnv("GASLEND_IDENTITY_TIMEOUT_SECONDS", 10)
	if identityTimeout <= 0 {
		return nil, fmt.Errorf("GASLEND_IDENTITY_TIMEOUT_SECONDS must be positive")
	}

	rateCeiling := parseIntEnv("GASLEND_RATE_LIMIT_CEILING", 600)
	if rateCeiling <= 0 {
		return nil, fmt.Errorf("GASLEND_RATE_LIMIT_CEILING must be positive")
	}
	rateWindow := parseIntEnv("GASLEND_RATE_LIMIT_WINDOW_SECONDS", 60)
	if rateWindow <= 0 {
		return nil, fmt.Errorf("GASLEND_RATE_LIMIT_WINDOW_SECONDS must be positive")
	}

	reconInterval := parseIntEnv("GASLEND_RECON_INTERVAL_SECONDS", 60)
	if reconInterval <= 0 {
		return nil, fmt.Errorf("GASLEND_RECON_INTERVAL_SECONDS must be positive")
	}
	reconMinAge := parseIntEnv("GASLEND_RECON_MIN_AGE_SECONDS", 300)
	if reconMinAge <= 0 {
		return nil, fmt.Errorf("GASLEND_RECON_MIN_AGE_SECONDS must be positive")
	}
	reconBatch := parseIntEnv("GASLEND_RECON_BATCH_SIZE", 100)
	if reconBatch <= 0 {
		return nil, fmt.Errorf("GASLEND_RECON_BATCH_SIZE must be positive")
	}

	return &Config{
		Port:             normalizePort(port),
		Env:              env,
		DatabaseURL:      dbURL,
		ChainRPCBase:     rpcBase,
		ChainID:          chainID,
		Contract:         contract,
		ChainRateLimit:   chainRate,
		SignerKeyEnv:     signerKeyEnv,
		ConfirmTimeout:   time.Duration(confirmSeconds) * time.Second,
		DefaultOfferTTL:  time.Duration(defaultTTL) * time.Second,
		MaxOfferTTL:      time.Duration(maxTTL) * time.Second,
		MaxLoanDuration:  time.Duration(maxDurationHours) * time.Hour,
		IdentityBaseURL:  identityBase,
		IdentityAPIKey:   identityAPIKey,
		IdentityTimeout:  time.Duration(identityTimeout) * time.Second,
		RateLimitCeiling: rateCeiling,
		RateLimitWindow:  time.Duration(rateWindow) * time.Second,
		ReconInterval:    time.Duration(reconInterval) * time.Second,
		ReconMinAge:      time.Duration(reconMinAge) * time.Second,
		ReconBatchSize:   reconBatch,
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}
