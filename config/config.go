// Package config loads the fraction service configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the fraction funding service.
type Config struct {
	Port        string
	DatabaseURL string
	Environment string

	EVMEndpoint      string
	FractionContract string

	BrokerURL  string
	EventQueue string

	ControlBaseURL string
	ControlAPIKey  string
	ControlTimeout time.Duration

	AlertWebhookURL string

	GLWToken   string
	SGCTLToken string
	USDCToken  string

	MarketTZ          *time.Location
	CrowdsaleLifetime time.Duration
	EscalationAge     time.Duration
	ExpireInterval    time.Duration
	EscalateInterval  time.Duration
	RetryInterval     time.Duration
	RetryBatchSize    int
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	port := getEnvDefault("FRACTION_PORT", "8080")
	dbURL := os.Getenv("FRACTION_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("FRACTION_DB_URL is required")
	}
	environment := strings.TrimSpace(os.Getenv("FRACTION_ENVIRONMENT"))
	if environment == "" {
		return nil, fmt.Errorf("FRACTION_ENVIRONMENT is required")
	}

	evmEndpoint := os.Getenv("FRACTION_EVM_ENDPOINT")
	if evmEndpoint == "" {
		return nil, fmt.Errorf("FRACTION_EVM_ENDPOINT is required")
	}
	contract := os.Getenv("FRACTION_CONTRACT_ADDRESS")
	if contract == "" {
		return nil, fmt.Errorf("FRACTION_CONTRACT_ADDRESS is required")
	}

	brokerURL := os.Getenv("FRACTION_BROKER_URL")
	if brokerURL == "" {
		return nil, fmt.Errorf("FRACTION_BROKER_URL is required")
	}
	queue := getEnvDefault("FRACTION_EVENT_QUEUE", "fraction-events")

	controlBase := os.Getenv("FRACTION_CONTROL_BASE_URL")
	if controlBase == "" {
		return nil, fmt.Errorf("FRACTION_CONTROL_BASE_URL is required")
	}
	controlTimeoutSeconds := parseIntEnv("FRACTION_CONTROL_TIMEOUT_SECONDS", 15)
	if controlTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("invalid FRACTION_CONTROL_TIMEOUT_SECONDS %d", controlTimeoutSeconds)
	}

	glwToken := os.Getenv("FRACTION_GLW_TOKEN")
	if glwToken == "" {
		return nil, fmt.Errorf("FRACTION_GLW_TOKEN is required")
	}
	sgctlToken := os.Getenv("FRACTION_SGCTL_TOKEN")
	if sgctlToken == "" {
		return nil, fmt.Errorf("FRACTION_SGCTL_TOKEN is required")
	}
	usdcToken := os.Getenv("FRACTION_USDC_TOKEN")
	if usdcToken == "" {
		return nil, fmt.Errorf("FRACTION_USDC_TOKEN is required")
	}

	tzName := getEnvDefault("FRACTION_MARKET_TZ", "America/New_York")
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid FRACTION_MARKET_TZ %q: %w", tzName, err)
	}

	lifetimeDays := parseIntEnv("FRACTION_CROWDSALE_LIFETIME_DAYS", 28)
	if lifetimeDays <= 0 {
		return nil, fmt.Errorf("invalid FRACTION_CROWDSALE_LIFETIME_DAYS %d", lifetimeDays)
	}
	escalationDays := parseIntEnv("FRACTION_ESCALATION_AGE_DAYS", 7)
	if escalationDays <= 0 {
		return nil, fmt.Errorf("invalid FRACTION_ESCALATION_AGE_DAYS %d", escalationDays)
	}

	expireMinutes := parseIntEnv("FRACTION_EXPIRE_INTERVAL_MINUTES", 60)
	escalateMinutes := parseIntEnv("FRACTION_ESCALATE_INTERVAL_MINUTES", 360)
	retryMinutes := parseIntEnv("FRACTION_RETRY_INTERVAL_MINUTES", 15)
	if expireMinutes <= 0 || escalateMinutes <= 0 || retryMinutes <= 0 {
		return nil, fmt.Errorf("sweep intervals must be positive")
	}

	batch := parseIntEnv("FRACTION_RETRY_BATCH_SIZE", 20)
	if batch <= 0 {
		return nil, fmt.Errorf("invalid FRACTION_RETRY_BATCH_SIZE %d", batch)
	}

	return &Config{
		Port:              normalizePort(port),
		DatabaseURL:       dbURL,
		Environment:       environment,
		EVMEndpoint:       evmEndpoint,
		FractionContract:  contract,
		BrokerURL:         brokerURL,
		EventQueue:        queue,
		ControlBaseURL:    controlBase,
		ControlAPIKey:     strings.TrimSpace(os.Getenv("FRACTION_CONTROL_API_KEY")),
		ControlTimeout:    time.Duration(controlTimeoutSeconds) * time.Second,
		AlertWebhookURL:   strings.TrimSpace(os.Getenv("FRACTION_ALERT_WEBHOOK_URL")),
		GLWToken:          glwToken,
		SGCTLToken:        sgctlToken,
		USDCToken:         usdcToken,
		MarketTZ:          tz,
		CrowdsaleLifetime: time.Duration(lifetimeDays) * 24 * time.Hour,
		EscalationAge:     time.Duration(escalationDays) * 24 * time.Hour,
		ExpireInterval:    time.Duration(expireMinutes) * time.Minute,
		EscalateInterval:  time.Duration(escalateMinutes) * time.Minute,
		RetryInterval:     time.Duration(retryMinutes) * time.Minute,
		RetryBatchSize:    batch,
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
