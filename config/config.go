// Package config provides configuration for the agent runtime.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/xiaot623/agentloop/domain"
)

// Config holds the runtime configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Model endpoint
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	// Loop budgets
	MaxIterations int
	MaxTokens     int
	MaxReboots    int

	// Context assembly
	ContextTokenBudget   int
	CompressionThreshold float64
	RecentTurns          int

	// Confirmation gating
	ConfirmRiskThreshold domain.RiskLevel
	ConfirmTimeout       time.Duration

	// Tool execution
	ToolTimeout time.Duration

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:             getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:          getEnv("DATABASE_URL", "file:agentloop.db?cache=shared&mode=rwc"),
		LLMBaseURL:           getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:            getEnv("LLM_API_KEY", ""),
		LLMModel:             getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:           time.Duration(getEnvInt("LLM_TIMEOUT_MS", 120000)) * time.Millisecond,
		MaxIterations:        getEnvInt("MAX_ITERATIONS", 25),
		MaxTokens:            getEnvInt("MAX_TOKENS", 100000),
		MaxReboots:           getEnvInt("MAX_REBOOTS", 2),
		ContextTokenBudget:   getEnvInt("CONTEXT_TOKEN_BUDGET", 16000),
		CompressionThreshold: getEnvFloat("COMPRESSION_THRESHOLD", 0.7),
		RecentTurns:          getEnvInt("RECENT_TURNS", 5),
		ConfirmRiskThreshold: domain.RiskLevel(getEnv("CONFIRM_RISK_THRESHOLD", "medium")),
		ConfirmTimeout:       time.Duration(getEnvInt("CONFIRM_TIMEOUT_MS", 300000)) * time.Millisecond,
		ToolTimeout:          time.Duration(getEnvInt("TOOL_TIMEOUT_MS", 60000)) * time.Millisecond,
		PingInterval:         time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:         time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:          time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:       int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}
